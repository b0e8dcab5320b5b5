package db

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"traffic-vsl-optimizer/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings for better performance
	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		speed REAL,
		flow REAL,
		occupancy REAL,
		UNIQUE (sensor_id, timestamp)
	);

	CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		base_limit REAL NOT NULL,
		sensor_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sensor_summaries (
		run_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		base_limit REAL NOT NULL,
		critical_density REAL NOT NULL,
		max_capacity REAL NOT NULL,
		active_intervals INTEGER NOT NULL,
		pct_active REAL NOT NULL,
		avg_speed_gain REAL NOT NULL,
		pct_speed_gain REAL NOT NULL,
		PRIMARY KEY (run_id, sensor_id),
		FOREIGN KEY (run_id) REFERENCES analysis_runs(id)
	);

	-- Indexes for fast queries (sub-100ms target)
	CREATE INDEX IF NOT EXISTS idx_observations_sensor_id ON observations(sensor_id);
	CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_observations_sensor_timestamp ON observations(sensor_id, timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// UpsertStation adds or updates a station
func (db *Database) UpsertStation(s *models.Station) error {
	query := `
		INSERT INTO stations (id, name, latitude, longitude) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			latitude = excluded.latitude, longitude = excluded.longitude
	`
	_, err := db.conn.Exec(query, s.ID, s.Name, s.Latitude, s.Longitude)
	return err
}

// GetStation retrieves a station by ID
func (db *Database) GetStation(id string) (*models.Station, error) {
	query := `SELECT id, name, latitude, longitude, created_at FROM stations WHERE id = ?`

	var s models.Station
	err := db.conn.QueryRow(query, id).Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStations returns all stations
func (db *Database) ListStations() ([]models.Station, error) {
	query := `SELECT id, name, latitude, longitude, created_at FROM stations ORDER BY id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var s models.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &s.CreatedAt); err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, rows.Err()
}

// InsertObservation adds a single observation
func (db *Database) InsertObservation(o *models.Observation) error {
	query := `
		INSERT INTO observations (sensor_id, timestamp, speed, flow, occupancy)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := db.conn.Exec(query,
		o.SensorID, o.Timestamp, nullable(o.Speed), nullable(o.Flow), nullable(o.Occupancy),
	)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	o.ID = id
	return nil
}

// InsertObservationBatch efficiently inserts multiple observations. Rows
// that collide with an already stored (sensor_id, timestamp) pair are
// ignored, so re-ingesting a feed file is safe. Returns the number of rows
// actually written.
func (db *Database) InsertObservationBatch(records []models.Observation) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO observations (sensor_id, timestamp, speed, flow, occupancy)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, o := range records {
		result, err := stmt.Exec(
			o.SensorID, o.Timestamp, nullable(o.Speed), nullable(o.Flow), nullable(o.Occupancy),
		)
		if err != nil {
			return count, err
		}
		if n, err := result.RowsAffected(); err == nil {
			count += n
		}
	}

	return count, tx.Commit()
}

// QueryObservations retrieves observations based on query parameters. Rows
// come back ordered by sensor and time, which is the order the cleaning
// pipeline expects.
func (db *Database) QueryObservations(q models.ObservationQuery) ([]models.Observation, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `SELECT id, sensor_id, timestamp, speed, flow, occupancy FROM observations`

	if q.SensorID != "" {
		conditions = append(conditions, "sensor_id = ?")
		args = append(args, q.SensorID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime)
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime)
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY sensor_id, timestamp ASC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, o)
	}

	return results, rows.Err()
}

// GetLatestObservation returns the most recent observation for a sensor
func (db *Database) GetLatestObservation(sensorID string) (*models.Observation, error) {
	query := `
		SELECT id, sensor_id, timestamp, speed, flow, occupancy
		FROM observations
		WHERE sensor_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var o models.Observation
	var speed, flow, occupancy sql.NullFloat64

	err := db.conn.QueryRow(query, sensorID).Scan(
		&o.ID, &o.SensorID, &o.Timestamp, &speed, &flow, &occupancy,
	)
	if err != nil {
		return nil, err
	}
	o.Speed = fromNullable(speed)
	o.Flow = fromNullable(flow)
	o.Occupancy = fromNullable(occupancy)
	return &o, nil
}

// ListSensors returns the distinct sensor IDs present in the store
func (db *Database) ListSensors() ([]string, error) {
	rows, err := db.conn.Query(`SELECT DISTINCT sensor_id FROM observations ORDER BY sensor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sensors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sensors = append(sensors, id)
	}
	return sensors, rows.Err()
}

// SaveAnalysisRun persists a run and its per-sensor summaries atomically
func (db *Database) SaveAnalysisRun(run *models.AnalysisRun) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO analysis_runs (id, created_at, base_limit, sensor_count) VALUES (?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.BaseLimit, len(run.Summaries),
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO sensor_summaries
		(run_id, sensor_id, row_count, base_limit, critical_density, max_capacity,
		 active_intervals, pct_active, avg_speed_gain, pct_speed_gain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range run.Summaries {
		_, err := stmt.Exec(
			run.ID, s.SensorID, s.Rows, s.BaseLimit, s.CriticalDensity, s.MaxCapacity,
			s.ActiveIntervals, s.PctActive, s.AvgSpeedGain, s.PctSpeedGain,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetAnalysisRun retrieves a run with its summaries, best gain first
func (db *Database) GetAnalysisRun(id string) (*models.AnalysisRun, error) {
	var run models.AnalysisRun
	err := db.conn.QueryRow(
		`SELECT id, created_at, base_limit, sensor_count FROM analysis_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.CreatedAt, &run.BaseLimit, &run.SensorCount)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`
		SELECT sensor_id, row_count, base_limit, critical_density, max_capacity,
		       active_intervals, pct_active, avg_speed_gain, pct_speed_gain
		FROM sensor_summaries
		WHERE run_id = ?
		ORDER BY pct_speed_gain DESC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s models.SensorSummary
		err := rows.Scan(
			&s.SensorID, &s.Rows, &s.BaseLimit, &s.CriticalDensity, &s.MaxCapacity,
			&s.ActiveIntervals, &s.PctActive, &s.AvgSpeedGain, &s.PctSpeedGain,
		)
		if err != nil {
			return nil, err
		}
		run.Summaries = append(run.Summaries, s)
	}
	return &run, rows.Err()
}

// ListAnalysisRuns returns recent runs without their summaries
func (db *Database) ListAnalysisRuns(limit int) ([]models.AnalysisRun, error) {
	query := `SELECT id, created_at, base_limit, sensor_count FROM analysis_runs ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.AnalysisRun
	for rows.Next() {
		var r models.AnalysisRun
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.BaseLimit, &r.SensorCount); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRecordCount returns total stored observations
func (db *Database) GetRecordCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM observations").Scan(&count)
	return count, err
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalObservations int64
	db.conn.QueryRow("SELECT COUNT(*) FROM observations").Scan(&totalObservations)
	stats["total_observations"] = totalObservations

	var totalStations int64
	db.conn.QueryRow("SELECT COUNT(*) FROM stations").Scan(&totalStations)
	stats["total_stations"] = totalStations

	var totalSensors int64
	db.conn.QueryRow("SELECT COUNT(DISTINCT sensor_id) FROM observations").Scan(&totalSensors)
	stats["total_sensors"] = totalSensors

	var totalRuns int64
	db.conn.QueryRow("SELECT COUNT(*) FROM analysis_runs").Scan(&totalRuns)
	stats["analysis_runs"] = totalRuns

	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(row scanner) (models.Observation, error) {
	var o models.Observation
	var speed, flow, occupancy sql.NullFloat64

	err := row.Scan(&o.ID, &o.SensorID, &o.Timestamp, &speed, &flow, &occupancy)
	if err != nil {
		return o, err
	}
	o.Speed = fromNullable(speed)
	o.Flow = fromNullable(flow)
	o.Occupancy = fromNullable(occupancy)
	return o, nil
}

// nullable maps the NaN missing sentinel to SQL NULL on the way in.
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// fromNullable maps SQL NULL back to NaN on the way out.
func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return models.Missing()
	}
	return v.Float64
}
