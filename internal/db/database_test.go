package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-vsl-optimizer/internal/models"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func obs(sensor string, n int, speed, flow, occupancy float64) models.Observation {
	return models.Observation{
		SensorID:  sensor,
		Timestamp: t0.Add(time.Duration(n) * 15 * time.Minute),
		Speed:     speed,
		Flow:      flow,
		Occupancy: occupancy,
	}
}

func TestUpsertStation(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.UpsertStation(&models.Station{
		ID: "PM1002", Name: "Nudo Sur", Latitude: 40.39, Longitude: -3.67,
	}))
	require.NoError(t, database.UpsertStation(&models.Station{
		ID: "PM1001", Name: "Pza. de Castilla", Latitude: 40.46, Longitude: -3.69,
	}))

	got, err := database.GetStation("PM1001")
	require.NoError(t, err)
	assert.Equal(t, "Pza. de Castilla", got.Name)
	assert.Equal(t, 40.46, got.Latitude)
	assert.Equal(t, -3.69, got.Longitude)

	// same id again updates in place
	require.NoError(t, database.UpsertStation(&models.Station{
		ID: "PM1001", Name: "Plaza de Castilla", Latitude: 40.4669, Longitude: -3.6892,
	}))

	stations, err := database.ListStations()
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, "PM1001", stations[0].ID, "listing is ordered by id")
	assert.Equal(t, "Plaza de Castilla", stations[0].Name)
	assert.Equal(t, "PM1002", stations[1].ID)

	_, err = database.GetStation("PM9999")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInsertObservationSetsID(t *testing.T) {
	database := newTestDB(t)

	o := obs("PM1001", 0, 85, 1200, 12.5)
	require.NoError(t, database.InsertObservation(&o))
	assert.Positive(t, o.ID)

	got, err := database.GetLatestObservation("PM1001")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, 85.0, got.Speed)
	assert.WithinDuration(t, t0, got.Timestamp, time.Second)
}

func TestBatchInsertIgnoresDuplicates(t *testing.T) {
	database := newTestDB(t)

	inserted, err := database.InsertObservationBatch([]models.Observation{
		obs("PM1001", 0, 85, 1200, 12.5),
		obs("PM1001", 1, 80, 1300, 13),
		obs("PM1002", 0, 95, 800, 8),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	// re-ingesting the same interval is a no-op
	inserted, err = database.InsertObservationBatch([]models.Observation{
		obs("PM1001", 0, 85, 1200, 12.5),
		obs("PM1001", 2, 75, 1400, 14),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	count, err := database.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestMissingValuesRoundTripAsNull(t *testing.T) {
	database := newTestDB(t)

	o := obs("PM1001", 0, models.Missing(), 900, models.Missing())
	_, err := database.InsertObservationBatch([]models.Observation{o})
	require.NoError(t, err)

	got, err := database.QueryObservations(models.ObservationQuery{SensorID: "PM1001"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.True(t, models.IsMissing(got[0].Speed))
	assert.True(t, models.IsMissing(got[0].Occupancy))
	assert.Equal(t, 900.0, got[0].Flow)
}

func TestQueryObservations(t *testing.T) {
	database := newTestDB(t)

	// insert scrambled; queries must come back sensor-and-time ordered
	_, err := database.InsertObservationBatch([]models.Observation{
		obs("PM1002", 1, 90, 900, 9),
		obs("PM1001", 2, 75, 1400, 14),
		obs("PM1001", 0, 85, 1200, 12),
		obs("PM1002", 0, 95, 800, 8),
		obs("PM1001", 1, 80, 1300, 13),
	})
	require.NoError(t, err)

	t.Run("orders by sensor and time", func(t *testing.T) {
		got, err := database.QueryObservations(models.ObservationQuery{})
		require.NoError(t, err)
		require.Len(t, got, 5)

		wantSensors := []string{"PM1001", "PM1001", "PM1001", "PM1002", "PM1002"}
		for i, o := range got {
			assert.Equal(t, wantSensors[i], o.SensorID, "row %d", i)
			if i > 0 && o.SensorID == got[i-1].SensorID {
				assert.True(t, got[i-1].Timestamp.Before(o.Timestamp), "row %d", i)
			}
		}
	})

	t.Run("filters by sensor", func(t *testing.T) {
		got, err := database.QueryObservations(models.ObservationQuery{SensorID: "PM1001"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("filters by time window", func(t *testing.T) {
		got, err := database.QueryObservations(models.ObservationQuery{
			StartTime: t0.Add(15 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = database.QueryObservations(models.ObservationQuery{
			SensorID:  "PM1001",
			StartTime: t0.Add(15 * time.Minute),
			EndTime:   t0.Add(15 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 80.0, got[0].Speed)
	})

	t.Run("pages with limit and offset", func(t *testing.T) {
		first, err := database.QueryObservations(models.ObservationQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, 85.0, first[0].Speed)

		second, err := database.QueryObservations(models.ObservationQuery{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, second, 2)
		assert.Equal(t, 75.0, second[0].Speed)
	})
}

func TestGetLatestObservation(t *testing.T) {
	database := newTestDB(t)

	_, err := database.InsertObservationBatch([]models.Observation{
		obs("PM1001", 0, 85, 1200, 12),
		obs("PM1001", 2, 75, 1400, 14),
		obs("PM1001", 1, 80, 1300, 13),
	})
	require.NoError(t, err)

	got, err := database.GetLatestObservation("PM1001")
	require.NoError(t, err)
	assert.Equal(t, 75.0, got.Speed)
	assert.WithinDuration(t, t0.Add(30*time.Minute), got.Timestamp, time.Second)

	_, err = database.GetLatestObservation("PM9999")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListSensors(t *testing.T) {
	database := newTestDB(t)

	_, err := database.InsertObservationBatch([]models.Observation{
		obs("PM1002", 0, 90, 900, 9),
		obs("PM1001", 0, 85, 1200, 12),
		obs("PM1001", 1, 80, 1300, 13),
	})
	require.NoError(t, err)

	sensors, err := database.ListSensors()
	require.NoError(t, err)
	assert.Equal(t, []string{"PM1001", "PM1002"}, sensors)
}

func TestSaveAndGetAnalysisRun(t *testing.T) {
	database := newTestDB(t)

	run := &models.AnalysisRun{
		ID:        "run-1",
		CreatedAt: t0,
		BaseLimit: 90,
		Summaries: []models.SensorSummary{
			{SensorID: "PM1001", Rows: 96, BaseLimit: 90, CriticalDensity: 40,
				MaxCapacity: 4100, ActiveIntervals: 12, PctActive: 12.5,
				AvgSpeedGain: 8.2, PctSpeedGain: 18.0},
			{SensorID: "PM1002", Rows: 96, BaseLimit: 90, CriticalDensity: 45,
				MaxCapacity: 3900, ActiveIntervals: 30, PctActive: 31.25,
				AvgSpeedGain: 12.4, PctSpeedGain: 33.1},
		},
	}
	require.NoError(t, database.SaveAnalysisRun(run))

	got, err := database.GetAnalysisRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, 90.0, got.BaseLimit)
	assert.Equal(t, 2, got.SensorCount)
	assert.WithinDuration(t, t0, got.CreatedAt, time.Second)

	require.Len(t, got.Summaries, 2)
	assert.Equal(t, "PM1002", got.Summaries[0].SensorID, "best gain first")
	assert.Equal(t, 33.1, got.Summaries[0].PctSpeedGain)
	assert.Equal(t, "PM1001", got.Summaries[1].SensorID)
	assert.Equal(t, 40.0, got.Summaries[1].CriticalDensity)

	_, err = database.GetAnalysisRun("run-404")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListAnalysisRuns(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.SaveAnalysisRun(&models.AnalysisRun{
		ID: "run-1", CreatedAt: t0, BaseLimit: 90,
	}))
	require.NoError(t, database.SaveAnalysisRun(&models.AnalysisRun{
		ID: "run-2", CreatedAt: t0.Add(time.Hour), BaseLimit: 90,
	}))

	runs, err := database.ListAnalysisRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Empty(t, runs[0].Summaries, "listing skips the per-sensor detail")

	runs, err = database.ListAnalysisRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestGetStats(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.UpsertStation(&models.Station{ID: "PM1001", Name: "Pza. de Castilla"}))
	_, err := database.InsertObservationBatch([]models.Observation{
		obs("PM1001", 0, 85, 1200, 12),
		obs("PM1001", 1, 80, 1300, 13),
		obs("PM1002", 0, 95, 800, 8),
	})
	require.NoError(t, err)
	require.NoError(t, database.SaveAnalysisRun(&models.AnalysisRun{ID: "run-1", CreatedAt: t0, BaseLimit: 90}))

	stats, err := database.GetStats()
	require.NoError(t, err)
	assert.EqualValues(t, int64(3), stats["total_observations"])
	assert.EqualValues(t, int64(1), stats["total_stations"])
	assert.EqualValues(t, int64(2), stats["total_sensors"])
	assert.EqualValues(t, int64(1), stats["analysis_runs"])
}
