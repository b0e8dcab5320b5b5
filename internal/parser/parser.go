package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
)

// Column aliases accepted in CSV headers. The corridor export uses the
// Spanish names; tooling around this repo writes the English ones.
var (
	sensorAliases    = []string{"sensor_id", "id", "identif"}
	timeAliases      = []string{"timestamp", "fecha"}
	speedAliases     = []string{"speed", "vmed"}
	flowAliases      = []string{"flow", "intensidad"}
	occupancyAliases = []string{"occupancy", "ocupacion"}
)

// Parser handles parsing of road sensor data files
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile parses a sensor data file
func (p *Parser) ParseFile(filename string) ([]models.Observation, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(p.format) {
	case "csv":
		return p.parseCSV(file)
	case "json":
		return p.parseJSON(file)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses delimited sensor data. The delimiter is sniffed from the
// header line, so both the semicolon corridor export and plain CSV work.
func (p *Parser) parseCSV(r io.Reader) ([]models.Observation, error) {
	br := bufio.NewReader(r)
	headerLine, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	comma := ','
	if strings.Count(headerLine, ";") > strings.Count(headerLine, ",") {
		comma = ';'
	}

	reader := csv.NewReader(io.MultiReader(strings.NewReader(headerLine), br))
	reader.Comma = comma
	reader.FieldsPerRecord = -1 // Allow variable fields

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map header indices
	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var results []models.Observation
	lineNum := 1

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNum++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				slog.Warn("skipping malformed row", "line", lineNum, "error", err)
				continue
			}
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		obs, err := p.recordToObservation(record, indices)
		if err != nil {
			// Log error but continue parsing
			slog.Warn("skipping row", "line", lineNum, "error", err)
			continue
		}
		results = append(results, obs)
	}

	return results, nil
}

// recordToObservation converts a CSV record to an Observation. Absent or
// unparseable numeric fields become NaN so the cleaning stage can decide
// whether the row is repairable. An unparseable timestamp is kept as the
// zero value; the cleaner drops and counts it.
func (p *Parser) recordToObservation(record []string, indices map[string]int) (models.Observation, error) {
	var o models.Observation

	getValue := func(aliases []string) string {
		for _, key := range aliases {
			if idx, ok := indices[key]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
		}
		return ""
	}

	o.SensorID = getValue(sensorAliases)
	if o.SensorID == "" {
		return o, fmt.Errorf("missing sensor id")
	}

	if tsStr := getValue(timeAliases); tsStr != "" {
		if ts, err := parseTimestamp(tsStr); err == nil {
			o.Timestamp = ts
		}
	}

	o.Speed = parseFloat(getValue(speedAliases))
	o.Flow = parseFloat(getValue(flowAliases))
	o.Occupancy = parseFloat(getValue(occupancyAliases))

	return o, nil
}

// parseFloat maps empty or malformed values to the missing sentinel.
func parseFloat(s string) float64 {
	if s == "" {
		return models.Missing()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return models.Missing()
	}
	return v
}

// jsonRecord is the wire shape for JSON ingest. Numeric fields are pointers
// so that absent keys map to NaN instead of zero.
type jsonRecord struct {
	SensorID  string   `json:"sensor_id"`
	Timestamp string   `json:"timestamp"`
	Speed     *float64 `json:"speed"`
	Flow      *float64 `json:"flow"`
	Occupancy *float64 `json:"occupancy"`
}

func (j jsonRecord) observation() (models.Observation, error) {
	if j.SensorID == "" {
		return models.Observation{}, fmt.Errorf("missing sensor_id")
	}
	o := models.Observation{
		SensorID:  j.SensorID,
		Speed:     floatOrMissing(j.Speed),
		Flow:      floatOrMissing(j.Flow),
		Occupancy: floatOrMissing(j.Occupancy),
	}
	if j.Timestamp != "" {
		if ts, err := parseTimestamp(j.Timestamp); err == nil {
			o.Timestamp = ts
		}
	}
	return o, nil
}

func floatOrMissing(v *float64) float64 {
	if v == nil {
		return models.Missing()
	}
	return *v
}

// parseJSON parses JSON formatted sensor data, either a single array or
// newline-delimited records.
func (p *Parser) parseJSON(r io.Reader) ([]models.Observation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	// Try to decode as array first
	var records []jsonRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return recordsToObservations(records), nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.Observation, error) {
	var results []models.Observation
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		// Remove trailing comma if present
		line = strings.TrimSuffix(line, ",")

		var rec jsonRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping malformed row", "line", lineNum, "error", err)
			continue
		}
		obs, err := rec.observation()
		if err != nil {
			slog.Warn("skipping row", "line", lineNum, "error", err)
			continue
		}
		results = append(results, obs)
	}

	return results, scanner.Err()
}

func recordsToObservations(records []jsonRecord) []models.Observation {
	results := make([]models.Observation, 0, len(records))
	for i, rec := range records {
		obs, err := rec.observation()
		if err != nil {
			slog.Warn("skipping record", "index", i, "error", err)
			continue
		}
		results = append(results, obs)
	}
	return results
}

// parseTimestamp tries multiple timestamp formats
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateObservation checks a single observation against the configured
// physical ranges. Missing values are allowed; the pipeline handles them.
func ValidateObservation(cfg config.Config, o *models.Observation) []string {
	var errors []string

	if o.SensorID == "" {
		errors = append(errors, "sensor_id is required")
	}
	if !models.IsMissing(o.Speed) && (o.Speed < cfg.SpeedMin || o.Speed > cfg.SpeedMax) {
		errors = append(errors, fmt.Sprintf("speed must be between %g and %g", cfg.SpeedMin, cfg.SpeedMax))
	}
	if !models.IsMissing(o.Flow) && (o.Flow < cfg.FlowMin || o.Flow > cfg.FlowMax) {
		errors = append(errors, fmt.Sprintf("flow must be between %g and %g", cfg.FlowMin, cfg.FlowMax))
	}
	if !models.IsMissing(o.Occupancy) && (o.Occupancy < 0 || o.Occupancy > 100) {
		errors = append(errors, "occupancy must be between 0 and 100")
	}

	return errors
}
