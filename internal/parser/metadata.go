package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"traffic-vsl-optimizer/internal/models"
)

// ReadStations loads the station registry exported alongside the sensor
// feed. The export is Latin-1 encoded (station names carry accents), so it
// is decoded before parsing. A missing file is not an error: analysis works
// without the registry, it only loses names and coordinates.
func ReadStations(path string) ([]models.Station, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("station registry not found, continuing without it", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open stations file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(file))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stations header: %w", err)
	}

	idIdx := headerIndex(header, "codigo", "id", "sensor_id")
	nameIdx := headerIndex(header, "nombre", "name")
	latIdx := headerIndex(header, "latitud", "latitude", "lat")
	lonIdx := headerIndex(header, "longitud", "longitude", "lon")

	var stations []models.Station
	lineNum := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNum++
		if err != nil {
			slog.Warn("skipping malformed station row", "line", lineNum, "error", err)
			continue
		}

		id := field(record, idIdx)
		if id == "" {
			slog.Warn("skipping station without id", "line", lineNum)
			continue
		}
		lat, _ := strconv.ParseFloat(field(record, latIdx), 64)
		lon, _ := strconv.ParseFloat(field(record, lonIdx), 64)
		stations = append(stations, models.Station{
			ID:        id,
			Name:      field(record, nameIdx),
			Latitude:  lat,
			Longitude: lon,
		})
	}
	return stations, nil
}

// ReadLimits loads the per-sensor posted speed limits. Missing file means
// every sensor falls back to the configured default limit.
func ReadLimits(path string) (map[string]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("limits file not found, using default base limit", "path", path)
			return map[string]float64{}, nil
		}
		return nil, fmt.Errorf("failed to open limits file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file: %w", err)
	}

	comma := ','
	if line, _, found := strings.Cut(string(data), "\n"); found || line != "" {
		if strings.Count(line, ";") > strings.Count(line, ",") {
			comma = ';'
		}
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = comma
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]float64{}, nil
		}
		return nil, fmt.Errorf("failed to read limits header: %w", err)
	}

	idIdx := headerIndex(header, "sensor_id", "id")
	limitIdx := headerIndex(header, "inferred_limit", "limit", "limite")

	limits := make(map[string]float64)
	lineNum := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNum++
		if err != nil {
			slog.Warn("skipping malformed limit row", "line", lineNum, "error", err)
			continue
		}

		id := field(record, idIdx)
		v, parseErr := strconv.ParseFloat(field(record, limitIdx), 64)
		if id == "" || parseErr != nil || v <= 0 {
			continue
		}
		limits[id] = v
	}
	return limits, nil
}

// headerIndex returns the index of the first header matching any alias,
// or -1 when none is present.
func headerIndex(header []string, aliases ...string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, a := range aliases {
			if h == a {
				return i
			}
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
