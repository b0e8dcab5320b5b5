package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseCSVSemicolonExport(t *testing.T) {
	content := `id;fecha;vmed;intensidad;ocupacion
PM1001;2024-03-04 08:00:00;85.5;1200;12.5
PM1001;2024-03-04 08:15:00;;1100;
PM1002;bad-date;70;900;8
;2024-03-04 08:00:00;60;800;5
`
	path := writeTemp(t, "export.csv", content)

	got, err := NewParser("csv").ParseFile(path)
	require.NoError(t, err)
	require.Len(t, got, 3, "the row without a sensor id is skipped")

	assert.Equal(t, "PM1001", got[0].SensorID)
	assert.Equal(t, time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, 85.5, got[0].Speed)
	assert.Equal(t, 1200.0, got[0].Flow)
	assert.Equal(t, 12.5, got[0].Occupancy)

	assert.True(t, models.IsMissing(got[1].Speed), "empty field parses as missing")
	assert.Equal(t, 1100.0, got[1].Flow)
	assert.True(t, models.IsMissing(got[1].Occupancy))

	assert.Equal(t, "PM1002", got[2].SensorID)
	assert.True(t, got[2].Timestamp.IsZero(), "unparseable timestamps stay zero for the cleaner to count")
	assert.Equal(t, 70.0, got[2].Speed)
}

func TestParseCSVComma(t *testing.T) {
	content := `sensor_id,timestamp,speed,flow
PM2001,2024-03-04T08:00:00Z,95,800
PM2001,2024-03-04T08:15:00Z,not-a-number,850
`
	path := writeTemp(t, "plain.csv", content)

	got, err := NewParser("csv").ParseFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "PM2001", got[0].SensorID)
	assert.Equal(t, time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, 95.0, got[0].Speed)
	assert.True(t, models.IsMissing(got[0].Occupancy), "column absent from the header")

	assert.True(t, models.IsMissing(got[1].Speed), "malformed numeric parses as missing")
	assert.Equal(t, 850.0, got[1].Flow)
}

func TestParseCSVEmptyFile(t *testing.T) {
	path := writeTemp(t, "empty.csv", "")

	got, err := NewParser("csv").ParseFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseJSONArray(t *testing.T) {
	content := `[
  {"sensor_id":"PM1001","timestamp":"2024-03-04T08:00:00Z","speed":85.5,"flow":1200,"occupancy":12.5},
  {"sensor_id":"PM1002","timestamp":"2024-03-04T08:00:00Z","speed":70,"flow":900},
  {"timestamp":"2024-03-04T08:00:00Z","speed":50,"flow":600}
]`
	path := writeTemp(t, "batch.json", content)

	got, err := NewParser("JSON").ParseFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2, "records without sensor_id are skipped")

	assert.Equal(t, "PM1001", got[0].SensorID)
	assert.Equal(t, 12.5, got[0].Occupancy)
	assert.Equal(t, "PM1002", got[1].SensorID)
	assert.True(t, models.IsMissing(got[1].Occupancy), "absent key maps to missing, not zero")
}

func TestParseJSONLines(t *testing.T) {
	content := `{"sensor_id":"PM1001","timestamp":"2024-03-04T08:00:00Z","speed":85.5,"flow":1200}
not json at all
{"speed":60,"flow":800}
{"sensor_id":"PM1002","timestamp":"1709539200","speed":70,"flow":900}
`
	path := writeTemp(t, "stream.json", content)

	got, err := NewParser("json").ParseFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "PM1001", got[0].SensorID)
	assert.Equal(t, "PM1002", got[1].SensorID)
	assert.Equal(t, time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), got[1].Timestamp, "unix seconds resolve in UTC")
}

func TestParseFileUnsupportedFormat(t *testing.T) {
	path := writeTemp(t, "data.xml", "<rows/>")

	_, err := NewParser("xml").ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestParseFileMissing(t *testing.T) {
	_, err := NewParser("csv").ParseFile(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestParseTimestampFormats(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-04T08:00:00Z", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
		{"2024-03-04T08:00:00+01:00", time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC)},
		{"2024-03-04T08:00:00", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
		{"2024-03-04 08:00:00", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
		{"2024/03/04 08:00:00", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
		{"2024-03-04", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"1709539200", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(tt.want), "%s parsed to %s, want %s", tt.in, got, tt.want)
	}

	_, err := parseTimestamp("not-a-time")
	assert.Error(t, err)
}

func TestValidateObservation(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name string
		obs  models.Observation
		want []string
	}{
		{
			name: "valid",
			obs:  models.Observation{SensorID: "PM1001", Speed: 85, Flow: 1200, Occupancy: 12},
			want: nil,
		},
		{
			name: "missing sensor id",
			obs:  models.Observation{Speed: 85, Flow: 1200, Occupancy: 12},
			want: []string{"sensor_id is required"},
		},
		{
			name: "speed out of range",
			obs:  models.Observation{SensorID: "PM1001", Speed: 200, Flow: 1200, Occupancy: 12},
			want: []string{"speed must be between 0 and 150"},
		},
		{
			name: "flow out of range",
			obs:  models.Observation{SensorID: "PM1001", Speed: 85, Flow: -5, Occupancy: 12},
			want: []string{"flow must be between 0 and 12000"},
		},
		{
			name: "occupancy out of range",
			obs:  models.Observation{SensorID: "PM1001", Speed: 85, Flow: 1200, Occupancy: 150},
			want: []string{"occupancy must be between 0 and 100"},
		},
		{
			name: "missing values pass",
			obs: models.Observation{
				SensorID:  "PM1001",
				Speed:     models.Missing(),
				Flow:      models.Missing(),
				Occupancy: models.Missing(),
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateObservation(cfg, &tt.obs)
			assert.Equal(t, tt.want, got)
		})
	}
}
