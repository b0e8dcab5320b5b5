package parser

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStationsLatin1(t *testing.T) {
	// \xf1 is the Latin-1 byte for the Spanish enye
	content := "codigo;nombre;latitud;longitud\n" +
		"PM1001;Pza. de Espa\xf1a;40.4238;-3.7122\n" +
		";Sin codigo;40.0;-3.0\n" +
		"PM1002;Nudo Sur\n"
	path := writeTemp(t, "pmed_ubicacion.csv", content)

	got, err := ReadStations(path)
	require.NoError(t, err)
	require.Len(t, got, 2, "the row without an id is skipped")

	assert.Equal(t, "PM1001", got[0].ID)
	assert.Equal(t, "Pza. de España", got[0].Name)
	assert.Equal(t, 40.4238, got[0].Latitude)
	assert.Equal(t, -3.7122, got[0].Longitude)

	assert.Equal(t, "PM1002", got[1].ID)
	assert.Equal(t, "Nudo Sur", got[1].Name)
	assert.Zero(t, got[1].Latitude, "coordinates are optional")
	assert.Zero(t, got[1].Longitude)
}

func TestReadStationsMissingFile(t *testing.T) {
	got, err := ReadStations(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err, "analysis runs without the registry")
	assert.Nil(t, got)
}

func TestReadStationsEmptyFile(t *testing.T) {
	path := writeTemp(t, "empty.csv", "")

	got, err := ReadStations(path)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadLimits(t *testing.T) {
	content := "sensor_id;inferred_limit\n" +
		"PM1001;90\n" +
		"PM1002;0\n" +
		"PM1003;abc\n" +
		";70\n"
	path := writeTemp(t, "limits.csv", content)

	got, err := ReadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"PM1001": 90}, got,
		"non-positive, malformed and id-less rows are dropped")
}

func TestReadLimitsCommaDelimited(t *testing.T) {
	path := writeTemp(t, "limits.csv", "id,limit\nPM2001,70.5\n")

	got, err := ReadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"PM2001": 70.5}, got)
}

func TestReadLimitsMissingFile(t *testing.T) {
	got, err := ReadLimits(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
