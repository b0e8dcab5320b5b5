package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissing(t *testing.T) {
	assert.True(t, IsMissing(Missing()))
	assert.False(t, IsMissing(0))
	assert.False(t, IsMissing(-12.5))
}

func TestPartitionBySensor(t *testing.T) {
	ts := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	rows := []Observation{
		{SensorID: "A", Timestamp: ts},
		{SensorID: "A", Timestamp: ts.Add(15 * time.Minute)},
		{SensorID: "B", Timestamp: ts},
		{SensorID: "C", Timestamp: ts},
		{SensorID: "C", Timestamp: ts.Add(15 * time.Minute)},
		{SensorID: "C", Timestamp: ts.Add(30 * time.Minute)},
	}

	groups := PartitionBySensor(rows)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 3)
	assert.Equal(t, "A", groups[0][0].SensorID)
	assert.Equal(t, "B", groups[1][0].SensorID)
	assert.Equal(t, "C", groups[2][0].SensorID)
}

func TestPartitionBySensorSharesBacking(t *testing.T) {
	rows := []Observation{
		{SensorID: "A", Speed: 1},
		{SensorID: "B", Speed: 2},
	}

	groups := PartitionBySensor(rows)
	require.Len(t, groups, 2)

	groups[1][0].Speed = 99
	assert.Equal(t, 99.0, rows[1].Speed, "partitions must alias the input slice")
}

func TestPartitionBySensorEmpty(t *testing.T) {
	assert.Nil(t, PartitionBySensor([]Observation(nil)))
}
