package models

// PartitionBySensor splits rows into per-sensor sub-slices. rows must
// already be sorted by (sensor_id, timestamp); each sub-slice shares the
// backing array, so writes through a partition are visible in rows.
func PartitionBySensor[T interface{ Sensor() string }](rows []T) [][]T {
	var groups [][]T
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || rows[i].Sensor() != rows[start].Sensor() {
			groups = append(groups, rows[start:i])
			start = i
		}
	}
	return groups
}
