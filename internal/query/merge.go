package query

import (
	"sort"

	"pointscan/internal/models"
)

// Row is one (timestamp, value) pair in a per-point series.
type Row struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// MergeSeries combines hot and cold rows into per-point series sorted strictly
// ascending by timestamp. On a (point, timestamp) collision the hot value wins;
// hot is authoritative for the boundary overlap where a day was archived while
// its tail was still being ingested.
func MergeSeries(hot, cold []models.Sample) map[string][]Row {
	type key struct {
		point string
		ts    int64
	}
	values := make(map[key]float64, len(hot)+len(cold))
	for _, s := range cold {
		values[key{s.Point, s.Timestamp}] = s.Value
	}
	for _, s := range hot {
		values[key{s.Point, s.Timestamp}] = s.Value
	}

	series := make(map[string][]Row)
	for k, v := range values {
		series[k.point] = append(series[k.point], Row{Timestamp: k.ts, Value: v})
	}
	for point := range series {
		rows := series[point]
		sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	}
	return series
}
