// Package query serves range reads: plan which tier(s) hold the range, fetch
// hot and cold halves in parallel, merge with hot-wins dedup, and cache the
// result with an age-tiered TTL.
package query

// Strategy names the tier plan for one query.
type Strategy string

const (
	StrategyHotOnly  Strategy = "HOT_ONLY"
	StrategyColdOnly Strategy = "COLD_ONLY"
	StrategySplit    Strategy = "SPLIT"
	StrategyLegacy   Strategy = "LEGACY"
)

// Plan is the tier cut for a [start, end) range against a hot boundary.
// Sub-ranges are half-open; an empty sub-range has Start == End.
type Plan struct {
	Strategy  Strategy
	Boundary  int64
	HotStart  int64
	HotEnd    int64
	ColdStart int64
	ColdEnd   int64
}

// PlanRange cuts [start, end) at the hot boundary. Everything at or after the
// boundary is hot; a range that straddles it splits into a cold half
// [start, boundary) and a hot read over the full [start, end). The hot side
// deliberately overlaps the cold half: late arrivals re-ingested below the
// boundary live in hot and must reach the merge, where hot wins the tie.
func PlanRange(start, end, boundary int64) Plan {
	p := Plan{Boundary: boundary}
	switch {
	case start >= boundary:
		p.Strategy = StrategyHotOnly
		p.HotStart, p.HotEnd = start, end
	case end <= boundary:
		p.Strategy = StrategyColdOnly
		p.ColdStart, p.ColdEnd = start, end
	default:
		p.Strategy = StrategySplit
		p.ColdStart, p.ColdEnd = start, boundary
		p.HotStart, p.HotEnd = start, end
	}
	return p
}
