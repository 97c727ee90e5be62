package location

import (
	"math"
	"time"
)

// Epsilon is the per-axis coordinate delta below which a candidate is treated
// as GPS jitter. Roughly 10 m in latitude, small enough that accepting it
// would only churn geocoding and refetching.
const Epsilon = 1e-4

// Accept decides whether a candidate becomes the accepted location.
//
// The first-ever candidate is always accepted with changed=true so that
// initial geocoding and fetching happen. After that a candidate is accepted
// only if it moved more than Epsilon on either axis AND, for tracker-sourced
// candidates, at least minInterval has passed since the last acceptance.
// minInterval <= 0 disables the interval gate (static mode).
//
// When the candidate is rejected the previous value is returned unmodified;
// in particular AcceptedAt is not refreshed, so acceptance intervals are
// measured from the last real change rather than from every poll.
func Accept(cand Candidate, prev *Accepted, minInterval time.Duration, now time.Time) (Accepted, bool) {
	if prev == nil {
		return Accepted{
			Latitude:   cand.Latitude,
			Longitude:  cand.Longitude,
			AcceptedAt: now,
		}, true
	}

	moved := math.Abs(cand.Latitude-prev.Latitude) > Epsilon ||
		math.Abs(cand.Longitude-prev.Longitude) > Epsilon
	if !moved {
		return *prev, false
	}

	if cand.Source == SourceTracker && minInterval > 0 {
		if now.Sub(prev.AcceptedAt) < minInterval {
			return *prev, false
		}
	}

	return Accepted{
		Latitude:   cand.Latitude,
		Longitude:  cand.Longitude,
		AcceptedAt: now,
	}, true
}
