package location

import "time"

// Source identifies where a candidate coordinate pair came from.
type Source string

const (
	SourceStatic  Source = "static"
	SourceTracker Source = "tracker"
)

// Candidate is a newly resolved, not-yet-accepted coordinate pair. It is
// produced fresh each resolution cycle and never persisted.
type Candidate struct {
	Latitude  float64
	Longitude float64
	Source    Source
}

// Accepted is the coordinate pair currently in effect for fetching.
// AcceptedAt moves only when the filter approves a real change, so it is
// monotonically non-decreasing over the life of a coordinator.
type Accepted struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AcceptedAt time.Time `json:"accepted_at"`
}
