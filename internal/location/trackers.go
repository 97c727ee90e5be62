package location

import (
	"sync"
	"time"
)

// Position is a GPS report from a tracker.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ReportedAt time.Time `json:"reported_at"`
}

// TrackerRegistry is a concurrency-safe registry of the latest position
// reported by each tracker. It stands in for the host framework's state of
// location-providing entities; trackers push positions over the API.
type TrackerRegistry struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewTrackerRegistry creates an empty registry.
func NewTrackerRegistry() *TrackerRegistry {
	return &TrackerRegistry{
		positions: make(map[string]Position),
	}
}

// Update records the latest position for a tracker.
func (r *TrackerRegistry) Update(trackerID string, pos Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[trackerID] = pos
}

// Get returns the latest position for a tracker, if it has ever reported.
func (r *TrackerRegistry) Get(trackerID string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[trackerID]
	return pos, ok
}

// Remove drops a tracker from the registry.
func (r *TrackerRegistry) Remove(trackerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, trackerID)
}
