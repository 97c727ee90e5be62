package location

import (
	"go.uber.org/zap"

	"github.com/meteotrack/meteotrack/internal/config"
)

// Resolver produces a candidate coordinate pair for one entry each cycle.
// Resolution never fails: missing tracker data degrades to the last accepted
// coordinates or the static fallback.
type Resolver struct {
	entry    config.Entry
	trackers *TrackerRegistry

	defaultLat float64
	defaultLon float64

	logger *zap.Logger

	// warnedMissing dedupes the tracker-not-ready warning so it is logged
	// once per outage, not once per cycle.
	warnedMissing bool
}

// NewResolver creates a resolver for a single entry. trackers may be nil for
// static entries.
func NewResolver(entry config.Entry, trackers *TrackerRegistry, defaultLat, defaultLon float64, logger *zap.Logger) *Resolver {
	return &Resolver{
		entry:      entry,
		trackers:   trackers,
		defaultLat: defaultLat,
		defaultLon: defaultLon,
		logger:     logger,
	}
}

// Resolve returns the candidate for this cycle. prev is the currently
// accepted location, if any; it is the preferred fallback when the tracker
// is not ready.
func (r *Resolver) Resolve(prev *Accepted) Candidate {
	if r.entry.Mode == config.ModeTrack {
		return r.resolveTracked(prev)
	}
	return r.resolveStatic()
}

func (r *Resolver) resolveStatic() Candidate {
	lat, lon := r.defaultLat, r.defaultLon
	if r.entry.Latitude != nil && r.entry.Longitude != nil {
		lat, lon = *r.entry.Latitude, *r.entry.Longitude
	}
	return Candidate{Latitude: lat, Longitude: lon, Source: SourceStatic}
}

func (r *Resolver) resolveTracked(prev *Accepted) Candidate {
	if r.trackers != nil {
		if pos, ok := r.trackers.Get(r.entry.TrackerID); ok {
			r.warnedMissing = false
			return Candidate{Latitude: pos.Latitude, Longitude: pos.Longitude, Source: SourceTracker}
		}
	}

	if !r.warnedMissing {
		if prev != nil {
			r.logger.Debug("tracker not ready; using last accepted coordinates",
				zap.String("tracker_id", r.entry.TrackerID))
		} else {
			r.logger.Warn("tracker missing or has never reported; using configured coordinates",
				zap.String("tracker_id", r.entry.TrackerID))
		}
		r.warnedMissing = true
	}

	if prev != nil {
		return Candidate{Latitude: prev.Latitude, Longitude: prev.Longitude, Source: SourceTracker}
	}
	return r.resolveStatic()
}
