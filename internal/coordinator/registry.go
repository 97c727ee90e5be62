package coordinator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meteotrack/meteotrack/internal/config"
	"github.com/meteotrack/meteotrack/internal/geocode"
	"github.com/meteotrack/meteotrack/internal/location"
	"github.com/meteotrack/meteotrack/internal/logging"
)

// JobScheduler schedules periodic refresh jobs by tag. Satisfied by
// *scheduler.Scheduler.
type JobScheduler interface {
	Schedule(tag string, interval time.Duration, job func()) error
	Remove(tag string)
}

// Registry is the explicit collection of coordinator instances, one per
// active entry, keyed by entry ID. It is owned by the host layer; core logic
// never looks coordinators up globally.
type Registry struct {
	trackers  *location.TrackerRegistry
	namer     geocode.Namer
	fetcher   Fetcher
	states    StateStore
	sched     JobScheduler
	logger    *zap.Logger
	defaults  forecastDefaults
	cooldown  time.Duration

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

type forecastDefaults struct {
	latitude  float64
	longitude float64
}

// RegistryOptions configures a registry.
type RegistryOptions struct {
	Trackers         *location.TrackerRegistry
	Namer            geocode.Namer
	Fetcher          Fetcher
	States           StateStore
	Scheduler        JobScheduler
	Logger           *zap.Logger
	DefaultLatitude  float64
	DefaultLongitude float64
	GeocodeCooldown  time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		trackers: opts.Trackers,
		namer:    opts.Namer,
		fetcher:  opts.Fetcher,
		states:   opts.States,
		sched:    opts.Scheduler,
		logger:   opts.Logger,
		defaults: forecastDefaults{
			latitude:  opts.DefaultLatitude,
			longitude: opts.DefaultLongitude,
		},
		cooldown:     opts.GeocodeCooldown,
		coordinators: make(map[string]*Coordinator),
	}
}

// Add activates an entry: creates its coordinator, schedules its periodic
// refresh and kicks off the first cycle in the background.
func (r *Registry) Add(entry config.Entry) (*Coordinator, error) {
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.coordinators[entry.ID]; exists {
		return nil, fmt.Errorf("entry %s already active", entry.ID)
	}

	logger := logging.WithEntry(r.logger, entry.ID)
	resolver := location.NewResolver(entry, r.trackers, r.defaults.latitude, r.defaults.longitude, logger)
	coord := New(entry, Options{
		Resolver:        resolver,
		Namer:           r.namer,
		Fetcher:         r.fetcher,
		States:          r.states,
		Logger:          logger,
		GeocodeCooldown: r.cooldown,
	})

	if r.sched != nil {
		if err := r.sched.Schedule(entry.ID, entry.UpdateInterval(), coord.RequestRefresh); err != nil {
			coord.Close()
			return nil, fmt.Errorf("schedule entry %s: %w", entry.ID, err)
		}
	}

	r.coordinators[entry.ID] = coord
	coord.RequestRefresh()
	return coord, nil
}

// Get returns the coordinator for an entry.
func (r *Registry) Get(entryID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coord, ok := r.coordinators[entryID]
	return coord, ok
}

// List returns all active coordinators.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.coordinators))
	for _, coord := range r.coordinators {
		out = append(out, coord)
	}
	return out
}

// Remove deactivates an entry: cancels its schedule, abandons any in-flight
// fetch and forgets its persisted state.
func (r *Registry) Remove(entryID string) error {
	r.mu.Lock()
	coord, ok := r.coordinators[entryID]
	if ok {
		delete(r.coordinators, entryID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("entry %s not active", entryID)
	}

	if r.sched != nil {
		r.sched.Remove(entryID)
	}
	coord.Close()

	if r.states != nil {
		if err := r.states.Delete(entryID); err != nil {
			r.logger.Warn("failed to delete persisted state", zap.String("entry_id", entryID), zap.Error(err))
		}
	}
	return nil
}

// RefreshTracking requests a refresh of every entry tracking the given
// tracker, so a fresh position is picked up without waiting for the next
// scheduled poll.
func (r *Registry) RefreshTracking(trackerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, coord := range r.coordinators {
		entry := coord.Entry()
		if entry.Mode == config.ModeTrack && entry.TrackerID == trackerID {
			coord.RequestRefresh()
		}
	}
}

// Close tears down all coordinators.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, coord := range r.coordinators {
		coord.Close()
		delete(r.coordinators, id)
	}
}
