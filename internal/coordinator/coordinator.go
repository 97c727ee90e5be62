// Package coordinator owns the per-entry update cycle: coordinate
// resolution, change acceptance, place naming, forecast fetching, snapshot
// publication and durable persistence of accepted state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meteotrack/meteotrack/internal/config"
	"github.com/meteotrack/meteotrack/internal/forecast"
	"github.com/meteotrack/meteotrack/internal/geocode"
	"github.com/meteotrack/meteotrack/internal/location"
	"github.com/meteotrack/meteotrack/internal/store"
)

// ErrNoData is returned when a cycle fails and no previous snapshot exists
// to serve. It is the only failure mode surfaced to consumers.
var ErrNoData = errors.New("no forecast data available")

// Fetcher retrieves forecast snapshots. Satisfied by *forecast.Client.
type Fetcher interface {
	Fetch(ctx context.Context, lat, lon float64, units string) (*forecast.Snapshot, error)
	FetchAirQuality(ctx context.Context, lat, lon float64) (*forecast.AirQuality, error)
}

// StateStore persists accepted state across restarts. Satisfied by
// *store.Store.
type StateStore interface {
	Save(state store.EntryState) error
	Load(entryID string) (store.EntryState, error)
	Delete(entryID string) error
}

// Listener receives every published snapshot, including degraded republishes.
type Listener func(snap *forecast.Snapshot)

type registration struct {
	id int
	fn Listener
}

// flight is one in-progress update cycle. Concurrent refresh requests join
// it instead of launching a second fetch.
type flight struct {
	done chan struct{}
	snap *forecast.Snapshot
	err  error
}

// Coordinator manages one location entry. All cycle state is owned
// exclusively by this instance; instances share nothing.
type Coordinator struct {
	entry    config.Entry
	resolver *location.Resolver
	namer    geocode.Namer
	fetcher  Fetcher
	states   StateStore
	logger   *zap.Logger

	geocodeCooldown time.Duration
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	accepted      *location.Accepted
	locationName  string
	lastGeocodeAt time.Time
	snapshot      *forecast.Snapshot
	lastSuccess   bool
	flight        *flight
	listeners     []registration
	nextListener  int
}

// Options bundles the collaborators a coordinator needs.
type Options struct {
	Resolver        *location.Resolver
	Namer           geocode.Namer
	Fetcher         Fetcher
	States          StateStore
	Logger          *zap.Logger
	GeocodeCooldown time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates a coordinator for the entry and rehydrates persisted accepted
// state so the first cycle does not treat the first observation as a change.
func New(entry config.Entry, opts Options) *Coordinator {
	if opts.GeocodeCooldown <= 0 {
		opts.GeocodeCooldown = config.DefaultGeocodeCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		entry:           entry,
		resolver:        opts.Resolver,
		namer:           opts.Namer,
		fetcher:         opts.Fetcher,
		states:          opts.States,
		logger:          opts.Logger,
		geocodeCooldown: opts.GeocodeCooldown,
		now:             opts.Now,
		ctx:             ctx,
		cancel:          cancel,
	}

	c.locationName = entry.PlaceNameOverride

	if c.states != nil {
		if persisted, err := c.states.Load(entry.ID); err == nil {
			c.accepted = &location.Accepted{
				Latitude:   persisted.LastLatitude,
				Longitude:  persisted.LastLongitude,
				AcceptedAt: persisted.AcceptedAt,
			}
			if c.locationName == "" {
				c.locationName = persisted.LastLocationName
			}
			c.logger.Debug("rehydrated persisted location",
				zap.Float64("latitude", persisted.LastLatitude),
				zap.Float64("longitude", persisted.LastLongitude),
				zap.String("location_name", persisted.LastLocationName))
		} else if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to load persisted location", zap.Error(err))
		}
	}

	return c
}

// Entry returns the entry configuration this coordinator serves.
func (c *Coordinator) Entry() config.Entry {
	return c.entry
}

// Snapshot returns the currently published snapshot, or nil before the first
// successful cycle.
func (c *Coordinator) Snapshot() *forecast.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// LastUpdateSuccess reports whether the most recent cycle fetched fresh
// data. False means the published snapshot is a stale-serve.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// Accepted returns a copy of the accepted location, if any.
func (c *Coordinator) Accepted() (location.Accepted, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accepted == nil {
		return location.Accepted{}, false
	}
	return *c.accepted, true
}

// LocationName returns the current place name ("" when never resolved).
func (c *Coordinator) LocationName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locationName
}

// AddListener subscribes to published snapshots. Listeners are notified
// synchronously, in subscription order, after every successful or degraded
// publish. The returned unsubscribe function is idempotent.
func (c *Coordinator) AddListener(fn Listener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners = append(c.listeners, registration{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, reg := range c.listeners {
				if reg.id == id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Refresh runs one update cycle, or joins a cycle already in flight. The
// passed context bounds only this caller's wait; the cycle itself runs on
// the coordinator's lifecycle context so teardown abandons it.
func (c *Coordinator) Refresh(ctx context.Context) (*forecast.Snapshot, error) {
	c.mu.Lock()
	if fl := c.flight; fl != nil {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.snap, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &flight{done: make(chan struct{})}
	c.flight = fl
	c.mu.Unlock()

	snap, err := c.runCycle(c.ctx)

	c.mu.Lock()
	c.flight = nil
	c.mu.Unlock()

	fl.snap, fl.err = snap, err
	close(fl.done)
	return snap, err
}

// RequestRefresh triggers a refresh without waiting for its result. Used by
// tracker position ingest and other fire-and-forget callers; it coalesces
// with any in-flight cycle.
func (c *Coordinator) RequestRefresh() {
	go func() {
		if _, err := c.Refresh(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("on-demand refresh failed", zap.Error(err))
		}
	}()
}

// Close tears the coordinator down. Any in-flight fetch is abandoned and its
// partial result is never published.
func (c *Coordinator) Close() {
	c.cancel()
}

func (c *Coordinator) runCycle(ctx context.Context) (*forecast.Snapshot, error) {
	now := c.now().UTC()

	c.mu.Lock()
	prev := c.accepted
	c.mu.Unlock()

	cand := c.resolver.Resolve(prev)
	accepted, changed := location.Accept(cand, prev, c.entry.MinTrackInterval(), now)

	name := c.resolveName(ctx, accepted, changed)

	c.mu.Lock()
	c.accepted = &accepted
	c.locationName = name
	c.mu.Unlock()

	snap, err := c.fetcher.Fetch(ctx, accepted.Latitude, accepted.Longitude, c.entry.UnitsOrDefault())
	if err != nil {
		if ctx.Err() != nil {
			// Torn down mid-cycle; publish nothing.
			return nil, ctx.Err()
		}
		return c.handleFetchFailure(accepted, name, err)
	}

	snap.Location = forecast.Coordinates{Latitude: accepted.Latitude, Longitude: accepted.Longitude}
	snap.LocationName = optionalString(name)
	snap.LastLocationUpdate = optionalString(accepted.AcceptedAt.Format(time.RFC3339))

	if aq, aqErr := c.fetcher.FetchAirQuality(ctx, accepted.Latitude, accepted.Longitude); aqErr == nil {
		snap.AirQuality = aq
	} else if ctx.Err() == nil {
		c.logger.Warn("air quality fetch failed", zap.Error(aqErr))
	}

	if changed && c.states != nil {
		state := store.EntryState{
			EntryID:          c.entry.ID,
			LastLatitude:     accepted.Latitude,
			LastLongitude:    accepted.Longitude,
			LastLocationName: name,
			AcceptedAt:       accepted.AcceptedAt,
		}
		if saveErr := c.states.Save(state); saveErr != nil {
			c.logger.Warn("failed to persist accepted location", zap.Error(saveErr))
		}
	}

	c.mu.Lock()
	c.snapshot = snap
	c.lastSuccess = true
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.notify(listeners, snap)
	return snap, nil
}

// handleFetchFailure serves the previous snapshot when one exists, updating
// only its location metadata; with nothing to serve the cycle fails.
func (c *Coordinator) handleFetchFailure(accepted location.Accepted, name string, err error) (*forecast.Snapshot, error) {
	c.mu.Lock()
	if c.snapshot == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}

	c.snapshot.Location = forecast.Coordinates{Latitude: accepted.Latitude, Longitude: accepted.Longitude}
	c.snapshot.LocationName = optionalString(name)
	c.snapshot.LastLocationUpdate = optionalString(accepted.AcceptedAt.Format(time.RFC3339))
	c.lastSuccess = false

	snap := c.snapshot
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.logger.Warn("forecast fetch failed; serving last known snapshot", zap.Error(err))
	c.notify(listeners, snap)
	return snap, nil
}

// resolveName decides the place name for this cycle. The name is re-resolved
// when the accepted location changed, was never named, or still carries the
// coordinate-fallback label from an earlier failed lookup; a configured
// override always wins and a failed lookup never clears a previously
// resolved name.
func (c *Coordinator) resolveName(ctx context.Context, accepted location.Accepted, changed bool) string {
	c.mu.Lock()
	current := c.locationName
	lastGeocodeAt := c.lastGeocodeAt
	c.mu.Unlock()

	if c.entry.PlaceNameOverride != "" {
		return c.entry.PlaceNameOverride
	}

	fallback := fmt.Sprintf("%.2f,%.2f", accepted.Latitude, accepted.Longitude)
	if !changed && current != "" && current != fallback {
		return current
	}

	now := c.now().UTC()

	if !lastGeocodeAt.IsZero() && now.Sub(lastGeocodeAt) < c.geocodeCooldown {
		c.logger.Debug("reverse geocode skipped due to cooldown",
			zap.Duration("remaining", c.geocodeCooldown-now.Sub(lastGeocodeAt)))
		if current != "" {
			return current
		}
		return fallback
	}

	name, ok := c.namer.Name(ctx, accepted.Latitude, accepted.Longitude)
	c.mu.Lock()
	c.lastGeocodeAt = now
	c.mu.Unlock()

	if ok {
		return name
	}
	if current != "" {
		return current
	}
	return fallback
}

// snapshotListeners copies the listener list; callers must hold mu.
func (c *Coordinator) snapshotListeners() []registration {
	out := make([]registration, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Coordinator) notify(listeners []registration, snap *forecast.Snapshot) {
	for _, reg := range listeners {
		reg.fn(snap)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
