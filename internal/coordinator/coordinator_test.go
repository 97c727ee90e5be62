package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meteotrack/meteotrack/internal/config"
	"github.com/meteotrack/meteotrack/internal/forecast"
	"github.com/meteotrack/meteotrack/internal/location"
	"github.com/meteotrack/meteotrack/internal/store"
)

// fakeNamer counts invocations and returns a scripted name.
type fakeNamer struct {
	mu    sync.Mutex
	name  string
	ok    bool
	calls int
}

func (f *fakeNamer) Name(ctx context.Context, lat, lon float64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.name, f.ok
}

func (f *fakeNamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFetcher returns numbered snapshots, or errors when failing is set.
type fakeFetcher struct {
	mu      sync.Mutex
	failing bool
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, lat, lon float64, units string) (*forecast.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, errors.New("network down")
	}
	return &forecast.Snapshot{
		CurrentWeather: forecast.CurrentWeather{Temperature: float64(f.calls), WeatherCode: 2, IsDay: 1},
		Hourly: forecast.Series{
			Time:      []string{"2025-06-01T12:00"},
			Variables: map[string]json.RawMessage{"temperature_2m": json.RawMessage(`[21.5]`)},
		},
		Timezone: "UTC",
	}, nil
}

func (f *fakeFetcher) FetchAirQuality(ctx context.Context, lat, lon float64) (*forecast.AirQuality, error) {
	return nil, errors.New("air quality unavailable")
}

func (f *fakeFetcher) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// memStates is an in-memory StateStore for tests.
type memStates struct {
	mu     sync.Mutex
	states map[string]store.EntryState
	saves  int
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]store.EntryState)}
}

func (m *memStates) Save(state store.EntryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.EntryID] = state
	m.saves++
	return nil
}

func (m *memStates) Load(entryID string) (store.EntryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[entryID]
	if !ok {
		return store.EntryState{}, store.ErrNotFound
	}
	return state, nil
}

func (m *memStates) Delete(entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, entryID)
	return nil
}

func (m *memStates) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func staticEntry(lat, lon float64) config.Entry {
	return config.Entry{ID: "e1", Mode: config.ModeStatic, Latitude: &lat, Longitude: &lon}
}

func newTestCoordinator(entry config.Entry, namer *fakeNamer, fetcher Fetcher, states StateStore, trackers *location.TrackerRegistry) *Coordinator {
	logger := zap.NewNop()
	resolver := location.NewResolver(entry, trackers, 0, 0, logger)
	return New(entry, Options{
		Resolver: resolver,
		Namer:    namer,
		Fetcher:  fetcher,
		States:   states,
		Logger:   logger,
	})
}

func TestFirstCycleNamesAndFetches(t *testing.T) {
	namer := &fakeNamer{name: "Warszawa, PL", ok: true}
	fetcher := &fakeFetcher{}
	c := newTestCoordinator(staticEntry(52.0, 21.0), namer, fetcher, newMemStates(), nil)
	defer c.Close()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.LocationName == nil || *snap.LocationName != "Warszawa, PL" {
		t.Errorf("unexpected location name: %v", snap.LocationName)
	}
	if snap.Location.Latitude != 52.0 || snap.Location.Longitude != 21.0 {
		t.Errorf("unexpected location: %+v", snap.Location)
	}
	if snap.LastLocationUpdate == nil {
		t.Error("expected last_location_update to be set")
	}
	if namer.callCount() != 1 {
		t.Errorf("expected 1 geocode call, got %d", namer.callCount())
	}
	if !c.LastUpdateSuccess() {
		t.Error("expected last update success")
	}
}

// A second cycle with identical coordinates must not re-invoke the geocoder
// and must retain the previously resolved name.
func TestUnchangedLocationSkipsGeocode(t *testing.T) {
	namer := &fakeNamer{name: "Warszawa, PL", ok: true}
	fetcher := &fakeFetcher{}
	c := newTestCoordinator(staticEntry(52.0, 21.0), namer, fetcher, newMemStates(), nil)
	defer c.Close()

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if namer.callCount() != 1 {
		t.Errorf("geocoder re-invoked for unchanged location: %d calls", namer.callCount())
	}
	if snap.LocationName == nil || *snap.LocationName != "Warszawa, PL" {
		t.Errorf("location name not retained: %v", snap.LocationName)
	}
}

func TestPlaceNameOverride(t *testing.T) {
	entry := staticEntry(52.0, 21.0)
	entry.PlaceNameOverride = "Dom"
	namer := &fakeNamer{name: "Warszawa, PL", ok: true}
	c := newTestCoordinator(entry, namer, &fakeFetcher{}, newMemStates(), nil)
	defer c.Close()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.LocationName == nil || *snap.LocationName != "Dom" {
		t.Errorf("override not applied: %v", snap.LocationName)
	}
	if namer.callCount() != 0 {
		t.Errorf("geocoder invoked despite override: %d calls", namer.callCount())
	}
}

func TestGeocodeFailureFallsBackToCoordinates(t *testing.T) {
	namer := &fakeNamer{ok: false}
	c := newTestCoordinator(staticEntry(52.0, 21.0), namer, &fakeFetcher{}, newMemStates(), nil)
	defer c.Close()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.LocationName == nil || *snap.LocationName != "52.00,21.00" {
		t.Errorf("expected coordinate fallback, got %v", snap.LocationName)
	}
}

// A coordinate-fallback label from a failed lookup must not stick: once the
// geocoder recovers, an unchanged location is renamed on the next cycle
// outside the cooldown.
func TestCoordinateFallbackRetriesGeocode(t *testing.T) {
	namer := &fakeNamer{ok: false}
	logger := zap.NewNop()
	entry := staticEntry(52.0, 21.0)
	resolver := location.NewResolver(entry, nil, 0, 0, logger)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(entry, Options{
		Resolver:        resolver,
		Namer:           namer,
		Fetcher:         &fakeFetcher{},
		States:          newMemStates(),
		Logger:          logger,
		GeocodeCooldown: time.Second,
		Now:             func() time.Time { return now },
	})
	defer c.Close()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if snap.LocationName == nil || *snap.LocationName != "52.00,21.00" {
		t.Fatalf("expected coordinate fallback, got %v", snap.LocationName)
	}
	if namer.callCount() != 1 {
		t.Fatalf("expected 1 geocode call, got %d", namer.callCount())
	}

	namer.ok = true
	namer.name = "Warszawa, PL"
	now = now.Add(2 * time.Second)

	snap, err = c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if namer.callCount() != 2 {
		t.Errorf("expected geocode retry for fallback label, got %d calls", namer.callCount())
	}
	if snap.LocationName == nil || *snap.LocationName != "Warszawa, PL" {
		t.Errorf("fallback label not replaced: %v", snap.LocationName)
	}
}

// When all fetch attempts fail and a previous snapshot exists, the previous
// snapshot's forecast fields are republished untouched.
func TestStaleServe(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{name: "Warszawa, PL", ok: true}, fetcher, newMemStates(), nil)
	defer c.Close()

	first, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	firstForecast, err := json.Marshal(first.Hourly)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fetcher.setFailing(true)
	second, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("degraded refresh must not error: %v", err)
	}

	if second.CurrentWeather.Temperature != first.CurrentWeather.Temperature {
		t.Error("forecast fields changed during stale-serve")
	}
	secondForecast, err := json.Marshal(second.Hourly)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(firstForecast) != string(secondForecast) {
		t.Error("hourly series not byte-identical after stale-serve")
	}
	if c.LastUpdateSuccess() {
		t.Error("expected degraded state after failed fetch")
	}

	// Recovery flips the flag back.
	fetcher.setFailing(false)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	if !c.LastUpdateSuccess() {
		t.Error("expected success after recovery")
	}
}

func TestNoDataIsFatal(t *testing.T) {
	fetcher := &fakeFetcher{failing: true}
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{ok: false}, fetcher, newMemStates(), nil)
	defer c.Close()

	_, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestPersistenceOnChangeOnly(t *testing.T) {
	states := newMemStates()
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{name: "Warszawa, PL", ok: true}, &fakeFetcher{}, states, nil)
	defer c.Close()

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if states.saveCount() != 1 {
		t.Fatalf("expected 1 save after first acceptance, got %d", states.saveCount())
	}

	// Unchanged cycles must not rewrite persisted state.
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if states.saveCount() != 1 {
		t.Errorf("expected no additional saves, got %d", states.saveCount())
	}

	saved, err := states.Load("e1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if saved.LastLatitude != 52.0 || saved.LastLocationName != "Warszawa, PL" {
		t.Errorf("unexpected persisted state: %+v", saved)
	}
}

// A restart rehydrates persisted state: the first post-restart cycle is not
// a change and triggers no geocoding.
func TestRehydrationAvoidsRegeocode(t *testing.T) {
	states := newMemStates()
	states.Save(store.EntryState{
		EntryID:          "e1",
		LastLatitude:     52.0,
		LastLongitude:    21.0,
		LastLocationName: "Warszawa, PL",
		AcceptedAt:       time.Now().UTC().Add(-time.Hour),
	})
	states.saves = 0

	namer := &fakeNamer{name: "should not be called", ok: true}
	c := newTestCoordinator(staticEntry(52.0, 21.0), namer, &fakeFetcher{}, states, nil)
	defer c.Close()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if namer.callCount() != 0 {
		t.Errorf("rehydrated coordinator re-geocoded: %d calls", namer.callCount())
	}
	if snap.LocationName == nil || *snap.LocationName != "Warszawa, PL" {
		t.Errorf("persisted name not used: %v", snap.LocationName)
	}
	if states.saveCount() != 0 {
		t.Errorf("first post-restart poll persisted state as a change: %d saves", states.saveCount())
	}
}

func TestTrackerMoveReacceptsAndRenames(t *testing.T) {
	trackers := location.NewTrackerRegistry()
	trackers.Update("phone-1", location.Position{Latitude: 50.0, Longitude: 19.0})

	entry := config.Entry{
		ID:                  "e1",
		Mode:                config.ModeTrack,
		TrackerID:           "phone-1",
		MinTrackIntervalMin: 1,
	}
	namer := &fakeNamer{name: "Kraków, PL", ok: true}
	fetcher := &fakeFetcher{}

	logger := zap.NewNop()
	resolver := location.NewResolver(entry, trackers, 0, 0, logger)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := New(entry, Options{
		Resolver: resolver,
		Namer:    namer,
		Fetcher:  fetcher,
		States:   newMemStates(),
		Logger:   logger,
		// Short cooldown so the second acceptance geocodes again.
		GeocodeCooldown: time.Second,
		Now:             clock,
	})
	defer c.Close()

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if namer.callCount() != 1 {
		t.Fatalf("expected 1 geocode call, got %d", namer.callCount())
	}

	// Substantial move after the minimum interval.
	trackers.Update("phone-1", location.Position{Latitude: 50.2, Longitude: 19.2})
	now = now.Add(2 * time.Minute)
	namer.name = "Wieliczka, PL"

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if namer.callCount() != 2 {
		t.Errorf("expected re-geocode after accepted move, got %d calls", namer.callCount())
	}
	if snap.Location.Latitude != 50.2 {
		t.Errorf("accepted location not updated: %+v", snap.Location)
	}
	if snap.LocationName == nil || *snap.LocationName != "Wieliczka, PL" {
		t.Errorf("name not re-resolved: %v", snap.LocationName)
	}
}

func TestListenersOrderedAndIdempotentUnsubscribe(t *testing.T) {
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{ok: false}, &fakeFetcher{}, newMemStates(), nil)
	defer c.Close()

	var order []string
	unsubA := c.AddListener(func(*forecast.Snapshot) { order = append(order, "a") })
	c.AddListener(func(*forecast.Snapshot) { order = append(order, "b") })

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected notification order: %v", order)
	}

	unsubA()
	unsubA() // second call is a no-op

	order = nil
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(order) != 1 || order[0] != "b" {
		t.Errorf("unsubscribe not applied: %v", order)
	}
}

// While one cycle's fetch is in flight, concurrent Refresh calls must join
// it rather than start a second fetch.
func TestConcurrentRefreshCoalesces(t *testing.T) {
	blocker := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{ok: false}, blocker, newMemStates(), nil)
	defer c.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	snaps := make([]*forecast.Snapshot, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		snaps[0], errs[0] = c.Refresh(context.Background())
	}()
	<-blocker.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = c.Refresh(context.Background())
		}(i)
	}

	// Give the joiners time to reach the in-flight cycle; none of them may
	// start a fetch of their own while the first one is still blocked.
	time.Sleep(100 * time.Millisecond)
	if calls := atomic.LoadInt32(&blocker.calls); calls != 1 {
		t.Fatalf("expected exactly 1 in-flight fetch, got %d", calls)
	}

	close(blocker.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
			continue
		}
		if snaps[i] == nil || snaps[i].CurrentWeather.Temperature != 19.0 {
			t.Errorf("caller %d: unexpected snapshot %+v", i, snaps[i])
		}
	}
}

func TestCloseAbandonsInFlightFetch(t *testing.T) {
	blocker := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestCoordinator(staticEntry(52.0, 21.0), &fakeNamer{ok: false}, blocker, newMemStates(), nil)

	var published int
	c.AddListener(func(*forecast.Snapshot) { published++ })

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()

	<-blocker.started
	c.Close()
	close(blocker.release)

	if err := <-done; err == nil {
		t.Fatal("expected error from abandoned cycle")
	}
	if published != 0 {
		t.Errorf("abandoned fetch published %d snapshots", published)
	}
}

// blockingFetcher holds every fetch open until released, then honors context
// cancellation before returning a fixed snapshot.
type blockingFetcher struct {
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
	calls       int32
}

func (b *blockingFetcher) Fetch(ctx context.Context, lat, lon float64, units string) (*forecast.Snapshot, error) {
	atomic.AddInt32(&b.calls, 1)
	b.startedOnce.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &forecast.Snapshot{
		CurrentWeather: forecast.CurrentWeather{Temperature: 19.0},
	}, nil
}

func (b *blockingFetcher) FetchAirQuality(ctx context.Context, lat, lon float64) (*forecast.AirQuality, error) {
	return nil, errors.New("unavailable")
}
