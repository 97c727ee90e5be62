package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Location entry modes.
const (
	ModeStatic = "static"
	ModeTrack  = "track"
)

// Units accepted for forecast requests.
const (
	UnitsMetric   = "metric"
	UnitsImperial = "imperial"
)

// Defaults mirrored from the API provider's recommended polling limits.
const (
	DefaultUpdateInterval   = 600 * time.Second
	MinUpdateInterval       = 60 * time.Second
	DefaultMinTrackInterval = 15 * time.Minute
	DefaultGeocodeCooldown  = 10 * time.Minute
)

var validate = validator.New()

// Entry describes a single tracked location. One coordinator instance is
// created per entry.
type Entry struct {
	ID   string `json:"id"`
	Mode string `json:"mode" validate:"required,oneof=static track"`

	// Static mode coordinates. Optional in track mode, where they serve as
	// the fallback when the tracker has never reported.
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`

	// Track mode: ID of the tracker that reports GPS positions.
	TrackerID string `json:"tracker_id,omitempty" validate:"required_if=Mode track"`

	// Minimum time between accepted coordinate changes in track mode, minutes.
	MinTrackIntervalMin int `json:"min_track_interval_min,omitempty" validate:"omitempty,gte=1"`

	// Polling interval in seconds, clamped to MinUpdateInterval.
	UpdateIntervalSec int `json:"update_interval_sec,omitempty" validate:"omitempty,gte=1"`

	Units             string `json:"units,omitempty" validate:"omitempty,oneof=metric imperial"`
	PlaceNameOverride string `json:"place_name_override,omitempty"`
	APIProvider       string `json:"api_provider,omitempty"`
}

// UpdateInterval returns the entry's polling interval with defaults and the
// rate-limit clamp applied.
func (e Entry) UpdateInterval() time.Duration {
	if e.UpdateIntervalSec <= 0 {
		return DefaultUpdateInterval
	}
	d := time.Duration(e.UpdateIntervalSec) * time.Second
	if d < MinUpdateInterval {
		return MinUpdateInterval
	}
	return d
}

// MinTrackInterval returns the minimum re-acceptance interval for track mode.
// Static mode has no interval gate.
func (e Entry) MinTrackInterval() time.Duration {
	if e.Mode != ModeTrack {
		return 0
	}
	if e.MinTrackIntervalMin <= 0 {
		return DefaultMinTrackInterval
	}
	return time.Duration(e.MinTrackIntervalMin) * time.Minute
}

// UnitsOrDefault returns the configured units, defaulting to metric.
func (e Entry) UnitsOrDefault() string {
	if e.Units == UnitsImperial {
		return UnitsImperial
	}
	return UnitsMetric
}

// Validate checks an entry against its declared constraints. Static entries
// additionally require coordinates.
func (e Entry) Validate() error {
	if err := validate.Struct(e); err != nil {
		return err
	}
	if e.Mode == ModeStatic && (e.Latitude == nil || e.Longitude == nil) {
		return fmt.Errorf("static entry requires latitude and longitude")
	}
	return nil
}

// AppConfig holds service-level configuration.
type AppConfig struct {
	Port        string
	DBPath      string
	HTTPTimeout time.Duration

	// Process-wide fallback coordinates used when an entry has none.
	DefaultLatitude  float64
	DefaultLongitude float64

	// Reverse geocoding.
	GeocodeLanguage string
	GeocodeCooldown time.Duration
	GoogleAPIKey    string

	Entries []Entry
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.DBPath = getenvDefault("DB_PATH", "meteotrack.db")

	timeoutStr := getenvDefault("HTTP_TIMEOUT", "20s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout

	cfg.DefaultLatitude = getenvFloat("DEFAULT_LATITUDE", 52.2297)
	cfg.DefaultLongitude = getenvFloat("DEFAULT_LONGITUDE", 21.0122)

	cfg.GeocodeLanguage = getenvDefault("GEOCODE_LANGUAGE", "en")
	cooldownStr := getenvDefault("GEOCODE_COOLDOWN", "10m")
	cooldown, err := time.ParseDuration(cooldownStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GEOCODE_COOLDOWN: %w", err)
	}
	cfg.GeocodeCooldown = cooldown
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")

	entries, err := loadEntries()
	if err != nil {
		return nil, err
	}
	cfg.Entries = entries

	return cfg, nil
}

// loadEntries reads entries from the file named by ENTRIES_PATH, or falls
// back to a single static entry built from env coordinates.
func loadEntries() ([]Entry, error) {
	if path := os.Getenv("ENTRIES_PATH"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read entries file: %w", err)
		}
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse entries file: %w", err)
		}
		for i, e := range entries {
			if e.ID == "" {
				return nil, fmt.Errorf("entry %d: missing id", i)
			}
			if err := e.Validate(); err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.ID, err)
			}
		}
		return entries, nil
	}

	latStr := os.Getenv("ENTRY_LATITUDE")
	lonStr := os.Getenv("ENTRY_LONGITUDE")
	if latStr == "" || lonStr == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ENTRY_LATITUDE: %w", err)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ENTRY_LONGITUDE: %w", err)
	}

	entry := Entry{
		ID:                getenvDefault("ENTRY_ID", "default"),
		Mode:              getenvDefault("ENTRY_MODE", ModeStatic),
		Latitude:          &lat,
		Longitude:         &lon,
		TrackerID:         os.Getenv("ENTRY_TRACKER_ID"),
		UpdateIntervalSec: getenvInt("ENTRY_UPDATE_INTERVAL_SEC", 0),
		Units:             getenvDefault("ENTRY_UNITS", UnitsMetric),
		PlaceNameOverride: os.Getenv("ENTRY_PLACE_NAME_OVERRIDE"),
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("entry from env: %w", err)
	}
	return []Entry{entry}, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}
