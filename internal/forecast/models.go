package forecast

import (
	"encoding/json"
	"time"
)

// Series is a block of parallel arrays keyed by variable name, as returned
// by the forecast API for hourly and daily data. Variable values stay as raw
// JSON so a republished snapshot is byte-identical to the original fetch.
type Series struct {
	Time      []string
	Variables map[string]json.RawMessage
}

// MarshalJSON flattens the series back into the wire shape:
// {"time": [...], "<var>": [...], ...}.
func (s Series) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Variables)+1)
	for k, v := range s.Variables {
		out[k] = v
	}
	t, err := json.Marshal(s.Time)
	if err != nil {
		return nil, err
	}
	out["time"] = t
	return json.Marshal(out)
}

// UnmarshalJSON splits the time axis from the variable arrays.
func (s *Series) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["time"]; ok {
		if err := json.Unmarshal(t, &s.Time); err != nil {
			return err
		}
		delete(raw, "time")
	}
	s.Variables = raw
	return nil
}

// Floats decodes a variable as a numeric array. Null entries decode as zero.
func (s Series) Floats(key string) ([]float64, bool) {
	raw, ok := s.Variables[key]
	if !ok {
		return nil, false
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Strings decodes a variable as a string array (sunrise, sunset).
func (s Series) Strings(key string) ([]string, bool) {
	raw, ok := s.Variables[key]
	if !ok {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// FloatAt returns one value of a numeric variable, guarding the index.
func (s Series) FloatAt(key string, idx int) (float64, bool) {
	arr, ok := s.Floats(key)
	if !ok || idx < 0 || idx >= len(arr) {
		return 0, false
	}
	return arr[idx], true
}

// CurrentWeather is the instantaneous block of the forecast response.
type CurrentWeather struct {
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"windspeed"`
	WindDirection float64 `json:"winddirection"`
	WeatherCode   int     `json:"weathercode"`
	IsDay         int     `json:"is_day"`
	Time          string  `json:"time"`
}

// Coordinates is the location attached to a snapshot.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AirQuality is the best-effort air quality block.
type AirQuality struct {
	Hourly Series `json:"hourly"`
}

// Snapshot is the normalized forecast payload published to consumers.
// Location metadata is attached by the coordinator after a successful fetch.
type Snapshot struct {
	CurrentWeather CurrentWeather             `json:"current_weather"`
	Current        map[string]json.RawMessage `json:"current,omitempty"`
	Hourly         Series                     `json:"hourly"`
	Daily          Series                     `json:"daily"`
	Timezone       string                     `json:"timezone"`

	Location           Coordinates `json:"location"`
	LocationName       *string     `json:"location_name"`
	LastLocationUpdate *string     `json:"last_location_update"`

	AirQuality *AirQuality `json:"aq,omitempty"`
}

// CurrentFloat decodes one scalar from the generic current block.
func (s *Snapshot) CurrentFloat(key string) (float64, bool) {
	raw, ok := s.Current[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// HourlyIndexAt returns the index into the hourly time axis matching the
// given instant's hour, or the nearest hour when there is no exact match.
// Returns -1 when the series is empty.
func (s *Snapshot) HourlyIndexAt(now time.Time) int {
	if len(s.Hourly.Time) == 0 {
		return -1
	}

	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	target := now.In(loc).Truncate(time.Hour)

	bestIdx := -1
	var bestDiff time.Duration
	for i, ts := range s.Hourly.Time {
		t, err := parseSeriesTime(ts, loc)
		if err != nil {
			continue
		}
		t = t.Truncate(time.Hour)
		if t.Equal(target) {
			return i
		}
		diff := target.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if bestIdx == -1 || diff < bestDiff {
			bestIdx = i
			bestDiff = diff
		}
	}
	return bestIdx
}

// HourlyValueAt returns hourly[key] for the hour closest to now.
func (s *Snapshot) HourlyValueAt(key string, now time.Time) (float64, bool) {
	idx := s.HourlyIndexAt(now)
	if idx < 0 {
		return 0, false
	}
	return s.Hourly.FloatAt(key, idx)
}

// parseSeriesTime parses the API's ISO-8601 timestamps, which come without a
// zone offset when timezone=auto is requested.
func parseSeriesTime(ts string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04", ts, loc)
}
