package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meteotrack/meteotrack/internal/config"
)

const userAgent = "meteotrack/1.0"

// Variable sets requested from the API. Treated as versioned: changing them
// changes the published snapshot shape.
var (
	hourlyVariables = []string{
		"temperature_2m",
		"relativehumidity_2m",
		"apparent_temperature",
		"precipitation",
		"snowfall",
		"precipitation_probability",
		"weathercode",
		"windspeed_10m",
		"winddirection_10m",
		"windgusts_10m",
		"pressure_msl",
		"surface_pressure",
		"visibility",
		"cloudcover",
		"is_day",
		"uv_index",
	}

	dailyVariables = []string{
		"temperature_2m_max",
		"temperature_2m_min",
		"weathercode",
		"precipitation_sum",
		"windspeed_10m_max",
		"winddirection_10m_dominant",
		"sunrise",
		"sunset",
	}

	currentVariables = []string{
		"temperature_2m",
		"relative_humidity_2m",
		"dewpoint_2m",
		"pressure_msl",
		"wind_speed_10m",
		"wind_direction_10m",
		"wind_gusts_10m",
		"weathercode",
		"cloud_cover",
		"precipitation",
		"visibility",
	}

	airQualityVariables = []string{
		"pm2_5",
		"pm10",
		"carbon_monoxide",
		"nitrogen_dioxide",
		"sulphur_dioxide",
		"ozone",
		"us_aqi",
		"european_aqi",
	}
)

const (
	maxAttempts       = 3
	attemptTimeout    = 20 * time.Second
	airQualityTimeout = 30 * time.Second
)

// APIError is a non-retryable application error from the forecast API.
type APIError struct {
	Status  int
	Snippet string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Snippet)
}

var errCircuitOpen = errors.New("forecast circuit breaker open")

// Client fetches normalized forecast snapshots from the Open-Meteo API.
type Client struct {
	client  *http.Client
	baseURL string
	aqURL   string
	circuit *gobreaker.CircuitBreaker
	logger  *zap.Logger

	// backoff returns the sleep before retrying attempt+1; injectable so
	// tests run without real sleeps.
	backoff func(attempt int) time.Duration
}

// NewClient creates a forecast client using the shared HTTP client.
func NewClient(client *http.Client, logger *zap.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "forecast",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{
		client:  client,
		baseURL: "https://api.open-meteo.com/v1/forecast",
		aqURL:   "https://air-quality-api.open-meteo.com/v1/air-quality",
		circuit: cb,
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// defaultBackoff spreads retries as 1.5^attempt seconds plus jitter so that
// many instances failing together do not retry together.
func defaultBackoff(attempt int) time.Duration {
	secs := math.Pow(1.5, float64(attempt)) + rand.Float64()/2
	return time.Duration(secs * float64(time.Second))
}

// Fetch retrieves a forecast snapshot for the coordinates. Transient network
// errors are retried up to maxAttempts with exponential backoff; API errors
// (HTTP >= 400) fail immediately. The returned snapshot has no location
// metadata attached yet.
func (c *Client) Fetch(ctx context.Context, lat, lon float64, units string) (*Snapshot, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap, err := c.fetchOnce(ctx, lat, lon, units)
		if err == nil {
			return snap, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		if errors.Is(err, errCircuitOpen) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Debug("forecast fetch failed; retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("forecast fetch failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, lat, lon float64, units string) (*Snapshot, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", lat))
	values.Set("longitude", fmt.Sprintf("%f", lon))
	values.Set("current_weather", "true")
	values.Set("hourly", strings.Join(hourlyVariables, ","))
	values.Set("daily", strings.Join(dailyVariables, ","))
	values.Set("current", strings.Join(currentVariables, ","))
	values.Set("timezone", "auto")
	values.Set("timeformat", "iso8601")
	if units == config.UnitsImperial {
		values.Set("temperature_unit", "fahrenheit")
		values.Set("windspeed_unit", "mph")
		values.Set("precipitation_unit", "inch")
	} else {
		values.Set("temperature_unit", "celsius")
		values.Set("windspeed_unit", "kmh")
		values.Set("precipitation_unit", "mm")
	}

	body, err := c.get(attemptCtx, c.baseURL, values)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &APIError{Status: http.StatusOK, Snippet: fmt.Sprintf("invalid response body: %v", err)}
	}
	return &snap, nil
}

// FetchAirQuality retrieves the best-effort air quality block. No retries;
// the caller treats any error as non-critical.
func (c *Client) FetchAirQuality(ctx context.Context, lat, lon float64) (*AirQuality, error) {
	aqCtx, cancel := context.WithTimeout(ctx, airQualityTimeout)
	defer cancel()

	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", lat))
	values.Set("longitude", fmt.Sprintf("%f", lon))
	values.Set("timezone", "auto")
	values.Set("hourly", strings.Join(airQualityVariables, ","))

	body, err := c.get(aqCtx, c.aqURL, values)
	if err != nil {
		return nil, err
	}

	var aq AirQuality
	if err := json.Unmarshal(body, &aq); err != nil {
		return nil, fmt.Errorf("invalid air quality response: %w", err)
	}
	if len(aq.Hourly.Time) == 0 {
		return nil, errors.New("air quality response has no hourly data")
	}
	return &aq, nil
}

// get performs one breaker-guarded GET. HTTP >= 400 becomes an APIError with
// a body snippet; everything else surfaces as-is for retry classification.
func (c *Client) get(ctx context.Context, baseURL string, values url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s?%s", baseURL, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	result, err := c.circuit.Execute(func() (interface{}, error) {
		resp, execErr := c.client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		defer resp.Body.Close()

		body, execErr := io.ReadAll(resp.Body)
		if execErr != nil {
			return nil, execErr
		}

		if resp.StatusCode >= 400 {
			snippet := string(body)
			if len(snippet) > 100 {
				snippet = snippet[:100]
			}
			return nil, &APIError{Status: resp.StatusCode, Snippet: snippet}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}
