// Package geocode resolves human-readable place names for coordinates.
//
// Lookups never return errors: callers get (name, ok) and fall back to a
// coordinate label themselves, so failure paths stay visible at the call
// site instead of being swallowed.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const userAgent = "meteotrack/1.0"

// Namer resolves a place name for a coordinate pair.
type Namer interface {
	Name(ctx context.Context, lat, lon float64) (string, bool)
}

// Client reverse-geocodes via the Open-Meteo geocoding API, falling back to
// Nominatim when it yields nothing.
type Client struct {
	client       *http.Client
	openMeteoURL string
	nominatimURL string
	language     string
	circuit      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// NewClient creates a reverse-geocoding client. language is the two-letter
// code sent to both services.
func NewClient(client *http.Client, language string, logger *zap.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "geocode",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{
		client:       client,
		openMeteoURL: "https://geocoding-api.open-meteo.com/v1/reverse",
		nominatimURL: "https://nominatim.openstreetmap.org/reverse",
		language:     language,
		circuit:      cb,
		logger:       logger,
	}
}

// Name resolves a "locality, country" label for the coordinates. The country
// part is omitted when the service does not report one.
func (c *Client) Name(ctx context.Context, lat, lon float64) (string, bool) {
	if name, ok := c.openMeteo(ctx, lat, lon); ok {
		return name, true
	}
	return c.nominatim(ctx, lat, lon)
}

func (c *Client) openMeteo(ctx context.Context, lat, lon float64) (string, bool) {
	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", lat))
	values.Set("longitude", fmt.Sprintf("%f", lon))
	values.Set("count", "1")
	values.Set("language", c.language)
	values.Set("format", "json")

	body, ok := c.get(ctx, c.openMeteoURL, values)
	if !ok {
		return "", false
	}

	var payload struct {
		Results []struct {
			Name        string `json:"name"`
			Admin1      string `json:"admin1"`
			Admin2      string `json:"admin2"`
			CountryCode string `json:"country_code"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.Debug("geocode: invalid open-meteo response", zap.Error(err))
		return "", false
	}
	if len(payload.Results) == 0 {
		return "", false
	}

	r := payload.Results[0]
	name := r.Name
	if name == "" {
		name = r.Admin2
	}
	if name == "" {
		name = r.Admin1
	}
	if name == "" {
		return "", false
	}
	if r.CountryCode != "" {
		return fmt.Sprintf("%s, %s", name, r.CountryCode), true
	}
	return name, true
}

func (c *Client) nominatim(ctx context.Context, lat, lon float64) (string, bool) {
	values := url.Values{}
	values.Set("format", "jsonv2")
	values.Set("lat", fmt.Sprintf("%f", lat))
	values.Set("lon", fmt.Sprintf("%f", lon))
	values.Set("zoom", "10")
	values.Set("accept-language", c.language)

	body, ok := c.get(ctx, c.nominatimURL, values)
	if !ok {
		return "", false
	}

	var payload struct {
		Name    string `json:"name"`
		Address struct {
			City        string `json:"city"`
			Town        string `json:"town"`
			Village     string `json:"village"`
			CountryCode string `json:"country_code"`
		} `json:"address"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.Debug("geocode: invalid nominatim response", zap.Error(err))
		return "", false
	}

	name := payload.Address.City
	if name == "" {
		name = payload.Address.Town
	}
	if name == "" {
		name = payload.Address.Village
	}
	if name == "" {
		name = payload.Name
	}
	if name == "" {
		return "", false
	}
	if cc := strings.ToUpper(payload.Address.CountryCode); cc != "" {
		return fmt.Sprintf("%s, %s", name, cc), true
	}
	return name, true
}

// get performs a breaker-guarded GET and returns the body for 200 responses.
func (c *Client) get(ctx context.Context, baseURL string, values url.Values) ([]byte, bool) {
	u := fmt.Sprintf("%s?%s", baseURL, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("User-Agent", userAgent)

	result, err := c.circuit.Execute(func() (interface{}, error) {
		resp, execErr := c.client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("geocode http %d", resp.StatusCode)
		}

		body, execErr := io.ReadAll(resp.Body)
		if execErr != nil {
			return nil, execErr
		}
		return body, nil
	})
	if err != nil {
		c.logger.Debug("geocode request failed", zap.String("url", baseURL), zap.Error(err))
		return nil, false
	}

	body, ok := result.([]byte)
	return body, ok
}
