package geocode

import (
	"context"
	"fmt"

	"github.com/kelvins/geocoder"
	"go.uber.org/zap"
)

// GoogleNamer resolves place names through the Google Geocoding API. Selected
// when a Google API key is configured; otherwise the free services are used.
type GoogleNamer struct {
	logger *zap.Logger
}

// NewGoogleNamer configures the Google geocoding backend with the given key.
func NewGoogleNamer(apiKey string, logger *zap.Logger) *GoogleNamer {
	geocoder.ApiKey = apiKey
	return &GoogleNamer{logger: logger}
}

// Name composes a "locality, country" label from the first reverse-geocoding
// result.
func (g *GoogleNamer) Name(ctx context.Context, lat, lon float64) (string, bool) {
	addresses, err := geocoder.GeocodingReverse(geocoder.Location{
		Latitude:  lat,
		Longitude: lon,
	})
	if err != nil {
		g.logger.Debug("google reverse geocode failed", zap.Error(err))
		return "", false
	}
	if len(addresses) == 0 {
		return "", false
	}

	addr := addresses[0]
	name := addr.City
	if name == "" {
		name = addr.District
	}
	if name == "" {
		name = addr.State
	}
	if name == "" {
		return "", false
	}
	if addr.Country != "" {
		return fmt.Sprintf("%s, %s", name, addr.Country), true
	}
	return name, true
}
