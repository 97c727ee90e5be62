package httpapi

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/meteotrack/meteotrack/internal/config"
	"github.com/meteotrack/meteotrack/internal/coordinator"
	"github.com/meteotrack/meteotrack/internal/forecast"
	"github.com/meteotrack/meteotrack/internal/location"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, registry *coordinator.Registry, trackers *location.TrackerRegistry) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/api/v1")

	v1.Get("/entries", func(c *fiber.Ctx) error {
		coords := registry.List()
		out := make([]entrySummary, 0, len(coords))
		for _, coord := range coords {
			out = append(out, summarize(coord))
		}
		return c.JSON(fiber.Map{"entries": out})
	})

	v1.Post("/entries", func(c *fiber.Ctx) error {
		var entry config.Entry
		if err := c.BodyParser(&entry); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}

		coord, err := registry.Add(entry)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(summarize(coord))
	})

	v1.Delete("/entries/:id", func(c *fiber.Ctx) error {
		if err := registry.Remove(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Get("/entries/:id/snapshot", func(c *fiber.Ctx) error {
		coord, snap, err := lookupSnapshot(registry, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"degraded": !coord.LastUpdateSuccess(),
			"snapshot": snap,
		})
	})

	v1.Get("/entries/:id/current", func(c *fiber.Ctx) error {
		coord, snap, err := lookupSnapshot(registry, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"degraded": !coord.LastUpdateSuccess(),
			"current":  projectCurrent(snap, time.Now()),
		})
	})

	v1.Get("/entries/:id/forecast/daily", func(c *fiber.Ctx) error {
		_, snap, err := lookupSnapshot(registry, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"forecast": projectDaily(snap)})
	})

	v1.Get("/entries/:id/forecast/hourly", func(c *fiber.Ctx) error {
		_, snap, err := lookupSnapshot(registry, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"forecast": projectHourly(snap, time.Now())})
	})

	v1.Post("/entries/:id/refresh", func(c *fiber.Ctx) error {
		coord, ok := registry.Get(c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "entry not found")
		}
		snap, err := coord.Refresh(c.Context())
		if err != nil {
			if errors.Is(err, coordinator.ErrNoData) {
				return fiber.NewError(fiber.StatusServiceUnavailable, "no forecast data available")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "refresh failed")
		}
		return c.JSON(fiber.Map{
			"degraded": !coord.LastUpdateSuccess(),
			"snapshot": snap,
		})
	})

	v1.Put("/trackers/:id/position", func(c *fiber.Ctx) error {
		var req positionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		trackerID := c.Params("id")
		trackers.Update(trackerID, location.Position{
			Latitude:   *req.Latitude,
			Longitude:  *req.Longitude,
			ReportedAt: time.Now().UTC(),
		})
		registry.RefreshTracking(trackerID)
		return c.JSON(fiber.Map{"status": "accepted"})
	})
}

// positionRequest is a tracker GPS report. Pointers so 0.0 is distinguishable
// from a missing field.
type positionRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

// entrySummary is the list/create representation of an active entry.
type entrySummary struct {
	ID                string   `json:"id"`
	Mode              string   `json:"mode"`
	TrackerID         string   `json:"tracker_id,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	Units             string   `json:"units"`
	LocationName      string   `json:"location_name,omitempty"`
	LastUpdateSuccess bool     `json:"last_update_success"`
}

func summarize(coord *coordinator.Coordinator) entrySummary {
	entry := coord.Entry()
	return entrySummary{
		ID:                entry.ID,
		Mode:              entry.Mode,
		TrackerID:         entry.TrackerID,
		Latitude:          entry.Latitude,
		Longitude:         entry.Longitude,
		Units:             entry.UnitsOrDefault(),
		LocationName:      coord.LocationName(),
		LastUpdateSuccess: coord.LastUpdateSuccess(),
	}
}

func lookupSnapshot(registry *coordinator.Registry, entryID string) (*coordinator.Coordinator, *forecast.Snapshot, error) {
	coord, ok := registry.Get(entryID)
	if !ok {
		return nil, nil, fiber.NewError(fiber.StatusNotFound, "entry not found")
	}
	snap := coord.Snapshot()
	if snap == nil {
		return nil, nil, fiber.NewError(fiber.StatusNotFound, "no forecast data yet")
	}
	return coord, snap, nil
}

// currentConditions is the projected now-cast: instantaneous fields from the
// current weather block, the rest from the hourly series at the current hour.
type currentConditions struct {
	Condition                string   `json:"condition,omitempty"`
	Temperature              float64  `json:"temperature"`
	ApparentTemperature      *float64 `json:"apparent_temperature,omitempty"`
	Humidity                 *float64 `json:"humidity,omitempty"`
	PressureMsl              *float64 `json:"pressure_msl,omitempty"`
	WindSpeed                float64  `json:"wind_speed"`
	WindBearing              float64  `json:"wind_bearing"`
	WindGustSpeed            *float64 `json:"wind_gust_speed,omitempty"`
	CloudCoverage            *float64 `json:"cloud_coverage,omitempty"`
	VisibilityKm             *float64 `json:"visibility_km,omitempty"`
	UVIndex                  *float64 `json:"uv_index,omitempty"`
	Precipitation            *float64 `json:"precipitation,omitempty"`
	PrecipitationProbability *float64 `json:"precipitation_probability,omitempty"`
	Time                     string   `json:"time,omitempty"`
}

func projectCurrent(snap *forecast.Snapshot, now time.Time) currentConditions {
	cw := snap.CurrentWeather
	out := currentConditions{
		Temperature: cw.Temperature,
		WindSpeed:   cw.WindSpeed,
		WindBearing: cw.WindDirection,
		Time:        cw.Time,
	}
	if cond, ok := forecast.MapCondition(cw.WeatherCode, cw.IsDay); ok {
		out.Condition = string(cond)
	}

	out.ApparentTemperature = hourlyOptional(snap, "apparent_temperature", now)
	out.Humidity = currentOrHourly(snap, "relative_humidity_2m", "relativehumidity_2m", now)
	out.PressureMsl = currentOrHourly(snap, "pressure_msl", "pressure_msl", now)
	out.WindGustSpeed = currentOrHourly(snap, "wind_gusts_10m", "windgusts_10m", now)
	out.CloudCoverage = currentOrHourly(snap, "cloud_cover", "cloudcover", now)
	out.UVIndex = hourlyOptional(snap, "uv_index", now)
	out.Precipitation = currentOrHourly(snap, "precipitation", "precipitation", now)
	out.PrecipitationProbability = hourlyOptional(snap, "precipitation_probability", now)

	// The API reports visibility in meters.
	if vis := currentOrHourly(snap, "visibility", "visibility", now); vis != nil {
		km := *vis / 1000
		out.VisibilityKm = &km
	}
	return out
}

// currentOrHourly prefers the instantaneous current block, falling back to
// the hourly series at the current hour when the block lacks the variable.
func currentOrHourly(snap *forecast.Snapshot, currentKey, hourlyKey string, now time.Time) *float64 {
	if v, ok := snap.CurrentFloat(currentKey); ok {
		return &v
	}
	return hourlyOptional(snap, hourlyKey, now)
}

func hourlyOptional(snap *forecast.Snapshot, key string, now time.Time) *float64 {
	v, ok := snap.HourlyValueAt(key, now)
	if !ok {
		return nil
	}
	return &v
}

type dailyForecast struct {
	Time          string   `json:"time"`
	Condition     string   `json:"condition,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TempLow       *float64 `json:"templow,omitempty"`
	Precipitation *float64 `json:"precipitation,omitempty"`
	WindSpeed     *float64 `json:"wind_speed,omitempty"`
	WindBearing   *float64 `json:"wind_bearing,omitempty"`
	Sunrise       string   `json:"sunrise,omitempty"`
	Sunset        string   `json:"sunset,omitempty"`
}

func projectDaily(snap *forecast.Snapshot) []dailyForecast {
	daily := snap.Daily
	sunrise, _ := daily.Strings("sunrise")
	sunset, _ := daily.Strings("sunset")

	out := make([]dailyForecast, 0, len(daily.Time))
	for i, ts := range daily.Time {
		day := dailyForecast{Time: ts}
		if code, ok := daily.FloatAt("weathercode", i); ok {
			// Daily conditions always use the daytime mapping.
			if cond, condOK := forecast.MapCondition(int(code), 1); condOK {
				day.Condition = string(cond)
			}
		}
		day.Temperature = seriesOptional(daily, "temperature_2m_max", i)
		day.TempLow = seriesOptional(daily, "temperature_2m_min", i)
		day.Precipitation = seriesOptional(daily, "precipitation_sum", i)
		day.WindSpeed = seriesOptional(daily, "windspeed_10m_max", i)
		day.WindBearing = seriesOptional(daily, "winddirection_10m_dominant", i)
		if i < len(sunrise) {
			day.Sunrise = sunrise[i]
		}
		if i < len(sunset) {
			day.Sunset = sunset[i]
		}
		out = append(out, day)
	}
	return out
}

type hourlyForecast struct {
	Time                     string   `json:"time"`
	Condition                string   `json:"condition,omitempty"`
	Temperature              *float64 `json:"temperature,omitempty"`
	ApparentTemperature      *float64 `json:"apparent_temperature,omitempty"`
	Precipitation            *float64 `json:"precipitation,omitempty"`
	PrecipitationProbability *float64 `json:"precipitation_probability,omitempty"`
	PressureMsl              *float64 `json:"pressure_msl,omitempty"`
	WindSpeed                *float64 `json:"wind_speed,omitempty"`
	WindBearing              *float64 `json:"wind_bearing,omitempty"`
	Humidity                 *float64 `json:"humidity,omitempty"`
	CloudCoverage            *float64 `json:"cloud_coverage,omitempty"`
	UVIndex                  *float64 `json:"uv_index,omitempty"`
}

// maxHourlyEntries caps the hourly projection at three days out.
const maxHourlyEntries = 72

func projectHourly(snap *forecast.Snapshot, now time.Time) []hourlyForecast {
	hourly := snap.Hourly
	start := snap.HourlyIndexAt(now)
	if start < 0 {
		return []hourlyForecast{}
	}

	end := len(hourly.Time)
	if end > start+maxHourlyEntries {
		end = start + maxHourlyEntries
	}

	out := make([]hourlyForecast, 0, end-start)
	for i := start; i < end; i++ {
		hour := hourlyForecast{Time: hourly.Time[i]}
		if code, ok := hourly.FloatAt("weathercode", i); ok {
			isDay := 1
			if v, dayOK := hourly.FloatAt("is_day", i); dayOK {
				isDay = int(v)
			}
			if cond, condOK := forecast.MapCondition(int(code), isDay); condOK {
				hour.Condition = string(cond)
			}
		}
		hour.Temperature = seriesOptional(hourly, "temperature_2m", i)
		hour.ApparentTemperature = seriesOptional(hourly, "apparent_temperature", i)
		hour.Precipitation = seriesOptional(hourly, "precipitation", i)
		hour.PrecipitationProbability = seriesOptional(hourly, "precipitation_probability", i)
		hour.PressureMsl = seriesOptional(hourly, "pressure_msl", i)
		hour.WindSpeed = seriesOptional(hourly, "windspeed_10m", i)
		hour.WindBearing = seriesOptional(hourly, "winddirection_10m", i)
		hour.Humidity = seriesOptional(hourly, "relativehumidity_2m", i)
		hour.CloudCoverage = seriesOptional(hourly, "cloudcover", i)
		hour.UVIndex = seriesOptional(hourly, "uv_index", i)
		out = append(out, hour)
	}
	return out
}

func seriesOptional(s forecast.Series, key string, idx int) *float64 {
	v, ok := s.FloatAt(key, idx)
	if !ok {
		return nil
	}
	return &v
}
