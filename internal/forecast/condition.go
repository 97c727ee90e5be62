package forecast

// Condition is a normalized high-level weather condition.
type Condition string

const (
	ConditionSunny          Condition = "sunny"
	ConditionClearNight     Condition = "clear-night"
	ConditionPartlyCloudy   Condition = "partlycloudy"
	ConditionCloudy         Condition = "cloudy"
	ConditionFog            Condition = "fog"
	ConditionRainy          Condition = "rainy"
	ConditionPouring        Condition = "pouring"
	ConditionSnowyRainy     Condition = "snowy-rainy"
	ConditionSnowy          Condition = "snowy"
	ConditionLightningRainy Condition = "lightning-rainy"
)

// conditionByCode maps WMO weather interpretation codes to conditions.
var conditionByCode = map[int]Condition{
	0:  ConditionSunny,        // Clear sky
	1:  ConditionPartlyCloudy, // Mainly clear
	2:  ConditionPartlyCloudy, // Partly cloudy
	3:  ConditionCloudy,       // Overcast
	45: ConditionFog,          // Fog
	48: ConditionFog,          // Depositing rime fog
	51: ConditionRainy,        // Light drizzle
	53: ConditionRainy,        // Moderate drizzle
	55: ConditionPouring,      // Dense drizzle
	56: ConditionSnowyRainy,   // Light freezing drizzle
	57: ConditionSnowyRainy,   // Dense freezing drizzle
	61: ConditionRainy,        // Slight rain
	63: ConditionRainy,        // Moderate rain
	65: ConditionPouring,      // Heavy rain
	66: ConditionSnowyRainy,   // Light freezing rain
	67: ConditionSnowyRainy,   // Heavy freezing rain
	71: ConditionSnowy,        // Slight snow fall
	73: ConditionSnowy,        // Moderate snow fall
	75: ConditionSnowy,        // Heavy snow fall
	77: ConditionSnowy,        // Snow grains
	80: ConditionRainy,        // Slight rain showers
	81: ConditionRainy,        // Moderate rain showers
	82: ConditionPouring,      // Violent rain showers
	85: ConditionSnowy,        // Slight snow showers
	86: ConditionSnowy,        // Heavy snow showers
	95: ConditionLightningRainy, // Thunderstorm
	96: ConditionLightningRainy, // Thunderstorm with slight hail
	99: ConditionLightningRainy, // Thunderstorm with heavy hail
}

// MapCondition translates a weather code into a condition. Codes 0 and 1 at
// night map to clear-night instead of their daytime condition. ok is false
// for codes outside the interpretation table.
func MapCondition(weatherCode, isDay int) (Condition, bool) {
	if (weatherCode == 0 || weatherCode == 1) && isDay == 0 {
		return ConditionClearNight, true
	}
	cond, ok := conditionByCode[weatherCode]
	return cond, ok
}
