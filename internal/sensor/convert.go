package sensor

import "math"

// ADS1115 full range in counts for a single-ended channel
const adcMaxCounts = 32767

// DefaultFullScaleVolts is the ADS1115 input range at gain 1
const DefaultFullScaleVolts = 4.096

// BH1750 conversion factor between counts and lux
const luxPerCount = 1 / 1.2

// CelsiusToFahrenheit converts a temperature in °C to °F
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// ADCToVoltage converts a raw ADS1115 reading to volts for the given
// full-scale input range
func ADCToVoltage(raw int, fullScale float64) float64 {
	return float64(raw) * fullScale / adcMaxCounts
}

// ADCToPercent maps a raw ADS1115 reading onto 0-100%, clamped
func ADCToPercent(raw int) float64 {
	p := float64(raw) / adcMaxCounts * 100
	return math.Max(0, math.Min(100, p))
}

// LuxFromRaw converts the two BH1750 result bytes (MSB first) to lux
func LuxFromRaw(hi, lo byte) float64 {
	return float64(uint16(hi)<<8|uint16(lo)) * luxPerCount
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
