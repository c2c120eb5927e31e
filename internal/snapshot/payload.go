package snapshot

import (
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/sensor"
)

// Payload builds the telemetry body for a snapshot. All four sensor keys are
// always present; absent or unavailable kinds are null.
func Payload(s Snapshot) protocol.TelemetryPayload {
	p := protocol.TelemetryPayload{DeviceID: s.DeviceID}

	if r, ok := s.Reading(sensor.KindEnvironment); ok {
		p.Environment = &protocol.EnvironmentData{
			TemperatureC: r.Environment.TemperatureC,
			TemperatureF: r.Environment.TemperatureF,
			Humidity:     r.Environment.Humidity,
			Timestamp:    r.CapturedAt.Format(protocol.TimestampLayout),
		}
	}
	if r, ok := s.Reading(sensor.KindMoisture); ok {
		p.Moisture = &protocol.MoistureData{ADC: r.Moisture.ADC, Voltage: r.Moisture.Voltage}
	}
	if r, ok := s.Reading(sensor.KindLight); ok {
		p.Light = &protocol.LightData{Lux: r.Light.Lux}
	}
	if r, ok := s.Reading(sensor.KindWater); ok {
		p.Water = &protocol.WaterData{WaterDetected: r.Water.Detected}
	}
	return p
}
