// Package protocol defines the JSON wire contract between the plant device
// and the command queue service.
package protocol

import (
	"fmt"
	"time"
)

// Action is a queued actuation instruction
type Action string

const (
	ActionPumpOn   Action = "pump_on"
	ActionPumpOff  Action = "pump_off"
	ActionLightOn  Action = "light_on"
	ActionLightOff Action = "light_off"
)

// Actions lists every action the device knows how to execute
var Actions = []Action{ActionPumpOn, ActionPumpOff, ActionLightOn, ActionLightOff}

// ParseAction validates an action string received over the wire
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Endpoint paths, relative to the service base URL
const (
	PathTelemetry = "/api/devices/telemetry"
	PathCommands  = "/api/devices/%s/commands"
	PathControl   = "/api/devices/%s/control"
	PathLatest    = "/api/devices/%s/latest"
)

// TimestampLayout is the format of environment reading timestamps
const TimestampLayout = "2006-01-02 15:04:05"

// TelemetryPayload is the body of a telemetry push. Sensor fields carry no
// omitempty: a missing reading is sent as an explicit null.
type TelemetryPayload struct {
	DeviceID    string           `json:"device_id"`
	Environment *EnvironmentData `json:"environment"`
	Moisture    *MoistureData    `json:"moisture"`
	Light       *LightData       `json:"light"`
	Water       *WaterData       `json:"water"`
}

// EnvironmentData is a temperature/humidity reading
type EnvironmentData struct {
	TemperatureC float64 `json:"temperature_c"`
	TemperatureF float64 `json:"temperature_f"`
	Humidity     float64 `json:"humidity"`
	Timestamp    string  `json:"timestamp"`
}

// MoistureData is a soil moisture reading
type MoistureData struct {
	ADC     int     `json:"adc"`
	Voltage float64 `json:"voltage"`
}

// LightData is an ambient light reading
type LightData struct {
	Lux float64 `json:"lux"`
}

// WaterData is a water presence reading
type WaterData struct {
	WaterDetected bool `json:"water_detected"`
}

// TelemetryAck is returned for an accepted telemetry push
type TelemetryAck struct {
	Status    string `json:"status"`
	ReadingID int64  `json:"reading_id"`
}

// Command is a pending command as delivered to the device. Action is kept
// as a raw string so unknown actions survive decoding and can be reported.
type Command struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

// ControlRequest queues a command for a device
type ControlRequest struct {
	Action string `json:"action"`
}

// ControlResponse is returned once a command is queued
type ControlResponse struct {
	Status    string `json:"status"`
	CommandID int64  `json:"command_id"`
}

// LatestReading is the most recent stored reading for a device
type LatestReading struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	Temperature   *float64  `json:"temperature"`
	Humidity      *float64  `json:"humidity"`
	Moisture      *float64  `json:"moisture"`
	Light         *float64  `json:"light"`
	WaterDetected *bool     `json:"water_detected"`
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
}
