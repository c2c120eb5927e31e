// Package storage provides SQLite database operations for the command
// queue service.
package storage

import "time"

// Reading is one stored telemetry push. Nil fields were null in the payload.
type Reading struct {
	ID              int64     `json:"id"`
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	Temperature     *float64  `json:"temperature"`
	Humidity        *float64  `json:"humidity"`
	MoistureVoltage *float64  `json:"moisture_voltage"`
	LightLux        *float64  `json:"light_lux"`
	WaterDetected   *bool     `json:"water_detected"`
}

// Command is a queued actuation instruction for a device
type Command struct {
	ID          int64      `json:"id"`
	DeviceID    string     `json:"device_id"`
	Action      string     `json:"action"`
	Executed    bool       `json:"executed"` // consumed by a poll
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Stats summarises database contents
type Stats struct {
	Readings        int64 `json:"readings"`
	Devices         int64 `json:"devices"`
	Commands        int64 `json:"commands"`
	PendingCommands int64 `json:"pending_commands"`
}
