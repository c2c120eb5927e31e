package protocol

import (
	"encoding/json"
	"testing"

	"github.com/matryer/is"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"pump_on", ActionPumpOn, false},
		{"pump_off", ActionPumpOff, false},
		{"light_on", ActionLightOn, false},
		{"light_off", ActionLightOff, false},
		{"PUMP_ON", "", true},
		{"", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			is := is.New(t)
			got, err := ParseAction(tt.in)
			is.Equal(err != nil, tt.wantErr)
			is.Equal(got, tt.want)
		})
	}
}

func TestTelemetryPayloadEncodesMissingReadingsAsNull(t *testing.T) {
	is := is.New(t)

	data, err := json.Marshal(TelemetryPayload{
		DeviceID: "plant-1",
		Light:    &LightData{Lux: 320},
	})
	is.NoErr(err)

	var decoded map[string]json.RawMessage
	is.NoErr(json.Unmarshal(data, &decoded))
	is.Equal(len(decoded), 5) // device_id plus four sensor keys

	for _, key := range []string{"environment", "moisture", "water"} {
		raw, ok := decoded[key]
		is.True(ok) // key must be present
		is.Equal(string(raw), "null")
	}
	is.Equal(string(decoded["light"]), `{"lux":320}`)
}

func TestCommandKeepsUnknownAction(t *testing.T) {
	is := is.New(t)

	var cmds []Command
	err := json.Unmarshal([]byte(`[{"id":1,"action":"light_on"},{"id":2,"action":"dance"}]`), &cmds)
	is.NoErr(err)
	is.Equal(len(cmds), 2)
	is.Equal(cmds[1].Action, "dance")

	_, err = ParseAction(cmds[1].Action)
	is.True(err != nil)
}

func TestEnvironmentTimestampLayout(t *testing.T) {
	is := is.New(t)

	data, err := json.Marshal(EnvironmentData{TemperatureC: 22.4, TemperatureF: 72.3, Humidity: 55.6, Timestamp: "2024-05-01 13:04:05"})
	is.NoErr(err)
	is.Equal(string(data), `{"temperature_c":22.4,"temperature_f":72.3,"humidity":55.6,"timestamp":"2024-05-01 13:04:05"}`)
}
