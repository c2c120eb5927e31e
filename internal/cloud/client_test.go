package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/botanical/plant-controller/internal/protocol"
)

func TestPushTelemetrySendsNullsAndReturnsReadingID(t *testing.T) {
	is := is.New(t)

	var body map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodPost)
		is.Equal(r.URL.Path, protocol.PathTelemetry)
		is.Equal(r.Header.Get("Content-Type"), "application/json")
		is.NoErr(json.NewDecoder(r.Body).Decode(&body))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"received","reading_id":17}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/"})
	id, err := c.PushTelemetry(context.Background(), protocol.TelemetryPayload{
		DeviceID: "plant-1",
		Light:    &protocol.LightData{Lux: 120.5},
	})
	is.NoErr(err)
	is.Equal(id, int64(17))
	is.Equal(string(body["environment"]), "null")
	is.Equal(string(body["light"]), `{"lux":120.5}`)
}

func TestFetchCommandsKeepsUnknownActions(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/devices/plant-1/commands")
		w.Write([]byte(`[{"id":1,"action":"light_on"},{"id":2,"action":"bogus"}]`))
	}))
	defer srv.Close()

	cmds, err := New(Config{BaseURL: srv.URL}).FetchCommands(context.Background(), "plant-1")
	is.NoErr(err)
	is.Equal(cmds, []protocol.Command{{ID: 1, Action: "light_on"}, {ID: 2, Action: "bogus"}})
}

func TestNon2xxIsAPIError(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).FetchCommands(context.Background(), "plant-1")
	var apiErr *APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.StatusCode, http.StatusInternalServerError)
	is.Equal(apiErr.Body, `{"error":"boom"}`)
}

func TestLatestNotFound(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no data found"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Latest(context.Background(), "plant-1")
	is.True(errors.Is(err, ErrNoReading))
}

func TestSubmitCommand(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/devices/plant-1/control")
		var req protocol.ControlRequest
		is.NoErr(json.NewDecoder(r.Body).Decode(&req))
		is.Equal(req.Action, "pump_on")
		w.Write([]byte(`{"status":"command queued","command_id":9}`))
	}))
	defer srv.Close()

	id, err := New(Config{BaseURL: srv.URL}).SubmitCommand(context.Background(), "plant-1", protocol.ActionPumpOn)
	is.NoErr(err)
	is.Equal(id, int64(9))
}

func TestRequestTimeout(t *testing.T) {
	is := is.New(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{BaseURL: srv.URL, HTTPTimeout: 20 * time.Millisecond}).FetchCommands(context.Background(), "plant-1")
	is.True(err != nil)
}

// fakeToken and fakeMQTT embed the paho interfaces; only the methods the
// mirror uses are implemented.
type fakeToken struct {
	mqtt.Token
	done chan struct{}
	err  error
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMQTT struct {
	mqtt.Client
	topic   string
	payload []byte
	err     error
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.payload = payload.([]byte)
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: c.err}
}

func TestMirrorPublishesToDeviceTopic(t *testing.T) {
	is := is.New(t)

	client := &fakeMQTT{}
	m := newMirror(DefaultMirrorConfig(), client, zerolog.Nop())

	err := m.Publish(context.Background(), protocol.TelemetryPayload{DeviceID: "plant-1"})
	is.NoErr(err)
	is.Equal(client.topic, "plants/plant-1/telemetry")

	var decoded map[string]any
	is.NoErr(json.Unmarshal(client.payload, &decoded))
	is.Equal(decoded["device_id"], "plant-1")
}

func TestMirrorPublishError(t *testing.T) {
	is := is.New(t)

	client := &fakeMQTT{err: errors.New("not connected")}
	m := newMirror(DefaultMirrorConfig(), client, zerolog.Nop())

	err := m.Publish(context.Background(), protocol.TelemetryPayload{DeviceID: "plant-1"})
	is.True(err != nil)
}
