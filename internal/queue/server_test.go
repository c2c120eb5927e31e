package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/botanical/plant-controller/internal/cloud"
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/storage"
)

func setupTestServer(t *testing.T) (*httptest.Server, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts := httptest.NewServer(New(Config{}, db, nil, zerolog.Nop()))
	t.Cleanup(ts.Close)
	return ts, db
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, err := http.NewRequest(method, ts.URL+path, body)
	is.NoErr(err)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp, string(respBody)
}

func TestHomeAndHealth(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)

	resp, body := testRequest(is, ts, http.MethodGet, "/", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "running"))

	resp, body = testRequest(is, ts, http.MethodGet, "/health", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"database":"connected"`))
}

func TestTwoPollsOverQueueOfTwo(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)
	client := cloud.New(cloud.Config{BaseURL: ts.URL})
	ctx := context.Background()

	_, err := client.SubmitCommand(ctx, "plant-1", protocol.ActionLightOn)
	is.NoErr(err)
	_, err = client.SubmitCommand(ctx, "plant-1", protocol.ActionPumpOn)
	is.NoErr(err)

	first, err := client.FetchCommands(ctx, "plant-1")
	is.NoErr(err)
	is.Equal(len(first), 2)
	is.Equal(first[0].Action, "light_on")
	is.Equal(first[1].Action, "pump_on")

	second, err := client.FetchCommands(ctx, "plant-1")
	is.NoErr(err)
	is.Equal(len(second), 0)
}

func TestEmptyQueueIsEmptyArray(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)

	resp, body := testRequest(is, ts, http.MethodGet, "/api/devices/plant-1/commands", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(strings.TrimSpace(body), "[]")
}

func TestControlRejectsUnknownAction(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)

	resp, body := testRequest(is, ts, http.MethodPost, "/api/devices/plant-1/control", strings.NewReader(`{"action":"explode"}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
	is.True(strings.Contains(body, "unknown action"))
}

func TestStoredUnknownActionIsStillDelivered(t *testing.T) {
	is := is.New(t)
	ts, db := setupTestServer(t)

	_, err := db.InsertCommand(context.Background(), "plant-1", "bogus")
	is.NoErr(err)

	cmds, err := cloud.New(cloud.Config{BaseURL: ts.URL}).FetchCommands(context.Background(), "plant-1")
	is.NoErr(err)
	is.Equal(len(cmds), 1)
	is.Equal(cmds[0].Action, "bogus")
}

func TestTelemetryThenLatest(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)
	client := cloud.New(cloud.Config{BaseURL: ts.URL})
	ctx := context.Background()

	_, err := client.Latest(ctx, "plant-1")
	is.True(errors.Is(err, cloud.ErrNoReading))

	id, err := client.PushTelemetry(ctx, protocol.TelemetryPayload{
		DeviceID: "plant-1",
		Moisture: &protocol.MoistureData{ADC: 12000, Voltage: 1.5},
		Water:    &protocol.WaterData{WaterDetected: true},
	})
	is.NoErr(err)
	is.True(id > 0)

	latest, err := client.Latest(ctx, "plant-1")
	is.NoErr(err)
	is.Equal(latest.DeviceID, "plant-1")
	is.True(latest.Temperature == nil) // environment was null
	is.Equal(*latest.Moisture, 1.5)
	is.Equal(*latest.WaterDetected, true)
}

func TestTelemetryRequiresDeviceID(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)

	resp, body := testRequest(is, ts, http.MethodPost, "/api/devices/telemetry", strings.NewReader(`{"light":{"lux":3}}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	var e protocol.ErrorResponse
	is.NoErr(json.Unmarshal([]byte(body), &e))
	is.Equal(e.Error, "device_id is required")
}

func TestCORSPreflight(t *testing.T) {
	is := is.New(t)
	ts, _ := setupTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/devices/plant-1/control", nil)
	is.NoErr(err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.True(resp.Header.Get("Access-Control-Allow-Origin") != "")
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func TestHealthCheckerTracksDatabase(t *testing.T) {
	is := is.New(t)

	h := NewHealthChecker(failingPinger{err: errors.New("disk gone")}, zerolog.Nop())
	is.Equal(h.Check(context.Background()), healthpb.HealthCheckResponse_NOT_SERVING)

	h.db = failingPinger{}
	is.Equal(h.Check(context.Background()), healthpb.HealthCheckResponse_SERVING)

	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	is.NoErr(err)
	is.Equal(resp.Status, healthpb.HealthCheckResponse_SERVING)
}
