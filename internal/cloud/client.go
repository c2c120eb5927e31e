// Package cloud provides communication with the remote command queue
// service. Telemetry is pushed and commands are polled over HTTP REST; an
// optional MQTT mirror republishes telemetry for other consumers.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/botanical/plant-controller/internal/protocol"
)

// ErrNoReading is returned by Latest when the service holds no reading
var ErrNoReading = errors.New("no reading stored for device")

// APIError is a non-2xx response from the service
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config holds cloud client configuration
type Config struct {
	BaseURL     string        // service root (http://host:5000)
	HTTPTimeout time.Duration // per request, including body read
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:5000",
		HTTPTimeout: 10 * time.Second,
	}
}

// Client talks to the command queue REST API
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new cloud client
func New(config Config) *Client {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// PushTelemetry submits a telemetry payload and returns the stored reading id
func (c *Client) PushTelemetry(ctx context.Context, payload protocol.TelemetryPayload) (int64, error) {
	var ack protocol.TelemetryAck
	if err := c.do(ctx, http.MethodPost, protocol.PathTelemetry, payload, &ack); err != nil {
		return 0, err
	}
	return ack.ReadingID, nil
}

// FetchCommands returns the pending commands for a device. The service marks
// them consumed as part of this read, so they are delivered at most once.
func (c *Client) FetchCommands(ctx context.Context, deviceID string) ([]protocol.Command, error) {
	var cmds []protocol.Command
	if err := c.do(ctx, http.MethodGet, devicePath(protocol.PathCommands, deviceID), nil, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// SubmitCommand queues an action for a device and returns the command id
func (c *Client) SubmitCommand(ctx context.Context, deviceID string, action protocol.Action) (int64, error) {
	req := protocol.ControlRequest{Action: string(action)}
	var resp protocol.ControlResponse
	if err := c.do(ctx, http.MethodPost, devicePath(protocol.PathControl, deviceID), req, &resp); err != nil {
		return 0, err
	}
	return resp.CommandID, nil
}

// Latest returns the most recent reading stored for a device
func (c *Client) Latest(ctx context.Context, deviceID string) (*protocol.LatestReading, error) {
	var latest protocol.LatestReading
	err := c.do(ctx, http.MethodGet, devicePath(protocol.PathLatest, deviceID), nil, &latest)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNoReading
	}
	if err != nil {
		return nil, err
	}
	return &latest, nil
}

func devicePath(format, deviceID string) string {
	return fmt.Sprintf(format, url.PathEscape(deviceID))
}

// do sends a request with an optional JSON body and decodes a JSON response
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method:     method,
			Path:       endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
