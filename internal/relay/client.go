package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/relaynode/internal/telemetry"
	"github.com/3cpo-dev/relaynode/pkg/api"
)

const maxResponseBytes = 1 << 20

// HTTPClient defines the http.Client subset required by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the relay client.
type Config struct {
	BaseURL     string
	Token       string
	Version     string
	Timeout     time.Duration
	ResultRetry RetryConfig
}

// Client is a stateless wrapper around the relay's HTTP endpoints. Every call
// is fail-soft: errors are logged and reported as return values, never panics.
type Client struct {
	cfg  Config
	http HTTPClient
}

// New constructs a Client with a 10s default timeout.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return NewWithHTTPClient(cfg, &http.Client{Timeout: cfg.Timeout})
}

// NewWithHTTPClient constructs a Client over a caller-supplied HTTPClient.
func NewWithHTTPClient(cfg Config, hc HTTPClient) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// TransportError describes a failed exchange with the relay.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("relay %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("relay %s failed", e.Op)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Register announces the node and returns the relay-assigned node id. Only an
// HTTP 200 carrying a non-empty node_id counts as success.
func (c *Client) Register(ctx context.Context, nodeName, computerName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out api.RegisterResponse
	err := c.call(ctx, "register", "/node/register", api.RegisterRequest{
		NodeName:     nodeName,
		ComputerName: computerName,
	}, &out, NoRetry())
	if err == nil && out.NodeID == "" {
		err = &TransportError{Op: "register", StatusCode: http.StatusOK, Body: "response has no node_id"}
	}
	if err != nil {
		log.Error().Err(err).Str("relay", c.cfg.BaseURL).Msg("Registration failed")
		return "", err
	}
	log.Info().Str("node_id", out.NodeID).Msg("Registered with relay")
	return out.NodeID, nil
}

// Heartbeat reports liveness and returns pending commands. Any failure yields
// an empty list; the error is returned so callers can tell an unknown node
// (404) from a transient outage. Must only be called after Register succeeded.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) ([]api.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out api.HeartbeatResponse
	if err := c.call(ctx, "heartbeat", "/node/heartbeat", api.HeartbeatRequest{NodeID: nodeID}, &out, NoRetry()); err != nil {
		log.Warn().Err(err).Str("node_id", nodeID).Msg("Heartbeat failed")
		return nil, err
	}
	if len(out.Commands) > 0 {
		log.Info().Int("count", len(out.Commands)).Msg("Received commands")
	}
	return out.Commands, nil
}

// SendCommandResult posts a command result. Best effort: failures are logged.
func (c *Client) SendCommandResult(ctx context.Context, commandID string, result any) {
	retry := c.cfg.ResultRetry
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout*time.Duration(retry.MaxRetries+1)+retry.MaxDelay*time.Duration(retry.MaxRetries))
	defer cancel()

	err := c.call(ctx, "command_response", "/command/response", api.CommandResponse{
		CommandID: commandID,
		Response:  result,
	}, nil, retry)
	if err != nil {
		log.Error().Err(err).Str("command_id", commandID).Msg("Failed to send command response")
	}
}

// call POSTs body as JSON to path and decodes a 200 response into out (if non-nil).
func (c *Client) call(ctx context.Context, op, path string, body any, out any, retry RetryConfig) error {
	start := time.Now()
	labels := map[string]string{"op": op}
	err := c.do(ctx, op, path, body, out, retry)
	telemetry.TimerGlobal("relaynode_relay_request_duration", time.Since(start), labels)
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.CounterGlobal("relaynode_relay_requests_total", 1, map[string]string{"op": op, "result": result})
	return err
}

func (c *Client) do(ctx context.Context, op, path string, body any, out any, retry RetryConfig) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	build := func(r io.Reader) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "relaynode/"+c.cfg.Version)
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		return req, nil
	}

	resp, err := doWithRetry(ctx, c.http, retry, build, payload)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// IsStatus reports whether err is a TransportError carrying the given status.
func IsStatus(err error, status int) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == status
}
