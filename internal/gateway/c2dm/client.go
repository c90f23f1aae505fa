// Package c2dm implements the sender for Google's legacy Cloud-to-Device
// Messaging HTTPS endpoint.
package c2dm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
)

// DefaultEndpoint is Google's C2DM send URL.
const DefaultEndpoint = "https://android.apis.google.com/c2dm/send"

const maxResponseBytes = 8 << 10

// Error kinds parsed from the Error=<literal> response body.
var (
	ErrQuotaExceeded       = errors.New("c2dm: quota exceeded")
	ErrDeviceQuotaExceeded = errors.New("c2dm: device quota exceeded")
	ErrMissingRegistration = errors.New("c2dm: missing registration")
	ErrInvalidRegistration = errors.New("c2dm: invalid registration")
	ErrMismatchSenderID    = errors.New("c2dm: mismatched sender id")
	ErrNotRegistered       = errors.New("c2dm: not registered")
	ErrMessageTooBig       = errors.New("c2dm: message too big")
	ErrMissingCollapseKey  = errors.New("c2dm: missing collapse key")
)

// Config holds the sender settings. Endpoint and HTTPClient default when
// unset; tests point Endpoint at a local server.
type Config struct {
	AuthToken  string
	Endpoint   string
	HTTPClient *http.Client
}

// Client posts form-encoded sends and classifies the per-device outcome from
// the response body.
type Client struct {
	authToken  string
	endpoint   string
	httpClient *http.Client
	log        *slog.Logger
	removals   chan string
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		authToken:  cfg.AuthToken,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		log:        logger.With("component", "C2DMClient"),
		removals:   make(chan string, 64),
	}
}

// Removals implements gateway.Client.
func (c *Client) Removals() <-chan string {
	return c.removals
}

// Close implements gateway.Client. The sender holds no long-lived connections
// beyond the HTTP client's pool.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Deliver posts one send for the registration id.
func (c *Client) Deliver(ctx context.Context, identity string, msg *message.Bundle) <-chan error {
	done := make(chan error, 1)
	if msg == nil || msg.C2DM == nil {
		done <- gateway.ErrMissingPayload
		return done
	}
	go func() {
		done <- c.send(ctx, identity, msg.C2DM)
	}()
	return done
}

func (c *Client) send(ctx context.Context, identity string, msg *message.C2DM) error {
	values := msg.Values()
	values.Set("registration_id", identity)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "GoogleLogin auth="+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.ErrCancelled
		}
		return fmt.Errorf("c2dm: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("c2dm: reading response: %w", err)
	}
	if !utf8.Valid(body) {
		return gateway.ErrUnknown
	}

	outcome := strings.TrimSpace(string(body))
	if strings.HasPrefix(outcome, "id=") {
		return nil
	}

	kind, removes := classify(outcome)
	if removes {
		select {
		case c.removals <- identity:
		default:
			c.log.Warn("removal channel full, dropping event", "registration_id", identity)
		}
	}
	if errors.Is(kind, gateway.ErrUnknown) {
		c.log.Warn("unrecognized response", "status", resp.StatusCode, "body", outcome)
	}
	return kind
}

// classify maps the Error= body literals to error kinds, and reports whether
// the registration id is permanently undeliverable.
func classify(body string) (error, bool) {
	switch body {
	case "Error=QuotaExceeded":
		return ErrQuotaExceeded, false
	case "Error=DeviceQuotaExceeded":
		return ErrDeviceQuotaExceeded, false
	case "Error=MissingRegistration":
		return ErrMissingRegistration, true
	case "Error=InvalidRegistration":
		return ErrInvalidRegistration, true
	case "Error=MismatchSenderId":
		return ErrMismatchSenderID, false
	case "Error=NotRegistered":
		return ErrNotRegistered, true
	case "Error=MessageTooBig":
		return ErrMessageTooBig, false
	case "Error=MissingCollapseKey":
		return ErrMissingCollapseKey, false
	default:
		return gateway.ErrUnknown, false
	}
}
