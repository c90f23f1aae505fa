// Package gcm implements the sender for Google Cloud Messaging's HTTPS JSON
// API, the successor to C2DM.
package gcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
)

// DefaultEndpoint is Google's GCM send URL.
const DefaultEndpoint = "https://android.googleapis.com/gcm/send"

// Result error literals that make a registration id permanently
// undeliverable.
var (
	ErrNotRegistered       = errors.New("gcm: not registered")
	ErrInvalidRegistration = errors.New("gcm: invalid registration")
)

// Config holds the sender settings. Endpoint and HTTPClient default when
// unset; tests point Endpoint at a local server.
type Config struct {
	AuthToken  string
	Endpoint   string
	HTTPClient *http.Client
}

// response is the GCM reply; results line up with the request's
// registration_ids.
type response struct {
	MulticastID  int64    `json:"multicast_id"`
	Success      int      `json:"success"`
	Failure      int      `json:"failure"`
	CanonicalIDs int      `json:"canonical_ids"`
	Results      []result `json:"results"`
}

type result struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

// Client posts JSON sends and parses the per-recipient result array.
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
		log:        logger.With("component", "GCMClient"),
		removals:   make(chan string, 64),
	}
}

// Removals implements gateway.Client.
func (c *Client) Removals() <-chan string {
	return c.removals
}

// Close implements gateway.Client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Deliver posts one send for the registration id.
func (c *Client) Deliver(ctx context.Context, identity string, msg *message.Bundle) <-chan error {
	done := make(chan error, 1)
	if msg == nil || msg.GCM == nil {
		done <- gateway.ErrMissingPayload
		return done
	}
	go func() {
		done <- c.send(ctx, identity, msg.GCM)
	}()
	return done
}

func (c *Client) send(ctx context.Context, identity string, msg *message.GCM) error {
	body, err := json.Marshal(msg.ForRecipient(identity))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.ErrCancelled
		}
		return fmt.Errorf("gcm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("send rejected", "status", resp.StatusCode)
		return fmt.Errorf("gcm: http %d: %w", resp.StatusCode, gateway.ErrUnknown)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("gcm: malformed response: %w", gateway.ErrUnknown)
	}
	if len(parsed.Results) == 0 {
		return fmt.Errorf("gcm: empty result array: %w", gateway.ErrUnknown)
	}
	return c.handleResult(identity, parsed.Results[0])
}

func (c *Client) handleResult(identity string, res result) error {
	if res.RegistrationID != "" {
		// Canonical id migration is deferred; the identity is not rewritten
		// in storage yet.
		c.log.Info("canonical registration id received",
			"registration_id", identity, "canonical_id", res.RegistrationID)
	}

	switch res.Error {
	case "":
		return nil
	case "NotRegistered", "InvalidRegistration":
		select {
		case c.removals <- identity:
		default:
			c.log.Warn("removal channel full, dropping event", "registration_id", identity)
		}
		if res.Error == "NotRegistered" {
			return ErrNotRegistered
		}
		return ErrInvalidRegistration
	default:
		c.log.Warn("send failed", "registration_id", identity, "reason", res.Error)
		return fmt.Errorf("gcm: %s: %w", res.Error, gateway.ErrUnknown)
	}
}
