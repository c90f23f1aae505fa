// Package gateway defines the contract the dispatch pipeline drives for each
// upstream push gateway.
package gateway

import (
	"context"
	"errors"

	"github.com/postal-io/postal/internal/message"
)

var (
	// ErrCancelled reports a send abandoned by caller cancellation or client
	// shutdown. The encoded frame may still have reached the wire.
	ErrCancelled = errors.New("gateway: delivery cancelled")
	// ErrMissingPayload reports a bundle with no message for this gateway.
	ErrMissingPayload = errors.New("gateway: notification has no payload for this gateway")
	// ErrUnknown reports a gateway response the client cannot interpret.
	ErrUnknown = errors.New("gateway: unknown delivery failure")
)

// Client is one upstream gateway. Deliver is fire-and-forget from the
// caller's perspective: the returned channel receives exactly one value once
// the send is acknowledged, timed out, or rejected. Callers must not assume
// completions arrive in enqueue order.
type Client interface {
	Deliver(ctx context.Context, identity string, msg *message.Bundle) <-chan error

	// Removals streams identities the gateway declared undeliverable. The
	// service marks the matching devices removed in storage.
	Removals() <-chan string

	// Close releases connections and fails outstanding sends with ErrCancelled.
	Close() error
}
