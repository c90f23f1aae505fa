// Package events publishes device lifecycle events to a Redis channel so
// other systems can follow registrations and deliveries. Publishing is
// fire-and-forget: a failed publish is logged and never fails the request
// that produced it.
package events

import "context"

// Actions carried by Event.
const (
	ActionDeviceAdded    = "device-added"
	ActionDeviceUpdated  = "device-updated"
	ActionDeviceRemoved  = "device-removed"
	ActionDeviceNotified = "device-notified"
)

// Event is the JSON document published per device lifecycle change.
type Event struct {
	Action      string `json:"Action"`
	User        string `json:"User,omitempty"`
	DeviceType  string `json:"DeviceType"`
	DeviceToken string `json:"DeviceToken"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// NopPublisher drops every event. Used when the events channel is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
func (NopPublisher) Close() error                   { return nil }
