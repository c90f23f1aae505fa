// Package storage defines the device-store contract the service depends on.
// The production implementation is MongoDB; an in-memory implementation
// backs the test suites and local development.
package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/postal-io/postal/internal/device"
)

// TargetBatchLimit caps how many devices one notify call fans out to.
// Callers with larger target sets paginate.
const TargetBatchLimit = 100

// Store persists device records. Implementations key upserts by
// (device_type, device_token) and apply the dual user encoding (object id
// when the user string parses as one) to every user-filtered query.
type Store interface {
	// UpsertDevice inserts or replaces the record for the device's
	// (device_type, device_token) pair and returns the stored record.
	// updatedExisting reports whether a record already existed.
	UpsertDevice(ctx context.Context, d *device.Device) (stored *device.Device, updatedExisting bool, err error)

	// ReplaceDevice wholly replaces the record matched by id AND user AND
	// still-active; the filter both scopes to the caller's user and prevents
	// resurrecting soft-deleted rows. Returns device.ErrNotFound on no match.
	ReplaceDevice(ctx context.Context, d *device.Device) error

	// MarkRemoved soft-deletes one record matched by id AND user.
	MarkRemoved(ctx context.Context, id primitive.ObjectID, user string) error

	// MarkRemovedByToken soft-deletes every active record for the
	// (device_type, device_token) pair. Driven by gateway feedback.
	MarkRemovedByToken(ctx context.Context, t device.Type, token string) error

	// FindDevice returns the record matched by id AND user.
	FindDevice(ctx context.Context, user string, id primitive.ObjectID) (*device.Device, error)

	// FindDeviceByToken returns the active record for the user and token.
	FindDeviceByToken(ctx context.Context, user, token string) (*device.Device, error)

	// FindDevices pages through the user's active records.
	FindDevices(ctx context.Context, user string, offset, limit int64) ([]*device.Device, error)

	// FindTargets resolves a notify target set: active devices whose user is
	// in users OR whose token is in tokens, capped at TargetBatchLimit.
	FindTargets(ctx context.Context, users, tokens []string) ([]*device.Device, error)
}
