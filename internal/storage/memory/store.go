// Package memory implements the device store in process memory. It backs the
// test suites and runs the service without MongoDB in local development.
package memory

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/storage"
)

// Store keeps device records in a slice; the same upsert identity and
// soft-delete semantics as the MongoDB store apply.
type Store struct {
	mu      sync.Mutex
	devices []*device.Device
}

func New() *Store {
	return &Store{}
}

func clone(d *device.Device) *device.Device {
	out := *d
	if d.RemovedAt != nil {
		removed := *d.RemovedAt
		out.RemovedAt = &removed
	}
	return &out
}

func (s *Store) findByIdentity(t device.Type, token string) *device.Device {
	for _, d := range s.devices {
		if d.DeviceType == t && d.DeviceToken == token {
			return d
		}
	}
	return nil
}

// UpsertDevice implements storage.Store.
func (s *Store) UpsertDevice(_ context.Context, d *device.Device) (*device.Device, bool, error) {
	if d.User == "" {
		return nil, false, device.ErrMissingUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findByIdentity(d.DeviceType, d.DeviceToken); existing != nil {
		existing.User = d.User
		existing.RemovedAt = nil
		return clone(existing), true, nil
	}

	stored := clone(d)
	stored.ID = primitive.NewObjectID()
	stored.CreatedAt = time.Now().UTC()
	stored.RemovedAt = nil
	s.devices = append(s.devices, stored)
	return clone(stored), false, nil
}

// ReplaceDevice implements storage.Store.
func (s *Store) ReplaceDevice(_ context.Context, d *device.Device) error {
	if d.ID.IsZero() {
		return device.ErrMissingID
	}
	if d.User == "" {
		return device.ErrMissingUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.devices {
		if existing.ID == d.ID && existing.User == d.User && existing.Active() {
			replacement := clone(d)
			replacement.CreatedAt = existing.CreatedAt
			s.devices[i] = replacement
			return nil
		}
	}
	return device.ErrNotFound
}

// MarkRemoved implements storage.Store.
func (s *Store) MarkRemoved(_ context.Context, id primitive.ObjectID, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.ID == id && existing.User == user {
			now := time.Now().UTC()
			existing.RemovedAt = &now
			return nil
		}
	}
	return device.ErrNotFound
}

// MarkRemovedByToken implements storage.Store.
func (s *Store) MarkRemovedByToken(_ context.Context, t device.Type, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range s.devices {
		if existing.DeviceType == t && existing.DeviceToken == token && existing.Active() {
			removed := now
			existing.RemovedAt = &removed
		}
	}
	return nil
}

// FindDevice implements storage.Store.
func (s *Store) FindDevice(_ context.Context, user string, id primitive.ObjectID) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.ID == id && existing.User == user {
			return clone(existing), nil
		}
	}
	return nil, device.ErrNotFound
}

// FindDeviceByToken implements storage.Store.
func (s *Store) FindDeviceByToken(_ context.Context, user, token string) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.User == user && existing.DeviceToken == token && existing.Active() {
			return clone(existing), nil
		}
	}
	return nil, device.ErrNotFound
}

// FindDevices implements storage.Store.
func (s *Store) FindDevices(_ context.Context, user string, offset, limit int64) ([]*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*device.Device, 0)
	for _, existing := range s.devices {
		if existing.User == user && existing.Active() {
			matched = append(matched, existing)
		}
	}

	if offset >= int64(len(matched)) {
		return []*device.Device{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < int64(len(matched)) {
		matched = matched[:limit]
	}

	out := make([]*device.Device, len(matched))
	for i, d := range matched {
		out[i] = clone(d)
	}
	return out, nil
}

// FindTargets implements storage.Store.
func (s *Store) FindTargets(_ context.Context, users, tokens []string) ([]*device.Device, error) {
	if len(users) == 0 && len(tokens) == 0 {
		return nil, nil
	}

	userSet := make(map[string]struct{}, len(users))
	for _, u := range users {
		userSet[u] = struct{}{}
	}
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*device.Device, 0)
	for _, existing := range s.devices {
		if !existing.Active() {
			continue
		}
		_, byUser := userSet[existing.User]
		_, byToken := tokenSet[existing.DeviceToken]
		if byUser || byToken {
			out = append(out, clone(existing))
			if len(out) == storage.TargetBatchLimit {
				break
			}
		}
	}
	return out, nil
}
