// Package service implements the device registry and dispatch operations the
// HTTP API exposes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/events"
	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
	"github.com/postal-io/postal/internal/metrics"
	"github.com/postal-io/postal/internal/storage"
)

// Service owns the device store, the per-type gateway clients, and the
// event publisher. Gateway removal feedback flows back into the store for as
// long as the service is started.
type Service struct {
	store     storage.Store
	gateways  map[device.Type]gateway.Client
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	store storage.Store,
	gateways map[device.Type]gateway.Client,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     store,
		gateways:  gateways,
		publisher: publisher,
		metrics:   m,
		log:       logger.With("component", "Service"),
	}
}

// Start launches one removal consumer per gateway. Tokens the gateways report
// undeliverable are soft-deleted in the store.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for t, client := range s.gateways {
		s.wg.Add(1)
		go s.consumeRemovals(ctx, t, client)
	}
}

// Stop closes the gateways, failing their outstanding sends, then waits for
// the removal consumers and in-flight completion watchers to drain.
func (s *Service) Stop() error {
	var firstErr error
	for t, client := range s.gateways {
		if err := client.Close(); err != nil {
			s.log.Error("Gateway close failed.", "device_type", t, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return firstErr
}

func (s *Service) consumeRemovals(ctx context.Context, t device.Type, client gateway.Client) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case token, ok := <-client.Removals():
			if !ok {
				return
			}
			if err := s.store.MarkRemovedByToken(ctx, t, token); err != nil {
				s.log.Error("Failed to remove device reported by gateway.",
					"device_type", t, "device_token", token, "err", err)
				continue
			}
			s.log.Info("Removed device reported undeliverable by gateway.",
				"device_type", t, "device_token", token)
			s.metrics.DeviceRemoved()
			s.publisher.Publish(ctx, events.Event{
				Action:      events.ActionDeviceRemoved,
				DeviceType:  string(t),
				DeviceToken: token,
			})
		}
	}
}

// AddDevice registers a device for the user. Re-registering an existing
// (device_type, device_token) pair reassigns it to the user and reactivates
// it; updatedExisting reports which case occurred.
func (s *Service) AddDevice(ctx context.Context, user string, d *device.Device) (*device.Device, bool, error) {
	if user == "" {
		return nil, false, device.ErrMissingUser
	}
	if d.DeviceToken == "" {
		return nil, false, fmt.Errorf("%w: device_token is required", device.ErrInvalidJSON)
	}
	d.User = user

	stored, updatedExisting, err := s.store.UpsertDevice(ctx, d)
	if err != nil {
		return nil, false, err
	}

	action := events.ActionDeviceAdded
	if updatedExisting {
		action = events.ActionDeviceUpdated
		s.metrics.DeviceUpdated()
	} else {
		s.metrics.DeviceAdded()
	}
	s.publisher.Publish(ctx, events.Event{
		Action:      action,
		User:        stored.User,
		DeviceType:  string(stored.DeviceType),
		DeviceToken: stored.DeviceToken,
	})
	return stored, updatedExisting, nil
}

// UpdateDevice replaces the user's device addressed by token. The stored id
// and creation time are preserved; the body may rename the token.
func (s *Service) UpdateDevice(ctx context.Context, user, token string, in *device.Device) (*device.Device, error) {
	existing, err := s.store.FindDeviceByToken(ctx, user, token)
	if err != nil {
		return nil, err
	}

	replacement := &device.Device{
		ID:          existing.ID,
		User:        user,
		DeviceToken: in.DeviceToken,
		DeviceType:  in.DeviceType,
		CreatedAt:   existing.CreatedAt,
	}
	if replacement.DeviceToken == "" {
		replacement.DeviceToken = token
	}

	if err := s.store.ReplaceDevice(ctx, replacement); err != nil {
		return nil, err
	}

	s.metrics.DeviceUpdated()
	s.publisher.Publish(ctx, events.Event{
		Action:      events.ActionDeviceUpdated,
		User:        user,
		DeviceType:  string(replacement.DeviceType),
		DeviceToken: replacement.DeviceToken,
	})
	return replacement, nil
}

// RemoveDevice soft-deletes the user's device addressed by token.
func (s *Service) RemoveDevice(ctx context.Context, user, token string) error {
	d, err := s.store.FindDeviceByToken(ctx, user, token)
	if err != nil {
		return err
	}
	if err := s.store.MarkRemoved(ctx, d.ID, user); err != nil {
		return err
	}

	s.metrics.DeviceRemoved()
	s.publisher.Publish(ctx, events.Event{
		Action:      events.ActionDeviceRemoved,
		User:        user,
		DeviceType:  string(d.DeviceType),
		DeviceToken: d.DeviceToken,
	})
	return nil
}

// FindDevice looks a device up by its store id.
func (s *Service) FindDevice(ctx context.Context, user, id string) (*device.Device, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, device.ErrInvalidID
	}
	return s.store.FindDevice(ctx, user, oid)
}

// FindDeviceByToken looks the user's active device up by token.
func (s *Service) FindDeviceByToken(ctx context.Context, user, token string) (*device.Device, error) {
	return s.store.FindDeviceByToken(ctx, user, token)
}

// FindDevices pages through the user's active devices.
func (s *Service) FindDevices(ctx context.Context, user string, offset, limit int64) ([]*device.Device, error) {
	return s.store.FindDevices(ctx, user, offset, limit)
}

// Notify resolves the target set, builds the protocol messages once, and
// enqueues one send per device on its gateway. It returns as soon as every
// send is enqueued; completions are logged asynchronously. The returned count
// is the number of devices a send was enqueued for.
func (s *Service) Notify(ctx context.Context, n *message.Notification, users, tokens []string) (int, error) {
	targets, err := s.store.FindTargets(ctx, users, tokens)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	bundle, err := n.Messages()
	if err != nil {
		return 0, err
	}

	// Deliveries outlive the request that triggered them.
	sendCtx := context.WithoutCancel(ctx)

	enqueued := 0
	for _, target := range targets {
		client, ok := s.gateways[target.DeviceType]
		if !ok {
			s.log.Warn("No gateway configured for device type, skipping.",
				"device_type", target.DeviceType, "device_token", target.DeviceToken)
			continue
		}

		done := client.Deliver(sendCtx, target.DeviceToken, bundle)
		enqueued++
		s.metrics.DeviceNotified(target.DeviceType)
		s.publisher.Publish(ctx, events.Event{
			Action:      events.ActionDeviceNotified,
			User:        target.User,
			DeviceType:  string(target.DeviceType),
			DeviceToken: target.DeviceToken,
		})

		s.wg.Add(1)
		go s.watchCompletion(target.DeviceType, target.DeviceToken, done)
	}
	return enqueued, nil
}

func (s *Service) watchCompletion(t device.Type, token string, done <-chan error) {
	defer s.wg.Done()
	if err := <-done; err != nil {
		s.log.Error("Delivery failed.", "device_type", t, "device_token", token, "err", err)
		return
	}
	s.log.Debug("Delivery completed.", "device_type", t, "device_token", token)
}
