// Package mongo implements the device store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/storage"
)

// Store persists devices in one MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *slog.Logger
}

// Connect dials MongoDB and pings it, failing fast on bad configuration.
func Connect(ctx context.Context, uri, db, collection string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	return &Store{
		client: client,
		coll:   client.Database(db).Collection(collection),
		log:    logger.With("component", "MongoStore"),
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// UpsertDevice implements storage.Store. Re-adding a soft-deleted device
// reactivates it: removed_at is reset to null on every upsert.
func (s *Store) UpsertDevice(ctx context.Context, d *device.Device) (*device.Device, bool, error) {
	if d.User == "" {
		return nil, false, device.ErrMissingUser
	}

	filter := bson.M{
		"device_type":  string(d.DeviceType),
		"device_token": d.DeviceToken,
	}
	update := bson.M{
		"$set": bson.M{
			"user":       device.UserValue(d.User),
			"removed_at": nil,
		},
		"$setOnInsert": bson.M{
			"created_at": time.Now().UTC(),
		},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, false, fmt.Errorf("upsert device: %w", err)
	}
	updatedExisting := res.MatchedCount > 0

	var stored device.Device
	if err := s.coll.FindOne(ctx, filter).Decode(&stored); err != nil {
		return nil, updatedExisting, fmt.Errorf("reload device after upsert: %w", err)
	}
	return &stored, updatedExisting, nil
}

// ReplaceDevice implements storage.Store.
func (s *Store) ReplaceDevice(ctx context.Context, d *device.Device) error {
	if d.ID.IsZero() {
		return device.ErrMissingID
	}
	doc, err := d.BSON()
	if err != nil {
		return err
	}

	filter := bson.M{
		"_id":        d.ID,
		"user":       device.UserValue(d.User),
		"removed_at": nil,
	}
	res, err := s.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("replace device: %w", err)
	}
	if res.MatchedCount == 0 {
		return device.ErrNotFound
	}
	return nil
}

// MarkRemoved implements storage.Store. The user filter enforces against
// cross-user deletion.
func (s *Store) MarkRemoved(ctx context.Context, id primitive.ObjectID, user string) error {
	filter := bson.M{"_id": id, "user": device.UserValue(user)}
	update := bson.M{"$set": bson.M{"removed_at": time.Now().UTC()}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	if res.MatchedCount == 0 {
		return device.ErrNotFound
	}
	return nil
}

// MarkRemovedByToken implements storage.Store.
func (s *Store) MarkRemovedByToken(ctx context.Context, t device.Type, token string) error {
	filter := bson.M{
		"device_type":  string(t),
		"device_token": token,
		"removed_at":   nil,
	}
	update := bson.M{"$set": bson.M{"removed_at": time.Now().UTC()}}

	if _, err := s.coll.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("remove devices by token: %w", err)
	}
	return nil
}

// FindDevice implements storage.Store.
func (s *Store) FindDevice(ctx context.Context, user string, id primitive.ObjectID) (*device.Device, error) {
	var d device.Device
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "user": device.UserValue(user)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, device.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &d, nil
}

// FindDeviceByToken implements storage.Store.
func (s *Store) FindDeviceByToken(ctx context.Context, user, token string) (*device.Device, error) {
	filter := bson.M{
		"user":         device.UserValue(user),
		"device_token": token,
		"removed_at":   nil,
	}
	var d device.Device
	err := s.coll.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, device.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find device by token: %w", err)
	}
	return &d, nil
}

// FindDevices implements storage.Store.
func (s *Store) FindDevices(ctx context.Context, user string, offset, limit int64) ([]*device.Device, error) {
	filter := bson.M{"user": device.UserValue(user), "removed_at": nil}
	opts := options.Find().SetSkip(offset).SetLimit(limit)

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find devices: %w", err)
	}
	devices := make([]*device.Device, 0)
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return devices, nil
}

// FindTargets implements storage.Store.
func (s *Store) FindTargets(ctx context.Context, users, tokens []string) ([]*device.Device, error) {
	var or []bson.M
	if len(users) > 0 {
		userValues := make([]any, len(users))
		for i, user := range users {
			userValues[i] = device.UserValue(user)
		}
		or = append(or, bson.M{"user": bson.M{"$in": userValues}})
	}
	if len(tokens) > 0 {
		or = append(or, bson.M{"device_token": bson.M{"$in": tokens}})
	}
	if len(or) == 0 {
		return nil, nil
	}

	filter := bson.M{"removed_at": nil, "$or": or}
	opts := options.Find().SetLimit(storage.TargetBatchLimit)

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find targets: %w", err)
	}
	devices := make([]*device.Device, 0)
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return devices, nil
}
