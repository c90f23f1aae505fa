// Package device holds the registered-device value type and its JSON and
// BSON codecs. A device is never hard-deleted: removal sets removed_at and
// dispatch skips anything with the timestamp present.
package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type identifies the upstream gateway a device registered with.
type Type string

const (
	TypeAPS  Type = "aps"
	TypeC2DM Type = "c2dm"
	TypeGCM  Type = "gcm"
)

// Valid reports whether t is one of the three supported gateway types.
func (t Type) Valid() bool {
	return t == TypeAPS || t == TypeC2DM || t == TypeGCM
}

var (
	ErrMissingUser     = errors.New("device: user is required")
	ErrMissingID       = errors.New("device: id is required")
	ErrInvalidID       = errors.New("device: id is not a valid object id")
	ErrInvalidJSON     = errors.New("device: invalid device json")
	ErrUnsupportedType = errors.New("device: unsupported device type")
	ErrNotFound        = errors.New("device: not found")
)

// Device is a registered device. Two records with the same
// (DeviceType, DeviceToken) pair refer to the same physical device.
type Device struct {
	ID          primitive.ObjectID
	User        string
	DeviceToken string
	DeviceType  Type
	CreatedAt   time.Time
	RemovedAt   *time.Time
}

// Active reports whether the device is still deliverable.
func (d *Device) Active() bool {
	return d.RemovedAt == nil
}

// UserValue returns the store representation of a user identifier: an object
// id when the string parses as one, the raw string otherwise. Every query
// that filters on user must use this dual encoding.
func UserValue(user string) any {
	if oid, err := primitive.ObjectIDFromHex(user); err == nil {
		return oid
	}
	return user
}

// BSON builds the store document for the device. The removed_at field is
// always present (null while the device is active) so queries can filter on
// it without an existence check.
func (d *Device) BSON() (bson.M, error) {
	if d.User == "" {
		return nil, ErrMissingUser
	}
	doc := bson.M{
		"device_token": d.DeviceToken,
		"device_type":  string(d.DeviceType),
		"user":         UserValue(d.User),
		"removed_at":   d.RemovedAt,
	}
	if !d.ID.IsZero() {
		doc["_id"] = d.ID
	}
	if !d.CreatedAt.IsZero() {
		doc["created_at"] = d.CreatedAt
	}
	return doc, nil
}

// MarshalBSON lets a *Device be handed straight to the driver.
func (d *Device) MarshalBSON() ([]byte, error) {
	doc, err := d.BSON()
	if err != nil {
		return nil, err
	}
	return bson.Marshal(doc)
}

// record mirrors the stored document; user carries the dual encoding.
type record struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	User        any                `bson:"user"`
	DeviceToken string             `bson:"device_token"`
	DeviceType  Type               `bson:"device_type"`
	CreatedAt   time.Time          `bson:"created_at,omitempty"`
	RemovedAt   *time.Time         `bson:"removed_at"`
}

// UnmarshalBSON decodes a stored document, restoring object-id users to their
// hex form.
func (d *Device) UnmarshalBSON(data []byte) error {
	var rec record
	if err := bson.Unmarshal(data, &rec); err != nil {
		return err
	}
	switch user := rec.User.(type) {
	case primitive.ObjectID:
		d.User = user.Hex()
	case string:
		d.User = user
	case nil:
		d.User = ""
	default:
		return fmt.Errorf("device: unexpected user field of type %T", rec.User)
	}
	d.ID = rec.ID
	d.DeviceToken = rec.DeviceToken
	d.DeviceType = rec.DeviceType
	d.CreatedAt = rec.CreatedAt
	d.RemovedAt = rec.RemovedAt
	return nil
}

type deviceJSON struct {
	User        *string    `json:"user"`
	DeviceToken *string    `json:"device_token"`
	DeviceType  *string    `json:"device_type"`
	CreatedAt   *time.Time `json:"created_at"`
	RemovedAt   *time.Time `json:"removed_at"`
}

// MarshalJSON emits the externally visible fields, with JSON null for unset
// optional values.
func (d *Device) MarshalJSON() ([]byte, error) {
	out := deviceJSON{RemovedAt: d.RemovedAt}
	if d.User != "" {
		out.User = &d.User
	}
	if d.DeviceToken != "" {
		out.DeviceToken = &d.DeviceToken
	}
	if d.DeviceType != "" {
		s := string(d.DeviceType)
		out.DeviceType = &s
	}
	if !d.CreatedAt.IsZero() {
		out.CreatedAt = &d.CreatedAt
	}
	return json.Marshal(out)
}

// FromJSON parses a device registration body. device_type must be one of the
// three supported literals; device_token is optional here because the PUT
// surface takes it from the URL.
func FromJSON(data []byte) (*Device, error) {
	var in struct {
		DeviceToken *string `json:"device_token"`
		DeviceType  *string `json:"device_type"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, ErrInvalidJSON
	}
	if in.DeviceType == nil {
		return nil, ErrInvalidJSON
	}
	t := Type(*in.DeviceType)
	if !t.Valid() {
		return nil, ErrUnsupportedType
	}
	d := &Device{DeviceType: t}
	if in.DeviceToken != nil {
		d.DeviceToken = *in.DeviceToken
	}
	return d, nil
}
