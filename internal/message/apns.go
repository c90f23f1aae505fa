package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// APNS builds the JSON payload for Apple's push gateway: a top-level object
// with an aps dictionary holding the standard keys, plus extras at the top
// level. The serialized form is cached and invalidated on mutation.
type APNS struct {
	alert     string
	alertSet  bool
	badge     uint
	badgeSet  bool
	sound     string
	soundSet  bool
	expiry    time.Time
	expirySet bool
	extras    map[string]any

	cached []byte
}

func NewAPNS() *APNS {
	return &APNS{}
}

func (m *APNS) SetAlert(alert string) {
	m.alert = alert
	m.alertSet = true
	m.cached = nil
}

func (m *APNS) SetBadge(badge uint) {
	m.badge = badge
	m.badgeSet = true
	m.cached = nil
}

func (m *APNS) SetSound(sound string) {
	m.sound = sound
	m.soundSet = true
	m.cached = nil
}

// SetExpiry sets the frame expiration; it does not appear in the JSON
// payload, the gateway client encodes it into the binary frame header.
func (m *APNS) SetExpiry(expiry time.Time) {
	m.expiry = expiry
	m.expirySet = true
}

// Expiry returns the frame expiration and whether one was set.
func (m *APNS) Expiry() (time.Time, bool) {
	return m.expiry, m.expirySet
}

// AddExtra attaches a custom top-level key. The aps key is reserved for the
// standard dictionary and is rejected.
func (m *APNS) AddExtra(key string, value any) error {
	if key == "aps" {
		return fmt.Errorf("%w: aps is a reserved key", ErrInvalidPayload)
	}
	if m.extras == nil {
		m.extras = make(map[string]any)
	}
	m.extras[key] = value
	m.cached = nil
	return nil
}

// Payload serializes the message, reusing the cached bytes when nothing
// changed since the last call.
func (m *APNS) Payload() ([]byte, error) {
	if m.cached != nil {
		return m.cached, nil
	}

	aps := make(map[string]any, 3)
	if m.alertSet {
		aps["alert"] = m.alert
	}
	if m.soundSet {
		aps["sound"] = m.sound
	}
	// The badge is emitted when explicitly set, and also when the message
	// carries neither alert nor sound (a pure badge update).
	if m.badgeSet || (!m.alertSet && !m.soundSet) {
		aps["badge"] = m.badge
	}

	payload := make(map[string]any, len(m.extras)+1)
	for key, value := range m.extras {
		payload[key] = value
	}
	payload["aps"] = aps

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	m.cached = raw
	return raw, nil
}
