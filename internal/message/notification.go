// Package message carries the notification value type and the three
// protocol-specific message builders that turn it into wire payloads.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidPayload reports a notification sub-payload the builders cannot
// express on the wire.
var ErrInvalidPayload = errors.New("message: invalid notification payload")

// Notification is the dispatch input: up to three free-form protocol
// sub-payloads plus a collapse key applied uniformly. It is immutable once
// handed to dispatch.
type Notification struct {
	APS         map[string]any
	C2DM        map[string]any
	GCM         map[string]any
	CollapseKey string
}

// Bundle holds the per-protocol messages built once per notification and
// reused across every recipient of the fan-out. A nil field means the
// notification carried no sub-payload for that protocol.
type Bundle struct {
	APNS *APNS
	C2DM *C2DM
	GCM  *GCM
}

// Messages builds the protocol messages for the notification.
func (n *Notification) Messages() (*Bundle, error) {
	b := &Bundle{}

	if n.APS != nil {
		m := NewAPNS()
		for _, key := range sortedKeys(n.APS) {
			value := n.APS[key]
			switch key {
			case "alert":
				s, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("%w: aps alert must be a string", ErrInvalidPayload)
				}
				m.SetAlert(s)
			case "badge":
				f, ok := value.(float64)
				if !ok || f < 0 {
					return nil, fmt.Errorf("%w: aps badge must be a non-negative number", ErrInvalidPayload)
				}
				m.SetBadge(uint(f))
			case "sound":
				s, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("%w: aps sound must be a string", ErrInvalidPayload)
				}
				m.SetSound(s)
			default:
				if err := m.AddExtra(key, value); err != nil {
					return nil, err
				}
			}
		}
		b.APNS = m
	}

	if n.C2DM != nil {
		m := NewC2DM()
		m.CollapseKey = n.CollapseKey
		for _, key := range sortedKeys(n.C2DM) {
			value := n.C2DM[key]
			if key == "delay_while_idle" {
				flag, ok := value.(bool)
				if !ok {
					return nil, fmt.Errorf("%w: c2dm delay_while_idle must be a boolean", ErrInvalidPayload)
				}
				m.DelayWhileIdle = flag
				continue
			}
			s, err := stringify(value)
			if err != nil {
				return nil, err
			}
			m.AddData(key, s)
		}
		b.C2DM = m
	}

	if n.GCM != nil {
		m := &GCM{CollapseKey: n.CollapseKey, Data: make(map[string]any, len(n.GCM))}
		for key, value := range n.GCM {
			switch key {
			case "delay_while_idle":
				flag, ok := value.(bool)
				if !ok {
					return nil, fmt.Errorf("%w: gcm delay_while_idle must be a boolean", ErrInvalidPayload)
				}
				m.DelayWhileIdle = flag
			case "dry_run":
				flag, ok := value.(bool)
				if !ok {
					return nil, fmt.Errorf("%w: gcm dry_run must be a boolean", ErrInvalidPayload)
				}
				m.DryRun = flag
			case "time_to_live":
				f, ok := value.(float64)
				if !ok || f < 0 {
					return nil, fmt.Errorf("%w: gcm time_to_live must be a non-negative number", ErrInvalidPayload)
				}
				m.TimeToLive = int(f)
			default:
				m.Data[key] = value
			}
		}
		b.GCM = m
	}

	return b, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(raw), nil
}
