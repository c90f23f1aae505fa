package message

// GCM is the JSON request body for Google Cloud Messaging, minus the
// registration_ids the gateway client fills in per recipient.
// https://developers.google.com/cloud-messaging/http-server-ref
type GCM struct {
	RegistrationIDs []string       `json:"registration_ids,omitempty"`
	CollapseKey     string         `json:"collapse_key,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	DelayWhileIdle  bool           `json:"delay_while_idle,omitempty"`
	DryRun          bool           `json:"dry_run,omitempty"`
	TimeToLive      int            `json:"time_to_live,omitempty"`
}

// ForRecipient returns a copy addressed to a single registration id.
func (m *GCM) ForRecipient(registrationID string) *GCM {
	out := *m
	out.RegistrationIDs = []string{registrationID}
	return &out
}
