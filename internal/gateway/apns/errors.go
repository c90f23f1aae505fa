package apns

import "errors"

// Error kinds mapped from the gateway's 6-byte error response. Status 8
// additionally raises a removal for the offending token.
var (
	ErrProcessing         = errors.New("apns: processing error")
	ErrMissingDeviceToken = errors.New("apns: missing device token")
	ErrMissingTopic       = errors.New("apns: missing topic")
	ErrMissingPayload     = errors.New("apns: missing payload")
	ErrInvalidTokenSize   = errors.New("apns: invalid token size")
	ErrInvalidTopicSize   = errors.New("apns: invalid topic size")
	ErrInvalidPayloadSize = errors.New("apns: invalid payload size")
	ErrInvalidToken       = errors.New("apns: invalid token")
	ErrUnknown            = errors.New("apns: unknown error")

	ErrNotConnected     = errors.New("apns: not connected")
	ErrAlreadyConnected = errors.New("apns: already connected")
	ErrTLSNotAvailable  = errors.New("apns: tls certificate not available")
)

const (
	statusInvalidToken = 8
)

func statusError(status byte) error {
	switch status {
	case 1:
		return ErrProcessing
	case 2:
		return ErrMissingDeviceToken
	case 3:
		return ErrMissingTopic
	case 4:
		return ErrMissingPayload
	case 5:
		return ErrInvalidTokenSize
	case 6:
		return ErrInvalidTopicSize
	case 7:
		return ErrInvalidPayloadSize
	case statusInvalidToken:
		return ErrInvalidToken
	default:
		return ErrUnknown
	}
}
