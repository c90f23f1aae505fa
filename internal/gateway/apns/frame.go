package apns

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Enhanced notification format, gateway port 2195.
// https://developer.apple.com/library/archive/documentation/NetworkingInternet/Conceptual/RemoteNotificationsPG/LegacyFormat.html
const (
	commandSend  = 1
	commandError = 8

	tokenLength          = 32
	hexTokenLength       = 2 * tokenLength
	errorFrameLength     = 6
	frameHeaderLength    = 45
	maxPayloadLength     = 2048
	feedbackRecordLength = 38
)

// encodeFrame builds one enhanced-format frame: command, request id, expiry
// (unix seconds, 0 for none), token length + raw token, payload length +
// payload. Total size is always frameHeaderLength + len(payload).
func encodeFrame(requestID, expiry uint32, token, payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, frameHeaderLength+len(payload)))
	buf.WriteByte(commandSend)
	binary.Write(buf, binary.BigEndian, requestID)
	binary.Write(buf, binary.BigEndian, expiry)
	binary.Write(buf, binary.BigEndian, uint16(tokenLength))
	buf.Write(token)
	binary.Write(buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// decodeToken validates and decodes a device token. Tokens must be exactly 64
// lowercase hex characters; anything else fails locally without enqueuing.
func decodeToken(identity string) ([]byte, error) {
	if len(identity) != hexTokenLength {
		return nil, ErrInvalidTokenSize
	}
	token, err := hex.DecodeString(strings.ToLower(identity))
	if err != nil {
		return nil, ErrInvalidToken
	}
	return token, nil
}
