package apns

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
)

var testToken = strings.Repeat("ab", tokenLength) // 64 hex chars

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBundle(t *testing.T) *message.Bundle {
	t.Helper()
	n := &message.Notification{APS: map[string]any{"alert": "hi"}}
	b, err := n.Messages()
	require.NoError(t, err)
	return b
}

func testClient(t *testing.T, cfg Config, dial, feedback DialFunc) *Client {
	t.Helper()
	c := newClient(cfg, dial, feedback, testLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pipeDialer hands the client one end of a net.Pipe and parks the other end
// on a channel for the test to drive.
type pipeDialer struct {
	conns chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 4)}
}

func (d *pipeDialer) dial(context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	d.conns <- server
	return client, nil
}

func (d *pipeDialer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

type wireFrame struct {
	command   byte
	requestID uint32
	expiry    uint32
	token     []byte
	payload   []byte
}

func readWireFrame(t *testing.T, conn net.Conn) wireFrame {
	t.Helper()
	header := make([]byte, 11)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)

	f := wireFrame{
		command:   header[0],
		requestID: binary.BigEndian.Uint32(header[1:5]),
		expiry:    binary.BigEndian.Uint32(header[5:9]),
	}
	tokenLen := binary.BigEndian.Uint16(header[9:11])
	f.token = make([]byte, tokenLen)
	_, err = io.ReadFull(conn, f.token)
	require.NoError(t, err)

	lengthBytes := make([]byte, 2)
	_, err = io.ReadFull(conn, lengthBytes)
	require.NoError(t, err)
	f.payload = make([]byte, binary.BigEndian.Uint16(lengthBytes))
	_, err = io.ReadFull(conn, f.payload)
	require.NoError(t, err)
	return f
}

func writeErrorFrame(t *testing.T, conn net.Conn, status byte, requestID uint32) {
	t.Helper()
	frame := make([]byte, errorFrameLength)
	frame[0] = commandError
	frame[1] = status
	binary.BigEndian.PutUint32(frame[2:], requestID)
	_, err := conn.Write(frame)
	require.NoError(t, err)
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestFrameEncoding(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: time.Minute}, dialer.dial, nil)

	bundle := testBundle(t)
	payload, err := bundle.APNS.Payload()
	require.NoError(t, err)

	c.Deliver(context.Background(), testToken, bundle)
	conn := dialer.accept(t)
	f := readWireFrame(t, conn)

	assert.Equal(t, byte(commandSend), f.command)
	assert.Equal(t, uint32(0), f.expiry)
	wantToken, _ := hex.DecodeString(testToken)
	assert.Equal(t, wantToken, f.token)
	assert.Equal(t, payload, f.payload)
	// Total size: fixed header plus payload.
	assert.Equal(t, frameHeaderLength+len(payload), 11+len(f.token)+2+len(f.payload))
}

func TestRequestIDsIncrease(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: time.Minute}, dialer.dial, nil)
	bundle := testBundle(t)

	c.Deliver(context.Background(), testToken, bundle)
	c.Deliver(context.Background(), testToken, bundle)

	conn := dialer.accept(t)
	first := readWireFrame(t, conn)
	second := readWireFrame(t, conn)
	assert.Equal(t, first.requestID+1, second.requestID)
}

func TestOptimisticSuccessByTimeout(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: 25 * time.Millisecond}, dialer.dial, nil)
	bundle := testBundle(t)

	results := make([]<-chan error, 3)
	for i := range results {
		results[i] = c.Deliver(context.Background(), testToken, bundle)
	}

	conn := dialer.accept(t)
	for range results {
		readWireFrame(t, conn)
	}
	for _, done := range results {
		assert.NoError(t, waitResult(t, done))
	}
}

func TestErrorFrameFailsExactSend(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: 500 * time.Millisecond}, dialer.dial, nil)
	bundle := testBundle(t)

	otherToken := strings.Repeat("cd", tokenLength)
	first := c.Deliver(context.Background(), testToken, bundle)
	second := c.Deliver(context.Background(), otherToken, bundle)

	conn := dialer.accept(t)
	firstFrame := readWireFrame(t, conn)
	readWireFrame(t, conn)

	// Status 8: invalid token. Fails that send and raises a removal.
	writeErrorFrame(t, conn, statusInvalidToken, firstFrame.requestID)

	assert.ErrorIs(t, waitResult(t, first), ErrInvalidToken)
	select {
	case removed := <-c.Removals():
		assert.Equal(t, testToken, removed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a removal for the invalid token")
	}

	// The other send still flips to success at its timer.
	assert.NoError(t, waitResult(t, second))
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[byte]error{
		1:   ErrProcessing,
		2:   ErrMissingDeviceToken,
		3:   ErrMissingTopic,
		4:   ErrMissingPayload,
		5:   ErrInvalidTokenSize,
		6:   ErrInvalidTopicSize,
		7:   ErrInvalidPayloadSize,
		8:   ErrInvalidToken,
		255: ErrUnknown,
		99:  ErrUnknown,
	}
	for status, want := range cases {
		assert.ErrorIs(t, statusError(status), want)
	}
}

func TestEOFMarksPendingSuccessful(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: time.Minute}, dialer.dial, nil)
	bundle := testBundle(t)

	first := c.Deliver(context.Background(), testToken, bundle)
	second := c.Deliver(context.Background(), testToken, bundle)

	conn := dialer.accept(t)
	readWireFrame(t, conn)
	readWireFrame(t, conn)
	require.NoError(t, conn.Close())

	// Long before any ack timer could fire, EOF resolves everything pending.
	assert.NoError(t, waitResult(t, first))
	assert.NoError(t, waitResult(t, second))
}

func TestReconnectAfterEOF(t *testing.T) {
	dialer := newPipeDialer()
	c := testClient(t, Config{AckTimeout: 50 * time.Millisecond}, dialer.dial, nil)
	bundle := testBundle(t)

	done := c.Deliver(context.Background(), testToken, bundle)
	conn := dialer.accept(t)
	readWireFrame(t, conn)
	require.NoError(t, conn.Close())
	require.NoError(t, waitResult(t, done))

	// The next Deliver establishes a fresh connection.
	done = c.Deliver(context.Background(), testToken, bundle)
	conn = dialer.accept(t)
	readWireFrame(t, conn)
	assert.NoError(t, waitResult(t, done))
}

func TestLocalValidation(t *testing.T) {
	c := testClient(t, Config{AckTimeout: time.Minute}, nil, nil)
	bundle := testBundle(t)

	t.Run("short token", func(t *testing.T) {
		err := waitResult(t, c.Deliver(context.Background(), "abcd", bundle))
		assert.ErrorIs(t, err, ErrInvalidTokenSize)
	})

	t.Run("non-hex token", func(t *testing.T) {
		bad := strings.Repeat("zz", tokenLength)
		err := waitResult(t, c.Deliver(context.Background(), bad, bundle))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing payload", func(t *testing.T) {
		err := waitResult(t, c.Deliver(context.Background(), testToken, &message.Bundle{}))
		assert.ErrorIs(t, err, gateway.ErrMissingPayload)
	})

	t.Run("oversized payload", func(t *testing.T) {
		m := message.NewAPNS()
		m.SetAlert(strings.Repeat("x", maxPayloadLength+1))
		err := waitResult(t, c.Deliver(context.Background(), testToken, &message.Bundle{APNS: m}))
		assert.ErrorIs(t, err, ErrInvalidPayloadSize)
	})
}

func TestDeliverCancelled(t *testing.T) {
	// No dialer: the frame stays queued and only the context resolves it.
	c := testClient(t, Config{AckTimeout: time.Minute}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Deliver(ctx, testToken, testBundle(t))
	cancel()
	assert.ErrorIs(t, waitResult(t, done), gateway.ErrCancelled)
}

func TestCloseFailsOutstanding(t *testing.T) {
	dialer := newPipeDialer()
	c := newClient(Config{AckTimeout: time.Minute}, dialer.dial, nil, testLogger())
	bundle := testBundle(t)

	done := c.Deliver(context.Background(), testToken, bundle)
	conn := dialer.accept(t)
	readWireFrame(t, conn)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, waitResult(t, done), gateway.ErrCancelled)

	// A disposed client is terminal.
	err := waitResult(t, c.Deliver(context.Background(), testToken, bundle))
	assert.ErrorIs(t, err, gateway.ErrCancelled)
}

func TestCertificateFailureSurfacesOnDeliver(t *testing.T) {
	c := New(Config{
		GatewayAddr:  "gateway.push.apple.com:2195",
		FeedbackAddr: "feedback.push.apple.com:2196",
		CertFile:     "/nonexistent/cert.pem",
		KeyFile:      "/nonexistent/key.pem",
	}, testLogger())
	t.Cleanup(func() { _ = c.Close() })

	err := waitResult(t, c.Deliver(context.Background(), testToken, testBundle(t)))
	assert.ErrorIs(t, err, ErrTLSNotAvailable)
}

func feedbackRecord(token string, ts uint32) []byte {
	raw, _ := hex.DecodeString(token)
	record := make([]byte, feedbackRecordLength)
	binary.BigEndian.PutUint32(record[0:4], ts)
	binary.BigEndian.PutUint16(record[4:6], tokenLength)
	copy(record[6:], raw)
	return record
}

func TestFeedbackEmitsRemovals(t *testing.T) {
	tokenA := strings.Repeat("0a", tokenLength)
	tokenB := strings.Repeat("0b", tokenLength)

	var once sync.Once
	dialFeedback := func(context.Context) (net.Conn, error) {
		var client net.Conn
		once.Do(func() {
			var server net.Conn
			client, server = net.Pipe()
			go func() {
				server.Write(feedbackRecord(tokenA, 1393675931))
				server.Write(feedbackRecord(tokenB, 1393675932))
				server.Close()
			}()
		})
		if client == nil {
			return nil, errors.New("feedback drained")
		}
		return client, nil
	}

	c := testClient(t, Config{FeedbackInterval: 20 * time.Millisecond}, nil, dialFeedback)

	var got []string
	for len(got) < 2 {
		select {
		case token := <-c.Removals():
			got = append(got, token)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, removals so far: %v", got)
		}
	}
	assert.Equal(t, []string{tokenA, tokenB}, got)
}
