package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/events"
	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
	"github.com/postal-io/postal/internal/metrics"
	"github.com/postal-io/postal/internal/service"
	"github.com/postal-io/postal/internal/storage/memory"
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	removals chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{removals: make(chan string, 8)}
}

func (f *fakeGateway) Deliver(_ context.Context, identity string, _ *message.Bundle) <-chan error {
	f.mu.Lock()
	f.sent = append(f.sent, identity)
	f.mu.Unlock()
	done := make(chan error, 1)
	done <- nil
	return done
}

func (f *fakeGateway) Removals() <-chan string { return f.removals }
func (f *fakeGateway) Close() error            { return nil }

func (f *fakeGateway) sentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	server *httptest.Server
	aps    *fakeGateway
	gcm    *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{aps: newFakeGateway(), gcm: newFakeGateway()}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := service.New(
		memory.New(),
		map[device.Type]gateway.Client{
			device.TypeAPS: f.aps,
			device.TypeGCM: f.gcm,
		},
		events.NopPublisher{},
		m,
		logger,
	)

	a, err := New(svc, m, reg, logger)
	require.NoError(t, err)
	f.server = httptest.NewServer(a)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, raw
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodPost, "/v1/users/u1/devices", `{"device_token":"t1","device_type":"c2dm"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "/v1/users/u1/devices/t1", res.Header.Get("Location"))

	var created map[string]any
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "u1", created["user"])
	assert.Equal(t, "t1", created["device_token"])
	assert.Equal(t, "c2dm", created["device_type"])
	assert.Nil(t, created["removed_at"])

	t.Run("list returns the device", func(t *testing.T) {
		res, body := f.do(t, http.MethodGet, "/v1/users/u1/devices", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		var listed []map[string]any
		require.NoError(t, json.Unmarshal(body, &listed))
		require.Len(t, listed, 1)
		assert.Equal(t, "t1", listed[0]["device_token"])
	})

	t.Run("re-post reports the existing device", func(t *testing.T) {
		res, _ := f.do(t, http.MethodPost, "/v1/users/u1/devices", `{"device_token":"t1","device_type":"c2dm"}`)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("get by token", func(t *testing.T) {
		res, body := f.do(t, http.MethodGet, "/v1/users/u1/devices/t1", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		var got map[string]any
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "t1", got["device_token"])
	})

	t.Run("delete then list is empty", func(t *testing.T) {
		res, _ := f.do(t, http.MethodDelete, "/v1/users/u1/devices/t1", "")
		require.Equal(t, http.StatusNoContent, res.StatusCode)

		res, body := f.do(t, http.MethodGet, "/v1/users/u1/devices", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.JSONEq(t, "[]", string(body))
	})

	t.Run("delete again is 404", func(t *testing.T) {
		res, body := f.do(t, http.MethodDelete, "/v1/users/u1/devices/t1", "")
		require.Equal(t, http.StatusNotFound, res.StatusCode)
		var e map[string]any
		require.NoError(t, json.Unmarshal(body, &e))
		assert.Equal(t, "PostalError", e["domain"])
		assert.Equal(t, float64(http.StatusNotFound), e["code"])
	})
}

func TestPutCreatesThenUpdates(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPut, "/v1/users/u1/devices/t1", `{"device_type":"gcm"}`)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "/v1/users/u1/devices/t1", res.Header.Get("Location"))

	res, body := f.do(t, http.MethodPut, "/v1/users/u1/devices/t1", `{"device_type":"aps"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var updated map[string]any
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "aps", updated["device_type"])
	assert.Equal(t, "t1", updated["device_token"])
}

func TestDeviceValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		body   string
		status int
		domain string
	}{
		{"unsupported type", `{"device_token":"t1","device_type":"pigeon"}`, http.StatusBadRequest, "PostalError"},
		{"missing type", `{"device_token":"t1"}`, http.StatusBadRequest, "PostalJsonError"},
		{"missing token", `{"device_type":"gcm"}`, http.StatusBadRequest, "PostalJsonError"},
		{"not json", `w at`, http.StatusBadRequest, "PostalJsonError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := f.do(t, http.MethodPost, "/v1/users/u1/devices", tc.body)
			assert.Equal(t, tc.status, res.StatusCode)
			var e map[string]any
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tc.domain, e["domain"])
		})
	}
}

func TestNotifyFanOut(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPost, "/v1/users/u1/devices", `{"device_token":"apstoken1","device_type":"aps"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/v1/users/u2/devices", `{"device_token":"apstoken2","device_type":"aps"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, body := f.do(t, http.MethodPost, "/v1/notify", `{
		"aps": {"alert": "hello"},
		"c2dm": {},
		"gcm": {},
		"users": ["u1"],
		"devices": ["apstoken2"]
	}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, "{}", string(body))

	assert.ElementsMatch(t, []string{"apstoken1", "apstoken2"}, f.aps.sentTokens())
	assert.Empty(t, f.gcm.sentTokens())
}

func TestNotifyBodyValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing aps", `{"c2dm":{},"gcm":{},"users":[],"devices":[]}`},
		{"missing users", `{"aps":{},"c2dm":{},"gcm":{},"devices":[]}`},
		{"missing devices", `{"aps":{},"c2dm":{},"gcm":{},"users":[]}`},
		{"not json", `--`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := f.do(t, http.MethodPost, "/v1/notify", tc.body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			var e map[string]any
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, "PostalJsonError", e["domain"])
		})
	}
}

func TestStatusCounters(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPost, "/v1/users/u1/devices", `{"device_token":"t1","device_type":"gcm"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/v1/notify", `{"aps":{},"c2dm":{},"gcm":{"k":"v"},"users":["u1"],"devices":[]}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snap struct {
		DevicesAdded int64            `json:"devices_added"`
		Notified     map[string]int64 `json:"devices_notified"`
	}
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, int64(1), snap.DevicesAdded)
	assert.Equal(t, int64(1), snap.Notified["gcm"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	res, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "postal_devices_added_total")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	res, body := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	var e map[string]any
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "PostalError", e["domain"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(t, http.MethodDelete, "/v1/notify", "")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}
