package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postal.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
[mongo]
uri = mongodb://db.internal:27017
db = pushprod
collection = registered

[aps]
sandbox = true
ssl-cert-file = /etc/postal/aps.crt
ssl-key-file = /etc/postal/aps.key

[c2dm]
auth-token = c2dm-secret

[gcm]
auth-token = gcm-secret

[http]
port = 8080
logfile = /var/log/postal/access.log

[redis]
enabled = true
host = redis.internal
port = 6380
channel = postal-events
`)

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URI)
	assert.Equal(t, "pushprod", cfg.Mongo.DB)
	assert.Equal(t, "registered", cfg.Mongo.Collection)

	assert.True(t, cfg.APS.Sandbox)
	assert.True(t, cfg.APS.Enabled())
	assert.Equal(t, "c2dm-secret", cfg.C2DM.AuthToken)
	assert.Equal(t, "gcm-secret", cfg.GCM.AuthToken)

	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr())
	assert.Equal(t, "/var/log/postal/access.log", cfg.HTTP.LogFile)
	assert.False(t, cfg.HTTP.NoLogging)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, "postal-events", cfg.Redis.Channel)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", testLogger())
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "postal", cfg.Mongo.DB)
	assert.Equal(t, "devices", cfg.Mongo.Collection)
	assert.Equal(t, ":5300", cfg.HTTP.ListenAddr())
	assert.Equal(t, "events", cfg.Redis.Channel)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.APS.Enabled())
}

func TestAPNSHostSelection(t *testing.T) {
	sandbox := APSConfig{Sandbox: true}
	assert.Equal(t, "gateway.sandbox.push.apple.com:2195", sandbox.GatewayAddr())
	assert.Equal(t, "feedback.sandbox.push.apple.com:2196", sandbox.FeedbackAddr())

	production := APSConfig{}
	assert.Equal(t, "gateway.push.apple.com:2195", production.GatewayAddr())
	assert.Equal(t, "feedback.push.apple.com:2196", production.FeedbackAddr())
}

func TestValidation(t *testing.T) {
	t.Run("cert without key", func(t *testing.T) {
		path := writeConfig(t, "[aps]\nssl-cert-file = /etc/postal/aps.crt\n")
		_, err := Load(path, testLogger())
		assert.ErrorContains(t, err, "must be set together")
	})

	t.Run("bad port", func(t *testing.T) {
		path := writeConfig(t, "[http]\nport = 99999\n")
		_, err := Load(path, testLogger())
		assert.ErrorContains(t, err, "out of range")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.ini"), testLogger())
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MONGO_URI", "mongodb://env.internal:27017")
	t.Setenv("REDIS_ADDR", "env-redis:6379")

	cfg, err := Load("", testLogger())
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.ListenAddr())
	assert.Equal(t, "mongodb://env.internal:27017", cfg.Mongo.URI)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr())
}
