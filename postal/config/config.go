// Package config loads the service configuration from an ini file, with a
// small set of environment overrides for containerized deployments.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

const (
	apnsProductionGateway  = "gateway.push.apple.com:2195"
	apnsSandboxGateway     = "gateway.sandbox.push.apple.com:2195"
	apnsProductionFeedback = "feedback.push.apple.com:2196"
	apnsSandboxFeedback    = "feedback.sandbox.push.apple.com:2196"
)

type MongoConfig struct {
	URI        string `ini:"uri"`
	DB         string `ini:"db"`
	Collection string `ini:"collection"`
}

type APSConfig struct {
	Sandbox  bool   `ini:"sandbox"`
	CertFile string `ini:"ssl-cert-file"`
	KeyFile  string `ini:"ssl-key-file"`
}

// Enabled reports whether an APNs gateway client should be constructed.
func (c APSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// GatewayAddr selects the push host for the configured environment.
func (c APSConfig) GatewayAddr() string {
	if c.Sandbox {
		return apnsSandboxGateway
	}
	return apnsProductionGateway
}

// FeedbackAddr selects the feedback host for the configured environment.
func (c APSConfig) FeedbackAddr() string {
	if c.Sandbox {
		return apnsSandboxFeedback
	}
	return apnsProductionFeedback
}

type C2DMConfig struct {
	AuthToken string `ini:"auth-token"`
}

type GCMConfig struct {
	AuthToken string `ini:"auth-token"`
}

type HTTPConfig struct {
	Port      int    `ini:"port"`
	LogFile   string `ini:"logfile"`
	NoLogging bool   `ini:"nologging"`
}

func (c HTTPConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type RedisConfig struct {
	Enabled bool   `ini:"enabled"`
	Host    string `ini:"host"`
	Port    int    `ini:"port"`
	Channel string `ini:"channel"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the single authoritative configuration.
type Config struct {
	Mongo MongoConfig
	APS   APSConfig
	C2DM  C2DMConfig
	GCM   GCMConfig
	HTTP  HTTPConfig
	Redis RedisConfig
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			DB:         "postal",
			Collection: "devices",
		},
		HTTP: HTTPConfig{Port: 5300},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    6379,
			Channel: "events",
		},
	}
}

// Load reads the ini file at path on top of the defaults. An empty path
// yields the defaults unchanged.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		sections := map[string]any{
			"mongo": &cfg.Mongo,
			"aps":   &cfg.APS,
			"c2dm":  &cfg.C2DM,
			"gcm":   &cfg.GCM,
			"http":  &cfg.HTTP,
			"redis": &cfg.Redis,
		}
		for name, target := range sections {
			if err := file.Section(name).MapTo(target); err != nil {
				return nil, fmt.Errorf("parse [%s] section: %w", name, err)
			}
		}
	}

	applyEnvOverrides(cfg, logger)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, logger *slog.Logger) {
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil && port > 0 {
			logger.Debug("Overriding config value", "key", "PORT", "source", "env")
			cfg.HTTP.Port = port
		}
	}
	if val := os.Getenv("MONGO_URI"); val != "" {
		logger.Debug("Overriding config value", "key", "MONGO_URI", "source", "env")
		cfg.Mongo.URI = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDR", "source", "env")
		if host, port, ok := splitHostPort(val); ok {
			cfg.Redis.Host = host
			cfg.Redis.Port = port
			cfg.Redis.Enabled = true
		}
	}
}

func splitHostPort(addr string) (string, int, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port, err := strconv.Atoi(addr[i+1:])
			if err != nil || port <= 0 {
				return "", 0, false
			}
			return addr[:i], port, true
		}
	}
	return "", 0, false
}

func (cfg *Config) validate() error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", cfg.HTTP.Port)
	}
	if (cfg.APS.CertFile == "") != (cfg.APS.KeyFile == "") {
		return fmt.Errorf("aps ssl-cert-file and ssl-key-file must be set together")
	}
	if cfg.Redis.Enabled && cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required when redis is enabled")
	}
	return nil
}
