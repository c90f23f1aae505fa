// Package postal assembles the storage, gateway, event, and HTTP components
// into one runnable service.
package postal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postal-io/postal/internal/api"
	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/events"
	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/gateway/apns"
	"github.com/postal-io/postal/internal/gateway/c2dm"
	"github.com/postal-io/postal/internal/gateway/gcm"
	"github.com/postal-io/postal/internal/metrics"
	"github.com/postal-io/postal/internal/service"
	"github.com/postal-io/postal/internal/storage"
	"github.com/postal-io/postal/internal/storage/memory"
	mongostore "github.com/postal-io/postal/internal/storage/mongo"
	"github.com/postal-io/postal/postal/config"
)

// Wrapper owns the assembled components and their lifecycle.
type Wrapper struct {
	cfg        *config.Config
	svc        *service.Service
	closeStore func(context.Context) error
	publisher  events.Publisher
	httpServer *http.Server
	accessLog  *os.File
	logger     *slog.Logger
}

// New assembles the service. Gateways are constructed only for the platforms
// the configuration enables; a notify targeting an unconfigured platform is
// skipped at dispatch time.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Wrapper, error) {
	var store storage.Store
	closeStore := func(context.Context) error { return nil }
	if cfg.Mongo.URI != "" {
		mongoStore, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.DB, cfg.Mongo.Collection, logger)
		if err != nil {
			return nil, err
		}
		store = mongoStore
		closeStore = mongoStore.Close
	} else {
		// Development mode: devices live only as long as the process.
		logger.Warn("No mongo uri configured, using the in-memory store.")
		store = memory.New()
	}

	gateways := make(map[device.Type]gateway.Client)
	if cfg.APS.Enabled() {
		gateways[device.TypeAPS] = apns.New(apns.Config{
			GatewayAddr:  cfg.APS.GatewayAddr(),
			FeedbackAddr: cfg.APS.FeedbackAddr(),
			CertFile:     cfg.APS.CertFile,
			KeyFile:      cfg.APS.KeyFile,
		}, logger)
		logger.Info("APNs gateway enabled.", "addr", cfg.APS.GatewayAddr())
	}
	if cfg.C2DM.AuthToken != "" {
		gateways[device.TypeC2DM] = c2dm.New(c2dm.Config{AuthToken: cfg.C2DM.AuthToken}, logger)
		logger.Info("C2DM gateway enabled.")
	}
	if cfg.GCM.AuthToken != "" {
		gateways[device.TypeGCM] = gcm.New(gcm.Config{AuthToken: cfg.GCM.AuthToken}, logger)
		logger.Info("GCM gateway enabled.")
	}
	if len(gateways) == 0 {
		logger.Warn("No gateways configured. Notifications will not be delivered.")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Redis.Enabled {
		redisPublisher, err := events.NewRedisPublisher(cfg.Redis.Addr(), cfg.Redis.Channel, logger)
		if err != nil {
			return nil, err
		}
		publisher = redisPublisher
		logger.Info("Redis event publisher enabled.", "addr", cfg.Redis.Addr(), "channel", cfg.Redis.Channel)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	svc := service.New(store, gateways, publisher, m, logger)

	apiHandler, err := api.New(svc, m, registry, logger)
	if err != nil {
		return nil, err
	}

	w := &Wrapper{
		cfg:        cfg,
		svc:        svc,
		closeStore: closeStore,
		publisher:  publisher,
		logger:     logger,
	}

	var handler http.Handler = apiHandler
	if !cfg.HTTP.NoLogging {
		accessLogger := logger
		if cfg.HTTP.LogFile != "" {
			file, err := os.OpenFile(cfg.HTTP.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open access log: %w", err)
			}
			w.accessLog = file
			accessLogger = slog.New(slog.NewJSONHandler(file, nil))
		}
		handler = api.AccessLog(accessLogger, handler)
	}
	w.httpServer = &http.Server{Addr: cfg.HTTP.ListenAddr(), Handler: handler}

	return w, nil
}

// Start launches the dispatch pipeline and blocks serving HTTP until
// Shutdown is called.
func (w *Wrapper) Start(ctx context.Context) error {
	w.svc.Start(ctx)
	w.logger.Info("Service listening.", "addr", w.httpServer.Addr)
	if err := w.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, drains the dispatch pipeline, and releases
// every held resource.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.httpServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.svc.Stop(); err != nil {
		w.logger.Error("Dispatch pipeline shutdown failed.", "err", err)
		if finalErr == nil {
			finalErr = err
		}
	}
	if err := w.publisher.Close(); err != nil {
		w.logger.Error("Event publisher close failed.", "err", err)
		if finalErr == nil {
			finalErr = err
		}
	}
	if err := w.closeStore(ctx); err != nil {
		w.logger.Error("Store close failed.", "err", err)
		if finalErr == nil {
			finalErr = err
		}
	}
	if w.accessLog != nil {
		_ = w.accessLog.Close()
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
