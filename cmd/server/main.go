// Command alertrd is the server-side core of the distributed alarm system
// (spec.md §1): it wires Storage, the session acceptor, the two long-running
// executers and the connection watchdog together and runs them until
// terminated. Grounded on the teacher's cmd/server/main.go composition root:
// flag-parsed config path, slog JSON handler, signal.NotifyContext-driven
// shutdown, one goroutine per long-running component.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alertr/alertrd/internal/config"
	"github.com/alertr/alertrd/internal/managerupdate"
	"github.com/alertr/alertrd/internal/metrics"
	"github.com/alertr/alertrd/internal/notifier"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/sensoralert"
	"github.com/alertr/alertrd/internal/server"
	"github.com/alertr/alertrd/internal/storage/sqlstore"
	"github.com/alertr/alertrd/internal/userbackend"
	"github.com/alertr/alertrd/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "/etc/alertr/config.xml", "path to XML config file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("alertrd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ub, err := userbackend.LoadCSVBackend(cfg.UserBackendFile)
	if err != nil {
		slog.Error("failed to load user backend", "err", err)
		os.Exit(1)
	}

	st, err := sqlstore.Open(sqlstore.Driver(cfg.StorageMethod), cfg.StorageDSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := crossCheckAlertLevels(ctx, cfg, st); err != nil {
		slog.Error("config/storage alert-level mismatch", "err", err)
		os.Exit(1)
	}

	notif := notifier.New(cfg.Notifier)
	registry := server.NewRegistry()
	signals := server.NewSignals()
	opts := server.NewOptions()
	m := metrics.New()

	sensorAlertExec := sensoralert.New(cfg.AlertLevels, st, notif, registry, signals, signals)
	sensorAlertExec.Metrics = m
	go sensorAlertExec.Run(ctx)

	managerExec := managerupdate.New(st, registry, signals, cfg.ManagerForcedInterval)
	managerExec.Metrics = m
	go managerExec.Run(ctx)

	wd := watchdog.New(registry, st, notif, cfg.ConnectionTimeout)
	wd.Metrics = m
	go wd.Run(ctx)

	go sampleSessionMetrics(ctx, registry, m)

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, m)
	}

	go watchConfig(ctx, *configPath)

	acceptor := &server.Acceptor{
		Addr:           cfg.ServerAddr,
		TLS:            cfg.TLS,
		Storage:        st,
		UserBackend:    ub,
		Registry:       registry,
		Signals:        signals,
		ServerVersion:  protocol.ProtocolVersion,
		ReceiveTimeout: cfg.ReceiveTimeout,
		OptionHandler: func(p protocol.OptionPayload) {
			opts.Set(p.Type, p.Value)
			slog.Info("server: option applied", "type", p.Type, "value", p.Value, "timeDelay", p.TimeDelay)
		},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- acceptor.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("alertrd shutting down")
	case err := <-errCh:
		if err != nil {
			slog.Error("acceptor stopped", "err", err)
			cancel()
			os.Exit(1)
		}
	}
}

// crossCheckAlertLevels enforces the startup invariant that every alert
// level referenced by a stored Sensor or Alert must be defined in the
// running configuration (spec.md §3).
func crossCheckAlertLevels(ctx context.Context, cfg *config.Config, st *sqlstore.Store) error {
	defined := make(map[int]bool, len(cfg.AlertLevels))
	for _, lvl := range cfg.AlertLevels {
		defined[lvl.Level] = true
	}

	referenced, err := st.ReferencedAlertLevels(ctx)
	if err != nil {
		return err
	}
	for _, level := range referenced {
		if !defined[level] {
			return fmt.Errorf("alert level %d is referenced in storage but not defined in the running config", level)
		}
	}
	return nil
}

func sampleSessionMetrics(ctx context.Context, registry *server.Registry, m *metrics.Metrics) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SetSessionCount("sensor", len(registry.ByNodeType("sensor")))
			m.SetSessionCount("alert", len(registry.ByNodeType("alert")))
			m.SetSessionCount("manager", len(registry.ByNodeType("manager")))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics: server stopped", "err", err)
	}
}

func watchConfig(ctx context.Context, path string) {
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		slog.Warn("config: reloaded but hot-swap of alert levels is not wired; restart to apply", "path", path)
	})
	if err != nil {
		slog.Error("config: watch failed", "path", path, "err", err)
	}
}
