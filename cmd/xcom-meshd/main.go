// xcom-meshd bridges a BLE mesh radio (Meshtastic or MeshCore) to a local
// HTTP/JSON API and websocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"xcom-meshd/internal/api"
	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/config"
	"xcom-meshd/internal/driver"
	"xcom-meshd/internal/store"
	"xcom-meshd/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML settings file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xcom-meshd:", err)
		os.Exit(2)
	}

	log, err := newLogger(settings.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xcom-meshd: logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(settings, log); err != nil {
		log.Fatal("xcom-meshd stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func openStore(path string, log *zap.Logger) (store.KV, func(), error) {
	if path == "" {
		log.Warn("no db_path set, state will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}, nil
}

// driverFactory builds a fresh driver per connect. The adapter is resolved
// each time since it can change at runtime.
func driverFactory(log *zap.Logger) transport.DriverFactory {
	return func(cfg config.TransportConfig) (driver.Driver, error) {
		adapter, err := ble.NewBlueZ(cfg.Adapter, log.Named("ble"))
		if err != nil {
			return nil, err
		}
		dlog := log.Named(cfg.Family)
		switch cfg.Family {
		case config.FamilyMeshCore:
			d := driver.NewMeshCore(adapter, dlog)
			d.CommandTimeout = cfg.CommandTimeout()
			return d, nil
		default:
			return driver.NewMeshtastic(adapter, dlog), nil
		}
	}
}

func run(settings *config.Settings, log *zap.Logger) error {
	log.Info("xcom-meshd starting",
		zap.String("listen", settings.Listen),
		zap.String("db", settings.DBPath),
		zap.String("adapter", settings.Adapter),
	)

	kv, closeStore, err := openStore(settings.DBPath, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.New(ctx, transport.Options{
		KV:        kv,
		NewDriver: driverFactory(log),
		Log:       log.Named("transport"),
		Seed:      settings.Transport,
	})
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer tr.Close()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	api.NewServer(tr, log.Named("api")).Routes(r)

	srv := &http.Server{
		Addr:        settings.Listen,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Connect can run up to the request timeout; the websocket sets its
		// own write deadlines.
		WriteTimeout: api.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", settings.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready", zap.Error(err))
	} else if ok {
		log.Debug("notified systemd")
	}
	go watchdog(ctx, log)

	if tr.Config().AutoReconnect && tr.Config().Address != "" {
		go func() {
			if _, err := tr.Connect(ctx); err != nil {
				log.Warn("initial connect failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	log.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// watchdog pets the systemd watchdog at half its interval when one is
// configured.
func watchdog(ctx context.Context, log *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("sd_notify watchdog", zap.Error(err))
			}
		}
	}
}
