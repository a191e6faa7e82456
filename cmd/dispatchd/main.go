// Command dispatchd runs the report-dispatch engine as a standalone
// process: it wires the Entitlement Ledger, Admission Gate, Fetcher, and
// Event Bus into one Engine and exposes a Prometheus /metrics endpoint for
// dashboards. Chat adapters (Telegram, WhatsApp, etc.) are out of scope
// (spec §1 non-goals) and connect to this process's Engine out of process
// in a full deployment; this binary is the engine's own lifecycle owner.
//
// Grounded on estuary-flow's and kedacore-keda's cmd/ convention of one
// main package per runnable, parsing configuration once at startup and
// running until an OS signal arrives.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/moalhelu/dejavu-dispatch/internal/config"
	"github.com/moalhelu/dejavu-dispatch/internal/dispatch"
	"github.com/moalhelu/dejavu-dispatch/internal/eventbus"
	"github.com/moalhelu/dejavu-dispatch/internal/fetcher"
	"github.com/moalhelu/dejavu-dispatch/internal/gate"
	"github.com/moalhelu/dejavu-dispatch/internal/inflight"
	"github.com/moalhelu/dejavu-dispatch/internal/ledger"
	"github.com/moalhelu/dejavu-dispatch/internal/store"
	"github.com/moalhelu/dejavu-dispatch/internal/store/etcdstore"
	"github.com/moalhelu/dejavu-dispatch/internal/store/sqlitestore"
)

func main() {
	cfg := config.FromEnv()
	log := setupLogger(cfg)

	kv, closeStore, err := openStore(log)
	if err != nil {
		log.WithError(err).Fatal("failed to open durable store")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	eventbus.MustRegister(reg)

	l := ledger.New(kv, log)
	ifr := inflight.New(cfg.InflightTTL)
	defer ifr.Close()
	g := gate.New(cfg.PerUserConcurrency, cfg.GlobalConcurrency)
	bus := eventbus.New()

	upstreamURL := os.Getenv("UPSTREAM_URL")
	if upstreamURL == "" {
		upstreamURL = "http://localhost:9000/report"
	}
	f := fetcher.New(fetcher.Config{
		UpstreamURL:  upstreamURL,
		SendDeadline: cfg.SendDeadline,
		MaxAttempts:  cfg.GenerateRetries,
		Backoff:      cfg.RetryBackoff,
	}, log)

	engine := dispatch.New(cfg, l, ifr, g, f, bus, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := newMetricsServer(reg, engine)
	go func() {
		log.WithField("addr", srv.Addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	log.Info("dispatchd ready")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown error")
	}
}

func newMetricsServer(reg *prometheus.Registry, engine *dispatch.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	// Minimal read-only surface for operators/dashboards; full chat
	// adapters own Submit/Subscribe and are out of scope (spec §1).
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user query param", http.StatusBadRequest)
			return
		}
		snap, err := engine.GetSnapshot(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	return &http.Server{Addr: addr, Handler: mux}
}

// setupLogger configures logrus per cfg.LogPreset, mirroring
// bot_core/logging_setup.py's clean-vs-verbose switch: "verbose" sets the
// whole logger to debug, anything else to info. There is no per-logger
// filter for third-party output.
func setupLogger(cfg config.Config) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	switch cfg.LogPreset {
	case "verbose":
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	entry := logrus.NewEntry(log)
	if cfg.TimingLogs {
		entry = entry.WithField("timing", true)
	}
	return entry
}

// openStore selects a durable store.KV backend from STORE_BACKEND
// ("etcd" or "sqlite", default "sqlite" for single-node/dev deployments
// per spec §6.5).
func openStore(log *logrus.Entry) (store.KV, func(), error) {
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "etcd":
		endpoints := []string{"localhost:2379"}
		if raw := os.Getenv("ETCD_ENDPOINTS"); raw != "" {
			endpoints = []string{raw}
		}
		s, err := etcdstore.New(etcdstore.Config{Endpoints: endpoints})
		if err != nil {
			return nil, nil, err
		}
		log.WithField("backend", "etcd").Info("durable store opened")
		return s, func() { _ = s.Close() }, nil

	default:
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "dispatchd.db"
		}
		s, err := sqlitestore.New(path)
		if err != nil {
			return nil, nil, err
		}
		log.WithFields(logrus.Fields{"backend": "sqlite", "path": path}).Info("durable store opened")
		return s, func() { _ = s.Close() }, nil
	}
}
