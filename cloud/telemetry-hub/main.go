package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alimk/power-telemetry-hub/pkg/config"
	"github.com/alimk/power-telemetry-hub/pkg/enrich"
	"github.com/alimk/power-telemetry-hub/pkg/history"
	"github.com/alimk/power-telemetry-hub/pkg/hub"
	"github.com/alimk/power-telemetry-hub/pkg/mirror"
	"github.com/alimk/power-telemetry-hub/pkg/poller"
	"github.com/alimk/power-telemetry-hub/pkg/registry"
	"github.com/alimk/power-telemetry-hub/pkg/simfeed"
	"github.com/alimk/power-telemetry-hub/pkg/store"
)

var version = "dev"

// app holds the wired engine. Components are built once by newApp and run
// together by run.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	hub      *hub.Hub
	history  *history.Service
	poller   *poller.Poller
	relay    *simfeed.Relay
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.Open(openCtx, store.Options{
		Backend:    cfg.Store.Backend,
		SQLitePath: cfg.Store.SQLitePath,
		Influx: store.InfluxOptions{
			URL:         cfg.Store.Influx.URL,
			Token:       cfg.Store.Influx.Token,
			Org:         cfg.Store.Influx.Org,
			Bucket:      cfg.Store.Influx.Bucket,
			Measurement: cfg.Store.Influx.Measurement,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open reading store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st)

	source, err := a.registrySource(openCtx)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(source, logger.With("component", "registry"))
	if err := a.registry.Load(openCtx); err != nil {
		// Devices resolve to Unknown until the next refresh succeeds.
		logger.Warn("initial registry load failed", "error", err)
	}

	enricher := enrich.New(a.registry, logger.With("component", "enrich"))
	a.hub = hub.New(hub.Config{QueueSize: cfg.Hub.QueueSize}, logger.With("component", "hub"))
	a.history = history.New(st, a.registry, enricher, logger.With("component", "history"))

	pcfg := poller.Config{
		Interval:    cfg.Poller.Interval,
		BatchSize:   cfg.Poller.BatchSize,
		WindowLimit: cfg.Poller.WindowLimit,
	}
	if cfg.Kafka.Enabled {
		k, err := mirror.NewKafka(mirror.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka mirror: %w", err)
		}
		a.closers = append(a.closers, k)
		pcfg.Mirror = k
	}
	a.poller = poller.New(st, enricher, a.hub, pcfg, logger.With("component", "poller"))

	if cfg.Simulation.Enabled {
		a.relay, err = simfeed.New(simfeed.Config{
			BaseURL:  cfg.Simulation.URL,
			Interval: cfg.Simulation.Interval,
		}, a.hub, logger.With("component", "simfeed"))
		if err != nil {
			return nil, fmt.Errorf("simulation relay: %w", err)
		}
	}
	return a, nil
}

// registrySource returns the device table the registry loads from. The
// SQLite source is the reading store itself when that is SQLite too.
func (a *app) registrySource(ctx context.Context) (registry.Source, error) {
	switch a.cfg.Registry.Source {
	case config.RegistryRedis:
		rc := a.cfg.Registry.Redis
		rs, err := registry.NewRedisSource(ctx, registry.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Key:      rc.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("registry source: %w", err)
		}
		a.closers = append(a.closers, rs)
		return rs, nil
	default:
		if sq, ok := a.store.(*store.SQLite); ok {
			return sq, nil
		}
		sq, err := store.OpenSQLite(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("registry source: %w", err)
		}
		a.closers = append(a.closers, sq)
		return sq, nil
	}
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", hub.NewServer(a.hub, a.history, hub.ServerConfig{
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		RequestTimeout: a.cfg.HTTP.RequestTimeout,
	}, a.logger.With("component", "ws")))
	r.Get("/healthz", a.healthz)
	return r
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":"store_unavailable"}`+"\n")
		return
	}
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"devices":%d}`+"\n", a.hub.Len(), a.registry.Len())
}

// run serves until ctx is cancelled or a component fails, then shuts the
// servers down and closes every session.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:         a.cfg.Metrics.Addr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(srv, "http") })
	g.Go(func() error { return listen(metricsSrv, "metrics") })
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.registry.Run(gctx, a.cfg.Registry.RefreshInterval) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down telemetry hub")
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		// Shutdown does not touch hijacked WebSocket connections.
		a.hub.Close()
		err := srv.Shutdown(shutCtx)
		_ = metricsSrv.Shutdown(shutCtx)
		return err
	})

	a.logger.Info("telemetry hub listening",
		"addr", a.cfg.HTTP.Addr,
		"metrics_addr", a.cfg.Metrics.Addr,
		"store", a.cfg.Store.Backend,
		"registry", a.cfg.Registry.Source,
		"simulation", a.relay != nil,
		"kafka", a.cfg.Kafka.Enabled,
	)
	return g.Wait()
}

func listen(srv *http.Server, name string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func healthcheckAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file.")
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", healthcheckAddr(cfg.HTTP.Addr), 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting telemetry hub", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Error("telemetry hub exited", "error", err)
		a.close()
		os.Exit(1)
	}
	logger.Info("telemetry hub stopped")
}
