package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/power-telemetry-hub/pkg/registry"
	"github.com/alimk/power-telemetry-hub/pkg/store"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_http_requests_total",
		Help: "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iiot_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// readingsIngested counts readings by source ("http", "mqtt") and result
	// ("stored", "duplicate", "rejected", "error").
	readingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_readings_ingested_total",
		Help: "Readings offered to the ingestor by source and result.",
	}, []string{"source", "result"})

	// readingsIncomplete counts stored readings that lack a sub-measurement.
	// They are kept; the hub drops them at delivery time.
	readingsIncomplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_readings_incomplete_total",
		Help: "Stored readings missing L1/L2/L3, frequency or consumption.",
	})

	lastReadingTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_last_reading_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last stored reading. 0 if none received yet.",
	})

	dbUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_db_up",
		Help: "1 if the reading store is reachable, 0 otherwise.",
	})

	dbWriteFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_db_write_fail_total",
		Help: "Total number of failed reading inserts.",
	})

	dbRowsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_db_rows_total",
		Help: "Current number of rows in the readings table (SQLite only).",
	})

	dbFileBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_db_file_bytes",
		Help: "Size of the SQLite database file in bytes. 0 for in-memory databases.",
	})

	dbLastWriteUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_db_last_write_unix",
		Help: "Unix timestamp (seconds) of the most-recent successful insert. 0 if none.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_mqtt_queue_depth",
		Help: "Current number of MQTT messages waiting in the processing queue.",
	})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_mqtt_queue_dropped_total",
		Help: "Total MQTT messages dropped because the queue was full.",
	})
)

type config struct {
	addr            string
	metricsAddr     string
	maxSkew         time.Duration
	backend         string
	dbPath          string
	influx          store.InfluxOptions
	redisAddr       string
	redisKey        string
	mqttBroker      string
	mqttTopic       string
	queueSize       int
	workers         int
	shutdownTimeout time.Duration
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

// getEnvDuration accepts "0" to disable a duration-valued check.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

func newConfig() config {
	return config{
		addr:        getEnv("INGESTOR_ADDR", ":8080"),
		metricsAddr: getEnv("METRICS_ADDR", ":9091"),
		maxSkew:     getEnvDuration("MAX_TS_SKEW", 24*time.Hour),
		backend:     getEnv("INGESTOR_STORE_BACKEND", store.BackendSQLite),
		dbPath:      getEnv("INGESTOR_DB_PATH", "./data/telemetry.db"),
		influx: store.InfluxOptions{
			URL:         getEnv("INFLUX_URL", "http://localhost:8086"),
			Token:       os.Getenv("INFLUX_TOKEN"),
			Org:         os.Getenv("INFLUX_ORG"),
			Bucket:      getEnv("INFLUX_BUCKET", "telemetry"),
			Measurement: getEnv("INFLUX_MEASUREMENT", store.DefaultMeasurement),
		},
		redisAddr:       os.Getenv("REDIS_ADDR"),
		redisKey:        getEnv("REDIS_DEVICES_KEY", registry.DefaultRedisKey),
		mqttBroker:      os.Getenv("MQTT_BROKER"),
		mqttTopic:       getEnv("MQTT_TOPIC", defaultTopic),
		queueSize:       getEnvInt("INGESTOR_QUEUE_SIZE", 1000),
		workers:         getEnvInt("INGESTOR_WORKERS", 8),
		shutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func healthcheckAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	cfg := newConfig()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", healthcheckAddr(cfg.addr), 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	logger.Info("starting ingestor",
		"version", version,
		"addr", cfg.addr,
		"metrics_addr", cfg.metricsAddr,
		"max_ts_skew", cfg.maxSkew.String(),
		"backend", cfg.backend,
		"db_path", cfg.dbPath,
		"mqtt_broker", cfg.mqttBroker,
		"mqtt_topic", cfg.mqttTopic,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.Open(openCtx, store.Options{
		Backend:    cfg.backend,
		SQLitePath: cfg.dbPath,
		Influx:     cfg.influx,
	})
	cancelOpen()
	if err != nil {
		logger.Error("failed to open reading store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	dbUp.Set(1)

	ing := newIngestor(st, cfg.maxSkew)
	if sq, ok := st.(*store.SQLite); ok {
		ing.devices = append(ing.devices, sq)
	}
	if cfg.redisAddr != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rs, err := registry.NewRedisSource(rctx, registry.RedisOptions{Addr: cfg.redisAddr, Key: cfg.redisKey})
		cancel()
		if err != nil {
			logger.Error("redis unavailable; device upserts go to the store only", "error", err)
		} else {
			defer rs.Close()
			ing.devices = append(ing.devices, rs)
		}
	}
	ing.refreshStats(ctx)

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      newRouter(ing),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	// MQTT is optional; without a broker the ingestor is HTTP-only.
	var sub *subscriber
	if cfg.mqttBroker != "" {
		sub = newSubscriber(ing, cfg.queueSize, cfg.workers)
		sub.start(ctx)
		client, err := newMQTTClient(cfg.mqttBroker, cfg.mqttTopic, sub.mqttHandler())
		if err != nil {
			logger.Error("initial MQTT connect failed; continuing HTTP-only", "error", err)
			sub.stop(cfg.shutdownTimeout)
			sub = nil
		} else {
			sub.client = client
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Error("server exited unexpectedly", "error", err)
	}

	logger.Info("shutting down ingestor gracefully")
	if sub != nil {
		sub.stop(cfg.shutdownTimeout)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)
	logger.Info("ingestor stopped")
}
