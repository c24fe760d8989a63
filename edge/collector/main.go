package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_publish_success_total",
		Help: "Total number of readings successfully published to MQTT.",
	})
	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_publish_failure_total",
		Help: "Total number of reading publish attempts that returned an error.",
	})
	publishTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_publish_timeout_total",
		Help: "Total number of reading publish attempts that timed out waiting for ack.",
	})
	publishIncomplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iiot_publish_incomplete_total",
		Help: "Readings published with a sub-measurement deliberately left out.",
	})
)

const (
	nominalVoltage   = 230.0
	nominalFrequency = 50.0
)

type config struct {
	broker          string
	clientID        string
	topic           string
	deviceIDs       []string
	metricsAddr     string
	publishInterval time.Duration
	incompleteRatio float64
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

// getEnvRatio reads a probability in [0, 1].
func getEnvRatio(key string, defaultVal float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newConfig() config {
	ids := splitList(getEnv("DEVICE_IDS", "MTR-001,MTR-002,MTR-003"))
	if len(ids) == 0 {
		ids = []string{"MTR-001"}
	}
	return config{
		broker:          getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		clientID:        getEnv("MQTT_CLIENT_ID", "power-collector-1"),
		topic:           getEnv("MQTT_TOPIC", "facility/power/readings"),
		deviceIDs:       ids,
		metricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		publishInterval: getEnvDuration("PUBLISH_INTERVAL", 5*time.Second),
		incompleteRatio: getEnvRatio("INCOMPLETE_RATIO", 0.02),
	}
}

// meter simulates one three-phase meter. baseLoad is the per-phase active
// power in watts around which samples vary; consumption accumulates kWh.
type meter struct {
	deviceID    string
	baseLoad    float64
	consumption float64
	last        time.Time
}

func newMeter(rng *rand.Rand, deviceID string) *meter {
	return &meter{
		deviceID:    deviceID,
		baseLoad:    1500 + rng.Float64()*3000,
		consumption: rng.Float64() * 10000,
	}
}

func samplePhase(rng *rand.Rand, load float64) *models.LineMeasurement {
	voltage := nominalVoltage + rng.NormFloat64()*2
	pf := 0.85 + rng.Float64()*0.14
	active := load * (0.9 + rng.Float64()*0.2)
	apparent := active / pf
	reactive := math.Sqrt(apparent*apparent - active*active)
	return &models.LineMeasurement{
		Voltage:       round(voltage, 2),
		Current:       round(apparent/voltage, 3),
		ApparentPower: round(apparent, 1),
		ActivePower:   round(active, 1),
		PowerFactor:   round(pf, 3),
		ReactivePower: round(reactive, 1),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// sample produces the next reading at now. With probability incompleteRatio
// one sub-measurement is left out, as a faulty meter would.
func (m *meter) sample(rng *rand.Rand, now time.Time, incompleteRatio float64) (models.Reading, bool) {
	r := models.Reading{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		DeviceID:  m.deviceID,
		L1:        samplePhase(rng, m.baseLoad),
		L2:        samplePhase(rng, m.baseLoad),
		L3:        samplePhase(rng, m.baseLoad),
		Frequency: models.Float(round(nominalFrequency+rng.NormFloat64()*0.02, 3)),
	}

	if !m.last.IsZero() && now.After(m.last) {
		watts := r.L1.ActivePower + r.L2.ActivePower + r.L3.ActivePower
		m.consumption += watts * now.Sub(m.last).Hours() / 1000
	}
	m.last = now
	r.Consumption = models.Float(round(m.consumption, 3))

	if rng.Float64() >= incompleteRatio {
		return r, false
	}
	switch rng.Intn(5) {
	case 0:
		r.L1 = nil
	case 1:
		r.L2 = nil
	case 2:
		r.L3 = nil
	case 3:
		r.Frequency = nil
	default:
		r.Consumption = nil
	}
	return r, true
}

func newMQTTClient(cfg config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.broker).
		SetClientID(cfg.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
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

func publish(client mqtt.Client, topic string, r models.Reading) {
	payload, err := json.Marshal(r)
	if err != nil {
		logger.Error("failed to marshal reading", "device_id", r.DeviceID, "error", err)
		return
	}
	token := client.Publish(topic, 1, false, payload)
	if ok := token.WaitTimeout(3 * time.Second); !ok {
		logger.Warn("publish timed out", "device_id", r.DeviceID)
		publishTimeout.Inc()
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("publish failed", "device_id", r.DeviceID, "error", err)
		publishFailure.Inc()
		return
	}
	logger.Debug("published reading", "topic", topic, "device_id", r.DeviceID, "id", r.ID)
	publishSuccess.Inc()
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:9090", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	cfg := newConfig()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	meters := make([]*meter, 0, len(cfg.deviceIDs))
	for _, id := range cfg.deviceIDs {
		meters = append(meters, newMeter(rng, id))
	}

	logger.Info("starting collector",
		"version", version,
		"broker", cfg.broker,
		"client_id", cfg.clientID,
		"topic", cfg.topic,
		"device_ids", cfg.deviceIDs,
		"publish_interval", cfg.publishInterval.String(),
		"incomplete_ratio", cfg.incompleteRatio,
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newMQTTClient(cfg)
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	ticker := time.NewTicker(cfg.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down collector")
			client.Disconnect(500)
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			return

		case now := <-ticker.C:
			for _, m := range meters {
				reading, incomplete := m.sample(rng, now, cfg.incompleteRatio)
				if incomplete {
					publishIncomplete.Inc()
				}
				publish(client, cfg.topic, reading)
			}
		}
	}
}
