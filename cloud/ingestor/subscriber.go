package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

const (
	defaultTopic  = "facility/power/readings"
	insertTimeout = 5 * time.Second
)

// subscriber moves MQTT payloads into the store through a bounded queue and
// a fixed worker pool. Only dropLogAt is mutated after construction.
type subscriber struct {
	ing     *ingestor
	queue   chan []byte
	workers int
	wg      sync.WaitGroup
	client  mqtt.Client

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64
}

func newSubscriber(ing *ingestor, queueSize, workers int) *subscriber {
	return &subscriber{
		ing:     ing,
		queue:   make(chan []byte, queueSize),
		workers: workers,
	}
}

// mqttHandler runs on paho's goroutine and must not block: the payload is
// copied (paho reuses the buffer) and enqueued, or dropped when the queue
// is full.
func (s *subscriber) mqttHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		s.enqueue(msg.Payload())
	}
}

func (s *subscriber) enqueue(payload []byte) bool {
	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case s.queue <- data:
		queueDepth.Inc()
		return true
	default:
		queueDropped.Inc()
		s.logDropRateLimited()
		return false
	}
}

// logDropRateLimited emits at most one warning per second.
func (s *subscriber) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := s.dropLogAt.Load()
	if now-last >= int64(time.Second) && s.dropLogAt.CompareAndSwap(last, now) {
		logger.Warn("mqtt queue full, message dropped; consider raising INGESTOR_QUEUE_SIZE or INGESTOR_WORKERS")
	}
}

// start launches the workers. They drain the queue until stop closes it, so
// queued messages are still stored after the process context is cancelled.
func (s *subscriber) start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for data := range s.queue {
				queueDepth.Dec()
				s.process(base, data)
			}
		}()
	}
}

// stop disconnects from the broker, closes the queue and waits for the
// workers, at most timeout.
func (s *subscriber) stop(timeout time.Duration) {
	if s.client != nil {
		// The quiesce lets paho deliver QoS 1 messages it already received.
		s.client.Disconnect(500)
	}
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("mqtt workers finished cleanly")
	case <-time.After(timeout):
		logger.Warn("shutdown timeout reached before mqtt workers finished", "timeout", timeout.String())
	}
}

// process decodes and stores a single payload. Broker redeliveries of an
// already stored reading are counted as duplicates and otherwise ignored.
func (s *subscriber) process(ctx context.Context, data []byte) {
	var reading models.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		readingsIngested.WithLabelValues("mqtt", "rejected").Inc()
		logger.Warn("failed to decode MQTT payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	stored, _, err := s.ing.ingest(ctx, "mqtt", reading)
	switch {
	case errors.Is(err, errRejected):
		logger.Warn("rejected MQTT reading", "device_id", reading.DeviceID, "error", err)
	case err != nil:
		logger.Error("db insert failed", "device_id", stored.DeviceID, "error", err)
	}
}

// newMQTTClient dials the broker. The subscription is made inside the
// OnConnect handler because paho's AutoReconnect does not restore it.
func newMQTTClient(broker, topic string, handler mqtt.MessageHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("power-ingestor").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", broker)
			tok := c.Subscribe(topic, 1, handler)
			if ok := tok.WaitTimeout(10 * time.Second); !ok {
				logger.Warn("subscribe timed out after reconnect", "topic", topic)
				return
			}
			if err := tok.Error(); err != nil {
				logger.Error("subscribe failed after reconnect", "topic", topic, "error", err)
				return
			}
			logger.Info("subscribed to MQTT topic", "topic", topic, "qos", 1)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, will reconnect", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		// ConnectRetry keeps dialing in the background otherwise.
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return client, nil
}
