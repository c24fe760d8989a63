package mirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

func readings() []models.Reading {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.Reading{
		{ID: "r1", DeviceID: "D1", Timestamp: ts, DeviceName: "Main", OwnerName: "Ops"},
		{ID: "r2", DeviceID: "D2", Timestamp: ts.Add(time.Second), DeviceName: "Unknown", OwnerName: "Unknown"},
	}
}

func TestPublishKeysByDevice(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	var got []models.Reading
	check := func(val []byte) error {
		var r models.Reading
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)

	k := NewFromProducer(producer, "")
	require.NoError(t, k.Publish(context.Background(), readings()))

	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "Main", got[0].DeviceName, "mirror carries the enriched reading")
	assert.Equal(t, DefaultTopic, k.topic)
}

func TestPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	k := NewFromProducer(producer, "mirror-test")
	err := k.Publish(context.Background(), readings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror-test")
}

func TestPublishEmptyBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	k := NewFromProducer(producer, "")
	assert.NoError(t, k.Publish(context.Background(), nil))
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(Config{Topic: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}
