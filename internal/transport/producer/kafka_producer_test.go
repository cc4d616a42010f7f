package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"roombooking/internal/application/entity"
	"roombooking/pkg/broker"
	"roombooking/pkg/metrics"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTopic = "roombooking.invitations"

func newTestProducer(t *testing.T, maxAttempts int) (*KafkaProducer, *mocks.SyncProducer, *metrics.Metrics) {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	t.Cleanup(func() { _ = sp.Close() })

	m := metrics.New(prometheus.NewRegistry())
	b := &broker.KafkaBroker{ProducerTopic: testTopic, SyncProducer: sp}
	return NewProducer(b, zap.NewNop().Sugar(), maxAttempts, m), sp, m
}

func deliveryEvent() entity.DeliveryEvent {
	return entity.DeliveryEvent{
		JobID:       42,
		BookingID:   "9a1f3f0e-5d0c-4c4e-8f5e-2b7f3c1d0a11",
		Kind:        entity.KindInvite,
		Status:      entity.OutboxSent,
		CalendarUID: "c0ffee@roombooking",
		Attempts:    1,
		OccurredAt:  time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC),
	}
}

func TestPublishDeliveryKeysByCalendarUID(t *testing.T) {
	p, sp, m := newTestProducer(t, 3)

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "c0ffee@roombooking" {
			return fmt.Errorf("key %q", key)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got entity.DeliveryEvent
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.JobID != 42 || got.Status != entity.OutboxSent {
			return fmt.Errorf("payload %s", raw)
		}
		return nil
	})

	require.NoError(t, p.PublishDelivery(context.Background(), deliveryEvent()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Kafka.ProducerOperationsTotal.WithLabelValues(testTopic, "success")))
}

func TestPublishDeliveryRetriesTransientErrors(t *testing.T) {
	p, sp, _ := newTestProducer(t, 3)

	sp.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	sp.ExpectSendMessageAndSucceed()

	require.NoError(t, p.PublishDelivery(context.Background(), deliveryEvent()))
}

func TestPublishDeliveryFailures(t *testing.T) {
	testcases := []struct {
		name        string
		maxAttempts int
		errs        []error
		result      string
	}{
		{
			name:        "permanent error is not retried",
			maxAttempts: 3,
			errs:        []error{sarama.ErrMessageSizeTooLarge},
			result:      "permanent",
		},
		{
			name:        "attempts exhausted",
			maxAttempts: 2,
			errs:        []error{sarama.ErrRequestTimedOut, sarama.ErrNotEnoughReplicas},
			result:      "failed",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			p, sp, m := newTestProducer(t, tc.maxAttempts)
			for _, err := range tc.errs {
				sp.ExpectSendMessageAndFail(err)
			}

			err := p.PublishDelivery(context.Background(), deliveryEvent())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.errs[len(tc.errs)-1])
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Kafka.ProducerOperationsTotal.WithLabelValues(testTopic, tc.result)))
		})
	}
}

func TestPublishDeliveryCanceledContext(t *testing.T) {
	p, _, _ := newTestProducer(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.PublishDelivery(ctx, deliveryEvent()), context.Canceled)
}

func TestClassifyRetry(t *testing.T) {
	testcases := []struct {
		err  error
		want string
	}{
		{sarama.ErrLeaderNotAvailable, "leader_not_available"},
		{fmt.Errorf("send: %w", sarama.ErrRequestTimedOut), "broker_timeout"},
		{sarama.ErrNotEnoughReplicasAfterAppend, "not_enough_replicas"},
		{context.DeadlineExceeded, "client_deadline"},
		{errors.New("boom"), "other"},
	}

	for _, tc := range testcases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyRetry(tc.err))
		})
	}
}
