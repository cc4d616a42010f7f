package listener

import (
	"context"
	"errors"
	"time"

	"roombooking/internal/appers"
	use_cases "roombooking/internal/application/use-cases"
	"roombooking/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const handleTimeout = 30 * time.Second

// KafkaBrokerConsumer applies requeue commands. Every message is marked once handled:
// commands that cannot apply (unknown job, job not FAILED, bad payload) are logged and
// dropped, and a storage outage leaves the job in FAILED for the operator to retry.
type KafkaBrokerConsumer struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
	m       *metrics.Metrics
}

func NewKafkaBrokerConsumer(usecase use_cases.UseCaser, logger *zap.SugaredLogger, m *metrics.Metrics) *KafkaBrokerConsumer {
	return &KafkaBrokerConsumer{
		logger:  logger,
		usecase: usecase,
		m:       m,
	}
}

func (k *KafkaBrokerConsumer) Setup(session sarama.ConsumerGroupSession) error {
	k.logger.Info("kafka consumer group session set up")
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("setup").Inc()
	}
	return nil
}

func (k *KafkaBrokerConsumer) Cleanup(session sarama.ConsumerGroupSession) error {
	k.logger.Info("kafka consumer group session cleaned up")
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("cleanup").Inc()
	}
	return nil
}

func (k *KafkaBrokerConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	topic := claim.Topic()

	for msg := range claim.Messages() {
		if k.m != nil {
			k.m.Kafka.ConsumerInFlight.WithLabelValues(topic).Inc()
		}
		start := time.Now()
		k.logger.Debugf("message topic:%q partition:%d offset:%d value:%s", msg.Topic, msg.Partition, msg.Offset, msg.Value)

		ctx, cancel := context.WithTimeout(session.Context(), handleTimeout)
		err := k.usecase.ConsumerMessage(ctx, msg.Value, msg.Timestamp)
		cancel()

		result := resultOf(err)
		switch result {
		case "ok":
		case "error":
			k.logger.Errorf("requeue command at offset %d failed: %v", msg.Offset, err)
		default:
			k.logger.Warnf("requeue command at offset %d dropped: %v", msg.Offset, err)
		}

		if k.m != nil {
			k.m.Kafka.ConsumerMessagesTotal.WithLabelValues(topic, result).Inc()
			k.m.Kafka.ConsumerProcessDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
			k.m.Kafka.ConsumerInFlight.WithLabelValues(topic).Dec()
		}

		session.MarkMessage(msg, "")
	}

	return nil
}

func resultOf(err error) string {
	var verr *appers.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, appers.ErrJobNotFound), errors.Is(err, appers.ErrJobNotFailed):
		return "rejected"
	default:
		return "error"
	}
}
