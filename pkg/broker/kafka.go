package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roombooking/pkg/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// KafkaBroker holds the producer for delivery events and the consumer group reading
// requeue commands.
type KafkaBroker struct {
	ConsumerTopic string
	ProducerTopic string
	ConsumerGroup sarama.ConsumerGroup
	SyncProducer  sarama.SyncProducer
	Brokers       []string
	conf          config.Kafka
	logger        *zap.SugaredLogger
}

func NewKafkaBroker(conf config.Kafka, logger *zap.SugaredLogger) (*KafkaBroker, error) {
	brokers := splitBrokers(conf.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	logger.Debugf("creating consumer group %s for brokers %v", conf.GroupID, brokers)
	consumerGroup, err := newConsumerGroup(brokers, conf)
	if err != nil {
		return nil, err
	}

	logger.Debugf("creating producer for brokers %v", brokers)
	syncProducer, err := newSyncProducer(brokers, conf)
	if err != nil {
		_ = consumerGroup.Close()
		return nil, err
	}

	broker := &KafkaBroker{
		ConsumerTopic: conf.ReaderTopic,
		ProducerTopic: conf.WriterTopic,
		ConsumerGroup: consumerGroup,
		SyncProducer:  syncProducer,
		Brokers:       brokers,
		conf:          conf,
		logger:        logger,
	}
	logger.Infof("kafka broker ready, consumer topic %s, producer topic %s", broker.ConsumerTopic, broker.ProducerTopic)
	return broker, nil
}

// HealthCheck confirms both clients exist and that a broker answers. It avoids
// client.Partitions(): that needs Describe, which restricted ACLs may not grant.
func (kb *KafkaBroker) HealthCheck(ctx context.Context) error {
	if kb.SyncProducer == nil {
		return errors.New("kafka producer is not initialized")
	}
	if kb.ConsumerGroup == nil {
		return errors.New("kafka consumer group is not initialized")
	}

	timeout := healthTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = timeout
	cfg.Net.ReadTimeout = timeout
	cfg.Net.WriteTimeout = timeout
	cfg.Metadata.Timeout = timeout
	cfg.Metadata.Retry.Max = 1
	applySASLConfig(cfg, kb.conf, kb.conf.WriterUsr != "" && kb.conf.WriterUsrPwd != "")

	client, err := sarama.NewClient(kb.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("connect to kafka brokers: %w", err)
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return errors.New("no kafka brokers available")
	}
	return nil
}

func (kb *KafkaBroker) Close() error {
	var errs []error
	if kb.ConsumerGroup != nil {
		errs = append(errs, kb.ConsumerGroup.Close())
	}
	if kb.SyncProducer != nil {
		errs = append(errs, kb.SyncProducer.Close())
	}
	return errors.Join(errs...)
}

// applySASLConfig sets PLAIN credentials: writer ones when useWriterCreds, reader ones otherwise.
func applySASLConfig(cfg *sarama.Config, conf config.Kafka, useWriterCreds bool) {
	usr, pwd := conf.ReaderUsr, conf.ReaderUsrPwd
	if useWriterCreds {
		usr, pwd = conf.WriterUsr, conf.WriterUsrPwd
	}
	if usr == "" || pwd == "" {
		return
	}
	cfg.Net.SASL.User = usr
	cfg.Net.SASL.Password = pwd
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
}

func EnableSaramaZapLogs(base *zap.SugaredLogger) {
	logger := base.Named("sarama")
	sarama.Logger = &zapSarama{logger}
	logger.Debug("sarama logger initialized")
}

type zapSarama struct{ l *zap.SugaredLogger }

func (z *zapSarama) Print(v ...interface{})                 { z.l.Debug(v...) }
func (z *zapSarama) Printf(format string, v ...interface{}) { z.l.Debugf(format, v...) }
func (z *zapSarama) Println(v ...interface{})               { z.l.Debug(v...) }

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func newConsumerGroup(brokers []string, conf config.Kafka) (sarama.ConsumerGroup, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	applySASLConfig(kafkaConfig, conf, false)

	consumer, err := sarama.NewConsumerGroup(brokers, conf.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return consumer, nil
}

// newSyncProducer disables sarama retries; KafkaProducer retries with its own backoff.
func newSyncProducer(brokers []string, conf config.Kafka) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()

	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 15 * time.Second
	kafkaConfig.Net.WriteTimeout = 15 * time.Second
	kafkaConfig.Net.KeepAlive = 30 * time.Second

	kafkaConfig.Metadata.Timeout = 10 * time.Second
	kafkaConfig.Metadata.Retry.Max = 1
	kafkaConfig.Metadata.Retry.Backoff = 1 * time.Second
	kafkaConfig.Metadata.RefreshFrequency = 1 * time.Minute

	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 0
	kafkaConfig.Producer.Timeout = 10 * time.Second
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	applySASLConfig(kafkaConfig, conf, true)

	producer, err := sarama.NewSyncProducer(brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka sync producer: %w", err)
	}
	return producer, nil
}
