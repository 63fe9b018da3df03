package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// ErrProducerUnavailable возвращается, пока подключения к брокеру нет.
var ErrProducerUnavailable = errors.New("kafka producer is not connected")

// redialInterval: пауза между попытками подключения к недоступному брокеру.
const redialInterval = 5 * time.Second

// Producer представляет Kafka producer. Подключается к брокеру лениво:
// недоступная Kafka не мешает старту, отправки падают до переподключения.
type Producer struct {
	mu        sync.Mutex
	producer  sarama.SyncProducer
	dial      func() (sarama.SyncProducer, error)
	dialEvery time.Duration
	nextDial  time.Time
	log       *logger.Logger
	topics    *config.Topics
}

// NewProducer создает Kafka producer и сразу пробует подключиться.
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) *Producer {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Net.DialTimeout = 5 * time.Second

	brokers := cfg.Brokers
	p := &Producer{
		dial: func() (sarama.SyncProducer, error) {
			return sarama.NewSyncProducer(brokers, saramaConfig)
		},
		dialEvery: redialInterval,
		log:       log,
		topics:    &cfg.Topics,
	}
	if _, err := p.connected(); err != nil {
		log.WithError(err).WithField("brokers", brokers).Warn("Kafka is unavailable, producer will reconnect on publish")
	}
	return p
}

// connected возвращает подключённый producer. Повторное подключение
// выполняется не чаще раза в dialEvery.
func (p *Producer) connected() (sarama.SyncProducer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.producer != nil {
		return p.producer, nil
	}
	if p.dial == nil || time.Now().Before(p.nextDial) {
		return nil, ErrProducerUnavailable
	}

	producer, err := p.dial()
	if err != nil {
		p.nextDial = time.Now().Add(p.dialEvery)
		return nil, fmt.Errorf("%w: %v", ErrProducerUnavailable, err)
	}
	p.producer = producer
	p.log.Info("Kafka producer connected")
	return producer, nil
}

// Publish отправляет готовое сообщение в топик. Используется outbox relay.
func (p *Producer) Publish(topic, key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	producer, err := p.connected()
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"key":   key,
		}).Error("Failed to send message to Kafka")
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}

	p.log.WithFields(logrus.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("Message sent to Kafka")

	return nil
}

// PublishDeadLetter отправляет необработанное событие в DLQ топик
func (p *Producer) PublishDeadLetter(dl *models.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	return p.Publish(p.topics.DeadLetter, dl.Event.ID.String(), payload)
}

// Close закрывает producer
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
