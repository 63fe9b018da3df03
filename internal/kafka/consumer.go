package kafka

import (
	"context"
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

// EventHandler обрабатывает событие из Kafka
type EventHandler func(ctx context.Context, event *models.Event) error

// DeadLetterPublisher принимает события, которые не удалось обработать
type DeadLetterPublisher interface {
	PublishDeadLetter(dl *models.DeadLetter) error
}

// errMalformed помечает сообщения, которые нет смысла обрабатывать повторно
var errMalformed = errors.New("malformed event")

// Consumer представляет Kafka consumer group
type Consumer struct {
	consumer sarama.ConsumerGroup
	log      *logger.Logger
	handlers map[models.EventType]EventHandler
	topics   []string

	maxRetries int
	backoff    time.Duration
	deadLetter DeadLetterPublisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, log *logger.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Net.DialTimeout = 5 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	log.WithFields(logrus.Fields{
		"brokers":  cfg.Brokers,
		"group_id": cfg.GroupID,
	}).Info("Kafka consumer created")

	return &Consumer{
		consumer:   group,
		log:        log,
		handlers:   make(map[models.EventType]EventHandler),
		topics:     []string{cfg.Topics.Redemptions},
		maxRetries: cfg.Consumer.MaxRetries,
		backoff:    cfg.Consumer.RetryBackoff(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// NewTestConsumer создает consumer поверх готовой группы (используется в тестах)
func NewTestConsumer(group sarama.ConsumerGroup, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		log:      log,
		handlers: make(map[models.EventType]EventHandler),
		topics:   []string{"redemptions"},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDeadLetter включает отправку необработанных событий в DLQ
func (c *Consumer) SetDeadLetter(pub DeadLetterPublisher) {
	c.deadLetter = pub
}

// SetRetryPolicy задает число повторов и паузу между ними
func (c *Consumer) SetRetryPolicy(maxRetries int, backoff time.Duration) {
	c.maxRetries = maxRetries
	c.backoff = backoff
}

// RegisterHandler регистрирует обработчик для типа события.
// Вызывается до Start.
func (c *Consumer) RegisterHandler(eventType models.EventType, handler EventHandler) {
	c.handlers[eventType] = handler
	if c.log != nil {
		c.log.WithField("event_type", eventType).Info("Event handler registered")
	}
}

// Handler возвращает обработчик для типа события
func (c *Consumer) Handler(eventType models.EventType) EventHandler {
	return c.handlers[eventType]
}

// HandlerCount возвращает число зарегистрированных обработчиков
func (c *Consumer) HandlerCount() int {
	return len(c.handlers)
}

// Start запускает чтение топиков в фоне
func (c *Consumer) Start() error {
	if c.consumer == nil {
		return errors.New("consumer group is not initialized")
	}
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.log.WithError(err).Error("Kafka consume error")
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.log.WithField("topics", c.topics).Info("Kafka consumer started")
	return nil
}

// Stop останавливает consumer и дожидается завершения чтения
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.consumer == nil {
		return nil
	}
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	c.log.Info("Kafka consumer stopped")
	return nil
}

// Setup вызывается в начале новой сессии
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается в конце сессии
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim читает сообщения партиции. Offset фиксируется только после
// успешной обработки или отправки в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleWithRetry(session.Context(), msg); err != nil {
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleWithRetry обрабатывает сообщение с повторами; после исчерпания
// попыток событие уходит в DLQ. Ошибка возвращается, только если DLQ недоступна.
func (c *Consumer) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	attempts := 0
	var err error
	for {
		attempts++
		err = c.processMessage(msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, errMalformed) || attempts > c.maxRetries {
			break
		}

		c.log.WithError(err).WithFields(logrus.Fields{
			"topic":   msg.Topic,
			"offset":  msg.Offset,
			"attempt": attempts,
		}).Warn("Event handling failed, retrying")

		select {
		case <-time.After(c.backoff * time.Duration(attempts)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fields := logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"attempts":  attempts,
	}
	c.log.WithError(err).WithFields(fields).Error("Event handling failed permanently")

	if c.deadLetter == nil {
		return nil
	}

	var event models.Event
	if uerr := json.Unmarshal(msg.Value, &event); uerr != nil {
		raw, _ := json.Marshal(string(msg.Value))
		event = models.Event{Data: raw}
	}
	dl := &models.DeadLetter{
		Event:    event,
		Topic:    msg.Topic,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if perr := c.deadLetter.PublishDeadLetter(dl); perr != nil {
		c.log.WithError(perr).WithFields(fields).Error("Failed to publish dead letter")
		return fmt.Errorf("dead letter publish: %w", perr)
	}
	c.log.WithFields(fields).Warn("Event moved to dead letter topic")
	return nil
}

// processMessage выполняет одну попытку обработки сообщения
func (c *Consumer) processMessage(msg *sarama.ConsumerMessage) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.log.WithFields(logrus.Fields{
			"event_type": event.Type,
			"event_id":   event.ID,
		}).Debug("No handler for event type")
		return nil
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("handler for %s failed: %w", event.Type, err)
	}

	c.log.WithFields(logrus.Fields{
		"event_type": event.Type,
		"event_id":   event.ID,
		"topic":      msg.Topic,
	}).Debug("Event processed")
	return nil
}
