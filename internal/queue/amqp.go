package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes to durable RabbitMQ queues named after the topic. Failed
// deliveries are republished with an incremented retry header until MaxRetries.
type AMQPQueue struct {
	ch         Channel
	conn       *amqp.Connection
	MaxRetries int
	Logger     *zap.Logger

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
}

// DialAMQP connects to url and opens one channel.
func DialAMQP(url string, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := NewAMQPQueue(ch, logger)
	q.conn = conn
	return q, nil
}

func NewAMQPQueue(ch Channel, logger *zap.Logger) *AMQPQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPQueue{
		ch:         ch,
		MaxRetries: DefaultMaxRetries,
		Logger:     logger,
		declared:   make(map[string]bool),
	}
}

func (q *AMQPQueue) declare(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(_ context.Context, topic string, payload []byte) error {
	return q.publish(topic, payload, 0)
}

func (q *AMQPQueue) publish(topic string, payload []byte, retries int32) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         payload,
	})
}

// Subscribe consumes topic with manual acks until the channel closes.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	err := handler(context.Background(), d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries < int32(q.MaxRetries) {
		if perr := q.publish(topic, d.Body, retries+1); perr != nil {
			q.Logger.Error("requeue failed", zap.String("topic", topic), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		q.Logger.Warn("delivery failed, requeued",
			zap.String("topic", topic),
			zap.Int32("retry", retries+1),
			zap.Error(err))
		_ = d.Ack(false)
		return
	}

	q.Logger.Error("delivery permanently failed",
		zap.String("topic", topic),
		zap.Int32("attempts", retries+1),
		zap.Error(err))
	_ = d.Ack(false)
}

// retryCount reads the retry header. AMQP tables decode integers with varying widths.
func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	}
	return 0
}

// Close closes the channel, which ends every consumer loop, and waits for them.
func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	q.wg.Wait()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ Queue = (*AMQPQueue)(nil)
