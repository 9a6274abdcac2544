package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
)

// NameRabbitMQ is the AMQP transport name used in negotiation.
const NameRabbitMQ = "rabbitmq"

const (
	workersExchange    = "dffmpeg.workers"
	jobsExchange       = "dffmpeg.jobs"
	amqpReconnectDelay = 5 * time.Second
)

func init() {
	Register(NameRabbitMQ, newRabbitMQ)
}

// RabbitMQ pushes messages through topic exchanges: one for the worker
// fleet, one for per-job callbacks. Worker queues are durable so a
// restarting worker finds its backlog; job queues auto-delete with their
// consumer.
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closeOnce sync.Once
	done      chan struct{}
}

func newRabbitMQ(cfg config.Transports, logger *zap.Logger) (ServerTransport, error) {
	return &RabbitMQ{
		url:    cfg.RabbitMQ.URL,
		logger: logger.Named("rabbitmq"),
		done:   make(chan struct{}),
	}, nil
}

func (t *RabbitMQ) Name() string { return NameRabbitMQ }

// Setup connects and declares the exchanges. A broker that is down at
// startup is not fatal; the transport stays unhealthy and keeps retrying.
func (t *RabbitMQ) Setup(ctx context.Context) error {
	if err := t.connect(); err != nil {
		t.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
		t.reconnectLater()
	}
	return nil
}

func (t *RabbitMQ) connect() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	for _, exchange := range []string{workersExchange, jobsExchange} {
		if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.channel = channel
	t.mu.Unlock()

	go t.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	t.logger.Info("connected")
	return nil
}

func (t *RabbitMQ) watch(closed chan *amqp.Error) {
	select {
	case <-t.done:
		return
	case err := <-closed:
		if err != nil {
			t.logger.Warn("connection lost", zap.Error(err))
		}
	}

	t.mu.Lock()
	t.conn = nil
	t.channel = nil
	t.mu.Unlock()

	t.reconnectLater()
}

func (t *RabbitMQ) reconnectLater() {
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-time.After(amqpReconnectDelay):
			}
			if err := t.connect(); err != nil {
				t.logger.Warn("reconnect failed", zap.Error(err))
				continue
			}
			return
		}
	}()
}

// Send publishes to the binding's exchange and routing key, declaring the
// queue first so a message published before the consumer arrives still
// lands. Disconnected means not-now, not failure.
func (t *RabbitMQ) Send(ctx context.Context, msg *db.Message, metadata db.Metadata) (bool, error) {
	t.mu.RLock()
	channel := t.channel
	t.mu.RUnlock()
	if channel == nil {
		return false, nil
	}

	exchange, _ := metadata["exchange"].(string)
	key, _ := metadata["routing_key"].(string)
	if exchange == "" || key == "" {
		return false, errors.New("binding metadata missing exchange or routing_key")
	}

	if queue, ok := metadata["queue"].(string); ok && queue != "" {
		durable, _ := metadata["durable"].(bool)
		autoDelete, _ := metadata["auto_delete"].(bool)
		if _, err := channel.QueueDeclare(queue, durable, autoDelete, false, false, nil); err != nil {
			return false, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := channel.QueueBind(queue, key, exchange, false, nil); err != nil {
			return false, fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	body, err := json.Marshal(Envelope(msg))
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	err = channel.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *RabbitMQ) Metadata(recipientID, jobID string) db.Metadata {
	if jobID == "" {
		return db.Metadata{
			"exchange":    workersExchange,
			"queue":       "dffmpeg.worker." + recipientID,
			"routing_key": "worker." + recipientID,
			"durable":     true,
			"auto_delete": false,
		}
	}
	return db.Metadata{
		"exchange":    jobsExchange,
		"queue":       fmt.Sprintf("dffmpeg.job.%s.%s", recipientID, jobID),
		"routing_key": fmt.Sprintf("job.%s.%s", recipientID, jobID),
		"durable":     false,
		"auto_delete": true,
	}
}

func (t *RabbitMQ) Healthy(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil || t.conn.IsClosed() {
		return errors.New("rabbitmq: not connected")
	}
	return nil
}

func (t *RabbitMQ) Close(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel != nil {
		t.channel.Close()
		t.channel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}
