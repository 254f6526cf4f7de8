package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// QueueName is the durable queue lifecycle events are published to.
const QueueName = "signalerr.events"

const (
	dialTimeout    = 5 * time.Second
	publishTimeout = 5 * time.Second
	queueSize      = 256
	minBackoff     = time.Second
	maxBackoff     = time.Minute
)

var (
	ErrPublisherClosed = errors.New("amqp publisher closed")
	ErrQueueFull       = errors.New("amqp publish queue full")
	errBackoff         = errors.New("rabbitmq unavailable, waiting to redial")
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func() (amqpChannel, func() error, error)

// AMQPPublisher publishes events as persistent JSON messages on the default
// exchange. Publish only queues the event; a single goroutine owns the
// connection, which is opened lazily and redialled with backoff after a
// failure.
type AMQPPublisher struct {
	dial dialFunc
	log  *zap.Logger
	now  func() time.Time

	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
	failures  int
	retryAt   time.Time
}

func NewAMQPPublisher(url string, log *zap.Logger) *AMQPPublisher {
	return newAMQPPublisher(func() (amqpChannel, func() error, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
		}
		return ch, conn.Close, nil
	}, log)
}

func newAMQPPublisher(dial dialFunc, log *zap.Logger) *AMQPPublisher {
	p := &AMQPPublisher{
		dial:  dial,
		log:   log.Named("amqp"),
		now:   time.Now,
		queue: make(chan Event, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues e and returns at once. A full queue drops the event.
func (p *AMQPPublisher) Publish(_ context.Context, e Event) error {
	select {
	case <-p.stop:
		return ErrPublisherClosed
	default:
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case <-p.stop:
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *AMQPPublisher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.send(ctx, e); err != nil {
		p.log.Warn("event not published", zap.String("kind", string(e.Kind)), zap.Int64("request_id", e.RequestID), zap.Error(err))
	}
}

func (p *AMQPPublisher) channel() (amqpChannel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	if p.now().Before(p.retryAt) {
		return nil, errBackoff
	}
	ch, closeConn, err := p.dial()
	if err == nil {
		if _, err = ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = closeConn()
			err = fmt.Errorf("rabbitmq queue declare: %w", err)
		}
	}
	if err != nil {
		p.failures++
		wait := min(minBackoff<<min(p.failures-1, 10), maxBackoff)
		p.retryAt = p.now().Add(wait)
		return nil, err
	}
	p.failures, p.retryAt = 0, time.Time{}
	p.ch, p.closeConn = ch, closeConn
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

func (p *AMQPPublisher) send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Type:         string(e.Kind),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", QueueName, false, false, msg); err != nil {
		p.log.Warn("publish failed, reconnecting on next event", zap.Error(err))
		p.reset()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Close stops accepting events, flushes what is queued and closes the
// connection.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
