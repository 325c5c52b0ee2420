package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	amqp "github.com/rabbitmq/amqp091-go"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// DefaultQueue is the durable queue rendered emails are published to.
const DefaultQueue = "auth.mail"

// Channel is the subset of *amqp.Channel used by the queue sender and
// consumer.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelOpener opens a channel and returns a func releasing it together
// with its connection.
type ChannelOpener func() (Channel, func(), error)

// DialChannel returns a ChannelOpener connecting to the broker at url.
func DialChannel(url string) ChannelOpener {
	return func() (Channel, func(), error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("amqp channel: %w", err)
		}
		return ch, func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	}
}

func declare(ch Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	return nil
}

// QueuePublisher is a Sender publishing messages to a durable queue. The
// channel is opened lazily and reopened after a failed publish.
type QueuePublisher struct {
	open    ChannelOpener
	queue   string
	logger  auth.Logger
	mu      sync.Mutex
	ch      Channel
	release func()
}

func NewQueuePublisher(open ChannelOpener, queue string) *QueuePublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &QueuePublisher{
		open:   open,
		queue:  queue,
		logger: auth.ResolveLogger("auth:mailer:amqp", nil, nil),
	}
}

func (p *QueuePublisher) WithLogger(logger auth.Logger) *QueuePublisher {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Deliver implements Sender.
func (p *QueuePublisher) Deliver(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return publishFailure(err, msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(); err != nil {
		p.logger.Error("amqp connect failed", "queue", p.queue, "error", err)
		return publishFailure(err, msg)
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(msg.Template),
		Body:         body,
	})
	if err != nil {
		p.logger.Error("amqp publish failed", "queue", p.queue, "error", err)
		p.reset()
		return publishFailure(err, msg)
	}
	return nil
}

// Close releases the channel and its connection.
func (p *QueuePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func (p *QueuePublisher) connect() error {
	if p.ch != nil {
		return nil
	}
	ch, release, err := p.open()
	if err != nil {
		return err
	}
	if err := declare(ch, p.queue); err != nil {
		release()
		return err
	}
	p.ch, p.release = ch, release
	return nil
}

func (p *QueuePublisher) reset() {
	if p.release != nil {
		p.release()
	}
	p.ch, p.release = nil, nil
}

func publishFailure(err error, msg *Message) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to queue email").
		WithTextCode(auth.TextCodeTemplateOrDelivery).
		WithMetadata(map[string]any{"template": string(msg.Template)})
}

// QueueConsumer reads messages published by a QueuePublisher and hands
// them to a Sender, usually an SMTPSender.
type QueueConsumer struct {
	open       ChannelOpener
	queue      string
	sender     Sender
	prefetch   int
	maxBackoff time.Duration
	logger     auth.Logger
}

func NewQueueConsumer(open ChannelOpener, queue string, sender Sender) *QueueConsumer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &QueueConsumer{
		open:       open,
		queue:      queue,
		sender:     sender,
		prefetch:   50,
		maxBackoff: 30 * time.Second,
		logger:     auth.ResolveLogger("auth:mailer:consumer", nil, nil),
	}
}

func (c *QueueConsumer) WithLogger(logger auth.Logger) *QueueConsumer {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// whenever the broker goes away.
func (c *QueueConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		ch, release, err := c.open()
		if err == nil {
			backoff = time.Second
			err = c.consume(ctx, ch)
			release()
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("mail consumer stopped, reconnecting", "queue", c.queue, "error", err)
		} else {
			c.logger.Error("mail consumer connect failed", "queue", c.queue, "retry_in", backoff.String(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < c.maxBackoff {
			backoff *= 2
		}
	}
}

func (c *QueueConsumer) consume(ctx context.Context, ch Channel) error {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn("mail consumer qos failed", "error", err)
	}
	if err := declare(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle delivers one message. Failed messages are rejected without
// requeue so a poison message cannot spin the consumer.
func (c *QueueConsumer) handle(ctx context.Context, d amqp.Delivery) {
	msg := new(Message)
	if err := json.Unmarshal(d.Body, msg); err != nil {
		c.logger.Error("mail consumer dropped undecodable message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := c.sender.Deliver(ctx, msg); err != nil {
		c.logger.Error("mail consumer delivery failed", "template", string(msg.Template), "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
