// Package mailqueue hands account mails to RabbitMQ and delivers them from
// a worker, so requests never wait on the mail relay.
package mailqueue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue used when none is configured
const DefaultQueue = "accounts.mail"

// Channel is the subset of *amqp.Channel used here
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Dial opens a connection and channel to url
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to dial mail broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open broker channel")
	}
	return conn, ch, nil
}

// Publisher implements accounts.Mailer by publishing persistent messages
type Publisher struct {
	mu     sync.Mutex
	ch     Channel
	queue  string
	logger accounts.Logger
	now    func() time.Time
}

// NewPublisher declares the durable queue and returns a publisher
func NewPublisher(ch Channel, queue string, logger accounts.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = accounts.NopLogger()
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to declare mail queue").
			WithMetadata(map[string]any{"queue": queue})
	}

	return &Publisher{
		ch:     ch,
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Send publishes msg. The message id is derived from its content so a
// retried publish is recognized by the worker.
func (p *Publisher) Send(ctx context.Context, msg accounts.Message) error {
	if msg.ID == "" {
		id, err := MessageID(msg)
		if err != nil {
			return err
		}
		msg.ID = id
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode mail")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Template,
		Timestamp:    p.now().UTC(),
		Body:         body,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish mail").
			WithMetadata(map[string]any{"queue": p.queue, "template": msg.Template})
	}

	p.logger.Debug("mail queued", "id", msg.ID, "template", msg.Template)
	return nil
}

// MessageID returns a stable id for the message content
func MessageID(msg accounts.Message) (string, error) {
	id, err := hashid.NewUUID(strings.Join([]string{
		msg.Template,
		strings.Join(msg.To, ","),
		msg.Subject,
		msg.Body,
	}, "\x00"))
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to derive mail id")
	}
	return id.String(), nil
}

const maxSeen = 10000

// Worker consumes the queue and delivers through a Mailer
type Worker struct {
	ch      Channel
	queue   string
	mailer  accounts.Mailer
	logger  accounts.Logger
	timeout time.Duration
	seen    map[string]struct{}
}

func NewWorker(ch Channel, queue string, mailer accounts.Mailer, logger accounts.Logger) *Worker {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = accounts.NopLogger()
	}
	return &Worker{
		ch:      ch,
		queue:   queue,
		mailer:  mailer,
		logger:  logger,
		timeout: 30 * time.Second,
		seen:    map[string]struct{}{},
	}
}

// Run consumes until ctx is done or the delivery channel closes
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.ch.QueueDeclare(w.queue, true, false, false, false, nil); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to declare mail queue")
	}

	if err := w.ch.Qos(1, 0, false); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to set prefetch")
	}

	deliveries, err := w.ch.Consume(w.queue, "accounts-mail-worker", false, false, false, false, nil)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to consume mail queue")
	}

	w.logger.Info("mail worker started", "queue", w.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return goerrors.New("mail queue closed", goerrors.CategoryOperation)
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var msg accounts.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.logger.Error("dropping malformed mail", "error", err, "message_id", d.MessageId)
		_ = d.Reject(false)
		return
	}

	if _, dup := w.seen[msg.ID]; dup && msg.ID != "" {
		w.logger.Debug("skipping duplicate mail", "id", msg.ID)
		_ = d.Ack(false)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.mailer.Send(sendCtx, msg); err != nil {
		w.logger.Error("mail delivery failed", "id", msg.ID, "template", msg.Template, "error", err)
		// one redelivery, then drop
		_ = d.Nack(false, !d.Redelivered)
		return
	}

	if msg.ID != "" {
		if len(w.seen) >= maxSeen {
			w.seen = map[string]struct{}{}
		}
		w.seen[msg.ID] = struct{}{}
	}
	_ = d.Ack(false)
}
