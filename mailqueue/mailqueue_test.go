package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-accounts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ accounts.Mailer = (*Publisher)(nil)

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }
func (f *fakeChannel) Close() error             { return nil }

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   []bool
	rejects int
	done    chan struct{}
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{done: make(chan struct{}, 16)}
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacks = append(a.nacks, requeue)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error {
	a.mu.Lock()
	a.rejects++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for acknowledgement %d", i+1)
		}
	}
}

func testMessage() accounts.Message {
	return accounts.Message{
		From:     "no-reply@example.com",
		To:       []string{"user@example.com"},
		Subject:  "Unlock instructions",
		Body:     "follow the link",
		Template: accounts.MailUnlock,
	}
}

func TestPublisherSend(t *testing.T) {
	ch := newFakeChannel()
	pub, err := NewPublisher(ch, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultQueue}, ch.declared)

	require.NoError(t, pub.Send(context.Background(), testMessage()))
	require.Len(t, ch.published, 1)

	p := ch.published[0]
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.NotEmpty(t, p.MessageId)

	var decoded accounts.Message
	require.NoError(t, json.Unmarshal(p.Body, &decoded))
	assert.Equal(t, p.MessageId, decoded.ID)
	assert.Equal(t, "user@example.com", decoded.To[0])
}

func TestMessageIDIsStable(t *testing.T) {
	a, err := MessageID(testMessage())
	require.NoError(t, err)
	b, err := MessageID(testMessage())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := testMessage()
	other.Body = "a different link"
	c, err := MessageID(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPublisherWrapsErrors(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")

	pub, err := NewPublisher(ch, "mail", nil)
	require.NoError(t, err)
	require.Error(t, pub.Send(context.Background(), testMessage()))
}

func TestWorkerDeliversAndDeduplicates(t *testing.T) {
	ch := newFakeChannel()

	var mu sync.Mutex
	var sent []accounts.Message
	mailer := accounts.MailerFunc(func(_ context.Context, msg accounts.Message) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, msg)
		return nil
	})

	msg := testMessage()
	msg.ID = "fixed-id"
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	acks := newAckRecorder()
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, Body: body}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, Body: body}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, Body: []byte("{not json")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- NewWorker(ch, "", mailer, nil).Run(ctx) }()

	acks.wait(t, 3)
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, sent, 1)
	assert.Equal(t, 2, acks.acks)
	assert.Equal(t, 1, acks.rejects)
}

func TestWorkerRequeuesOnce(t *testing.T) {
	ch := newFakeChannel()
	mailer := accounts.MailerFunc(func(context.Context, accounts.Message) error {
		return errors.New("relay down")
	})

	body, err := json.Marshal(testMessage())
	require.NoError(t, err)

	acks := newAckRecorder()
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, Body: body}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, Body: body, Redelivered: true}
	close(ch.deliveries)

	err = NewWorker(ch, "", mailer, nil).Run(context.Background())
	require.Error(t, err)

	acks.wait(t, 2)
	assert.Equal(t, []bool{true, false}, acks.nacks)
}
