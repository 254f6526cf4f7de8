package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAudit_WritesLogEntry(t *testing.T) {
	mem := store.NewMemory()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := New(RequestTransition, "lifecycle", at)
	e.UserID, e.RequestID = 3, 9
	e.From, e.To = core.StatusApproved, core.StatusCompleted

	require.NoError(t, Audit{Log: mem}.Publish(context.Background(), e))

	logs, err := mem.ListLogs(context.Background(), store.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "request 9 approved -> completed", logs[0].Message)
	require.Equal(t, "lifecycle", logs[0].Module)
	require.EqualValues(t, 9, *logs[0].RequestID)
	require.Equal(t, e.ID.String(), logs[0].Metadata["event_id"])
}

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("down") }

func TestMultiAndLogged(t *testing.T) {
	mem := store.NewMemory()
	m := Multi{failing{}, Audit{Log: mem}}
	e := New(CommandFailed, "bot", time.Now())

	require.Error(t, m.Publish(context.Background(), e))
	logs, _ := mem.ListLogs(context.Background(), store.LogFilter{Level: "error"})
	require.Len(t, logs, 1, "a failing sink does not stop the others")

	require.NoError(t, Logged{Next: m, Log: zap.NewNop()}.Publish(context.Background(), e))
}

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	failNext  bool
	closed    bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	if exchange != "" || key != QueueName {
		return errors.New("unexpected route")
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { f.closed = true; return nil }

func TestAMQPPublisher_ReconnectsAfterFailure(t *testing.T) {
	var channels []*fakeChannel
	p := newAMQPPublisher(func() (amqpChannel, func() error, error) {
		ch := &fakeChannel{}
		if len(channels) == 0 {
			ch.failNext = true
		}
		channels = append(channels, ch)
		return ch, func() error { return nil }, nil
	}, zap.NewNop())
	defer p.Close()
	e := New(RequestCreated, "lifecycle", time.Now())
	e.RequestID = 1

	require.Error(t, p.send(context.Background(), e))
	require.True(t, channels[0].closed)

	require.NoError(t, p.send(context.Background(), e))
	require.Len(t, channels, 2)
	require.Equal(t, []string{QueueName}, channels[1].declared)
	msg := channels[1].published[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "request.created", msg.Type)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	require.Equal(t, e.ID, got.ID)
}

func TestAMQPPublisher_BacksOffAfterFailedDial(t *testing.T) {
	dials := 0
	p := newAMQPPublisher(func() (amqpChannel, func() error, error) {
		dials++
		if dials < 3 {
			return nil, nil, errors.New("connection refused")
		}
		return &fakeChannel{}, func() error { return nil }, nil
	}, zap.NewNop())
	defer p.Close()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	e := New(RequestCreated, "lifecycle", now)

	require.Error(t, p.send(context.Background(), e))
	require.ErrorIs(t, p.send(context.Background(), e), errBackoff)
	require.Equal(t, 1, dials, "no redial inside the backoff window")

	now = now.Add(minBackoff)
	require.Error(t, p.send(context.Background(), e))
	require.Equal(t, 2, dials)
	now = now.Add(minBackoff)
	require.ErrorIs(t, p.send(context.Background(), e), errBackoff, "backoff doubles")

	now = now.Add(minBackoff)
	require.NoError(t, p.send(context.Background(), e))
	require.Equal(t, 3, dials)
}

func TestAMQPPublisher_PublishNeverWaitsOnBroker(t *testing.T) {
	release := make(chan struct{})
	ch := &fakeChannel{}
	p := newAMQPPublisher(func() (amqpChannel, func() error, error) {
		<-release
		return ch, func() error { return nil }, nil
	}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(context.Background(), New(RequestTransition, "lifecycle", time.Now())))
	}
	require.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, p.Close())
	require.Len(t, ch.published, 10, "queued events are flushed on close")
	require.ErrorIs(t, p.Publish(context.Background(), New(RequestCreated, "lifecycle", time.Now())), ErrPublisherClosed)
}

func TestAMQPPublisher_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	p := newAMQPPublisher(func() (amqpChannel, func() error, error) {
		<-release
		return &fakeChannel{}, func() error { return nil }, nil
	}, zap.NewNop())
	defer func() {
		close(release)
		_ = p.Close()
	}()

	var err error
	for i := 0; i < queueSize+2 && err == nil; i++ {
		err = p.Publish(context.Background(), New(RequestCreated, "lifecycle", time.Now()))
	}
	require.ErrorIs(t, err, ErrQueueFull)
}
