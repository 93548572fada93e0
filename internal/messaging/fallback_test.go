package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"session-notify/internal/domain"
	"session-notify/internal/testutil"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key  string
	body []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{key: routingKey, body: body})
	return nil
}

func decodeJob(t *testing.T, body []byte) FallbackJob {
	t.Helper()
	var job FallbackJob
	require.NoError(t, json.Unmarshal(body, &job))
	return job
}

func TestFallbackPublisher_HighGoesToEmail(t *testing.T) {
	pub := &fakePublisher{}
	p := NewFallbackPublisher(pub)
	n := testutil.NewTestNotification(testutil.WithNotificationID("n-1"), testutil.WithPriority(domain.PriorityHigh))

	require.NoError(t, p.SendFallback(context.Background(), "alice", n))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, RouteEmail, pub.msgs[0].key)
	job := decodeJob(t, pub.msgs[0].body)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, ChannelEmail, job.Channel)
	assert.Equal(t, "alice", job.UserID)
	assert.Equal(t, "n-1", job.NotificationID)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.Equal(t, n.Message, job.Message)
	assert.False(t, job.QueuedAt.IsZero())
}

func TestFallbackPublisher_CriticalGoesToEmailAndSMS(t *testing.T) {
	pub := &fakePublisher{}
	p := NewFallbackPublisher(pub)
	n := testutil.NewTestNotification(testutil.WithPriority(domain.PriorityCritical))

	require.NoError(t, p.SendFallback(context.Background(), "alice", n))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, RouteEmail, pub.msgs[0].key)
	assert.Equal(t, RouteSMS, pub.msgs[1].key)
	assert.NotEqual(t, decodeJob(t, pub.msgs[0].body).ID, decodeJob(t, pub.msgs[1].body).ID)
}

func TestFallbackPublisher_Errors(t *testing.T) {
	p := NewFallbackPublisher(&fakePublisher{err: errors.New("channel closed")})
	n := testutil.NewTestNotification(testutil.WithPriority(domain.PriorityUrgent))

	err := p.SendFallback(context.Background(), "alice", n)
	assert.ErrorContains(t, err, "channel closed")

	err = p.SendFallback(context.Background(), "", n)
	assert.ErrorIs(t, err, domain.ErrInvalidNotification)

	err = p.SendFallback(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidNotification)
}

type recordingAcknowledger struct {
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

func (a *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	a.acks = append(a.acks, tag)
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type dispatcherFunc func(ctx context.Context, job FallbackJob) error

func (f dispatcherFunc) Dispatch(ctx context.Context, job FallbackJob) error { return f(ctx, job) }

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, job any, redelivered bool) amqp.Delivery {
	t.Helper()
	var body []byte
	switch v := job.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body, Redelivered: redelivered}
}

func TestFallbackConsumer_HandleDelivery(t *testing.T) {
	job := FallbackJob{ID: "job-1", Channel: ChannelEmail, UserID: "alice", NotificationID: "n-1", Priority: domain.PriorityHigh}

	t.Run("dispatched is acked", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		var got []FallbackJob
		c := &FallbackConsumer{dispatcher: dispatcherFunc(func(_ context.Context, j FallbackJob) error {
			got = append(got, j)
			return nil
		})}

		c.handleDelivery(context.Background(), delivery(t, ack, 1, job, false))

		assert.Equal(t, []uint64{1}, ack.acks)
		assert.Empty(t, ack.nacks)
		require.Len(t, got, 1)
		assert.Equal(t, "job-1", got[0].ID)
	})

	t.Run("malformed body is dropped", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		called := false
		c := &FallbackConsumer{dispatcher: dispatcherFunc(func(context.Context, FallbackJob) error {
			called = true
			return nil
		})}

		c.handleDelivery(context.Background(), delivery(t, ack, 2, []byte("{nope"), false))

		assert.False(t, called)
		assert.Equal(t, []uint64{2}, ack.nacks)
		assert.Equal(t, []bool{false}, ack.requeue)
	})

	t.Run("failed dispatch requeues once", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		c := &FallbackConsumer{dispatcher: dispatcherFunc(func(context.Context, FallbackJob) error {
			return errors.New("smtp down")
		})}

		c.handleDelivery(context.Background(), delivery(t, ack, 3, job, false))
		c.handleDelivery(context.Background(), delivery(t, ack, 4, job, true))

		assert.Empty(t, ack.acks)
		assert.Equal(t, []uint64{3, 4}, ack.nacks)
		assert.Equal(t, []bool{true, false}, ack.requeue)
	})
}

func TestLoggingDispatcher(t *testing.T) {
	err := LoggingDispatcher{}.Dispatch(context.Background(), FallbackJob{ID: "job-1", Priority: domain.PriorityCritical})
	assert.NoError(t, err)
}
