package queue

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/natsclient"
	"github.com/c360/pilotstreams/unit"
)

// Stream and subject naming for JetStream queues
const (
	StreamPrefix  = "PILOT_Q_"
	SubjectPrefix = "pilot.queue."
	consumerName  = "pilot-workers"
)

// StreamName returns the stream backing queue name
func StreamName(name string) string {
	return StreamPrefix + sanitize(strings.ToUpper(name))
}

// Subject returns the subject units for queue name are published on
func Subject(name string) string {
	return SubjectPrefix + sanitize(name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// JetStreamOption configures a JetStream queue
type JetStreamOption func(*JetStreamQueue)

// WithJetStreamLogger sets the logger
func WithJetStreamLogger(logger *slog.Logger) JetStreamOption {
	return func(q *JetStreamQueue) {
		q.logger = logger
	}
}

// WithRetry sets the retry policy for Put
func WithRetry(rc errors.RetryConfig) JetStreamOption {
	return func(q *JetStreamQueue) {
		q.retry = rc
	}
}

// WithAckWait sets how long a fetched unit may stay unacknowledged before
// redelivery to another consumer
func WithAckWait(d time.Duration) JetStreamOption {
	return func(q *JetStreamQueue) {
		q.ackWait = d
	}
}

// JetStreamQueue is a queue side backed by a work-queue stream. Every output
// side handle binds the same durable consumer, so the stream hands each
// message to one of them.
type JetStreamQueue struct {
	name     string
	side     Side
	subject  string
	client   *natsclient.Client
	consumer jetstream.Consumer
	retry    errors.RetryConfig
	ackWait  time.Duration
	logger   *slog.Logger
	closed   atomic.Bool
}

var _ Queue = (*JetStreamQueue)(nil)

// OpenJetStream ensures the stream for name exists and, on the output side,
// binds the shared consumer.
func OpenJetStream(ctx context.Context, client *natsclient.Client, name string, side Side, opts ...JetStreamOption) (*JetStreamQueue, error) {
	q := &JetStreamQueue{
		name:    name,
		side:    side,
		subject: Subject(name),
		client:  client,
		retry:   errors.DefaultRetryConfig(),
		ackWait: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("queue", name, "side", side.String())

	err := q.retry.Do(ctx, func() error {
		_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:      StreamName(name),
			Subjects:  []string{q.subject},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "JetStreamQueue", "Open", "ensure stream for "+name)
	}

	if side == OutputSide {
		err = q.retry.Do(ctx, func() error {
			cons, err := client.EnsureConsumer(ctx, StreamName(name), jetstream.ConsumerConfig{
				Durable:       consumerName,
				AckPolicy:     jetstream.AckExplicitPolicy,
				AckWait:       q.ackWait,
				FilterSubject: q.subject,
			})
			q.consumer = cons
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "JetStreamQueue", "Open", "bind consumer for "+name)
		}
	}

	q.logger.Debug("JetStream queue opened")
	return q, nil
}

func (q *JetStreamQueue) Name() string { return q.name }
func (q *JetStreamQueue) Side() Side   { return q.side }

// Put publishes u and waits for the stream to store it
func (q *JetStreamQueue) Put(ctx context.Context, u *unit.Unit) error {
	if err := checkSide(q.name, q.side, InputSide, "Put"); err != nil {
		return err
	}
	if q.closed.Load() {
		return errors.ErrQueueClosed
	}

	data, err := unit.Marshal(u)
	if err != nil {
		return err
	}

	err = q.retry.Do(ctx, func() error {
		if err := q.client.PublishToStream(ctx, q.subject, data); err != nil {
			return errors.WrapTransient(err, "JetStreamQueue", "Put", "publish unit")
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "JetStreamQueue", "Put", "enqueue "+u.UID)
	}
	return nil
}

// Poll fetches one message and acknowledges it. Messages that do not decode
// as units are terminated so they are not redelivered forever.
func (q *JetStreamQueue) Poll(ctx context.Context, timeout time.Duration) (*unit.Unit, error) {
	if err := checkSide(q.name, q.side, OutputSide, "Poll"); err != nil {
		return nil, err
	}
	if q.closed.Load() {
		return nil, errors.ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var batch jetstream.MessageBatch
	var err error
	if timeout <= 0 {
		batch, err = q.consumer.FetchNoWait(1)
	} else {
		batch, err = q.consumer.Fetch(1, jetstream.FetchMaxWait(timeout))
	}
	if err != nil {
		if isEmpty(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "JetStreamQueue", "Poll", "fetch")
	}

	for msg := range batch.Messages() {
		u, err := unit.Unmarshal(msg.Data())
		if err != nil {
			q.logger.Error("Dropping undecodable message", "error", err)
			_ = msg.Term()
			return nil, err
		}
		if err := msg.Ack(); err != nil {
			// The stream will redeliver; ownership stays with the next fetcher.
			return nil, errors.WrapTransient(err, "JetStreamQueue", "Poll", "ack "+u.UID)
		}
		return u, nil
	}

	if err := batch.Error(); err != nil && !isEmpty(err) {
		return nil, errors.WrapTransient(err, "JetStreamQueue", "Poll", "fetch")
	}
	return nil, nil
}

// Close invalidates the handle. The stream and consumer remain.
func (q *JetStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func isEmpty(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, jetstream.ErrNoMessages) ||
		stderrors.Is(err, context.DeadlineExceeded)
}
