package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ordsync/internal/metrics"
	"ordsync/internal/wire"
)

var ErrCommitted = errors.New("batch already committed")

var tracer = otel.Tracer("ordsync/batch")

type entry struct {
	msg *wire.Message
	cb  *Callback
}

// Batch accumulates requests and sends them as one frame on Commit.
type Batch struct {
	mu        sync.Mutex
	transport wire.Transport
	logger    *log.Logger
	queue     []entry
	nextID    int
	committed bool
	async     bool
}

type Option func(*Batch)

func WithLogger(l *log.Logger) Option {
	return func(b *Batch) {
		b.logger = l
	}
}

func New(t wire.Transport, opts ...Option) *Batch {
	b := &Batch{transport: t, nextID: 1}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.Default()
	}
	return b
}

// AddRequest queues a request. Nothing is sent until Commit.
func (b *Batch) AddRequest(channel, key string, body any, cb *Callback) error {
	if cb == nil {
		cb = Noop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return ErrCommitted
	}
	msg, err := wire.Request(b.nextID, channel, key, body)
	if err != nil {
		return err
	}
	b.nextID++
	cb.logger = b.logger
	b.queue = append(b.queue, entry{msg: &msg, cb: cb})
	return nil
}

// AddCallback queues a callback without a message. It fires, in queue
// order, once every earlier entry has completed.
func (b *Batch) AddCallback(cb *Callback) error {
	if cb == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return ErrCommitted
	}
	cb.logger = b.logger
	b.queue = append(b.queue, entry{cb: cb})
	return nil
}

// Len reports the number of queued request messages.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.queue {
		if e.msg != nil {
			n++
		}
	}
	return n
}

func (b *Batch) Committed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

func (b *Batch) IsAsync() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.async
}

// Commit sends the queue as one frame and drives every callback to
// completion in queue order. done, when non-nil, is queued last. The
// returned error is the frame-level failure, if any; per-entry errors only
// reach their own callbacks.
func (b *Batch) Commit(ctx context.Context, done *Callback) error {
	queue, err := b.seal(done)
	if err != nil {
		return err
	}
	return b.run(ctx, queue)
}

// CommitAsync is Commit on a separate goroutine.
func (b *Batch) CommitAsync(ctx context.Context, done *Callback) *Future {
	f := newFuture()
	queue, err := b.seal(done)
	if err != nil {
		f.resolve(err)
		return f
	}
	b.mu.Lock()
	b.async = true
	b.mu.Unlock()
	go func() {
		f.resolve(b.run(ctx, queue))
	}()
	return f
}

func (b *Batch) seal(done *Callback) ([]entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return nil, ErrCommitted
	}
	b.committed = true
	if done != nil {
		done.logger = b.logger
		b.queue = append(b.queue, entry{cb: done})
	}
	queue := b.queue
	b.queue = nil
	return queue, nil
}

func (b *Batch) run(ctx context.Context, queue []entry) error {
	msgs := make([]wire.Message, 0, len(queue))
	for _, e := range queue {
		if e.msg != nil {
			msgs = append(msgs, *e.msg)
		}
	}
	if len(msgs) == 0 {
		for _, e := range queue {
			e.cb.Ok(ctx, nil)
		}
		return nil
	}

	ctx, span := tracer.Start(ctx, "batch.commit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("ordsync.messages", len(msgs)))
	metrics.FrameMessages.Observe(float64(len(msgs)))

	err := b.exchange(ctx, queue, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.FramesSent.WithLabelValues("failed").Inc()
		return err
	}
	metrics.FramesSent.WithLabelValues("ok").Inc()
	return nil
}

func (b *Batch) exchange(ctx context.Context, queue []entry, msgs []wire.Message) error {
	raw, err := wire.EncodeFrame(wire.NewFrame(msgs...))
	if err != nil {
		b.failFrom(ctx, queue, 0, err)
		return err
	}
	if b.transport == nil {
		err := &wire.TransportError{Err: errors.New("no transport")}
		b.failFrom(ctx, queue, 0, err)
		return err
	}
	reply, err := b.transport.Exchange(ctx, raw)
	if err != nil {
		var te *wire.TransportError
		if !errors.As(err, &te) && ctx.Err() == nil {
			err = &wire.TransportError{Err: err}
		}
		b.logger.Printf("batch: exchange of %d messages failed: %v", len(msgs), err)
		b.failFrom(ctx, queue, 0, err)
		return err
	}
	frame, err := wire.DecodeFrame(reply)
	if err != nil {
		b.failFrom(ctx, queue, 0, err)
		return err
	}

	requested := make(map[int]bool, len(msgs))
	for _, m := range msgs {
		requested[m.RequestID] = true
	}
	replies := make(map[int]wire.Message, len(frame.Messages))
	for _, m := range frame.Messages {
		if !requested[m.RequestID] {
			err := &wire.ProtocolError{Reason: fmt.Sprintf("reply for unknown request %d", m.RequestID)}
			b.failFrom(ctx, queue, 0, err)
			return err
		}
		if _, dup := replies[m.RequestID]; dup {
			err := &wire.ProtocolError{Reason: fmt.Sprintf("duplicate reply for request %d", m.RequestID)}
			b.failFrom(ctx, queue, 0, err)
			return err
		}
		replies[m.RequestID] = m
	}

	for i, e := range queue {
		if e.msg == nil {
			e.cb.Ok(ctx, nil)
			continue
		}
		m, ok := replies[e.msg.RequestID]
		if !ok {
			err := &wire.ProtocolError{Reason: fmt.Sprintf("no reply for request %d (%s/%s)", e.msg.RequestID, e.msg.Channel, e.msg.Key)}
			b.failFrom(ctx, queue, i, err)
			return err
		}
		switch m.Kind {
		case wire.KindError:
			rerr := wire.RemoteErrorFrom(m)
			if rerr.CommsFatal {
				b.logger.Printf("batch: comms fatally failed at request %d: %v", m.RequestID, rerr)
				b.failFrom(ctx, queue, i, rerr)
				return rerr
			}
			metrics.CallbackFailures.WithLabelValues("remote").Inc()
			e.cb.Fail(ctx, rerr)
		case wire.KindResponse:
			e.cb.Ok(ctx, m.Body)
		default:
			err := &wire.ProtocolError{Reason: fmt.Sprintf("request %d answered with kind %q", m.RequestID, m.Kind)}
			b.failFrom(ctx, queue, i, err)
			return err
		}
	}
	return nil
}

func (b *Batch) failFrom(ctx context.Context, queue []entry, from int, err error) {
	class := metrics.ErrorClass(err)
	for _, e := range queue[from:] {
		metrics.CallbackFailures.WithLabelValues(class).Inc()
		e.cb.Fail(ctx, err)
	}
}
