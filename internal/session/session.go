package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ordsync/internal/batch"
	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/table"
	"ordsync/internal/wire"
)

var ErrNotConnected = errors.New("session not connected")

// DefaultReconnectEvery paces reconnect probes after a recoverable
// transport failure.
const DefaultReconnectEvery = 5 * time.Second

// HandlerMirror is the poll handler that feeds the mirror.
const HandlerMirror = "mirror"

// PollHandler consumes the entries of one poll batch.
type PollHandler func(ctx context.Context, entries []json.RawMessage) error

// Session owns the per-connection state: the mirror and its handle table,
// the descriptor cache and the poll schedule. Components receive the
// session explicitly.
type Session struct {
	transport wire.Transport
	mirror    *mirror.Mirror
	cache     *ord.Cache
	logger    *log.Logger
	client    string

	registry  *ord.Registry
	cacheSize int

	reconnectEvery time.Duration
	onLost         func(error)

	mu       sync.Mutex
	id       string
	handlers map[string]PollHandler
	poller   *poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Session)

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithRegistry replaces the default scheme registry.
func WithRegistry(r *ord.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithCacheSize bounds the parsed-descriptor cache.
func WithCacheSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func WithClientName(name string) Option {
	return func(s *Session) {
		s.client = name
	}
}

func WithReconnectEvery(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectEvery = d
		}
	}
}

// OnSessionLost is called once polling stops because the server rejected
// the session identifier.
func OnSessionLost(fn func(error)) Option {
	return func(s *Session) {
		s.onLost = fn
	}
}

func New(t wire.Transport, opts ...Option) (*Session, error) {
	s := &Session{
		transport:      t,
		reconnectEvery: DefaultReconnectEvery,
		handlers:       map[string]PollHandler{},
		registry:       ord.DefaultRegistry(),
		cacheSize:      ord.DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	cache, err := ord.NewCache(s.registry, s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("descriptor cache: %w", err)
	}
	s.cache = cache
	s.mirror = mirror.New(mirror.WithLogger(s.logger))
	return s, nil
}

func (s *Session) Mirror() *mirror.Mirror    { return s.mirror }
func (s *Session) Cache() *ord.Cache         { return s.cache }
func (s *Session) Registry() *ord.Registry   { return s.cache.Registry() }
func (s *Session) Logger() *log.Logger       { return s.logger }
func (s *Session) Transport() wire.Transport { return s.transport }

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Connected() bool { return s.ID() != "" }

// NewBatch starts a batch on the session's transport.
func (s *Session) NewBatch() *batch.Batch {
	return batch.New(s.transport, batch.WithLogger(s.logger))
}

// Call sends a single request in its own batch and decodes the reply.
func Call[T any](ctx context.Context, s *Session, channel, key string, body any) (T, error) {
	var (
		out   T
		cbErr error
	)
	b := s.NewBatch()
	if err := b.AddRequest(channel, key, body, batch.Capture(&out, &cbErr)); err != nil {
		return out, err
	}
	if err := b.Commit(ctx, nil); err != nil {
		return out, err
	}
	return out, cbErr
}

// Connect opens a session and seeds the mirror with the root.
func (s *Session) Connect(ctx context.Context) error {
	resp, err := Call[wire.ConnectResponse](ctx, s, wire.ChannelSession, wire.KeyConnect, wire.ConnectRequest{Client: s.client})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	var root mirror.EncodedValue
	if err := json.Unmarshal(resp.Root, &root); err != nil {
		return fmt.Errorf("connect: decode root: %w", err)
	}
	if err := s.mirror.Reset(&root); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.mu.Lock()
	s.id = resp.SessionID
	s.mu.Unlock()
	s.logger.Printf("session: connected as %s", resp.SessionID)
	return nil
}

// Disconnect stops polling, tells the server and clears the mirror.
func (s *Session) Disconnect(ctx context.Context) error {
	s.StopPolling()
	id := s.ID()
	if id == "" {
		return nil
	}
	_, err := Call[struct{}](ctx, s, wire.ChannelSession, wire.KeyDisconnect, wire.SessionRequest{SessionID: id})
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
	if resetErr := s.mirror.Reset(mirror.Stub("baja:Station", mirror.RootHandle)); resetErr != nil {
		s.logger.Printf("session: reset mirror: %v", resetErr)
	}
	s.cache.Purge()
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// RegisterPollHandler routes poll batches for name to h. The mirror
// handler is built in and cannot be replaced.
func (s *Session) RegisterPollHandler(name string, h PollHandler) error {
	if name == HandlerMirror {
		return fmt.Errorf("poll handler %q is reserved", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
	return nil
}

// Commit sends client generated sync ops. The mirror is updated when the
// server echoes them through the poll.
func (s *Session) Commit(ctx context.Context, ops ...mirror.Op) (int, error) {
	id := s.ID()
	if id == "" {
		return 0, ErrNotConnected
	}
	raws, err := mirror.EncodeOps(ops...)
	if err != nil {
		return 0, err
	}
	resp, err := Call[wire.CommitResponse](ctx, s, wire.ChannelSync, wire.KeyCommit, wire.CommitRequest{SessionID: id, Ops: raws})
	if err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return resp.Accepted, nil
}

// Diagnostic forwards a message to the server log. It is best effort:
// failures are logged here and never reach the caller.
func (s *Session) Diagnostic(ctx context.Context, msg string) {
	_, err := Call[struct{}](ctx, s, wire.ChannelLog, wire.KeyDiagnostic, wire.DiagnosticRequest{SessionID: s.ID(), Message: msg})
	if err != nil {
		s.logger.Printf("session: diagnostic dropped: %v", err)
	}
}

// FetchPage loads one page of a remote table.
func (s *Session) FetchPage(ctx context.Context, descriptor string, offset, limit int) (table.Page, error) {
	resp, err := Call[wire.CursorResponse](ctx, s, wire.ChannelTable, wire.KeyCursor, wire.CursorRequest{
		SessionID:  s.ID(),
		Descriptor: descriptor,
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		return table.Page{}, err
	}
	return table.Page{Offset: offset, Rows: resp.Rows, More: resp.More}, nil
}

func (s *Session) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(s.reconnectEvery), 1)
}
