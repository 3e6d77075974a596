package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"ordsync/internal/metrics"
	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/session"
	"ordsync/internal/table"
	"ordsync/internal/wire"
)

var tracer = otel.Tracer("ordsync/resolve")

// Resolver turns descriptors into targets against one session.
type Resolver struct {
	session  *session.Session
	handlers map[ord.Kind]Handler
	group    singleflight.Group
	logger   *log.Logger
}

func New(s *session.Session) *Resolver {
	r := &Resolver{session: s, logger: s.Logger()}
	r.handlers = r.defaultHandlers()
	return r
}

// Handle replaces the handler for a segment kind.
func (r *Resolver) Handle(k ord.Kind, h Handler) {
	r.handlers[k] = h
}

type lookup struct {
	path string
	err  error
}

type options struct {
	base      string
	offset    int
	limit     int
	cacheOnly bool
	paths     map[string]lookup
}

type Option func(*options)

// WithBase resolves relative descriptors from the component at the given
// absolute slot path instead of the root.
func WithBase(path string) Option {
	return func(o *options) {
		o.base = strings.TrimSpace(path)
	}
}

// WithPage sets the window of rows requested when a descriptor resolves
// remotely to a table.
func WithPage(offset, limit int) Option {
	return func(o *options) {
		o.offset = offset
		o.limit = limit
	}
}

func cacheOnly() Option {
	return func(o *options) {
		o.cacheOnly = true
	}
}

func withPaths(paths map[string]lookup) Option {
	return func(o *options) {
		o.paths = paths
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cursor parses text and returns a cursor positioned before the first
// segment, for callers that step through resolution themselves.
func (r *Resolver) Cursor(text string, opts ...Option) (*Cursor, error) {
	o := buildOptions(opts)
	desc, err := r.prepare(text, o)
	if err != nil {
		return nil, err
	}
	if desc.HasUnknown() {
		return nil, &wire.ResolveError{Descriptor: text, Err: wire.ErrUnknownScheme}
	}
	return r.newCursor(text, desc, o), nil
}

// prepare parses and normalizes text, prefixing the base path when set.
func (r *Resolver) prepare(text string, o options) (ord.Descriptor, error) {
	_, desc, err := r.session.Cache().Parse(text)
	if err != nil {
		return ord.Empty, err
	}
	if o.base == "" || desc.HasUnknown() {
		return desc, nil
	}
	if desc.Len() > 0 && desc.At(0).Kind.IsRoot() {
		return desc, nil
	}
	base := ord.New(ord.Segment{Kind: ord.KindSlot, Scheme: "slot", Body: o.base})
	return base.Append(desc).Normalize(), nil
}

// Resolve resolves text to a target. Descriptors with an unknown scheme
// go to the server as a whole; the rest walk the mirror, loading what is
// missing.
func (r *Resolver) Resolve(ctx context.Context, text string, opts ...Option) (*Target, error) {
	o := buildOptions(opts)
	ctx, span := tracer.Start(ctx, "resolve.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("ordsync.descriptor", text))

	t, trips, path, err := r.resolve(ctx, text, o)
	metrics.ResolveRoundTrips.Observe(float64(trips))
	span.SetAttributes(attribute.Int("ordsync.round_trips", trips), attribute.String("ordsync.path", path))
	if err != nil {
		metrics.Resolutions.WithLabelValues(path, metrics.ErrorClass(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.Resolutions.WithLabelValues(path, "ok").Inc()
	return t, nil
}

func (r *Resolver) resolve(ctx context.Context, text string, o options) (*Target, int, string, error) {
	desc, err := r.prepare(text, o)
	if err != nil {
		return nil, 0, "local", err
	}
	if desc.HasUnknown() {
		if o.cacheOnly {
			return nil, 0, "remote", &wire.ResolveError{Descriptor: text, Err: wire.ErrNotLoaded}
		}
		t, err := r.resolveRemote(ctx, text, o)
		return t, 1, "remote", err
	}
	c := r.newCursor(text, desc, o)
	t, err := c.Run(ctx)
	return t, c.RoundTrips(), "local", err
}

// resolveRemote sends the whole descriptor to the server. A table result
// may carry its first page, which later cursors reuse.
func (r *Resolver) resolveRemote(ctx context.Context, text string, o options) (*Target, error) {
	resp, err := session.Call[wire.ResolveResponse](ctx, r.session, wire.ChannelOrd, wire.KeyResolve, remoteRequest(r.session.ID(), text, o))
	if err != nil {
		return nil, &wire.ResolveError{Descriptor: text, Err: err}
	}
	return r.remoteTarget(text, resp)
}

func remoteRequest(sessionID, text string, o options) wire.ResolveRequest {
	return wire.ResolveRequest{
		SessionID:  sessionID,
		Descriptor: text,
		BasePath:   o.base,
		Offset:     o.offset,
		Limit:      o.limit,
	}
}

func (r *Resolver) remoteTarget(text string, resp wire.ResolveResponse) (*Target, error) {
	seg := ord.Segment{}
	if d, err := r.session.Cache().Registry().Parse(text); err == nil && d.Len() > 0 {
		seg = d.At(d.Len() - 1)
	}
	if resp.Table != nil {
		return &Target{Object: table.FromResult(resp.Table, r.session), Segment: seg}, nil
	}
	if len(resp.Value) == 0 {
		return &Target{Segment: seg}, nil
	}
	var ev mirror.EncodedValue
	if err := json.Unmarshal(resp.Value, &ev); err != nil {
		return nil, &wire.ResolveError{Descriptor: text, Err: fmt.Errorf("decode remote value: %w", err)}
	}
	v, err := mirror.Decode(&ev)
	if err != nil {
		return nil, &wire.ResolveError{Descriptor: text, Err: err}
	}
	return &Target{Object: v, Segment: seg}, nil
}
