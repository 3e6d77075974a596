package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ordsync/internal/metrics"
	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/table"
	"ordsync/internal/wire"
)

// PollHandlerMirror is the poll handler name carrying tree sync ops.
const PollHandlerMirror = "mirror"

// Station is an in-memory server: it owns the authoritative component tree
// and answers every client channel. It satisfies wire.Transport, so a
// client can talk to it directly, and wire.Exchanger for the network
// servers.
type Station struct {
	tree   *mirror.Mirror
	logger *log.Logger

	mu         sync.Mutex
	sessions   map[string]*sessionState
	services   map[string]string
	tables     map[string]*Table
	values     map[string]*mirror.EncodedValue
	faults     map[string][]fault
	transport  []error
	nextHandle mirror.Handle
	frames     int
	requests   map[string]int
}

type sessionState struct {
	id     string
	client string
	queues map[string][]json.RawMessage
}

type fault struct {
	errType    string
	text       string
	commsFatal bool
}

// Table is a named collection answered for unknown-scheme descriptors.
type Table struct {
	Columns []wire.TableColumn
	Rows    [][]any
}

type Option func(*Station)

func WithLogger(l *log.Logger) Option {
	return func(s *Station) {
		s.logger = l
	}
}

// New builds a station around a fully loaded root.
func New(root *mirror.EncodedValue, opts ...Option) (*Station, error) {
	s := &Station{
		sessions:   map[string]*sessionState{},
		services:   map[string]string{},
		tables:     map[string]*Table{},
		values:     map[string]*mirror.EncodedValue{},
		faults:     map[string][]fault{},
		requests:   map[string]int{},
		nextHandle: 0x1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.tree = mirror.New(mirror.WithLogger(s.logger))
	if err := s.tree.Reset(root); err != nil {
		return nil, fmt.Errorf("station root: %w", err)
	}
	return s, nil
}

// Tree exposes the authoritative tree for inspection.
func (s *Station) Tree() *mirror.Mirror { return s.tree }

// AllocHandle returns a handle not used by the initial tree.
func (s *Station) AllocHandle() mirror.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		h := s.nextHandle
		s.nextHandle++
		if _, taken := s.tree.Lookup(h); !taken {
			return h
		}
	}
}

// RegisterService maps a service type name to the slot path of the
// component providing it.
func (s *Station) RegisterService(typeName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[typeName] = path
}

// RegisterTable makes a descriptor resolve remotely to a table.
func (s *Station) RegisterTable(descriptor string, t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[descriptor] = t
}

// RegisterValue makes a descriptor resolve remotely to a single value.
func (s *Station) RegisterValue(descriptor string, v *mirror.EncodedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[descriptor] = v
}

// FailNext makes the next request on channel/key answer with an error
// reply instead of its normal response.
func (s *Station) FailNext(channel, key, errType, text string, commsFatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := channel + "/" + key
	s.faults[k] = append(s.faults[k], fault{errType: errType, text: text, commsFatal: commsFatal})
}

// FailTransport makes the next Exchange call fail with err before any
// message is handled.
func (s *Station) FailTransport(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = append(s.transport, err)
}

// Frames is the number of frames handled so far.
func (s *Station) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Requests is the number of requests handled on channel/key.
func (s *Station) Requests(channel, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[channel+"/"+key]
}

// Sessions is the number of connected sessions.
func (s *Station) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Exchange handles one request frame and returns the encoded reply.
func (s *Station) Exchange(ctx context.Context, raw []byte) ([]byte, error) {
	s.mu.Lock()
	if len(s.transport) > 0 {
		err := s.transport[0]
		s.transport = s.transport[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.frames++
	s.mu.Unlock()

	req, err := wire.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	out := wire.NewFrame()
	for _, m := range req.Messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.Kind != wire.KindRequest {
			out.Messages = append(out.Messages, wire.ErrorReply(m.RequestID, wire.ErrTypeProtocol, "expected request, got "+m.Kind, false))
			continue
		}
		out.Messages = append(out.Messages, s.handle(ctx, m))
	}
	return wire.EncodeFrame(out)
}

func (s *Station) handle(ctx context.Context, m wire.Message) wire.Message {
	k := m.Channel + "/" + m.Key
	s.mu.Lock()
	s.requests[k]++
	if q := s.faults[k]; len(q) > 0 {
		f := q[0]
		s.faults[k] = q[1:]
		s.mu.Unlock()
		metrics.StationRequests.WithLabelValues(m.Channel, m.Key, "injected").Inc()
		return wire.ErrorReply(m.RequestID, f.errType, f.text, f.commsFatal)
	}
	s.mu.Unlock()

	body, err := s.dispatch(ctx, m)
	if err != nil {
		metrics.StationRequests.WithLabelValues(m.Channel, m.Key, "error").Inc()
		s.logger.Printf("station: %s failed: %v", k, err)
		return wire.ErrorReply(m.RequestID, errorType(err), err.Error(), false)
	}
	resp, err := wire.Response(m.RequestID, body)
	if err != nil {
		metrics.StationRequests.WithLabelValues(m.Channel, m.Key, "error").Inc()
		return wire.ErrorReply(m.RequestID, wire.ErrTypeInternal, err.Error(), false)
	}
	metrics.StationRequests.WithLabelValues(m.Channel, m.Key, "ok").Inc()
	return resp
}

var errUnknownSession = errors.New("unknown session")

func errorType(err error) string {
	var pe *wire.ParseError
	switch {
	case errors.Is(err, errUnknownSession):
		return wire.ErrTypeSession
	case errors.Is(err, wire.ErrNotFound):
		return wire.ErrTypeNotFound
	case errors.As(err, &pe):
		return wire.ErrTypeParse
	default:
		return wire.ErrTypeInternal
	}
}

func decodeBody[T any](m wire.Message) (T, error) {
	var v T
	if len(m.Body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Body, &v); err != nil {
		return v, &wire.ParseError{Input: m.Channel + "/" + m.Key, Reason: err.Error()}
	}
	return v, nil
}

func (s *Station) dispatch(_ context.Context, m wire.Message) (any, error) {
	switch m.Channel + "/" + m.Key {
	case wire.ChannelSession + "/" + wire.KeyConnect:
		req, err := decodeBody[wire.ConnectRequest](m)
		if err != nil {
			return nil, err
		}
		return s.connect(req)
	case wire.ChannelSession + "/" + wire.KeyDisconnect:
		req, err := decodeBody[wire.SessionRequest](m)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.disconnect(req.SessionID)
	case wire.ChannelOrd + "/" + wire.KeyLoad:
		req, err := decodeBody[wire.LoadRequest](m)
		if err != nil {
			return nil, err
		}
		return s.load(req)
	case wire.ChannelOrd + "/" + wire.KeyHandleToPath:
		req, err := decodeBody[wire.LookupRequest](m)
		if err != nil {
			return nil, err
		}
		return s.handleToPath(req.Key)
	case wire.ChannelOrd + "/" + wire.KeyServiceToPath:
		req, err := decodeBody[wire.LookupRequest](m)
		if err != nil {
			return nil, err
		}
		return s.serviceToPath(req.Key)
	case wire.ChannelOrd + "/" + wire.KeyResolve:
		req, err := decodeBody[wire.ResolveRequest](m)
		if err != nil {
			return nil, err
		}
		return s.resolve(req)
	case wire.ChannelTable + "/" + wire.KeyCursor:
		req, err := decodeBody[wire.CursorRequest](m)
		if err != nil {
			return nil, err
		}
		return s.cursor(req)
	case wire.ChannelPoll + "/" + wire.KeyPoll:
		req, err := decodeBody[wire.SessionRequest](m)
		if err != nil {
			return nil, err
		}
		return s.poll(req.SessionID)
	case wire.ChannelSync + "/" + wire.KeyCommit:
		req, err := decodeBody[wire.CommitRequest](m)
		if err != nil {
			return nil, err
		}
		return s.commit(req)
	case wire.ChannelLog + "/" + wire.KeyDiagnostic:
		req, err := decodeBody[wire.DiagnosticRequest](m)
		if err != nil {
			return nil, err
		}
		s.logger.Printf("station: diagnostic from %s: %s", req.SessionID, req.Message)
		return struct{}{}, nil
	default:
		return nil, fmt.Errorf("no handler for %s/%s: %w", m.Channel, m.Key, wire.ErrNotFound)
	}
}

func (s *Station) connect(req wire.ConnectRequest) (wire.ConnectResponse, error) {
	root, err := json.Marshal(mirror.Encode(s.tree.Root(), 1))
	if err != nil {
		return wire.ConnectResponse{}, err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &sessionState{id: id, client: req.Client, queues: map[string][]json.RawMessage{}}
	s.mu.Unlock()
	s.logger.Printf("station: session %s connected (client=%q)", id, req.Client)
	return wire.ConnectResponse{SessionID: id, Root: root}, nil
}

func (s *Station) disconnect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errUnknownSession
	}
	delete(s.sessions, id)
	return nil
}

// load answers with Load ops for each base container and every component
// along its child path, parents first. Missing names end that path
// quietly: the client then reports the slot as not found.
func (s *Station) load(req wire.LoadRequest) (wire.LoadResponse, error) {
	var ops []mirror.Op
	seen := map[mirror.Handle]bool{}
	emit := func(n *mirror.Node) {
		if !n.IsComponent() || seen[n.Handle()] {
			return
		}
		seen[n.Handle()] = true
		ops = append(ops, mirror.Load{Handle: n.Handle(), Value: mirror.Encode(n, 1)})
	}
	for _, p := range req.Paths {
		base, err := ord.ParseSlotPath(p.BasePath)
		if err != nil {
			return wire.LoadResponse{}, err
		}
		cur, ok := s.tree.LookupPath(base)
		if !ok {
			continue
		}
		emit(cur)
		if p.ChildName == "" {
			continue
		}
		rest, err := ord.ParseSlotPath(p.ChildName)
		if err != nil {
			return wire.LoadResponse{}, err
		}
		for _, name := range rest.Names() {
			v, ok := cur.Get(name)
			if !ok {
				break
			}
			child, isNode := v.(*mirror.Node)
			if !isNode {
				break
			}
			cur = child
			emit(cur)
		}
	}
	raws, err := mirror.EncodeOps(ops...)
	if err != nil {
		return wire.LoadResponse{}, err
	}
	return wire.LoadResponse{Ops: raws}, nil
}

func (s *Station) handleToPath(key string) (wire.LookupResponse, error) {
	h, err := mirror.ParseHandle(key)
	if err != nil {
		return wire.LookupResponse{}, &wire.ParseError{Input: key, Reason: err.Error()}
	}
	n, ok := s.tree.Lookup(h)
	if !ok {
		return wire.LookupResponse{}, fmt.Errorf("handle %s: %w", h, wire.ErrNotFound)
	}
	return wire.LookupResponse{Path: n.SlotPath()}, nil
}

func (s *Station) serviceToPath(typeName string) (wire.LookupResponse, error) {
	s.mu.Lock()
	path, ok := s.services[typeName]
	s.mu.Unlock()
	if !ok {
		return wire.LookupResponse{}, fmt.Errorf("service %s: %w", typeName, wire.ErrNotFound)
	}
	return wire.LookupResponse{Path: path}, nil
}

// remoteKey strips the leading root segments a client may send, so
// "local:|bql:..." and "bql:..." name the same table.
func remoteKey(text string) string {
	text = strings.TrimSpace(text)
	d, err := ord.Parse(text)
	if err != nil {
		return text
	}
	i := 0
	for i < d.Len() && d.At(i).Kind.IsRoot() {
		i++
	}
	if i == 0 || i == d.Len() {
		return text
	}
	return ord.New(d.Segments()[i:]...).String()
}

func (s *Station) resolve(req wire.ResolveRequest) (wire.ResolveResponse, error) {
	key := remoteKey(req.Descriptor)
	s.mu.Lock()
	t, isTable := s.tables[key]
	v, isValue := s.values[key]
	s.mu.Unlock()
	switch {
	case isTable:
		rows, more := t.window(req.Offset, req.Limit)
		return wire.ResolveResponse{Table: &wire.TableResult{
			Descriptor: key,
			Columns:    t.Columns,
			Offset:     req.Offset,
			Limit:      req.Limit,
			Rows:       rows,
			More:       more,
			Prefetched: true,
		}}, nil
	case isValue:
		raw, err := json.Marshal(v)
		if err != nil {
			return wire.ResolveResponse{}, err
		}
		return wire.ResolveResponse{Value: raw}, nil
	default:
		return wire.ResolveResponse{}, fmt.Errorf("descriptor %q: %w", key, wire.ErrNotFound)
	}
}

func (s *Station) cursor(req wire.CursorRequest) (wire.CursorResponse, error) {
	s.mu.Lock()
	t, ok := s.tables[remoteKey(req.Descriptor)]
	s.mu.Unlock()
	if !ok {
		return wire.CursorResponse{}, fmt.Errorf("table %q: %w", req.Descriptor, wire.ErrNotFound)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = table.DefaultLimit
	}
	rows, more := t.window(req.Offset, limit)
	return wire.CursorResponse{Rows: rows, More: more}, nil
}

// window returns rows [offset, offset+limit); limit zero means all rows.
func (t *Table) window(offset, limit int) ([][]any, bool) {
	if offset >= len(t.Rows) {
		return [][]any{}, false
	}
	end := len(t.Rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return t.Rows[offset:end], end < len(t.Rows)
}

func (s *Station) poll(id string) (wire.PollResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return wire.PollResponse{}, errUnknownSession
	}
	resp := wire.PollResponse{Batches: []wire.PollBatch{}}
	if ops := sess.queues[PollHandlerMirror]; len(ops) > 0 {
		resp.Batches = append(resp.Batches, wire.PollBatch{Handler: PollHandlerMirror, Ops: ops})
	}
	for handler, ops := range sess.queues {
		if handler == PollHandlerMirror || len(ops) == 0 {
			continue
		}
		resp.Batches = append(resp.Batches, wire.PollBatch{Handler: handler, Ops: ops})
	}
	sess.queues = map[string][]json.RawMessage{}
	return resp, nil
}

func (s *Station) commit(req wire.CommitRequest) (wire.CommitResponse, error) {
	s.mu.Lock()
	_, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		return wire.CommitResponse{}, errUnknownSession
	}
	ops := make([]mirror.Op, 0, len(req.Ops))
	for _, raw := range req.Ops {
		op, err := mirror.DecodeOp(raw)
		if err != nil {
			return wire.CommitResponse{}, &wire.ParseError{Input: string(raw), Reason: err.Error()}
		}
		ops = append(ops, op)
	}
	res := s.Apply(ops...)
	return wire.CommitResponse{Accepted: res.Applied}, nil
}

// Apply changes the authoritative tree and queues the applied ops for
// every connected session's next poll.
func (s *Station) Apply(ops ...mirror.Op) mirror.ApplyResult {
	res := s.tree.ApplyOps(ops)
	raws, err := mirror.EncodeOps(ops...)
	if err != nil {
		s.logger.Printf("station: encode ops for poll: %v", err)
		return res
	}
	s.Publish(PollHandlerMirror, raws...)
	return res
}

// Publish queues raw entries for a poll handler on every session.
func (s *Station) Publish(handler string, entries ...json.RawMessage) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.queues[handler] = append(sess.queues[handler], entries...)
	}
}
