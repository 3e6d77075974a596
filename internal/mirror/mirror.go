package mirror

import (
	"log"
	"sync"

	"ordsync/internal/ord"
)

// Mirror is the client-side copy of a server-owned component tree. Handles
// index every component currently attached; slot paths are secondary.
type Mirror struct {
	mu      sync.RWMutex
	root    *Node
	handles map[Handle]*Node
	logger  *log.Logger

	lmu       sync.Mutex
	listeners map[int]func(Event)
	nextSub   int
}

type Option func(*Mirror)

func WithLogger(l *log.Logger) Option {
	return func(m *Mirror) {
		m.logger = l
	}
}

// WithRoot seeds the mirror with an encoded root instead of an empty,
// unloaded station.
func WithRoot(ev *EncodedValue) Option {
	return func(m *Mirror) {
		if err := m.reset(ev); err != nil {
			m.log().Printf("mirror: seed root: %v", err)
		}
	}
}

func New(opts ...Option) *Mirror {
	m := &Mirror{handles: map[Handle]*Node{}, listeners: map[int]func(Event){}}
	m.root = &Node{m: m, handle: RootHandle, typeSpec: "baja:Station"}
	m.handles[RootHandle] = m.root
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mirror) log() *log.Logger {
	if m.logger != nil {
		return m.logger
	}
	return log.Default()
}

func (m *Mirror) Root() *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Lookup finds a component by handle.
func (m *Mirror) Lookup(h Handle) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.handles[h]
	return n, ok
}

// Len is the number of components in the handle table.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Walk follows names from start through loaded nodes. It returns the last
// node reached and the index of the first name it could not follow
// because that node is not loaded; idx == len(names) means every name was
// walked. A missing slot or a primitive in the middle returns ok=false.
func (m *Mirror) Walk(start *Node, names []string) (last *Node, idx int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := start
	for i, name := range names {
		if !cur.loaded {
			return cur, i, true
		}
		if name == ".." {
			if cur.parent == nil {
				return cur, i, false
			}
			cur = cur.parent
			continue
		}
		s := cur.slot(name)
		if s == nil {
			return cur, i, false
		}
		child, isNode := s.Value.(*Node)
		if !isNode {
			return cur, i, false
		}
		cur = child
	}
	return cur, len(names), true
}

// LookupPath returns the loaded node at an absolute slot path.
func (m *Mirror) LookupPath(p ord.SlotPath) (*Node, bool) {
	n, idx, ok := m.Walk(m.Root(), p.Names())
	if !ok || idx != p.Len() {
		return nil, false
	}
	return n, true
}

// Reset replaces the whole tree with the encoded root.
func (m *Mirror) Reset(ev *EncodedValue) error {
	m.mu.Lock()
	err := m.reset(ev)
	m.mu.Unlock()
	if err == nil {
		m.emit([]Event{{Kind: EventLoaded, Node: m.Root()}})
	}
	return err
}

func (m *Mirror) reset(ev *EncodedValue) error {
	handles := m.handles
	m.handles = map[Handle]*Node{}
	v, err := m.build(ev, nil, "")
	if err != nil {
		m.handles = handles
		return err
	}
	root, ok := v.(*Node)
	if !ok || root.handle == 0 {
		m.handles = handles
		return errRootNotComponent
	}
	m.root = root
	return nil
}

// Snapshot encodes the full mirror.
func (m *Mirror) Snapshot() *EncodedValue {
	return Encode(m.Root(), -1)
}

// register adds n to the handle table; the caller holds the write lock.
func (m *Mirror) register(n *Node) {
	if prev, ok := m.handles[n.handle]; ok && prev != n {
		m.log().Printf("mirror: handle %s re-registered at %s", n.handle, n.slotPath())
	}
	m.handles[n.handle] = n
}

// unregister drops n and every component below it from the handle table.
func (m *Mirror) unregister(n *Node) {
	if n.handle != 0 && m.handles[n.handle] == n {
		delete(m.handles, n.handle)
	}
	for _, s := range n.slots {
		if child, ok := s.Value.(*Node); ok {
			m.unregister(child)
		}
	}
}

// Subscribe registers fn for mirror events and returns a function that
// removes it. Events are delivered after the mutation, outside the lock.
func (m *Mirror) Subscribe(fn func(Event)) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Mirror) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.lmu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			m.dispatch(fn, ev)
		}
	}
}

func (m *Mirror) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log().Printf("mirror: listener panicked on %s: %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
