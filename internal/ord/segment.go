package ord

import (
	"strings"
	"sync"
)

// Kind identifies the resolution strategy of a segment.
type Kind int

const (
	KindUnknown Kind = iota
	KindLocal
	KindStation
	KindSlot
	KindHandle
	KindService
	KindView
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindStation:
		return "station"
	case KindSlot:
		return "slot"
	case KindHandle:
		return "handle"
	case KindService:
		return "service"
	case KindView:
		return "view"
	default:
		return "unknown"
	}
}

// IsRoot reports kinds that reset resolution to the session's tree root.
func (k Kind) IsRoot() bool {
	return k == KindLocal || k == KindStation
}

// Segment is one scheme:body query of a descriptor.
type Segment struct {
	Kind   Kind
	Scheme string
	Body   string
}

// HostScoped segments identify the host; relativizing keeps them.
func (s Segment) HostScoped() bool {
	return s.Kind == KindLocal
}

// SessionScoped segments identify the session; relativizing keeps them.
func (s Segment) SessionScoped() bool {
	return s.Kind == KindLocal || s.Kind == KindStation
}

func (s Segment) String() string {
	return s.Scheme + ":" + s.Body
}

// Registry maps scheme names to kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Kind{
		"local":   KindLocal,
		"station": KindStation,
		"slot":    KindSlot,
		"h":       KindHandle,
		"service": KindService,
		"view":    KindView,
	}}
}

// Register binds an additional scheme name to an existing kind, for
// example an alias for the slot scheme.
func (r *Registry) Register(name string, k Kind) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = k
}

// Lookup returns the kind bound to name, or KindUnknown.
func (r *Registry) Lookup(name string) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kinds[strings.ToLower(name)]; ok {
		return k
	}
	return KindUnknown
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the registry used by the package-level Parse.
func DefaultRegistry() *Registry { return defaultRegistry }
