package mirror

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle is the stable id of a component, independent of its path.
// Zero means "no handle" (structs and detached values).
type Handle uint64

// RootHandle is the handle of a fresh mirror's root component.
const RootHandle Handle = 1

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 16)
}

// ParseHandle accepts "1f" or "h:1f".
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "h:")
	if s == "" {
		return 0, fmt.Errorf("empty handle")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid handle %q", s)
	}
	return Handle(v), nil
}

// SlotKind distinguishes plain properties from action and topic endpoints.
type SlotKind int

const (
	KindProperty SlotKind = iota
	KindAction
	KindTopic
)

func (k SlotKind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindTopic:
		return "topic"
	default:
		return "property"
	}
}

func (k SlotKind) code() string {
	switch k {
	case KindAction:
		return "a"
	case KindTopic:
		return "t"
	default:
		return "p"
	}
}

func slotKindFromCode(c string) SlotKind {
	switch c {
	case "a":
		return KindAction
	case "t":
		return KindTopic
	default:
		return KindProperty
	}
}

// Flags are per-slot bits such as readonly or hidden.
type Flags uint32

const (
	FlagReadonly Flags = 1 << iota
	FlagTransient
	FlagHidden
	FlagSummary
	FlagOperator
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Slot is a snapshot of one slot of a node. Value is a primitive decoded
// from JSON or a *Node for complex values.
type Slot struct {
	Name        string
	Kind        SlotKind
	Flags       Flags
	Facets      string
	Type        string
	DisplayName string
	Value       any
}

// Link connects a source slot of another component to a target slot of
// the node that owns the link.
type Link struct {
	Name       string
	Source     Handle
	SourceSlot string
	TargetSlot string
}

// Node is a complex value in the mirror: a component when it has a
// handle, a struct otherwise.
type Node struct {
	m        *Mirror
	handle   Handle
	typeSpec string
	parent   *Node
	propName string
	loaded   bool
	slots    []*Slot
	links    []Link
}

func (n *Node) rlock() func() {
	if n == nil || n.m == nil {
		return func() {}
	}
	n.m.mu.RLock()
	return n.m.mu.RUnlock
}

func (n *Node) Handle() Handle { return n.handle }

func (n *Node) IsComponent() bool { return n.handle != 0 }

func (n *Node) Type() string {
	defer n.rlock()()
	return n.typeSpec
}

// Name is the slot name under the parent; "" for the root.
func (n *Node) Name() string {
	defer n.rlock()()
	return n.propName
}

func (n *Node) Parent() *Node {
	defer n.rlock()()
	return n.parent
}

// Loaded reports whether the node's slots are known. Structs are always
// loaded together with their owner.
func (n *Node) Loaded() bool {
	defer n.rlock()()
	return n.loaded
}

func (n *Node) Slot(name string) (Slot, bool) {
	defer n.rlock()()
	s := n.slot(name)
	if s == nil {
		return Slot{}, false
	}
	return *s, true
}

// Get returns the value of a property slot.
func (n *Node) Get(name string) (any, bool) {
	defer n.rlock()()
	s := n.slot(name)
	if s == nil || s.Kind != KindProperty {
		return nil, false
	}
	return s.Value, true
}

func (n *Node) Slots() []Slot {
	defer n.rlock()()
	out := make([]Slot, len(n.slots))
	for i, s := range n.slots {
		out[i] = *s
	}
	return out
}

func (n *Node) SlotNames() []string {
	defer n.rlock()()
	out := make([]string, len(n.slots))
	for i, s := range n.slots {
		out[i] = s.Name
	}
	return out
}

func (n *Node) Links() []Link {
	defer n.rlock()()
	return append([]Link(nil), n.links...)
}

// SlotPath is the absolute slot path of the node ("/" for the root).
func (n *Node) SlotPath() string {
	defer n.rlock()()
	return n.slotPath()
}

// Mirror returns the owning mirror, or nil for detached values.
func (n *Node) Mirror() *Mirror { return n.m }

func (n *Node) slot(name string) *Slot {
	for _, s := range n.slots {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (n *Node) slotIndex(name string) int {
	for i, s := range n.slots {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (n *Node) slotPath() string {
	var names []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		names = append(names, cur.propName)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/")
}

func (n *Node) linkIndex(name string) int {
	for i, l := range n.links {
		if l.Name == name {
			return i
		}
	}
	return -1
}
