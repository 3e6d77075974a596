package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"ordsync/internal/metrics"
)

var errRootNotComponent = errors.New("root must be a component with a handle")

type EventKind int

const (
	EventAdded EventKind = iota
	EventChanged
	EventRemoved
	EventRenamed
	EventReordered
	EventFlagsChanged
	EventFacetsChanged
	EventTopicFired
	EventLoaded
	EventLinkAdded
	EventLinkRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	case EventRenamed:
		return "renamed"
	case EventReordered:
		return "reordered"
	case EventFlagsChanged:
		return "flagsChanged"
	case EventFacetsChanged:
		return "facetsChanged"
	case EventTopicFired:
		return "topicFired"
	case EventLoaded:
		return "loaded"
	case EventLinkAdded:
		return "linkAdded"
	case EventLinkRemoved:
		return "linkRemoved"
	default:
		return "unknown"
	}
}

// Event describes one applied change. Node is the component (or struct)
// whose slot changed.
type Event struct {
	Kind    EventKind
	Node    *Node
	Slot    string
	OldName string
	Path    []string
	Value   any
}

// ApplyResult counts op outcomes of one ApplyOps call.
type ApplyResult struct {
	Applied int
	Skipped int
	Invalid int
}

// ApplyRaw decodes and applies wire ops in order. Undecodable ops are
// counted as invalid and skipped; the rest still apply.
func (m *Mirror) ApplyRaw(raws []json.RawMessage) ApplyResult {
	ops := make([]Op, 0, len(raws))
	invalid := 0
	for _, raw := range raws {
		op, err := DecodeOp(raw)
		if err != nil {
			m.log().Printf("mirror: skip undecodable op: %v", err)
			metrics.SyncOpsApplied.WithLabelValues("unknown", "invalid").Inc()
			invalid++
			continue
		}
		ops = append(ops, op)
	}
	res := m.ApplyOps(ops)
	res.Invalid += invalid
	return res
}

// ApplyOps applies ops strictly in order. An op whose target is not in the
// mirror, or whose target's slots are not loaded, is skipped: the state
// arrives in full when the component is first loaded. Every op is
// idempotent.
func (m *Mirror) ApplyOps(ops []Op) ApplyResult {
	var res ApplyResult
	var events []Event
	m.mu.Lock()
	for _, op := range ops {
		evs, applied, err := m.apply(op)
		switch {
		case err != nil:
			m.log().Printf("mirror: op %s on %s: %v", op.Code(), op.TargetHandle(), err)
			metrics.SyncOpsApplied.WithLabelValues(op.Code(), "invalid").Inc()
			res.Invalid++
		case applied:
			metrics.SyncOpsApplied.WithLabelValues(op.Code(), "applied").Inc()
			res.Applied++
		default:
			metrics.SyncOpsApplied.WithLabelValues(op.Code(), "skipped").Inc()
			res.Skipped++
		}
		events = append(events, evs...)
	}
	m.mu.Unlock()
	m.emit(events)
	return res
}

func (m *Mirror) apply(op Op) ([]Event, bool, error) {
	n, ok := m.handles[op.TargetHandle()]
	if !ok {
		return nil, false, nil
	}
	if load, isLoad := op.(Load); isLoad {
		return m.applyLoad(n, load)
	}
	if !n.loaded {
		return nil, false, nil
	}
	switch o := op.(type) {
	case Add:
		return m.applyAdd(n, o)
	case Set:
		return m.applySet(n, o)
	case Remove:
		s := n.slot(o.Name)
		if s == nil {
			return nil, false, nil
		}
		if child, isNode := s.Value.(*Node); isNode {
			m.unregister(child)
		}
		i := n.slotIndex(o.Name)
		n.slots = append(n.slots[:i], n.slots[i+1:]...)
		return []Event{{Kind: EventRemoved, Node: n, Slot: o.Name, Value: s.Value}}, true, nil
	case Rename:
		return m.applyRename(n, o)
	case Reorder:
		return applyReorder(n, o)
	case SetFlags:
		s := n.slot(o.Name)
		if s == nil {
			return nil, false, nil
		}
		s.Flags = o.Flags
		return []Event{{Kind: EventFlagsChanged, Node: n, Slot: o.Name}}, true, nil
	case SetFacets:
		s := n.slot(o.Name)
		if s == nil {
			return nil, false, nil
		}
		s.Facets = o.Facets
		return []Event{{Kind: EventFacetsChanged, Node: n, Slot: o.Name}}, true, nil
	case FireEvent:
		if n.slot(o.Name) == nil {
			return nil, false, nil
		}
		payload, err := Decode(o.Event)
		if err != nil {
			return nil, false, err
		}
		return []Event{{Kind: EventTopicFired, Node: n, Slot: o.Name, Value: payload}}, true, nil
	case AddLink:
		if n.linkIndex(o.Link.Name) >= 0 {
			return nil, false, nil
		}
		n.links = append(n.links, o.Link)
		return []Event{{Kind: EventLinkAdded, Node: n, Slot: o.Link.Name}}, true, nil
	case RemoveLink:
		i := n.linkIndex(o.Name)
		if i < 0 {
			return nil, false, nil
		}
		n.links = append(n.links[:i], n.links[i+1:]...)
		return []Event{{Kind: EventLinkRemoved, Node: n, Slot: o.Name}}, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported op %T", op)
	}
}

func (m *Mirror) applyAdd(n *Node, o Add) ([]Event, bool, error) {
	if n.slot(o.Name) != nil {
		return nil, false, nil
	}
	s, err := m.buildSlot(EncodedSlot{
		Name:    o.Name,
		Kind:    o.Kind.code(),
		Flags:   uint32(o.Flags),
		Facets:  o.Facets,
		Display: o.Display,
		Value:   o.Value,
	}, n)
	if err != nil {
		return nil, false, err
	}
	n.slots = append(n.slots, s)
	return []Event{{Kind: EventAdded, Node: n, Slot: o.Name, Value: s.Value}}, true, nil
}

func (m *Mirror) applySet(n *Node, o Set) ([]Event, bool, error) {
	if len(o.Path) == 0 {
		return nil, false, fmt.Errorf("set without property path")
	}
	owner := n
	for _, name := range o.Path[:len(o.Path)-1] {
		s := owner.slot(name)
		if s == nil {
			return nil, false, nil
		}
		child, isNode := s.Value.(*Node)
		if !isNode || !child.loaded {
			return nil, false, nil
		}
		owner = child
	}
	leaf := o.Path[len(o.Path)-1]
	s := owner.slot(leaf)
	if s == nil || s.Kind != KindProperty {
		return nil, false, nil
	}
	if err := m.setValue(owner, s, o.Value); err != nil {
		return nil, false, err
	}
	return []Event{{Kind: EventChanged, Node: owner, Slot: leaf, Path: o.Path, Value: s.Value}}, true, nil
}

// setValue replaces or merges a property value:
//   - a primitive always replaces;
//   - a complex value of the same type with the same (or no) handle is
//     merged into the existing node, keeping node identity;
//   - anything else replaces, re-indexing handles of both subtrees.
func (m *Mirror) setValue(owner *Node, s *Slot, ev *EncodedValue) error {
	if ev == nil || ev.IsPrimitive() {
		var v any
		if ev != nil {
			decoded, err := decodePrimitive(ev.V)
			if err != nil {
				return err
			}
			v = decoded
			if ev.Type != "" {
				s.Type = ev.Type
			}
		}
		if old, isNode := s.Value.(*Node); isNode {
			m.unregister(old)
		}
		s.Value = v
		return nil
	}
	if old, isNode := s.Value.(*Node); isNode && sameIdentity(old, ev) {
		return m.merge(old, ev, false)
	}
	v, err := m.build(ev, owner, s.Name)
	if err != nil {
		return err
	}
	if old, isNode := s.Value.(*Node); isNode {
		m.unregister(old)
	}
	s.Value = v
	if ev.Type != "" {
		s.Type = ev.Type
	}
	return nil
}

func sameIdentity(old *Node, ev *EncodedValue) bool {
	if old.typeSpec != ev.Type {
		return false
	}
	return old.handle == ev.HandleValue()
}

// merge syncs ev into n in place. With prune, slots and links missing
// from ev are removed; otherwise only slots present in ev are touched.
// Component children that ev does not load keep their own slots.
func (m *Mirror) merge(n *Node, ev *EncodedValue, prune bool) error {
	if n.handle != 0 && !ev.Loaded && len(ev.Slots) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ev.Slots))
	for _, es := range ev.Slots {
		seen[es.Name] = true
		s := n.slot(es.Name)
		if s == nil {
			built, err := m.buildSlot(es, n)
			if err != nil {
				return err
			}
			n.slots = append(n.slots, built)
			continue
		}
		s.Flags = Flags(es.Flags)
		s.Facets = es.Facets
		s.DisplayName = es.Display
		newKind := slotKindFromCode(es.Kind)
		if s.Kind != newKind {
			if old, isNode := s.Value.(*Node); isNode {
				m.unregister(old)
			}
			built, err := m.buildSlot(es, n)
			if err != nil {
				return err
			}
			*s = *built
			continue
		}
		if s.Kind != KindProperty {
			s.Type = es.Type
			continue
		}
		if err := m.mergeValue(n, s, es.Value, prune); err != nil {
			return err
		}
	}
	if prune {
		kept := n.slots[:0]
		for _, s := range n.slots {
			if seen[s.Name] {
				kept = append(kept, s)
				continue
			}
			if child, isNode := s.Value.(*Node); isNode {
				m.unregister(child)
			}
		}
		n.slots = kept
		reorderLike(n, ev.Slots)
		links := make([]Link, 0, len(ev.Links))
		for _, el := range ev.Links {
			l, err := decodeLink(el)
			if err != nil {
				return err
			}
			links = append(links, l)
		}
		n.links = links
	}
	if ev.Loaded || n.handle == 0 {
		n.loaded = true
	}
	return nil
}

func (m *Mirror) mergeValue(owner *Node, s *Slot, ev *EncodedValue, prune bool) error {
	if ev == nil || ev.IsPrimitive() {
		if ev != nil && !s.isNode() {
			v, err := decodePrimitive(ev.V)
			if err != nil {
				return err
			}
			if reflect.DeepEqual(v, s.Value) && (ev.Type == "" || ev.Type == s.Type) {
				return nil
			}
		}
		return m.setValue(owner, s, ev)
	}
	if old, isNode := s.Value.(*Node); isNode && sameIdentity(old, ev) {
		return m.merge(old, ev, prune)
	}
	return m.setValue(owner, s, ev)
}

func (s *Slot) isNode() bool {
	_, ok := s.Value.(*Node)
	return ok
}

func (m *Mirror) applyLoad(n *Node, o Load) ([]Event, bool, error) {
	if h := o.Value.HandleValue(); h != 0 && h != n.handle {
		return nil, false, fmt.Errorf("load value handle %s does not match target %s", h, n.handle)
	}
	if o.Value.Type != "" && n.typeSpec != o.Value.Type {
		n.typeSpec = o.Value.Type
	}
	ev := *o.Value
	ev.Loaded = true
	if err := m.merge(n, &ev, true); err != nil {
		return nil, false, err
	}
	return []Event{{Kind: EventLoaded, Node: n}}, true, nil
}

func (m *Mirror) applyRename(n *Node, o Rename) ([]Event, bool, error) {
	s := n.slot(o.Old)
	if s == nil {
		return nil, false, nil
	}
	if o.Old == o.New {
		return nil, false, nil
	}
	if n.slot(o.New) != nil {
		m.log().Printf("mirror: rename %s to %s on %s: slot exists", o.Old, o.New, n.handle)
		return nil, false, nil
	}
	s.Name = o.New
	if o.Display != "" {
		s.DisplayName = o.Display
	}
	if child, isNode := s.Value.(*Node); isNode {
		child.propName = o.New
	}
	return []Event{{Kind: EventRenamed, Node: n, Slot: o.New, OldName: o.Old}}, true, nil
}

// applyReorder puts the named slots first, in the given order, followed by
// the remaining slots in their current order. Unknown names are ignored.
func applyReorder(n *Node, o Reorder) ([]Event, bool, error) {
	out := make([]*Slot, 0, len(n.slots))
	used := make(map[string]bool, len(o.Names))
	for _, name := range o.Names {
		if used[name] {
			continue
		}
		if s := n.slot(name); s != nil {
			out = append(out, s)
			used[name] = true
		}
	}
	for _, s := range n.slots {
		if !used[s.Name] {
			out = append(out, s)
		}
	}
	changed := false
	for i := range out {
		if out[i] != n.slots[i] {
			changed = true
			break
		}
	}
	n.slots = out
	if !changed {
		return nil, false, nil
	}
	return []Event{{Kind: EventReordered, Node: n}}, true, nil
}

func reorderLike(n *Node, order []EncodedSlot) {
	names := make([]string, len(order))
	for i, es := range order {
		names[i] = es.Name
	}
	_, _, _ = applyReorder(n, Reorder{Names: names})
}
