package mirror

import (
	"encoding/json"
	"fmt"
)

// EncodedValue is the wire form of a slot value. A primitive carries V;
// a complex value carries its type, optional handle and, when loaded, its
// slots and links.
type EncodedValue struct {
	Type   string          `json:"t,omitempty"`
	Handle string          `json:"h,omitempty"`
	Loaded bool            `json:"l,omitempty"`
	V      json.RawMessage `json:"v,omitempty"`
	Slots  []EncodedSlot   `json:"s,omitempty"`
	Links  []EncodedLink   `json:"k,omitempty"`
}

type EncodedSlot struct {
	Name    string        `json:"n"`
	Kind    string        `json:"m,omitempty"`
	Flags   uint32        `json:"f,omitempty"`
	Facets  string        `json:"x,omitempty"`
	Display string        `json:"d,omitempty"`
	Type    string        `json:"t,omitempty"`
	Value   *EncodedValue `json:"v,omitempty"`
}

type EncodedLink struct {
	Name       string `json:"n"`
	Source     string `json:"sh"`
	SourceSlot string `json:"ss"`
	TargetSlot string `json:"ts"`
}

// IsPrimitive reports whether ev encodes a simple value.
func (ev *EncodedValue) IsPrimitive() bool {
	return ev != nil && len(ev.V) > 0
}

// HandleValue parses the handle, zero when absent or invalid.
func (ev *EncodedValue) HandleValue() Handle {
	if ev == nil || ev.Handle == "" {
		return 0
	}
	h, err := ParseHandle(ev.Handle)
	if err != nil {
		return 0
	}
	return h
}

// Primitive encodes a simple value.
func Primitive(typeSpec string, v any) *EncodedValue {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return &EncodedValue{Type: typeSpec, V: raw}
}

// Component encodes a loaded component with the given slots.
func Component(typeSpec string, h Handle, slots ...EncodedSlot) *EncodedValue {
	return &EncodedValue{Type: typeSpec, Handle: h.String(), Loaded: true, Slots: slots}
}

// Stub encodes a component whose slots are not included.
func Stub(typeSpec string, h Handle) *EncodedValue {
	return &EncodedValue{Type: typeSpec, Handle: h.String()}
}

// Struct encodes a handle-less complex value.
func Struct(typeSpec string, slots ...EncodedSlot) *EncodedValue {
	return &EncodedValue{Type: typeSpec, Slots: slots}
}

func Property(name string, v *EncodedValue) EncodedSlot {
	return EncodedSlot{Name: name, Value: v}
}

func Action(name string) EncodedSlot {
	return EncodedSlot{Name: name, Kind: KindAction.code()}
}

func Topic(name string) EncodedSlot {
	return EncodedSlot{Name: name, Kind: KindTopic.code()}
}

// WithLinks returns ev with links attached.
func (ev *EncodedValue) WithLinks(links ...Link) *EncodedValue {
	for _, l := range links {
		ev.Links = append(ev.Links, encodeLink(l))
	}
	return ev
}

func encodeLink(l Link) EncodedLink {
	return EncodedLink{Name: l.Name, Source: l.Source.String(), SourceSlot: l.SourceSlot, TargetSlot: l.TargetSlot}
}

func decodeLink(el EncodedLink) (Link, error) {
	if el.Name == "" {
		return Link{}, fmt.Errorf("link without name")
	}
	h, err := ParseHandle(el.Source)
	if err != nil {
		return Link{}, fmt.Errorf("link %s: %w", el.Name, err)
	}
	return Link{Name: el.Name, Source: h, SourceSlot: el.SourceSlot, TargetSlot: el.TargetSlot}, nil
}

func decodePrimitive(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode primitive: %w", err)
	}
	return v, nil
}

// Decode builds a detached value (not owned by any mirror).
func Decode(ev *EncodedValue) (any, error) {
	var m *Mirror
	return m.build(ev, nil, "")
}

// build creates the Go value for ev. Components built for a mirror are
// registered in its handle table; m may be nil for detached values.
// The caller holds the write lock when m is non-nil.
func (m *Mirror) build(ev *EncodedValue, parent *Node, name string) (any, error) {
	if ev == nil {
		return nil, nil
	}
	if ev.IsPrimitive() {
		return decodePrimitive(ev.V)
	}
	n := &Node{
		m:        m,
		handle:   ev.HandleValue(),
		typeSpec: ev.Type,
		parent:   parent,
		propName: name,
		loaded:   ev.Loaded || ev.Handle == "",
	}
	for _, es := range ev.Slots {
		s, err := m.buildSlot(es, n)
		if err != nil {
			return nil, err
		}
		n.slots = append(n.slots, s)
	}
	for _, el := range ev.Links {
		l, err := decodeLink(el)
		if err != nil {
			return nil, err
		}
		n.links = append(n.links, l)
	}
	if m != nil && n.handle != 0 {
		m.register(n)
	}
	return n, nil
}

func (m *Mirror) buildSlot(es EncodedSlot, owner *Node) (*Slot, error) {
	if err := validSlotName(es.Name); err != nil {
		return nil, err
	}
	s := &Slot{
		Name:        es.Name,
		Kind:        slotKindFromCode(es.Kind),
		Flags:       Flags(es.Flags),
		Facets:      es.Facets,
		Type:        es.Type,
		DisplayName: es.Display,
	}
	if s.Kind == KindProperty {
		v, err := m.build(es.Value, owner, es.Name)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", es.Name, err)
		}
		s.Value = v
		if es.Value != nil && es.Value.Type != "" {
			s.Type = es.Value.Type
		}
	}
	return s, nil
}

func validSlotName(name string) error {
	if name == "" {
		return fmt.Errorf("empty slot name")
	}
	return nil
}

// Encode renders n to its wire form. depth limits how many component
// levels include their slots; negative means unlimited. Structs are
// always encoded in full with their owner.
func Encode(n *Node, depth int) *EncodedValue {
	defer n.rlock()()
	return encodeNode(n, depth)
}

func encodeNode(n *Node, depth int) *EncodedValue {
	ev := &EncodedValue{Type: n.typeSpec}
	if n.handle != 0 {
		ev.Handle = n.handle.String()
	}
	if !n.loaded || (depth == 0 && n.handle != 0) {
		return ev
	}
	ev.Loaded = n.handle != 0
	for _, s := range n.slots {
		ev.Slots = append(ev.Slots, encodeSlot(s, depth))
	}
	for _, l := range n.links {
		ev.Links = append(ev.Links, encodeLink(l))
	}
	return ev
}

func encodeSlot(s *Slot, depth int) EncodedSlot {
	es := EncodedSlot{
		Name:    s.Name,
		Flags:   uint32(s.Flags),
		Facets:  s.Facets,
		Display: s.DisplayName,
	}
	if s.Kind != KindProperty {
		es.Kind = s.Kind.code()
		es.Type = s.Type
		return es
	}
	es.Value = encodeValue(s.Value, s.Type, depth)
	return es
}

func encodeValue(v any, typeSpec string, depth int) *EncodedValue {
	child, ok := v.(*Node)
	if !ok {
		return Primitive(typeSpec, v)
	}
	next := depth
	if child.handle != 0 && depth > 0 {
		next = depth - 1
	}
	return encodeNode(child, next)
}

// EncodeValue renders a slot value, primitive or complex.
func EncodeValue(v any, typeSpec string, depth int) *EncodedValue {
	if n, ok := v.(*Node); ok {
		return Encode(n, depth)
	}
	return Primitive(typeSpec, v)
}
