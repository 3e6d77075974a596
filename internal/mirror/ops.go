package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Op codes on the wire.
const (
	CodeAdd        = "a"
	CodeSet        = "s"
	CodeRemove     = "r"
	CodeRename     = "n"
	CodeReorder    = "o"
	CodeSetFlags   = "f"
	CodeSetFacets  = "x"
	CodeFireEvent  = "e"
	CodeLoad       = "l"
	CodeAddLink    = "al"
	CodeRemoveLink = "rl"
)

// Op is one sync operation against the component identified by
// TargetHandle.
type Op interface {
	Code() string
	TargetHandle() Handle
}

type Add struct {
	Handle  Handle
	Name    string
	Kind    SlotKind
	Flags   Flags
	Facets  string
	Display string
	Value   *EncodedValue
}

type Set struct {
	Handle Handle
	Path   []string
	Value  *EncodedValue
}

type Remove struct {
	Handle Handle
	Name   string
}

type Rename struct {
	Handle  Handle
	Old     string
	New     string
	Display string
}

type Reorder struct {
	Handle Handle
	Names  []string
}

type SetFlags struct {
	Handle Handle
	Name   string
	Flags  Flags
}

type SetFacets struct {
	Handle Handle
	Name   string
	Facets string
}

type FireEvent struct {
	Handle Handle
	Name   string
	Event  *EncodedValue
}

type Load struct {
	Handle Handle
	Value  *EncodedValue
}

type AddLink struct {
	Handle Handle
	Link   Link
}

type RemoveLink struct {
	Handle Handle
	Name   string
}

func (Add) Code() string        { return CodeAdd }
func (Set) Code() string        { return CodeSet }
func (Remove) Code() string     { return CodeRemove }
func (Rename) Code() string     { return CodeRename }
func (Reorder) Code() string    { return CodeReorder }
func (SetFlags) Code() string   { return CodeSetFlags }
func (SetFacets) Code() string  { return CodeSetFacets }
func (FireEvent) Code() string  { return CodeFireEvent }
func (Load) Code() string       { return CodeLoad }
func (AddLink) Code() string    { return CodeAddLink }
func (RemoveLink) Code() string { return CodeRemoveLink }

func (o Add) TargetHandle() Handle        { return o.Handle }
func (o Set) TargetHandle() Handle        { return o.Handle }
func (o Remove) TargetHandle() Handle     { return o.Handle }
func (o Rename) TargetHandle() Handle     { return o.Handle }
func (o Reorder) TargetHandle() Handle    { return o.Handle }
func (o SetFlags) TargetHandle() Handle   { return o.Handle }
func (o SetFacets) TargetHandle() Handle  { return o.Handle }
func (o FireEvent) TargetHandle() Handle  { return o.Handle }
func (o Load) TargetHandle() Handle       { return o.Handle }
func (o AddLink) TargetHandle() Handle    { return o.Handle }
func (o RemoveLink) TargetHandle() Handle { return o.Handle }

type wireOp struct {
	Op      string        `json:"op"`
	H       string        `json:"h"`
	Name    string        `json:"n,omitempty"`
	Old     string        `json:"o,omitempty"`
	Display string        `json:"d,omitempty"`
	Kind    string        `json:"m,omitempty"`
	Path    []string      `json:"p,omitempty"`
	Names   []string      `json:"l,omitempty"`
	Flags   *uint32       `json:"f,omitempty"`
	Facets  *string       `json:"x,omitempty"`
	Value   *EncodedValue `json:"v,omitempty"`
	Link    *EncodedLink  `json:"k,omitempty"`
}

// EncodeOp renders op to its JSON wire form.
func EncodeOp(op Op) (json.RawMessage, error) {
	w := wireOp{Op: op.Code(), H: op.TargetHandle().String()}
	switch o := op.(type) {
	case Add:
		flags := uint32(o.Flags)
		w.Name, w.Display, w.Value, w.Flags = o.Name, o.Display, o.Value, &flags
		if o.Kind != KindProperty {
			w.Kind = o.Kind.code()
		}
		if o.Facets != "" {
			w.Facets = &o.Facets
		}
	case Set:
		w.Path, w.Value = o.Path, o.Value
	case Remove:
		w.Name = o.Name
	case Rename:
		w.Old, w.Name, w.Display = o.Old, o.New, o.Display
	case Reorder:
		w.Names = o.Names
	case SetFlags:
		flags := uint32(o.Flags)
		w.Name, w.Flags = o.Name, &flags
	case SetFacets:
		w.Name, w.Facets = o.Name, &o.Facets
	case FireEvent:
		w.Name, w.Value = o.Name, o.Event
	case Load:
		w.Value = o.Value
	case AddLink:
		l := encodeLink(o.Link)
		w.Link = &l
	case RemoveLink:
		w.Name = o.Name
	default:
		return nil, fmt.Errorf("unsupported op %T", op)
	}
	return json.Marshal(w)
}

// EncodeOps renders a list of ops.
func EncodeOps(ops ...Op) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		raw, err := EncodeOp(op)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeOp parses one wire op.
func DecodeOp(raw []byte) (Op, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("sync op is not valid json")
	}
	r := gjson.ParseBytes(raw)
	code := r.Get("op").String()
	h, err := ParseHandle(r.Get("h").String())
	if err != nil {
		return nil, fmt.Errorf("sync op %q: %w", code, err)
	}
	name := r.Get("n").String()
	needName := func() error {
		if name == "" {
			return fmt.Errorf("sync op %q needs a slot name", code)
		}
		return nil
	}

	switch code {
	case CodeAdd:
		if err := needName(); err != nil {
			return nil, err
		}
		v, err := decodeValueField(r)
		if err != nil {
			return nil, err
		}
		return Add{
			Handle:  h,
			Name:    name,
			Kind:    slotKindFromCode(r.Get("m").String()),
			Flags:   Flags(r.Get("f").Uint()),
			Facets:  r.Get("x").String(),
			Display: r.Get("d").String(),
			Value:   v,
		}, nil
	case CodeSet:
		path := stringArray(r.Get("p"))
		if len(path) == 0 {
			return nil, fmt.Errorf("sync op %q needs a property path", code)
		}
		v, err := decodeValueField(r)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("sync op %q needs a value", code)
		}
		return Set{Handle: h, Path: path, Value: v}, nil
	case CodeRemove:
		if err := needName(); err != nil {
			return nil, err
		}
		return Remove{Handle: h, Name: name}, nil
	case CodeRename:
		old := r.Get("o").String()
		if err := needName(); err != nil || old == "" {
			return nil, fmt.Errorf("sync op %q needs old and new names", code)
		}
		return Rename{Handle: h, Old: old, New: name, Display: r.Get("d").String()}, nil
	case CodeReorder:
		return Reorder{Handle: h, Names: stringArray(r.Get("l"))}, nil
	case CodeSetFlags:
		if err := needName(); err != nil {
			return nil, err
		}
		return SetFlags{Handle: h, Name: name, Flags: Flags(r.Get("f").Uint())}, nil
	case CodeSetFacets:
		if err := needName(); err != nil {
			return nil, err
		}
		return SetFacets{Handle: h, Name: name, Facets: r.Get("x").String()}, nil
	case CodeFireEvent:
		if err := needName(); err != nil {
			return nil, err
		}
		v, err := decodeValueField(r)
		if err != nil {
			return nil, err
		}
		return FireEvent{Handle: h, Name: name, Event: v}, nil
	case CodeLoad:
		v, err := decodeValueField(r)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("sync op %q needs a value", code)
		}
		return Load{Handle: h, Value: v}, nil
	case CodeAddLink:
		k := r.Get("k")
		if !k.Exists() {
			return nil, fmt.Errorf("sync op %q needs a link", code)
		}
		var el EncodedLink
		if err := json.Unmarshal([]byte(k.Raw), &el); err != nil {
			return nil, fmt.Errorf("sync op %q: %w", code, err)
		}
		l, err := decodeLink(el)
		if err != nil {
			return nil, err
		}
		return AddLink{Handle: h, Link: l}, nil
	case CodeRemoveLink:
		if err := needName(); err != nil {
			return nil, err
		}
		return RemoveLink{Handle: h, Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown sync op %q", code)
	}
}

func decodeValueField(r gjson.Result) (*EncodedValue, error) {
	v := r.Get("v")
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	var ev EncodedValue
	if err := json.Unmarshal([]byte(v.Raw), &ev); err != nil {
		return nil, fmt.Errorf("decode op value: %w", err)
	}
	return &ev, nil
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	arr := r.Array()
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		out = append(out, item.String())
	}
	return out
}
