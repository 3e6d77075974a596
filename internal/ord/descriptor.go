package ord

import (
	"fmt"
	"strings"

	"ordsync/internal/wire"
)

// Separator joins the segments of a descriptor.
const Separator = "|"

// Descriptor is an immutable ordered list of segments.
type Descriptor struct {
	segs []Segment
}

// Empty is the canonical descriptor with zero segments.
var Empty = Descriptor{}

// New builds a descriptor from segments.
func New(segs ...Segment) Descriptor {
	if len(segs) == 0 {
		return Empty
	}
	return Descriptor{segs: append([]Segment(nil), segs...)}
}

// Parse splits text using the default registry.
func Parse(text string) (Descriptor, error) {
	return defaultRegistry.Parse(text)
}

// MustParse is Parse for constants in tests and tables.
func MustParse(text string) Descriptor {
	d, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse splits text into segments and looks each scheme up.
func (r *Registry) Parse(text string) (Descriptor, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "null" {
		return Empty, nil
	}
	parts := strings.Split(trimmed, Separator)
	segs := make([]Segment, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Empty, &wire.ParseError{Input: text, Reason: "empty segment"}
		}
		colon := strings.IndexByte(part, ':')
		if colon <= 0 {
			return Empty, &wire.ParseError{Input: text, Reason: "segment " + quote(part) + " has no scheme"}
		}
		scheme := part[:colon]
		if !validScheme(scheme) {
			return Empty, &wire.ParseError{Input: text, Reason: "invalid scheme " + quote(scheme)}
		}
		seg := Segment{Kind: r.Lookup(scheme), Scheme: strings.ToLower(scheme), Body: part[colon+1:]}
		if err := validateBody(seg); err != nil {
			return Empty, &wire.ParseError{Input: text, Reason: err.Error()}
		}
		segs = append(segs, seg)
	}
	return Descriptor{segs: segs}, nil
}

func validScheme(s string) bool {
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}

func validateBody(seg Segment) error {
	switch seg.Kind {
	case KindSlot:
		_, err := ParseSlotPath(seg.Body)
		return err
	case KindHandle:
		if strings.TrimSpace(seg.Body) == "" {
			return fmt.Errorf("handle segment needs a body")
		}
	case KindService:
		if strings.TrimSpace(seg.Body) == "" {
			return fmt.Errorf("service segment needs a type")
		}
	case KindView:
		_, err := ParseView(seg.Body)
		return err
	}
	return nil
}

func (d Descriptor) Len() int { return len(d.segs) }

func (d Descriptor) IsEmpty() bool { return len(d.segs) == 0 }

func (d Descriptor) At(i int) Segment { return d.segs[i] }

// Segments returns a copy of the segment list.
func (d Descriptor) Segments() []Segment {
	return append([]Segment(nil), d.segs...)
}

func (d Descriptor) String() string {
	if len(d.segs) == 0 {
		return "null"
	}
	parts := make([]string, len(d.segs))
	for i, s := range d.segs {
		parts[i] = s.String()
	}
	return strings.Join(parts, Separator)
}

// HasUnknown reports whether any segment uses an unregistered scheme.
func (d Descriptor) HasUnknown() bool {
	for _, s := range d.segs {
		if s.Kind == KindUnknown {
			return true
		}
	}
	return false
}

// Last returns the final segment of the given kind, if any.
func (d Descriptor) Last(k Kind) (Segment, bool) {
	for i := len(d.segs) - 1; i >= 0; i-- {
		if d.segs[i].Kind == k {
			return d.segs[i], true
		}
	}
	return Segment{}, false
}

// Append concatenates other after d.
func (d Descriptor) Append(other Descriptor) Descriptor {
	if d.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return d
	}
	segs := make([]Segment, 0, len(d.segs)+len(other.segs))
	segs = append(segs, d.segs...)
	segs = append(segs, other.segs...)
	return Descriptor{segs: segs}
}

// RelativizeToSession drops everything left of the last host or session
// scoped segment. Descriptors without such a segment are returned as is.
func (d Descriptor) RelativizeToSession() Descriptor {
	for i := len(d.segs) - 1; i >= 0; i-- {
		if d.segs[i].HostScoped() || d.segs[i].SessionScoped() {
			if i == 0 {
				return d
			}
			return New(d.segs[i:]...)
		}
	}
	return d
}

// TreeKey names the object tree a descriptor targets. Root segments of
// either kind address the same local tree.
func (d Descriptor) TreeKey() string {
	for i := len(d.segs) - 1; i >= 0; i-- {
		s := d.segs[i]
		if s.Kind.IsRoot() {
			return "local"
		}
		if s.Kind == KindUnknown {
			return s.String()
		}
	}
	return "local"
}

func quote(s string) string { return "\"" + s + "\"" }
