package ord

import (
	"fmt"
	"strings"
)

const backup = ".."

// SlotPath is a parsed slot scheme body: an optional leading "/" and a
// list of slot names. Relative paths may start with ".." backups.
type SlotPath struct {
	absolute bool
	names    []string
}

// Root is the absolute path of the tree root.
var Root = SlotPath{absolute: true}

// ParseSlotPath parses and lexically cleans a slot path.
func ParseSlotPath(body string) (SlotPath, error) {
	body = strings.TrimSpace(body)
	p := SlotPath{absolute: strings.HasPrefix(body, "/")}
	rest := strings.Trim(body, "/")
	if rest == "" {
		return p, nil
	}
	for _, name := range strings.Split(rest, "/") {
		switch {
		case name == "":
			return SlotPath{}, fmt.Errorf("slot path %q has an empty name", body)
		case name == backup:
			if n := len(p.names); n > 0 && p.names[n-1] != backup {
				p.names = p.names[:n-1]
				continue
			}
			if p.absolute {
				return SlotPath{}, fmt.Errorf("slot path %q backs up past the root", body)
			}
			p.names = append(p.names, backup)
		default:
			if err := ValidateName(name); err != nil {
				return SlotPath{}, err
			}
			p.names = append(p.names, name)
		}
	}
	return p, nil
}

// ValidateName checks a slot name: a letter, '_' or '$' escape first,
// then letters, digits, '_' or '$' escapes ($ followed by two hex digits).
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty slot name")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return fmt.Errorf("slot name %q starts with a digit", name)
			}
		case c == '$':
			if i+2 >= len(name) || !isHex(name[i+1]) || !isHex(name[i+2]) {
				return fmt.Errorf("slot name %q has a bad escape", name)
			}
			i += 2
		default:
			return fmt.Errorf("slot name %q has invalid character %q", name, c)
		}
	}
	return nil
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func (p SlotPath) IsAbsolute() bool { return p.absolute }

func (p SlotPath) Len() int { return len(p.names) }

// Names returns a copy of the path names.
func (p SlotPath) Names() []string { return append([]string(nil), p.names...) }

// Backups counts leading ".." names.
func (p SlotPath) Backups() int {
	n := 0
	for _, name := range p.names {
		if name != backup {
			break
		}
		n++
	}
	return n
}

// Name returns the last name, or "" for an empty path.
func (p SlotPath) Name() string {
	if len(p.names) == 0 {
		return ""
	}
	return p.names[len(p.names)-1]
}

func (p SlotPath) String() string {
	s := strings.Join(p.names, "/")
	if p.absolute {
		return "/" + s
	}
	return s
}

// Parent drops the last name. The parent of the root is the root.
func (p SlotPath) Parent() SlotPath {
	if len(p.names) == 0 {
		return p
	}
	return SlotPath{absolute: p.absolute, names: append([]string(nil), p.names[:len(p.names)-1]...)}
}

// Append adds names below p.
func (p SlotPath) Append(names ...string) SlotPath {
	out := SlotPath{absolute: p.absolute, names: make([]string, 0, len(p.names)+len(names))}
	out.names = append(out.names, p.names...)
	out.names = append(out.names, names...)
	return out
}

// Join resolves other relative to p. An absolute other replaces p.
// ok is false when other backs up past the root of an absolute p.
func (p SlotPath) Join(other SlotPath) (SlotPath, bool) {
	if other.absolute {
		return other, true
	}
	out := SlotPath{absolute: p.absolute, names: append([]string(nil), p.names...)}
	for _, name := range other.names {
		if name != backup {
			out.names = append(out.names, name)
			continue
		}
		if n := len(out.names); n > 0 && out.names[n-1] != backup {
			out.names = out.names[:n-1]
			continue
		}
		if out.absolute {
			return SlotPath{}, false
		}
		out.names = append(out.names, backup)
	}
	return out, true
}

// HasPrefix reports whether q is p or an ancestor of p.
func (p SlotPath) HasPrefix(q SlotPath) bool {
	if p.absolute != q.absolute || len(q.names) > len(p.names) {
		return false
	}
	for i, name := range q.names {
		if p.names[i] != name {
			return false
		}
	}
	return true
}
