package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordsync/internal/mirror"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a saved copy of a mirrored tree.
type Snapshot struct {
	Name    string               `json:"name"`
	Station string               `json:"station,omitempty"`
	TakenAt time.Time            `json:"takenAt"`
	Root    *mirror.EncodedValue `json:"root"`
}

// Store persists snapshots by name.
type Store interface {
	Put(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, name string) (*Snapshot, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Take captures the current state of m. Nodes not yet loaded are saved
// as stubs and come back as stubs.
func Take(m *mirror.Mirror, name, station string) (*Snapshot, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return nil, err
	}
	return &Snapshot{
		Name:    name,
		Station: station,
		TakenAt: time.Now().UTC(),
		Root:    m.Snapshot(),
	}, nil
}

// Restore replaces the whole tree of m with the snapshot.
func Restore(m *mirror.Mirror, s *Snapshot) error {
	if s == nil || s.Root == nil {
		return fmt.Errorf("snapshot is empty")
	}
	return m.Reset(s.Root)
}

func encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	if err := validName(s.Name); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func decode(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// validName keeps names usable as file names and object keys.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("snapshot name is required")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("snapshot name %q: invalid character %q", name, c)
		}
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("snapshot name %q must not start with a dot", name)
	}
	return nil
}
