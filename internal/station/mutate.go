package station

import (
	"fmt"

	"ordsync/internal/mirror"
)

// The mutation helpers change the authoritative tree and queue the change
// for every session. Each reports whether the op took effect.

func (s *Station) Add(h mirror.Handle, name string, v *mirror.EncodedValue) error {
	return s.one(mirror.Add{Handle: h, Name: name, Value: v})
}

func (s *Station) AddAction(h mirror.Handle, name string) error {
	return s.one(mirror.Add{Handle: h, Name: name, Kind: mirror.KindAction})
}

func (s *Station) AddTopic(h mirror.Handle, name string) error {
	return s.one(mirror.Add{Handle: h, Name: name, Kind: mirror.KindTopic})
}

func (s *Station) Set(h mirror.Handle, path []string, v *mirror.EncodedValue) error {
	return s.one(mirror.Set{Handle: h, Path: path, Value: v})
}

func (s *Station) Remove(h mirror.Handle, name string) error {
	return s.one(mirror.Remove{Handle: h, Name: name})
}

func (s *Station) Rename(h mirror.Handle, oldName, newName string) error {
	return s.one(mirror.Rename{Handle: h, Old: oldName, New: newName})
}

func (s *Station) Reorder(h mirror.Handle, names ...string) error {
	return s.one(mirror.Reorder{Handle: h, Names: names})
}

func (s *Station) SetFlags(h mirror.Handle, name string, flags mirror.Flags) error {
	return s.one(mirror.SetFlags{Handle: h, Name: name, Flags: flags})
}

func (s *Station) SetFacets(h mirror.Handle, name, facets string) error {
	return s.one(mirror.SetFacets{Handle: h, Name: name, Facets: facets})
}

// Fire publishes a topic event. The tree itself does not change.
func (s *Station) Fire(h mirror.Handle, topic string, event *mirror.EncodedValue) error {
	return s.one(mirror.FireEvent{Handle: h, Name: topic, Event: event})
}

func (s *Station) AddLink(h mirror.Handle, l mirror.Link) error {
	return s.one(mirror.AddLink{Handle: h, Link: l})
}

func (s *Station) RemoveLink(h mirror.Handle, name string) error {
	return s.one(mirror.RemoveLink{Handle: h, Name: name})
}

func (s *Station) one(op mirror.Op) error {
	res := s.Apply(op)
	switch {
	case res.Invalid > 0:
		return fmt.Errorf("station: op %s on %s is invalid", op.Code(), op.TargetHandle())
	case res.Applied == 0:
		return fmt.Errorf("station: op %s on %s had no effect", op.Code(), op.TargetHandle())
	}
	return nil
}
