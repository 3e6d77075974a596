package ord

// Normalize folds segments with their neighbours until a full pass makes
// no change. Descriptors with an unknown scheme are returned untouched:
// their semantics are opaque and they resolve remotely as a whole.
func (d Descriptor) Normalize() Descriptor {
	if len(d.segs) < 2 || d.HasUnknown() {
		return d
	}
	list := d.Segments()
	for {
		changed := false
		for i := 0; i < len(list); i++ {
			var ok bool
			if list, ok = normalizeAt(list, i); ok {
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return New(list...)
}

// IsNormalized reports whether Normalize would leave d unchanged.
func (d Descriptor) IsNormalized() bool {
	return d.Normalize().String() == d.String()
}

func normalizeAt(list []Segment, i int) ([]Segment, bool) {
	cur := list[i]
	switch cur.Kind {
	case KindView:
		return normalizeView(list, i)
	case KindSlot:
		if p, err := ParseSlotPath(cur.Body); err == nil && !p.IsAbsolute() && p.Len() == 0 && len(list) > 1 {
			return remove(list, i), true
		}
	}
	if i+1 >= len(list) {
		return list, false
	}
	next := list[i+1]
	switch {
	case cur.Kind.IsRoot() && next.Kind.IsRoot():
		if next.HostScoped() && !cur.HostScoped() {
			return remove(list, i), true
		}
		return remove(list, i+1), true
	case cur.Kind == KindSlot && next.Kind == KindSlot:
		merged, ok := mergeSlots(cur, next)
		if !ok {
			return list, false
		}
		list[i] = merged
		return remove(list, i+1), true
	case isNavigation(cur.Kind) && (next.Kind == KindHandle || next.Kind == KindService):
		return remove(list, i), true
	}
	return list, false
}

func isNavigation(k Kind) bool {
	return k == KindSlot || k == KindHandle || k == KindService
}

func mergeSlots(a, b Segment) (Segment, bool) {
	pa, err := ParseSlotPath(a.Body)
	if err != nil {
		return a, false
	}
	pb, err := ParseSlotPath(b.Body)
	if err != nil {
		return a, false
	}
	joined, ok := pa.Join(pb)
	if !ok {
		return a, false
	}
	return Segment{Kind: KindSlot, Scheme: a.Scheme, Body: joined.String()}, true
}

// normalizeView keeps at most one view segment, always last. An earlier
// view merges into a later one; a lone view moves to the end.
func normalizeView(list []Segment, i int) ([]Segment, bool) {
	if i == len(list)-1 {
		return list, false
	}
	cur := list[i]
	for j := i + 1; j < len(list); j++ {
		if list[j].Kind != KindView {
			continue
		}
		a, errA := ParseView(cur.Body)
		b, errB := ParseView(list[j].Body)
		if errA != nil || errB != nil {
			return list, false
		}
		list[j] = Segment{Kind: KindView, Scheme: list[j].Scheme, Body: a.Merge(b).String()}
		return remove(list, i), true
	}
	out := remove(list, i)
	return append(out, cur), true
}

func remove(list []Segment, i int) []Segment {
	out := make([]Segment, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
