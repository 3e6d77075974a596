package resolve

import (
	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/table"
)

// Target is the result of resolving a descriptor up to some segment.
// Object is a *mirror.Node, a primitive value, a *table.Table or a
// detached remote value. Container is the nearest component owning
// Object; Slot is set when the last step named a slot.
type Target struct {
	Previous     *Target
	Object       any
	Container    *mirror.Node
	Slot         *mirror.Slot
	PropertyPath []string
	View         *ord.ViewQuery
	Segment      ord.Segment
}

// Component returns the nearest component at or above the target,
// searching earlier targets when this one has none.
func (t *Target) Component() *mirror.Node {
	for cur := t; cur != nil; cur = cur.Previous {
		if n, ok := cur.Object.(*mirror.Node); ok && n.IsComponent() {
			return n
		}
		if cur.Container != nil {
			return cur.Container
		}
	}
	return nil
}

// GetObject returns the resolved object. View targets carry the object
// of the target they decorate.
func (t *Target) GetObject() any {
	for cur := t; cur != nil; cur = cur.Previous {
		if cur.Object != nil {
			return cur.Object
		}
	}
	return nil
}

func (t *Target) Node() (*mirror.Node, bool) {
	n, ok := t.GetObject().(*mirror.Node)
	return n, ok
}

func (t *Target) Table() (*table.Table, bool) {
	tbl, ok := t.GetObject().(*table.Table)
	return tbl, ok
}

// ViewQuery returns the effective view parameters, if any.
func (t *Target) ViewQuery() (ord.ViewQuery, bool) {
	for cur := t; cur != nil; cur = cur.Previous {
		if cur.View != nil {
			return *cur.View, true
		}
	}
	return ord.ViewQuery{}, false
}
