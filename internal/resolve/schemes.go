package resolve

import (
	"context"
	"fmt"
	"strings"

	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/session"
	"ordsync/internal/wire"
)

// Handler resolves one segment kind. cur is the target produced by the
// previous segment, nil for the first one.
type Handler interface {
	Resolve(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error)
}

type HandlerFunc func(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error)

func (f HandlerFunc) Resolve(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error) {
	return f(ctx, c, seg, cur)
}

func (r *Resolver) defaultHandlers() map[ord.Kind]Handler {
	return map[ord.Kind]Handler{
		ord.KindLocal:   HandlerFunc(r.resolveRoot),
		ord.KindStation: HandlerFunc(r.resolveRoot),
		ord.KindSlot:    HandlerFunc(r.resolveSlot),
		ord.KindHandle:  HandlerFunc(r.resolveHandle),
		ord.KindService: HandlerFunc(r.resolveService),
		ord.KindView:    HandlerFunc(resolveView),
		ord.KindUnknown: HandlerFunc(resolveUnknown),
	}
}

func (r *Resolver) resolveRoot(_ context.Context, _ *Cursor, _ ord.Segment, cur *Target) (*Target, error) {
	root := r.session.Mirror().Root()
	return &Target{Previous: cur, Object: root, Container: root}, nil
}

func (r *Resolver) resolveSlot(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error) {
	p, err := ord.ParseSlotPath(seg.Body)
	if err != nil {
		return nil, &wire.ParseError{Input: c.text, Reason: err.Error()}
	}
	start := r.session.Mirror().Root()
	if !p.IsAbsolute() && cur != nil {
		n, ok := cur.Object.(*mirror.Node)
		if !ok {
			return nil, fmt.Errorf("relative path %q from a non-node value: %w", p, wire.ErrNotFound)
		}
		start = n
	}
	return r.walk(ctx, c, cur, start, p.Names())
}

// walk follows names from start through the mirror. Where the mirror has
// no data yet it issues one load call for the whole remainder and then
// continues from the same node and index.
func (r *Resolver) walk(ctx context.Context, c *Cursor, prev *Target, start *mirror.Node, names []string) (*Target, error) {
	cur := start
	container := nearestComponent(start)
	var props []string
	loaded := map[*mirror.Node]bool{}

	for i := 0; i < len(names); {
		name := names[i]
		if name == ".." {
			parent := cur.Parent()
			if parent == nil {
				return nil, fmt.Errorf("path backs up past the root: %w", wire.ErrNotFound)
			}
			cur = parent
			container = nearestComponent(cur)
			if len(props) > 0 {
				props = props[:len(props)-1]
			}
			i++
			continue
		}
		if !cur.Loaded() {
			if loaded[cur] {
				return nil, fmt.Errorf("%s did not load: %w", cur.SlotPath(), wire.ErrNotFound)
			}
			if err := r.load(ctx, c, cur, names[i:]); err != nil {
				return nil, err
			}
			loaded[cur] = true
			continue
		}
		slot, ok := cur.Slot(name)
		if !ok {
			return nil, fmt.Errorf("slot %q under %s: %w", name, cur.SlotPath(), wire.ErrNotFound)
		}
		last := i == len(names)-1
		if slot.Kind != mirror.KindProperty {
			if !last {
				return nil, fmt.Errorf("%s %q before %q: %w", slot.Kind, name, names[i+1], wire.ErrIllegalSlot)
			}
			return &Target{Previous: prev, Object: &slot, Container: container, Slot: &slot, PropertyPath: props}, nil
		}
		child, isNode := slot.Value.(*mirror.Node)
		if !isNode {
			if !last {
				return nil, fmt.Errorf("slot %q is a simple value: %w", name, wire.ErrNotFound)
			}
			return &Target{
				Previous:     prev,
				Object:       slot.Value,
				Container:    container,
				Slot:         &slot,
				PropertyPath: append(props, name),
			}, nil
		}
		cur = child
		if child.IsComponent() {
			container = child
			props = nil
		} else {
			props = append(props, name)
		}
		i++
	}

	if cur.IsComponent() && !cur.Loaded() {
		if err := r.load(ctx, c, cur, nil); err != nil {
			return nil, err
		}
		if !cur.Loaded() {
			return nil, fmt.Errorf("%s did not load: %w", cur.SlotPath(), wire.ErrNotLoaded)
		}
	}
	t := &Target{Previous: prev, Object: cur, Container: container}
	if !cur.IsComponent() {
		t.PropertyPath = props
	}
	return t, nil
}

func nearestComponent(n *mirror.Node) *mirror.Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.IsComponent() {
			return cur
		}
	}
	return nil
}

// load asks for the unloaded node n and every component along rest.
func (r *Resolver) load(ctx context.Context, c *Cursor, n *mirror.Node, rest []string) error {
	return c.roundTrip(ctx, func(ctx context.Context) error {
		req := wire.LoadRequest{
			SessionID: r.session.ID(),
			Container: n.Handle().String(),
			Paths:     []wire.PathLoad{{BasePath: n.SlotPath(), ChildName: strings.Join(rest, "/")}},
		}
		resp, err := session.Call[wire.LoadResponse](ctx, r.session, wire.ChannelOrd, wire.KeyLoad, req)
		if err != nil {
			return fmt.Errorf("load %s: %w", n.SlotPath(), err)
		}
		r.session.Mirror().ApplyRaw(resp.Ops)
		return nil
	})
}

func (r *Resolver) resolveHandle(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error) {
	h, err := mirror.ParseHandle(seg.Body)
	if err != nil {
		return nil, &wire.ParseError{Input: c.text, Reason: err.Error()}
	}
	m := r.session.Mirror()
	if n, ok := m.Lookup(h); ok {
		if !n.IsComponent() || n.Loaded() {
			return &Target{Previous: cur, Object: n, Container: n}, nil
		}
		// Known but not loaded: its path is already in the mirror.
		return r.walkPath(ctx, c, cur, n.SlotPath())
	}
	path, err := r.translate(ctx, c, wire.KeyHandleToPath, h.String())
	if err != nil {
		return nil, err
	}
	return r.walkPath(ctx, c, cur, path)
}

func (r *Resolver) resolveService(ctx context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error) {
	path, err := r.translate(ctx, c, wire.KeyServiceToPath, strings.TrimSpace(seg.Body))
	if err != nil {
		return nil, err
	}
	return r.walkPath(ctx, c, cur, path)
}

func (r *Resolver) walkPath(ctx context.Context, c *Cursor, prev *Target, path string) (*Target, error) {
	p, err := ord.ParseSlotPath(path)
	if err != nil {
		return nil, fmt.Errorf("server returned bad path %q: %w", path, err)
	}
	if !p.IsAbsolute() {
		return nil, fmt.Errorf("server returned relative path %q", path)
	}
	return r.walk(ctx, c, prev, r.session.Mirror().Root(), p.Names())
}

// translate resolves a handle or service key to a slot path. Answers
// prefetched by a batch come first; concurrent lookups of the same key
// share one call.
func (r *Resolver) translate(ctx context.Context, c *Cursor, key, value string) (string, error) {
	if c.opts.paths != nil {
		if res, ok := c.opts.paths[key+":"+value]; ok {
			return res.path, res.err
		}
	}
	var path string
	err := c.roundTrip(ctx, func(ctx context.Context) error {
		v, err, _ := r.group.Do(key+":"+value, func() (any, error) {
			resp, err := session.Call[wire.LookupResponse](ctx, r.session, wire.ChannelOrd, key, wire.LookupRequest{Key: value})
			if err != nil {
				return "", err
			}
			return resp.Path, nil
		})
		if err != nil {
			return fmt.Errorf("%s %s: %w", key, value, err)
		}
		path = v.(string)
		return nil
	})
	return path, err
}

func resolveView(_ context.Context, c *Cursor, seg ord.Segment, cur *Target) (*Target, error) {
	v, err := ord.ParseView(seg.Body)
	if err != nil {
		return nil, &wire.ParseError{Input: c.text, Reason: err.Error()}
	}
	if prev, ok := cur.ViewQuery(); ok {
		v = prev.Merge(v)
	}
	t := &Target{Previous: cur, View: &v}
	if cur != nil {
		t.Container = cur.Container
		t.Slot = cur.Slot
		t.PropertyPath = cur.PropertyPath
	}
	return t, nil
}

func resolveUnknown(_ context.Context, _ *Cursor, seg ord.Segment, _ *Target) (*Target, error) {
	return nil, fmt.Errorf("%w %q: resolve remotely", wire.ErrUnknownScheme, seg.Scheme)
}
