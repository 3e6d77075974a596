package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"ordsync/internal/batch"
	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/wire"
)

// BatchResult holds the per-descriptor outcome of ResolveAll.
type BatchResult struct {
	texts   []string
	targets []*Target
	errs    []error
	trips   int
}

func (b *BatchResult) Len() int { return len(b.texts) }

func (b *BatchResult) Target(i int) *Target { return b.targets[i] }

func (b *BatchResult) Err(i int) error { return b.errs[i] }

func (b *BatchResult) OK(i int) bool { return b.errs[i] == nil }

// RoundTrips is the number of frames the batch sent.
func (b *BatchResult) RoundTrips() int { return b.trips }

// Error is nil only when every descriptor resolved.
func (b *BatchResult) Error() error {
	var errs []error
	for i, err := range b.errs {
		if err != nil {
			errs = append(errs, fmt.Errorf("descriptor %d (%s): %w", i, b.texts[i], err))
		}
	}
	return errors.Join(errs...)
}

// plan is what ResolveAll learned about one descriptor before any frame.
type plan struct {
	desc    ord.Descriptor
	remote  bool
	lookups []string
}

// ResolveAll resolves texts as one unit. The first frame carries every
// handle and service translation plus every remote fallback; the second
// carries one load per object tree covering all missing structure; then
// each descriptor resolves from the mirror alone. One failing descriptor
// does not affect the others.
func (r *Resolver) ResolveAll(ctx context.Context, texts []string, opts ...Option) *BatchResult {
	ctx, span := tracer.Start(ctx, "resolve.ResolveAll")
	defer span.End()
	span.SetAttributes(attribute.Int("ordsync.descriptors", len(texts)))

	o := buildOptions(opts)
	res := &BatchResult{
		texts:   texts,
		targets: make([]*Target, len(texts)),
		errs:    make([]error, len(texts)),
	}
	plans := make([]plan, len(texts))
	for i, text := range texts {
		desc, err := r.prepare(text, o)
		if err != nil {
			res.errs[i] = err
			continue
		}
		plans[i] = plan{desc: desc, remote: desc.HasUnknown()}
		if !plans[i].remote {
			plans[i].lookups = r.missingLookups(desc)
		}
	}

	paths := r.fetchLookups(ctx, res, plans, o)
	r.fetchStructure(ctx, res, plans, paths)

	local := append(opts[:len(opts):len(opts)], cacheOnly(), withPaths(paths))
	for i, p := range plans {
		if res.errs[i] != nil || p.remote || res.targets[i] != nil {
			continue
		}
		t, err := r.Resolve(ctx, texts[i], local...)
		res.targets[i], res.errs[i] = t, err
	}
	span.SetAttributes(attribute.Int("ordsync.round_trips", res.trips))
	return res
}

// ResolveAllThen is ResolveAll reporting to done: Ok with the result
// when every descriptor resolved, Fail with the aggregate error otherwise.
func (r *Resolver) ResolveAllThen(ctx context.Context, texts []string, done *batch.Callback, opts ...Option) *BatchResult {
	res := r.ResolveAll(ctx, texts, opts...)
	if err := res.Error(); err != nil {
		done.Fail(ctx, err)
	} else {
		done.Ok(ctx, res)
	}
	return res
}

// missingLookups lists the translations desc needs that the mirror cannot
// answer, as "key:value" strings.
func (r *Resolver) missingLookups(desc ord.Descriptor) []string {
	var out []string
	for _, seg := range desc.Segments() {
		switch seg.Kind {
		case ord.KindHandle:
			h, err := mirror.ParseHandle(seg.Body)
			if err != nil {
				continue
			}
			if _, ok := r.session.Mirror().Lookup(h); !ok {
				out = append(out, wire.KeyHandleToPath+":"+h.String())
			}
		case ord.KindService:
			out = append(out, wire.KeyServiceToPath+":"+strings.TrimSpace(seg.Body))
		}
	}
	return out
}

// fetchLookups sends frame one: translations and remote fallbacks.
func (r *Resolver) fetchLookups(ctx context.Context, res *BatchResult, plans []plan, o options) map[string]lookup {
	paths := map[string]lookup{}
	b := r.session.NewBatch()
	for i, p := range plans {
		if res.errs[i] != nil {
			continue
		}
		if p.remote {
			var resp wire.ResolveResponse
			cb := batch.NewCallback(func(any) {
				t, err := r.remoteTarget(res.texts[i], resp)
				res.targets[i], res.errs[i] = t, err
			}, func(err error) {
				res.errs[i] = &wire.ResolveError{Descriptor: res.texts[i], Err: err}
			})
			cb.AddOk(capture(&resp))
			r.addRequest(b, res, i, wire.KeyResolve, remoteRequest(r.session.ID(), res.texts[i], o), cb)
			continue
		}
		for _, key := range p.lookups {
			if _, queued := paths[key]; queued {
				continue
			}
			paths[key] = lookup{err: wire.ErrNotLoaded}
			kind, value, _ := strings.Cut(key, ":")
			var resp wire.LookupResponse
			cb := batch.NewCallback(func(any) {
				paths[key] = lookup{path: resp.Path}
			}, func(err error) {
				paths[key] = lookup{err: fmt.Errorf("%s %s: %w", kind, value, err)}
			})
			cb.AddOk(capture(&resp))
			r.addRequest(b, res, -1, kind, wire.LookupRequest{Key: value}, cb)
		}
	}
	r.commit(ctx, b, res)
	return paths
}

// fetchStructure sends frame two: one load per object tree with the union
// of uncached prefixes.
func (r *Resolver) fetchStructure(ctx context.Context, res *BatchResult, plans []plan, paths map[string]lookup) {
	groups := map[string][]wire.PathLoad{}
	for i, p := range plans {
		if res.errs[i] != nil || p.remote {
			continue
		}
		target, ok := r.absolutePath(p.desc, paths)
		if !ok {
			continue
		}
		if load, need := r.missingPrefix(target); need {
			key := p.desc.TreeKey()
			groups[key] = append(groups[key], load)
		}
	}
	if len(groups) == 0 {
		return
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := r.session.NewBatch()
	for _, k := range keys {
		var resp wire.LoadResponse
		cb := batch.NewCallback(func(any) {
			r.session.Mirror().ApplyRaw(resp.Ops)
		}, func(err error) {
			r.logger.Printf("resolve: load for tree %s failed: %v", k, err)
		})
		cb.AddOk(capture(&resp))
		r.addRequest(b, res, -1, wire.KeyLoad, wire.LoadRequest{SessionID: r.session.ID(), Paths: pruneLoads(groups[k])}, cb)
	}
	r.commit(ctx, b, res)
}

func (r *Resolver) addRequest(b *batch.Batch, res *BatchResult, i int, key string, body any, cb *batch.Callback) {
	if err := b.AddRequest(wire.ChannelOrd, key, body, cb); err != nil && i >= 0 {
		res.errs[i] = err
	}
}

func (r *Resolver) commit(ctx context.Context, b *batch.Batch, res *BatchResult) {
	if b.Len() == 0 {
		return
	}
	res.trips++
	if err := b.Commit(ctx, nil); err != nil {
		r.logger.Printf("resolve: batch frame failed: %v", err)
	}
}

// absolutePath computes the slot path a local descriptor ends at, using
// the mirror and the translations of frame one. ok is false when the
// path cannot be known before walking, for example after a failed lookup.
func (r *Resolver) absolutePath(desc ord.Descriptor, paths map[string]lookup) (ord.SlotPath, bool) {
	cur := ord.Root
	for _, seg := range desc.Segments() {
		switch seg.Kind {
		case ord.KindLocal, ord.KindStation:
			cur = ord.Root
		case ord.KindSlot:
			p, err := ord.ParseSlotPath(seg.Body)
			if err != nil {
				return ord.SlotPath{}, false
			}
			joined, ok := cur.Join(p)
			if !ok {
				return ord.SlotPath{}, false
			}
			cur = joined
		case ord.KindHandle:
			h, err := mirror.ParseHandle(seg.Body)
			if err != nil {
				return ord.SlotPath{}, false
			}
			if n, ok := r.session.Mirror().Lookup(h); ok {
				p, err := ord.ParseSlotPath(n.SlotPath())
				if err != nil {
					return ord.SlotPath{}, false
				}
				cur = p
				continue
			}
			p, ok := lookedUp(paths, wire.KeyHandleToPath+":"+h.String())
			if !ok {
				return ord.SlotPath{}, false
			}
			cur = p
		case ord.KindService:
			p, ok := lookedUp(paths, wire.KeyServiceToPath+":"+strings.TrimSpace(seg.Body))
			if !ok {
				return ord.SlotPath{}, false
			}
			cur = p
		}
	}
	return cur, true
}

func lookedUp(paths map[string]lookup, key string) (ord.SlotPath, bool) {
	l, ok := paths[key]
	if !ok || l.err != nil {
		return ord.SlotPath{}, false
	}
	p, err := ord.ParseSlotPath(l.path)
	if err != nil || !p.IsAbsolute() {
		return ord.SlotPath{}, false
	}
	return p, true
}

// missingPrefix finds the first unloaded component along p.
func (r *Resolver) missingPrefix(p ord.SlotPath) (wire.PathLoad, bool) {
	m := r.session.Mirror()
	names := p.Names()
	last, idx, ok := m.Walk(m.Root(), names)
	if !ok {
		return wire.PathLoad{}, false
	}
	if idx == len(names) && (!last.IsComponent() || last.Loaded()) {
		return wire.PathLoad{}, false
	}
	return wire.PathLoad{BasePath: last.SlotPath(), ChildName: strings.Join(names[idx:], "/")}, true
}

// pruneLoads drops duplicate loads and loads whose full path is a prefix
// of another load's: the server loads every component along a path.
func pruneLoads(loads []wire.PathLoad) []wire.PathLoad {
	full := func(l wire.PathLoad) string {
		if l.ChildName == "" {
			return l.BasePath
		}
		return strings.TrimSuffix(l.BasePath, "/") + "/" + l.ChildName
	}
	out := make([]wire.PathLoad, 0, len(loads))
	seen := map[string]bool{}
	for i, l := range loads {
		f := full(l)
		if seen[f] {
			continue
		}
		subsumed := false
		for j, other := range loads {
			if i == j {
				continue
			}
			if g := full(other); g != f && strings.HasPrefix(g, strings.TrimSuffix(f, "/")+"/") {
				subsumed = true
				break
			}
		}
		if subsumed {
			continue
		}
		seen[f] = true
		out = append(out, l)
	}
	return out
}

func capture[T any](out *T) batch.OkStage {
	decode := batch.Decode[T]()
	return func(ctx context.Context, result any) (any, error) {
		v, err := decode(ctx, result)
		if err != nil {
			return nil, err
		}
		*out = v.(T)
		return v, nil
	}
}
