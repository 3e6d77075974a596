package resolve

import (
	"context"
	"errors"
	"fmt"

	"ordsync/internal/ord"
	"ordsync/internal/wire"
)

// State is the position of a resolution in its state machine.
type State int

const (
	StateHasNext State = iota
	StateResolving
	StateSuspended
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHasNext:
		return "has-next"
	case StateResolving:
		return "resolving"
	case StateSuspended:
		return "suspended"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// Cursor walks the segments of one normalized descriptor. Each Next call
// resolves one segment; a step that needs the network blocks in roundTrip
// with the cursor suspended. Cancelling ctx fails the whole resolution.
type Cursor struct {
	r      *Resolver
	text   string
	desc   ord.Descriptor
	opts   options
	idx    int
	state  State
	target *Target
	err    error
	trips  int
}

func (r *Resolver) newCursor(text string, desc ord.Descriptor, opts options) *Cursor {
	c := &Cursor{r: r, text: text, desc: desc, opts: opts}
	if desc.IsEmpty() {
		c.state = StateComplete
		c.target = &Target{Object: r.session.Mirror().Root()}
	}
	return c
}

func (c *Cursor) State() State { return c.state }

func (c *Cursor) Err() error { return c.err }

// Target is the result so far; nil before the first step and after failure.
func (c *Cursor) Target() *Target { return c.target }

func (c *Cursor) RoundTrips() int { return c.trips }

// Index is the number of segments already resolved.
func (c *Cursor) Index() int { return c.idx }

func (c *Cursor) Descriptor() string { return c.text }

// Next resolves the next segment. It returns the cursor's error once the
// cursor has failed and nil once it is complete.
func (c *Cursor) Next(ctx context.Context) error {
	if c.state.Terminal() {
		return c.err
	}
	if err := ctx.Err(); err != nil {
		return c.fail(ord.Segment{}, err)
	}
	seg := c.desc.At(c.idx)
	c.state = StateResolving
	h, ok := c.r.handlers[seg.Kind]
	if !ok {
		return c.fail(seg, fmt.Errorf("%w %q", wire.ErrUnknownScheme, seg.Scheme))
	}
	next, err := h.Resolve(ctx, c, seg, c.target)
	if err != nil {
		return c.fail(seg, err)
	}
	next.Segment = seg
	c.target = next
	c.idx++
	if c.idx == c.desc.Len() {
		c.state = StateComplete
	} else {
		c.state = StateHasNext
	}
	return nil
}

// Run drives the cursor to a terminal state.
func (c *Cursor) Run(ctx context.Context) (*Target, error) {
	for !c.state.Terminal() {
		if err := c.Next(ctx); err != nil {
			return nil, err
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.target, nil
}

func (c *Cursor) fail(seg ord.Segment, err error) error {
	c.state = StateFailed
	c.target = nil
	var pe *wire.ParseError
	var re *wire.ResolveError
	switch {
	case errors.As(err, &pe), errors.As(err, &re):
		c.err = err
	default:
		c.err = &wire.ResolveError{Descriptor: c.text, Segment: segmentText(seg), Err: err}
	}
	return c.err
}

func segmentText(seg ord.Segment) string {
	if seg.Scheme == "" {
		return ""
	}
	return seg.String()
}

// roundTrip runs one network step with the cursor suspended. In
// cache-only mode no step may leave the process.
func (c *Cursor) roundTrip(ctx context.Context, fn func(context.Context) error) error {
	if c.opts.cacheOnly {
		return wire.ErrNotLoaded
	}
	prev := c.state
	c.state = StateSuspended
	c.trips++
	err := fn(ctx)
	c.state = prev
	return err
}
