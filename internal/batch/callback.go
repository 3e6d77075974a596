package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// OkStage transforms the result so far. Returning an error routes the
// callback to its failure pipeline.
type OkStage func(ctx context.Context, result any) (any, error)

// FailStage observes or rewrites a failure before the original handler.
type FailStage func(ctx context.Context, err error) error

// Callback pairs a caller's success and failure handlers with an ordered
// list of stages that run before them. Exactly one handler fires, once.
type Callback struct {
	mu       sync.Mutex
	ok       func(result any)
	fail     func(err error)
	okPipe   []OkStage
	failPipe []FailStage
	fired    bool
	logger   *log.Logger
}

// NewCallback builds a callback. Nil handlers are allowed.
func NewCallback(ok func(result any), fail func(err error)) *Callback {
	return &Callback{ok: ok, fail: fail}
}

// Noop returns a callback whose handlers do nothing.
func Noop() *Callback {
	return &Callback{}
}

// AddOk injects a stage that runs before every stage added earlier and
// before the original success handler.
func (c *Callback) AddOk(stage OkStage) *Callback {
	if c == nil || stage == nil {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.okPipe = append([]OkStage{stage}, c.okPipe...)
	return c
}

// AddFail injects a failure stage ahead of the existing ones.
func (c *Callback) AddFail(stage FailStage) *Callback {
	if c == nil || stage == nil {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPipe = append([]FailStage{stage}, c.failPipe...)
	return c
}

func (c *Callback) Fired() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Ok runs the success pipeline. Calls after the first Ok/Fail are ignored.
func (c *Callback) Ok(ctx context.Context, result any) {
	okPipe, failPipe, ok := c.take()
	if !ok {
		return
	}
	out, err := runOk(ctx, okPipe, result)
	if err != nil {
		c.finishFail(ctx, failPipe, err)
		return
	}
	c.invoke(func() {
		if c.ok != nil {
			c.ok(out)
		}
	})
}

// Fail runs the failure pipeline. Calls after the first Ok/Fail are ignored.
func (c *Callback) Fail(ctx context.Context, err error) {
	_, failPipe, ok := c.take()
	if !ok {
		return
	}
	c.finishFail(ctx, failPipe, err)
}

func (c *Callback) take() ([]OkStage, []FailStage, bool) {
	if c == nil {
		return nil, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return nil, nil, false
	}
	c.fired = true
	return append([]OkStage(nil), c.okPipe...), append([]FailStage(nil), c.failPipe...), true
}

func (c *Callback) finishFail(ctx context.Context, failPipe []FailStage, err error) {
	err = runFail(ctx, failPipe, err)
	c.invoke(func() {
		if c.fail != nil {
			c.fail(err)
		}
	})
}

func (c *Callback) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Printf("batch: callback handler panicked: %v", r)
		}
	}()
	fn()
}

func (c *Callback) log() *log.Logger {
	if c.logger != nil {
		return c.logger
	}
	return log.Default()
}

func runOk(ctx context.Context, stages []OkStage, result any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("callback stage panicked: %v", r)
		}
	}()
	out = result
	for _, stage := range stages {
		out, err = stage(ctx, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func runFail(ctx context.Context, stages []FailStage, err error) (out error) {
	out = err
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Errorf("%w (failure stage panicked: %v)", err, r)
		}
	}()
	for _, stage := range stages {
		if next := stage(ctx, out); next != nil {
			out = next
		}
	}
	return out
}

// Decode is a stage that unmarshals a raw response body into T.
func Decode[T any]() OkStage {
	return func(_ context.Context, result any) (any, error) {
		var v T
		raw, ok := result.(json.RawMessage)
		if !ok {
			return nil, fmt.Errorf("decode: expected raw body, got %T", result)
		}
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		return v, nil
	}
}

// Capture returns a callback that stores its outcome into the given
// pointers. It is handy for blocking call sites.
func Capture[T any](out *T, errOut *error) *Callback {
	cb := NewCallback(func(result any) {
		if v, ok := result.(T); ok {
			*out = v
		}
	}, func(err error) {
		*errOut = err
	})
	return cb.AddOk(Decode[T]())
}
