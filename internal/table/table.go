package table

import (
	"context"
	"fmt"
	"sync"

	"ordsync/internal/wire"
)

// DefaultLimit is the page size used when a cursor does not set one.
const DefaultLimit = 10

type Column struct {
	Name    string
	Type    string
	Display string
}

// Page is one window of rows starting at Offset. More reports whether rows
// exist past the end of the page.
type Page struct {
	Offset int
	Rows   [][]any
	More   bool
}

// covers reports whether the page holds every row of [offset, offset+limit)
// that exists.
func (p *Page) covers(offset, limit int) bool {
	if p == nil || offset < p.Offset {
		return false
	}
	end := p.Offset + len(p.Rows)
	if offset+limit <= end {
		return true
	}
	return !p.More
}

func (p *Page) window(offset, limit int) [][]any {
	start := offset - p.Offset
	if start >= len(p.Rows) {
		return nil
	}
	end := start + limit
	if end > len(p.Rows) {
		end = len(p.Rows)
	}
	return p.Rows[start:end]
}

// Fetcher loads one page of a table.
type Fetcher interface {
	FetchPage(ctx context.Context, descriptor string, offset, limit int) (Page, error)
}

type FetcherFunc func(ctx context.Context, descriptor string, offset, limit int) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, descriptor string, offset, limit int) (Page, error) {
	return f(ctx, descriptor, offset, limit)
}

// Table is a remote collection identified by its descriptor. Rows are
// fetched lazily through the Fetcher, except for pages already delivered
// by an earlier call.
type Table struct {
	Descriptor string
	Columns    []Column

	fetcher Fetcher

	mu    sync.Mutex
	pages []*Page
}

func New(descriptor string, columns []Column, f Fetcher) *Table {
	return &Table{Descriptor: descriptor, Columns: columns, fetcher: f}
}

// FromResult wraps a resolve result. When the result carries rows they are
// kept as a prefetched page.
func FromResult(res *wire.TableResult, f Fetcher) *Table {
	cols := make([]Column, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = Column{Name: c.Name, Type: c.Type, Display: c.Display}
	}
	t := New(res.Descriptor, cols, f)
	if res.Prefetched || len(res.Rows) > 0 {
		t.Prefetch(Page{Offset: res.Offset, Rows: res.Rows, More: res.More})
	}
	return t
}

// Prefetch records a page that cursors may reuse without a fetch.
func (t *Table) Prefetch(p Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages = append(t.pages, &p)
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) cached(offset, limit int) *Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.pages) - 1; i >= 0; i-- {
		if t.pages[i].covers(offset, limit) {
			return t.pages[i]
		}
	}
	return nil
}

// Row is one row of a table.
type Row struct {
	table  *Table
	index  int
	values []any
}

// Index is the absolute row index within the table.
func (r Row) Index() int { return r.index }

func (r Row) Values() []any { return append([]any(nil), r.values...) }

func (r Row) At(i int) any {
	if i < 0 || i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

// Get returns the cell under the named column.
func (r Row) Get(column string) (any, bool) {
	i := r.table.ColumnIndex(column)
	if i < 0 || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

// Summary is passed to After.
type Summary struct {
	Count   int
	Stopped bool
	More    bool
}

type CursorOptions struct {
	Before func(t *Table)
	// Each returns true to stop the iteration.
	Each   func(r Row) bool
	After  func(s Summary)
	Offset int
	Limit  int
}

// Cursor iterates one page of rows. Before runs once, Each once per row
// until it asks to stop, and After once at the end. At most one fetch is
// made; a page delivered earlier is reused. Cursor may be called again on
// the same table.
func (t *Table) Cursor(ctx context.Context, opts CursorOptions) error {
	if opts.Offset < 0 {
		return fmt.Errorf("table %s: negative offset %d", t.Descriptor, opts.Offset)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	page := t.cached(opts.Offset, limit)
	if page == nil {
		if t.fetcher == nil {
			return fmt.Errorf("table %s: rows not available and no fetcher", t.Descriptor)
		}
		fetched, err := t.fetcher.FetchPage(ctx, t.Descriptor, opts.Offset, limit)
		if err != nil {
			return fmt.Errorf("table %s: fetch rows: %w", t.Descriptor, err)
		}
		fetched.Offset = opts.Offset
		t.Prefetch(fetched)
		page = &fetched
	}

	if opts.Before != nil {
		opts.Before(t)
	}
	rows := page.window(opts.Offset, limit)
	sum := Summary{More: page.More || opts.Offset+len(rows) < page.Offset+len(page.Rows)}
	for i, values := range rows {
		sum.Count++
		if opts.Each != nil && opts.Each(Row{table: t, index: opts.Offset + i, values: values}) {
			sum.Stopped = true
			break
		}
	}
	if opts.After != nil {
		opts.After(sum)
	}
	return nil
}

// Collect returns the rows of one page as plain values.
func (t *Table) Collect(ctx context.Context, offset, limit int) ([][]any, error) {
	var out [][]any
	err := t.Cursor(ctx, CursorOptions{
		Offset: offset,
		Limit:  limit,
		Each: func(r Row) bool {
			out = append(out, r.values)
			return false
		},
	})
	return out, err
}
