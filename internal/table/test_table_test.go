package table

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/wire"
)

type countingFetcher struct {
	calls int
	rows  [][]any
	err   error
}

func (f *countingFetcher) FetchPage(_ context.Context, _ string, offset, limit int) (Page, error) {
	f.calls++
	if f.err != nil {
		return Page{}, f.err
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	if offset > end {
		offset = end
	}
	return Page{Offset: offset, Rows: f.rows[offset:end], More: end < len(f.rows)}, nil
}

func rows(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{float64(i), "alarm"}
	}
	return out
}

func TestCursorOverPrefetchedResult(t *testing.T) {
	f := &countingFetcher{rows: rows(25)}
	tbl := FromResult(&wire.TableResult{
		Descriptor: "bql:select * from alarms",
		Columns:    []wire.TableColumn{{Name: "id"}, {Name: "text"}},
		Rows:       rows(25),
		Prefetched: true,
	}, f)

	before, each, after := 0, 0, 0
	var sum Summary
	err := tbl.Cursor(context.Background(), CursorOptions{
		Limit:  10,
		Before: func(*Table) { before++ },
		Each:   func(Row) bool { each++; return false },
		After:  func(s Summary) { after++; sum = s },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, before)
	assert.Equal(t, 10, each)
	assert.Equal(t, 1, after)
	assert.Equal(t, 0, f.calls)
	assert.True(t, sum.More)
}

func TestCursorFetchesOnceAndIsRestartable(t *testing.T) {
	f := &countingFetcher{rows: rows(25)}
	tbl := New("bql:select * from alarms", []Column{{Name: "id"}, {Name: "text"}}, f)

	for range 2 {
		got, err := tbl.Collect(context.Background(), 0, 0)
		require.NoError(t, err)
		assert.Len(t, got, DefaultLimit)
	}
	assert.Equal(t, 1, f.calls)

	got, err := tbl.Collect(context.Background(), 20, 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, 2, f.calls)
}

func TestCursorStopsEarly(t *testing.T) {
	tbl := New("x:y", []Column{{Name: "id"}, {Name: "text"}}, &countingFetcher{rows: rows(25)})
	var seen []int
	var sum Summary
	err := tbl.Cursor(context.Background(), CursorOptions{
		Offset: 5,
		Each: func(r Row) bool {
			seen = append(seen, r.Index())
			id, ok := r.Get("id")
			assert.True(t, ok)
			assert.Equal(t, float64(r.Index()), id)
			return len(seen) == 3
		},
		After: func(s Summary) { sum = s },
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, seen)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 3, sum.Count)
}

func TestCursorFetchFailure(t *testing.T) {
	boom := errors.New("boom")
	tbl := New("x:y", nil, &countingFetcher{err: boom})
	called := false
	err := tbl.Cursor(context.Background(), CursorOptions{Before: func(*Table) { called = true }})
	require.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestShortFinalPageIsCovered(t *testing.T) {
	f := &countingFetcher{rows: rows(4)}
	tbl := FromResult(&wire.TableResult{Descriptor: "x:y", Rows: rows(4)}, f)
	got, err := tbl.Collect(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Zero(t, f.calls)
}
