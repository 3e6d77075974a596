package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/config"
	"ordsync/internal/mirror"
	"ordsync/internal/station"
)

func demoMirror() *mirror.Mirror {
	return mirror.New(mirror.WithRoot(station.DemoTree()))
}

func TestTakeAndRestore(t *testing.T) {
	src := demoMirror()
	snap, err := Take(src, " base ", "demo")
	require.NoError(t, err)
	assert.Equal(t, "base", snap.Name)
	assert.False(t, snap.TakenAt.IsZero())

	dst := mirror.New()
	require.NoError(t, Restore(dst, snap))
	assert.Equal(t, src.Len(), dst.Len())
	n, ok := dst.Lookup(station.HandleMeter)
	require.True(t, ok)
	assert.Equal(t, "/Folder/Meter", n.SlotPath())
	assert.Len(t, n.Links(), 1)

	assert.Error(t, Restore(dst, &Snapshot{Name: "empty"}))
	_, err = Take(src, "../escape", "demo")
	assert.Error(t, err)
	_, err = Take(src, ".hidden", "demo")
	assert.Error(t, err)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"cached": NewCachedStore(NewMemoryStore(), DefaultCacheConfig()),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := Take(demoMirror(), "base", "demo")
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, snap))
			other, err := Take(mirror.New(), "empty", "")
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, other))

			got, err := store.Get(ctx, "base")
			require.NoError(t, err)
			assert.Equal(t, "demo", got.Station)
			assert.True(t, snap.TakenAt.Equal(got.TakenAt))

			m := mirror.New()
			require.NoError(t, Restore(m, got))
			_, ok := m.Lookup(station.HandleDevice)
			assert.True(t, ok)

			names, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"base", "empty"}, names)

			require.NoError(t, store.Delete(ctx, "base"))
			require.NoError(t, store.Delete(ctx, "base"))
			_, err = store.Get(ctx, "base")
			assert.True(t, errors.Is(err, ErrNotFound))

			names, err = store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"empty"}, names)
		})
	}
}

func TestFileStoreSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".base.123"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	names, err := fs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

type countingStore struct {
	Store
	gets, lists int
}

func (c *countingStore) Get(ctx context.Context, name string) (*Snapshot, error) {
	c.gets++
	return c.Store.Get(ctx, name)
}

func (c *countingStore) List(ctx context.Context) ([]string, error) {
	c.lists++
	return c.Store.List(ctx)
}

func TestCachedStoreServesRepeatReads(t *testing.T) {
	ctx := context.Background()
	origin := &countingStore{Store: NewMemoryStore()}
	snap, err := Take(demoMirror(), "base", "demo")
	require.NoError(t, err)
	require.NoError(t, origin.Put(ctx, snap))

	c := NewCachedStore(origin, CacheConfig{TTL: time.Minute, MaxEntries: 4})
	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "base")
		require.NoError(t, err)
		_, err = c.List(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, origin.gets)
	assert.Equal(t, 1, origin.lists)

	_, err = c.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	other, err := Take(mirror.New(), "other", "")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, other))
	names, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "other"}, names)
	assert.Equal(t, 2, origin.lists)

	m := c.Metrics()
	assert.Equal(t, uint64(2), m.Hits)
	assert.Equal(t, uint64(2), m.Misses)
	assert.Equal(t, uint64(2), m.ListHits)
	assert.Equal(t, uint64(2), m.ListMisses)
	assert.Equal(t, uint64(1), m.OriginErrors)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)
	ctx := context.Background()

	snap, err := Take(demoMirror(), "base", "demo")
	require.NoError(t, err)
	raw, err := encode(snap)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mirror_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO mirror_snapshots").
		WithArgs("base", "demo", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT body FROM mirror_snapshots").
		WithArgs("base").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(raw))
	mock.ExpectQuery("SELECT body FROM mirror_snapshots").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	mock.ExpectQuery("SELECT name FROM mirror_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("base").AddRow("nightly"))
	mock.ExpectExec("DELETE FROM mirror_snapshots").
		WithArgs("base").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Put(ctx, snap))
	got, err := store.Get(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Station)
	_, err = store.Get(ctx, "gone")
	assert.True(t, errors.Is(err, ErrNotFound))
	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "nightly"}, names)
	require.NoError(t, store.Delete(ctx, "base"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSchemaErrorSticks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	_, err = store.List(context.Background())
	assert.ErrorContains(t, err, "permission denied")
	_, err = store.Get(context.Background(), "base")
	assert.ErrorContains(t, err, "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen(t *testing.T) {
	st, closeFn, err := Open(config.SnapshotConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)
	assert.NoError(t, closeFn())

	st, _, err = Open(config.SnapshotConfig{Backend: "file", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	_, _, err = Open(config.SnapshotConfig{Backend: "s3"}, nil)
	assert.Error(t, err)

	_, closeFn, err = Open(config.SnapshotConfig{Backend: "tape"}, nil)
	assert.Error(t, err)
	assert.NoError(t, closeFn())
}
