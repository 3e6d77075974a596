package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps snapshots in one table through database/sql and
// the pgx driver.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens dsn with the pgx driver.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS mirror_snapshots (
    name TEXT PRIMARY KEY,
    station TEXT NOT NULL DEFAULT '',
    taken_at TIMESTAMP WITH TIME ZONE NOT NULL,
    body JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
)`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Put(ctx context.Context, snap *Snapshot) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	raw, err := encode(snap)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO mirror_snapshots (name, station, taken_at, body, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (name)
DO UPDATE SET station=EXCLUDED.station, taken_at=EXCLUDED.taken_at, body=EXCLUDED.body, updated_at=NOW()
`, snap.Name, snap.Station, snap.TakenAt, raw)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*Snapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM mirror_snapshots WHERE name=$1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM mirror_snapshots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM mirror_snapshots WHERE name=$1`, strings.TrimSpace(name))
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
