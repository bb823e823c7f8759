// Package sqldb implements the gateway store on SQLite through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = ports.ErrNotFound

// Store is a SQLite implementation of ports.Store.
type Store struct {
	db *sqlx.DB
}

// Ensure Store implements the gateway store.
var _ ports.Store = (*Store)(nil)

// sqlitePragmas are applied to every connection through the DSN. Writers take
// the database lock at BEGIN so read-modify-write transactions serialize.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// NewSQLite opens (creating if needed) the database at path and applies the
// schema migrations.
func NewSQLite(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", "file:"+path+"?"+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps in-process writers
	// queued on the pool instead of spinning on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the storage connection
func (s *Store) Close() error {
	return s.db.Close()
}

type identityRow struct {
	SubjectID string    `db:"subject_id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Picture   string    `db:"picture"`
	FirstSeen time.Time `db:"first_seen"`
	LastSeen  time.Time `db:"last_seen"`
}

func (s *Store) UpsertIdentity(ctx context.Context, id *domain.Identity, now time.Time) error {
	if id == nil || id.SubjectID == "" {
		return errors.New("identity requires a subject id")
	}

	now = now.UTC()
	query := `INSERT INTO users (subject_id, email, name, picture, first_seen, last_seen)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(subject_id) DO UPDATE SET
	              email = excluded.email,
	              name = excluded.name,
	              picture = excluded.picture,
	              last_seen = excluded.last_seen`

	if _, err := s.db.ExecContext(ctx, query,
		id.SubjectID, id.Email, id.Name, id.Picture, now, now); err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}

	return nil
}

func (s *Store) GetIdentity(ctx context.Context, subjectID string) (*domain.Identity, error) {
	var row identityRow
	err := s.db.GetContext(ctx, &row, `SELECT subject_id, email, name, picture, first_seen, last_seen
	          FROM users WHERE subject_id = ?`, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %s: %w", subjectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return &domain.Identity{
		SubjectID: row.SubjectID,
		Email:     row.Email,
		Name:      row.Name,
		Picture:   row.Picture,
		FirstSeen: row.FirstSeen,
		LastSeen:  row.LastSeen,
	}, nil
}
