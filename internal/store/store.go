package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrSeqConflict is returned when an append targets a seq that already
	// holds a different event.
	ErrSeqConflict = errors.New("seq already holds a different event")

	// ErrSnapshotNotFound is returned when loading an unknown snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrCorruptSnapshot is returned when a snapshot's payload does not
	// match its recorded state hash.
	ErrCorruptSnapshot = errors.New("snapshot payload does not match its hash")
)

// pragmas configure every connection: WAL so readers such as trace and
// replay can run beside a serving engine, and a busy timeout for the
// single writer.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// migration upgrades a database from version-1 to version, where version
// is its position in migrations plus one.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "index events by session",
		stmt: `CREATE INDEX IF NOT EXISTS idx_events_session ON events(session, seq)`,
	},
}

// Store is the durable change log of one engine: the events it applied, in
// seq order, and the named snapshots its save command wrote. It is safe for
// concurrent use; writes are serialized on a single connection.
type Store struct {
	db *sql.DB
}

// Open opens the change log at path, creating the file and its tables when
// they do not exist and migrating older databases. Opening an existing log
// leaves its events and snapshots untouched.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return migrate(db)
}

// migrate runs every migration past the database's user_version and
// records the new version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i].stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, migrations[i].name, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for ad hoc queries in tests and tools.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	if err := s.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
