package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tarn/internal/ir"
)

// StoredEvent is one row of the change log.
type StoredEvent struct {
	Seq   int64
	ID    string
	Event ir.Event
}

// Snapshot is a named full-state dump.
type Snapshot struct {
	Name          string
	Seq           int64
	Hash          string
	EngineVersion string
	State         []ir.ViewChanges
}

// SnapshotInfo describes a snapshot without its state.
type SnapshotInfo struct {
	Name string
	Seq  int64
	Hash string
}

// ReadEvents returns every event with seq greater than after, ordered by
// seq. Returns an empty slice (not nil) if there are none.
func (s *Store) ReadEvents(ctx context.Context, after int64) ([]StoredEvent, error) {
	return s.collect(ctx, `
		SELECT seq, id, payload FROM events
		WHERE seq > ?
		ORDER BY seq ASC
	`, after)
}

// ReadSession returns the events of one session, ordered by seq.
func (s *Store) ReadSession(ctx context.Context, session string) ([]StoredEvent, error) {
	return s.collect(ctx, `
		SELECT seq, id, payload FROM events
		WHERE session = ?
		ORDER BY seq ASC
	`, session)
}

// ReadEvent returns the event at seq. Returns sql.ErrNoRows if not found.
func (s *Store) ReadEvent(ctx context.Context, seq int64) (StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, id, payload FROM events WHERE seq = ?`, seq)
	return scanEvent(row)
}

func (s *Store) collect(ctx context.Context, query string, args ...any) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (StoredEvent, error) {
	var (
		ev      StoredEvent
		payload []byte
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &payload); err != nil {
		if notFound(err) {
			return StoredEvent{}, err
		}
		return StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}
	decoded, err := decodeEvent(payload)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	ev.Event = decoded
	return ev, nil
}

// LastSeq returns the highest stored seq, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LoadSnapshot reads a named snapshot and verifies its state hash.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (Snapshot, error) {
	var (
		snap    = Snapshot{Name: name}
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, state_hash, payload, engine_version
		FROM snapshots WHERE name = ?
	`, name).Scan(&snap.Seq, &snap.Hash, &payload, &snap.EngineVersion)
	if notFound(err) {
		return Snapshot{}, fmt.Errorf("load snapshot %q: %w", name, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %q: %w", name, err)
	}

	state, err := decodeState(payload)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %q: %w", name, err)
	}
	hash, err := ir.StateHash(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %q: %w", name, err)
	}
	if hash != snap.Hash {
		return Snapshot{}, fmt.Errorf("load snapshot %q: %w", name, ErrCorruptSnapshot)
	}
	snap.State = state
	return snap, nil
}

// ListSnapshots returns every snapshot ordered by name.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, seq, state_hash FROM snapshots
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Name, &info.Seq, &info.Hash); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}
