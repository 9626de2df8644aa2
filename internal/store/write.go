package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tarn/internal/ir"
)

// AppendEvent stores ev at seq. It returns the event's content id and
// whether a row was written.
//
// Uses ON CONFLICT(seq) DO NOTHING for idempotency: appending the same
// event at the same seq again is silently ignored. If seq already holds a
// different event the error wraps ErrSeqConflict.
func (s *Store) AppendEvent(ctx context.Context, seq int64, ev ir.Event) (id string, inserted bool, err error) {
	id, err = ir.EventID(ev)
	if err != nil {
		return "", false, fmt.Errorf("append event: %w", err)
	}
	payload, err := encodePayload(ev)
	if err != nil {
		return "", false, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(seq, id, session, payload, wire_version, engine_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		seq,
		id,
		ev.Session,
		payload,
		ir.WireVersion,
		ir.EngineVersion,
	)
	if err != nil {
		return "", false, fmt.Errorf("append event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("append event: rows affected: %w", err)
	}

	if affected == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM events WHERE seq = ?`, seq).Scan(&existing); err != nil {
			return "", false, fmt.Errorf("append event: read existing: %w", err)
		}
		if existing != id {
			return "", false, fmt.Errorf("append event at seq %d: %w", seq, ErrSeqConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("append event: commit: %w", err)
	}
	return id, affected > 0, nil
}

// SaveSnapshot writes a named full-state dump taken after event seq,
// replacing any snapshot of the same name.
func (s *Store) SaveSnapshot(ctx context.Context, name string, seq int64, state []ir.ViewChanges) error {
	hash, err := ir.StateHash(state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	payload, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(name, seq, state_hash, payload, wire_version, engine_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			seq = excluded.seq,
			state_hash = excluded.state_hash,
			payload = excluded.payload,
			wire_version = excluded.wire_version,
			engine_version = excluded.engine_version
	`,
		name,
		seq,
		hash,
		payload,
		ir.WireVersion,
		ir.EngineVersion,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes a named snapshot. Deleting an unknown name is not
// an error.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Truncate removes every event after seq. Snapshots are kept.
func (s *Store) Truncate(ctx context.Context, after int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE seq > ?`, after)
	if err != nil {
		return 0, fmt.Errorf("truncate events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate events: rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
