package engine

import (
	"context"
	"fmt"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/store"
)

// Replay and snapshots.
//
// The change log is the only durable state. Recover re-applies every stored
// event through the same apply path as live traffic, so a restarted engine
// ends in the state the previous one had. Snapshots hold base data only
// (flow.InputChanges); derived views are recomputed on load.

// Recover replays the stored change log into the engine and positions its
// seq after the last stored event. Events that failed originally fail
// again and are skipped. Save commands are not re-executed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.replaying = true
	defer func() { e.replaying = false }()

	n := 0
	err := e.store.Replay(ctx, e.seq, func(ev store.StoredEvent) error {
		e.seq = ev.Seq
		if err := e.apply(ctx, ev.Event, ev.Seq); err != nil {
			e.logger.Warn("replayed event failed", "seq", ev.Seq, "error", err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("recover: %w", err)
	}
	e.logger.Info("recovered change log", "events", n, "seq", e.seq)
	return n, nil
}

// ReplayEvents applies events in order, as read from a change-log file,
// stopping at the first failure.
func (e *Engine) ReplayEvents(ctx context.Context, events []ir.Event) error {
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Apply(ctx, ev); err != nil {
			return fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	return nil
}

// StateHash returns the content hash of the materialized state.
func (e *Engine) StateHash() (string, error) {
	return ir.StateHash(e.State())
}

func (e *Engine) save(ctx context.Context, name string, seq int64, f *flow.Flow) error {
	state := f.InputChanges()
	if e.store == nil {
		e.snapshots[name] = state
		return nil
	}
	if e.replaying {
		return nil
	}
	if err := e.store.SaveSnapshot(ctx, name, seq, state); err != nil {
		return runtimeError(ErrCodeSnapshot, err, "save %q", name)
	}
	e.logger.Info("snapshot saved", "name", name, "seq", seq, "views", len(state))
	return nil
}

func (e *Engine) loadState(ctx context.Context, name string) ([]ir.ViewChanges, error) {
	if e.store == nil {
		state, ok := e.snapshots[name]
		if !ok {
			return nil, runtimeError(ErrCodeSnapshot, store.ErrSnapshotNotFound, "load %q", name)
		}
		return state, nil
	}
	snap, err := e.store.LoadSnapshot(ctx, name)
	if err != nil {
		return nil, runtimeError(ErrCodeSnapshot, err, "load %q", name)
	}
	return snap.State, nil
}

// load rebuilds a flow from a snapshot: bootstrap, then the saved schema
// rows, a compile, and finally the saved data.
func (e *Engine) load(ctx context.Context, name string) (*flow.Flow, error) {
	state, err := e.loadState(ctx, name)
	if err != nil {
		return nil, err
	}

	f := compiler.Bootstrap(flow.WithLogger(e.logger))
	schema, rest := compiler.SplitSchema(state)

	batches, err := missing(f, schema)
	if err != nil {
		return nil, runtimeError(ErrCodeSnapshot, err, "load %q", name)
	}
	if err := f.Change(batches); err != nil {
		return nil, runtimeError(ErrCodeSnapshot, err, "load %q", name)
	}
	if f, err = e.recompile(f); err != nil {
		return nil, err
	}

	if batches, err = missing(f, rest); err != nil {
		return nil, runtimeError(ErrCodeSnapshot, err, "load %q", name)
	}
	if err := f.Quiesce(batches); err != nil {
		return nil, runtimeError(ErrCodeSnapshot, err, "load %q", name)
	}
	e.logger.Info("snapshot loaded", "name", name, "views", f.Len())
	return f, nil
}

// missing drops rows that f's inputs already hold, so restoring a
// snapshot over a freshly compiled flow never doubles a multiplicity.
func missing(f *flow.Flow, batches []ir.ViewChanges) ([]ir.ViewChanges, error) {
	out := make([]ir.ViewChanges, 0, len(batches))
	for _, b := range batches {
		in, err := f.Input(b.View)
		if err != nil {
			return nil, err
		}
		vc := ir.ViewChanges{View: b.View, Fields: b.Fields}
		for _, t := range b.Inserted {
			if !in.Contains(t) {
				vc.Inserted = append(vc.Inserted, t)
			}
		}
		out = append(out, vc)
	}
	return out, nil
}
