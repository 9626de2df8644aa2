package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/store"
)

// Command names understood in Event.Commands.
const (
	CommandReset = "reset"
	CommandSave  = "save"
	CommandLoad  = "load"
)

// DefaultSubscriberBuffer is the number of deltas a subscriber may lag
// behind before it is dropped.
const DefaultSubscriberBuffer = 64

// Engine is the single-writer runtime around a Flow.
//
// All mutations happen under the write lock, either in the Run loop or in
// a direct Apply call. External callers use Enqueue to submit events and
// View or State to read.
//
// Thread-safety model:
//   - Enqueue, View, State, Subscribe: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	mu        sync.RWMutex
	flow      *flow.Flow
	base      *flow.Flow
	seq       int64
	replaying bool

	store     *store.Store
	snapshots map[string][]ir.ViewChanges // used when store is nil
	program   *compiler.Program
	compile   []compiler.Option

	queue    *eventQueue
	sessions SessionGenerator
	metrics  *Metrics
	logger   *slog.Logger

	subs   map[*Subscription]struct{}
	subBuf int
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every event and snapshot in s.
func WithStore(s *store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithProgram seeds the engine, and every reset, with p.
func WithProgram(p *compiler.Program) Option {
	return func(e *Engine) {
		e.program = p
	}
}

// WithCompileOptions passes opts to every compilation.
func WithCompileOptions(opts ...compiler.Option) Option {
	return func(e *Engine) {
		e.compile = append(e.compile, opts...)
	}
}

// WithLogger sets the engine and flow logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records engine activity in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSessions sets the generator for events that arrive without a session.
func WithSessions(g SessionGenerator) Option {
	return func(e *Engine) {
		e.sessions = g
	}
}

// WithSubscriberBuffer sets how many deltas a subscriber may lag behind.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		e.subBuf = n
	}
}

// New creates an Engine holding the bootstrap relations, plus the program
// if one was given, compiled and run to quiescence.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		snapshots: make(map[string][]ir.ViewChanges),
		queue:     newEventQueue(),
		sessions:  UUIDv7Generator{},
		logger:    slog.Default(),
		subs:      make(map[*Subscription]struct{}),
		subBuf:    DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	base, err := e.newBase()
	if err != nil {
		return nil, err
	}
	base.TakeChanges()
	base.TakeDiagnostics()
	e.base = base
	e.flow = base.Clone()
	e.metrics.Views.Set(float64(e.flow.Len()))
	return e, nil
}

func (e *Engine) newBase() (*flow.Flow, error) {
	f := compiler.Bootstrap(flow.WithLogger(e.logger))
	if e.program != nil {
		next, err := e.program.Apply(f, e.compile...)
		if err != nil {
			return nil, fmt.Errorf("load program: %w", err)
		}
		return next, nil
	}
	next, err := compiler.CompileAndRun(f, e.compile...)
	if err != nil {
		return nil, fmt.Errorf("compile bootstrap: %w", err)
	}
	return next, nil
}

// Enqueue submits an event for processing by the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev ir.Event) bool {
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of events awaiting the Run loop.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// NewSession returns a fresh session id.
func (e *Engine) NewSession() string {
	return e.sessions.Generate()
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Run processes queued events until ctx is cancelled or Stop is called.
//
// A failing event is logged and skipped; it leaves the state as it was.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if _, err := e.Apply(ctx, ev); err != nil {
				e.logger.Error("event failed",
					"session", ev.Session,
					"changes", len(ev.Changes),
					"commands", len(ev.Commands),
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue; an empty closed
			// queue ends the loop.
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue. Run returns once the queue drains.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Close stops the engine and ends every subscription.
func (e *Engine) Close() {
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subs {
		e.dropLocked(sub)
	}
}

// Apply processes one event synchronously and returns its seq.
//
// The event is appended to the store before it is applied, so a failing
// event is still part of history and fails the same way on replay.
func (e *Engine) Apply(ctx context.Context, ev ir.Event) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if ev.Session == "" {
		ev.Session = e.sessions.Generate()
	}

	seq := e.seq + 1
	if e.store != nil {
		if _, _, err := e.store.AppendEvent(ctx, seq, ev); err != nil {
			e.metrics.Events.WithLabelValues("error").Inc()
			re := runtimeError(ErrCodeStore, err, "append event")
			re.Seq, re.Session = seq, ev.Session
			return 0, re
		}
	}
	e.seq = seq

	err := e.apply(ctx, ev, seq)
	e.metrics.Quiesce.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.Events.WithLabelValues("error").Inc()
		var re *RuntimeError
		if errors.As(err, &re) {
			re.Seq, re.Session = seq, ev.Session
		}
		return seq, err
	}
	e.metrics.Events.WithLabelValues("ok").Inc()
	return seq, nil
}

// apply runs ev against a clone of the current flow and swaps the clone in
// only if every step succeeds. Reset and load run before the event's
// changes; save runs after them.
func (e *Engine) apply(ctx context.Context, ev ir.Event, seq int64) error {
	prev := e.flow
	next := prev.Clone()

	var saves []string
	for _, cmd := range ev.Commands {
		if len(cmd) == 0 {
			return runtimeError(ErrCodeInvalidCommand, nil, "empty command")
		}
		switch cmd[0] {
		case CommandReset:
			if len(cmd) != 1 {
				return runtimeError(ErrCodeInvalidCommand, nil, "reset takes no arguments")
			}
			next = e.base.Clone()
		case CommandLoad:
			if len(cmd) != 2 {
				return runtimeError(ErrCodeInvalidCommand, nil, "load takes a snapshot name")
			}
			loaded, err := e.load(ctx, cmd[1])
			if err != nil {
				return err
			}
			next = loaded
		case CommandSave:
			if len(cmd) != 2 {
				return runtimeError(ErrCodeInvalidCommand, nil, "save takes a snapshot name")
			}
			saves = append(saves, cmd[1])
		default:
			return runtimeError(ErrCodeInvalidCommand, nil, "unknown command %q", cmd[0])
		}
	}

	next, err := e.quiesce(next, ev.ViewChanges())
	if err != nil {
		return err
	}

	for _, name := range saves {
		if err := e.save(ctx, name, seq, next); err != nil {
			return err
		}
	}

	e.flow = next
	e.publish(prev, next, ev.Session)
	return nil
}

// quiesce applies batches to f, recompiling when schema relations change.
// Schema batches go first so that the rest may target views they declare.
func (e *Engine) quiesce(f *flow.Flow, batches []ir.ViewChanges) (*flow.Flow, error) {
	schema, rest := compiler.SplitSchema(batches)

	var err error
	if len(schema) > 0 {
		if err := f.Change(schema); err != nil {
			return nil, runtimeError(ErrCodeInvalidChange, err, "apply schema changes")
		}
		if f, err = e.recompile(f); err != nil {
			return nil, err
		}
	}

	before := compiler.SchemaSnapshot(f)
	if err := f.Quiesce(rest); err != nil {
		return nil, runtimeError(ErrCodeInvalidChange, err, "apply changes")
	}
	if compiler.SchemaChanged(before, f) {
		if f, err = e.recompile(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (e *Engine) recompile(f *flow.Flow) (*flow.Flow, error) {
	e.metrics.Compiles.Inc()
	next, err := compiler.CompileAndRun(f, e.compile...)
	if err != nil {
		return nil, runtimeError(ErrCodeCompileFailed, err, "recompile")
	}
	return next, nil
}

// publish reports the difference between prev and next to subscribers and
// drains next's change log and diagnostics.
func (e *Engine) publish(prev, next *flow.Flow, session string) {
	entries := next.TakeChanges()
	for _, d := range next.TakeDiagnostics() {
		e.metrics.Diagnostics.Inc()
		e.logger.Warn("row error", "location", d.Location, "error", d.Err, "session", session)
	}
	e.metrics.Views.Set(float64(next.Len()))

	delta := next.ChangesSince(prev)
	e.logger.Debug("event applied",
		"session", session,
		"log_entries", len(entries),
		"views_changed", len(delta),
	)
	if len(delta) == 0 {
		return
	}

	out := ir.Event{Session: session, Changes: make([]ir.EventChange, len(delta))}
	for i, vc := range delta {
		e.metrics.Rows.WithLabelValues("inserted").Add(float64(len(vc.Inserted)))
		e.metrics.Rows.WithLabelValues("removed").Add(float64(len(vc.Removed)))
		out.Changes[i] = ir.EventChangeFrom(vc)
	}

	for sub := range e.subs {
		select {
		case sub.ch <- out:
		default:
			e.logger.Warn("subscriber lagging, dropping", "buffer", e.subBuf)
			e.dropLocked(sub)
		}
	}
}

// View calls fn with the current flow under the read lock. fn must not
// mutate the flow or retain it.
func (e *Engine) View(fn func(*flow.Flow) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.flow)
}

// State returns the full materialized state, one batch per view.
func (e *Engine) State() []ir.ViewChanges {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flow.AsChanges()
}

// Seq returns the seq of the last applied event.
func (e *Engine) Seq() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}
