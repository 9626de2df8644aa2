// Package flow propagates changes through a graph of materialized views
// until no view is dirty.
//
// Nodes live in an arena and refer to each other by position, so cyclic
// graphs need no special handling. A Flow is not safe for concurrent use;
// callers serialize access (see package engine).
//
// Precondition: every cycle in the graph must pass only through Union
// nodes. Unions accumulate monotonically, so a cycle of them reaches a
// fixpoint. A cycle through a Query node is recomputed from scratch on each
// visit and Run may never return.
package flow

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/query"
)

// Node is one compiled view.
type Node struct {
	ID     string
	Fields []string
	View   query.View

	// Input holds base data written through Change.
	Input *index.Index
	// Output is the current materialized result.
	Output *index.Index

	Upstream   []int
	Downstream []int

	// removed collects input removals not yet seen by the view.
	removed []ir.Tuple
}

// LogEntry is one materialized delta.
type LogEntry struct {
	Seq     int64
	View    string
	Changes ir.Changes
}

// Flow is an ordered collection of nodes, a dirty worklist and the change
// log accumulated since the last TakeChanges.
type Flow struct {
	nodes  []*Node
	byID   map[string]int
	dirty  *bitset.BitSet
	log    []LogEntry
	clock  *Clock
	diags  *expr.Diagnostics
	logger *slog.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the logger used for per-node debug output.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}

// WithClock sets the clock stamping change-log entries.
func WithClock(c *Clock) Option {
	return func(f *Flow) {
		f.clock = c
	}
}

// New returns an empty flow.
func New(opts ...Option) *Flow {
	f := &Flow{
		byID:   make(map[string]int),
		dirty:  bitset.New(0),
		clock:  NewClock(),
		diags:  &expr.Diagnostics{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build returns a flow over nodes in the given order. Ids must be unique and
// upstream positions in range. Downstream lists are derived; nil indexes
// start empty. Nodes are not marked dirty.
func Build(nodes []*Node, opts ...Option) (*Flow, error) {
	f := New(opts...)
	for i, n := range nodes {
		if _, dup := f.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate view id %q", n.ID)
		}
		if n.View == nil {
			return nil, fmt.Errorf("view %q has no definition", n.ID)
		}
		if n.Input == nil {
			n.Input = index.New()
		}
		if n.Output == nil {
			n.Output = index.New()
		}
		n.Downstream = nil
		f.byID[n.ID] = i
	}
	f.nodes = nodes

	for i, n := range nodes {
		for _, u := range n.Upstream {
			if u < 0 || u >= len(nodes) {
				return nil, fmt.Errorf("view %q: upstream position %d out of range", n.ID, u)
			}
			if !slices.Contains(nodes[u].Downstream, i) {
				nodes[u].Downstream = append(nodes[u].Downstream, i)
			}
		}
	}
	return f, nil
}

// Len returns the number of nodes.
func (f *Flow) Len() int {
	return len(f.nodes)
}

// Nodes returns the nodes in position order. Callers must not mutate them.
func (f *Flow) Nodes() []*Node {
	return f.nodes
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (*Node, bool) {
	i, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	return f.nodes[i], true
}

// Position returns the arena position of id, or -1.
func (f *Flow) Position(id string) int {
	i, ok := f.byID[id]
	if !ok {
		return -1
	}
	return i
}

// Clock returns the clock stamping change-log entries.
func (f *Flow) Clock() *Clock {
	return f.clock
}

// Logger returns the flow's logger.
func (f *Flow) Logger() *slog.Logger {
	return f.logger
}

// EnsureUnionExists guarantees a node named id exists, creating an empty
// input-only Union with the given fields when absent. It returns the node's
// position.
func (f *Flow) EnsureUnionExists(id string, fields []string) int {
	if i, ok := f.byID[id]; ok {
		return i
	}
	i := len(f.nodes)
	f.nodes = append(f.nodes, &Node{
		ID:     id,
		Fields: slices.Clone(fields),
		View:   &query.Union{Name: id},
		Input:  index.New(),
		Output: index.New(),
	})
	f.byID[id] = i
	return i
}

// Change validates every batch and then applies all of them to their
// nodes' inputs, marking those nodes dirty. Nothing is applied if any batch
// is invalid.
//
// Only union views accept batches. A batch's Fields must equal the view's
// declared fields. An empty Fields skips that check; every tuple must still
// have the view's arity.
func (f *Flow) Change(batches []ir.ViewChanges) error {
	targets := make([]*Node, len(batches))
	for i, b := range batches {
		n, ok := f.Node(b.View)
		if !ok {
			return fmt.Errorf("change %q: %w", b.View, ErrUnknownView)
		}
		if _, ok := n.View.(*query.Query); ok {
			return fmt.Errorf("change %q: %w", b.View, ErrQueryView)
		}
		if len(b.Fields) > 0 && !slices.Equal(b.Fields, n.Fields) {
			return &ArityError{View: n.ID, Expected: n.Fields, Fields: b.Fields}
		}
		for _, t := range b.Inserted {
			if len(t) != len(n.Fields) {
				return &ArityError{View: n.ID, Expected: n.Fields, Tuple: t}
			}
		}
		for _, t := range b.Removed {
			if len(t) != len(n.Fields) {
				return &ArityError{View: n.ID, Expected: n.Fields, Tuple: t}
			}
		}
		targets[i] = n
	}

	for i, b := range batches {
		n := targets[i]
		n.Input.Change(b.Changes)
		n.removed = append(n.removed, b.Removed...)
		f.dirty.Set(uint(f.byID[n.ID]))
	}
	return nil
}

// MarkDirty schedules id for re-evaluation, for callers that wrote to its
// Input directly.
func (f *Flow) MarkDirty(id string) error {
	i, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("mark %q: %w", id, ErrUnknownView)
	}
	f.dirty.Set(uint(i))
	return nil
}

// MarkAllDirty schedules every node for re-evaluation.
func (f *Flow) MarkAllDirty() {
	for i := range f.nodes {
		f.dirty.Set(uint(i))
	}
}

// Dirty reports whether any node awaits evaluation.
func (f *Flow) Dirty() bool {
	return f.dirty.Any()
}

// Run drains the worklist. It repeatedly evaluates the lowest-numbered dirty
// node against the current outputs of its upstream nodes; when the output
// changes, the delta is logged and every downstream node becomes dirty.
func (f *Flow) Run() {
	for {
		next, ok := f.dirty.NextSet(0)
		if !ok {
			return
		}
		f.dirty.Clear(next)
		f.evaluate(int(next))
	}
}

// Quiesce applies batches and runs to quiescence. It is the unit of one
// external event.
func (f *Flow) Quiesce(batches []ir.ViewChanges) error {
	if err := f.Change(batches); err != nil {
		return err
	}
	f.Run()
	return nil
}

func (f *Flow) evaluate(pos int) {
	n := f.nodes[pos]

	upstream := make([]*index.Index, len(n.Upstream))
	for i, u := range n.Upstream {
		upstream[i] = f.nodes[u].Output
	}

	var out *index.Index
	switch v := n.View.(type) {
	case *query.Query:
		out = v.Eval(upstream, f.diags)
	case *query.Union:
		out = v.Eval(n.Output, n.Input, n.removed, upstream, f.diags)
		n.removed = nil
	default:
		panic(fmt.Sprintf("view %q: unknown view %T", n.ID, n.View))
	}

	delta := out.ChangesSince(n.Output)
	n.Output = out
	if delta.IsEmpty() {
		f.logger.Debug("node unchanged", "view", n.ID)
		return
	}

	seq := f.clock.Next()
	f.log = append(f.log, LogEntry{Seq: seq, View: n.ID, Changes: delta})
	for _, d := range n.Downstream {
		f.dirty.Set(uint(d))
	}
	f.logger.Debug("node changed",
		"view", n.ID,
		"seq", seq,
		"inserted", len(delta.Inserted),
		"removed", len(delta.Removed),
		"downstream", len(n.Downstream),
	)
}

// Output returns a snapshot of id's materialized result. The snapshot is
// unaffected by later propagation.
func (f *Flow) Output(id string) (*index.Index, error) {
	n, ok := f.Node(id)
	if !ok {
		return nil, fmt.Errorf("output %q: %w", id, ErrUnknownView)
	}
	return n.Output.Clone(), nil
}

// Input returns id's input index for direct mutation. Call MarkDirty
// afterwards so the change propagates.
func (f *Flow) Input(id string) (*index.Index, error) {
	n, ok := f.Node(id)
	if !ok {
		return nil, fmt.Errorf("input %q: %w", id, ErrUnknownView)
	}
	return n.Input, nil
}

// AsChanges dumps the whole current state as one insert-only batch per
// node, in node order. Nodes with empty output are included.
func (f *Flow) AsChanges() []ir.ViewChanges {
	out := make([]ir.ViewChanges, len(f.nodes))
	for i, n := range f.nodes {
		out[i] = ir.ViewChanges{
			View:    n.ID,
			Fields:  slices.Clone(n.Fields),
			Changes: n.Output.AsChanges(),
		}
	}
	return out
}

// InputChanges dumps the base data written through Change as one
// insert-only batch per node with a non-empty input, in node order.
func (f *Flow) InputChanges() []ir.ViewChanges {
	var out []ir.ViewChanges
	for _, n := range f.nodes {
		if n.Input.Len() == 0 {
			continue
		}
		out = append(out, ir.ViewChanges{
			View:    n.ID,
			Fields:  slices.Clone(n.Fields),
			Changes: n.Input.AsChanges(),
		})
	}
	return out
}

// ChangesSince diffs the outputs of f against prev node by node, matching
// by id. A node only in f is wholly inserted; a node only in prev is wholly
// removed. Nodes without differences are omitted.
func (f *Flow) ChangesSince(prev *Flow) []ir.ViewChanges {
	var out []ir.ViewChanges
	for _, n := range f.nodes {
		var delta ir.Changes
		if old, ok := prev.Node(n.ID); ok {
			delta = n.Output.ChangesSince(old.Output)
		} else {
			delta = n.Output.AsChanges()
		}
		if delta.IsEmpty() {
			continue
		}
		out = append(out, ir.ViewChanges{View: n.ID, Fields: slices.Clone(n.Fields), Changes: delta})
	}
	for _, old := range prev.nodes {
		if _, ok := f.byID[old.ID]; ok {
			continue
		}
		if old.Output.Len() == 0 {
			continue
		}
		out = append(out, ir.ViewChanges{
			View:    old.ID,
			Fields:  slices.Clone(old.Fields),
			Changes: ir.Changes{Removed: old.Output.Tuples()},
		})
	}
	return out
}

// TakeChanges drains and returns the change log.
func (f *Flow) TakeChanges() []LogEntry {
	out := f.log
	f.log = nil
	return out
}

// PendingChanges returns the change log without draining it.
func (f *Flow) PendingChanges() []LogEntry {
	return slices.Clone(f.log)
}

// Diagnostics returns the per-row errors collected so far.
func (f *Flow) Diagnostics() []expr.Diagnostic {
	return f.diags.Items()
}

// TakeDiagnostics drains and returns the collected per-row errors.
func (f *Flow) TakeDiagnostics() []expr.Diagnostic {
	return f.diags.Take()
}

// Clone returns an independent copy sharing index structure copy-on-write.
// The clone gets its own clock positioned where f's is.
func (f *Flow) Clone() *Flow {
	c := &Flow{
		nodes:  make([]*Node, len(f.nodes)),
		byID:   make(map[string]int, len(f.byID)),
		dirty:  f.dirty.Clone(),
		log:    slices.Clone(f.log),
		clock:  NewClockAt(f.clock.Current()),
		diags:  &expr.Diagnostics{},
		logger: f.logger,
	}
	for i, n := range f.nodes {
		c.nodes[i] = &Node{
			ID:         n.ID,
			Fields:     slices.Clone(n.Fields),
			View:       n.View,
			Input:      n.Input.Clone(),
			Output:     n.Output.Clone(),
			Upstream:   slices.Clone(n.Upstream),
			Downstream: slices.Clone(n.Downstream),
			removed:    slices.Clone(n.removed),
		}
	}
	for id, i := range f.byID {
		c.byID[id] = i
	}
	for _, d := range f.diags.Items() {
		c.diags.Add(d.Location, d.Err)
	}
	return c
}

// Inherit carries runtime state from old into f: input and output contents
// of every node whose id and arity survive, pending input removals, the
// change log, the clock, collected diagnostics and the logger. Nodes that
// are new or whose arity changed start empty.
func (f *Flow) Inherit(old *Flow) {
	for _, n := range f.nodes {
		prev, ok := old.Node(n.ID)
		if !ok {
			continue
		}
		if len(prev.Fields) != len(n.Fields) {
			f.logger.Warn("view arity changed, dropping state",
				"view", n.ID, "was", len(prev.Fields), "now", len(n.Fields))
			continue
		}
		n.Input = prev.Input.Clone()
		n.Output = prev.Output.Clone()
		n.removed = slices.Clone(prev.removed)
	}
	f.log = append(slices.Clone(old.log), f.log...)
	f.clock = old.clock
	f.logger = old.logger
	for _, d := range old.diags.Items() {
		f.diags.Add(d.Location, d.Err)
	}
}
