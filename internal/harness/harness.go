package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/testutil"
)

// Harness drives one scenario through a real engine.
// It runs with a fixed session and a private metrics registry, so the
// trace of a scenario is identical on every run.
type Harness struct {
	engine  *engine.Engine
	sub     *engine.Subscription
	session string
	trace   map[string]bool
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory engine for isolation.
//
// Execution flow:
// 1. Load the program and start an engine with it
// 2. Apply every step as one event, checking its expect clause
// 3. Record the published delta of each step
// 4. Evaluate assertions against the final state
//
// The returned error covers problems running the scenario at all; failed
// expectations and assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and a logger for the engine. A nil
// logger discards.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	program, err := loadProgram(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load program: %w", err)
	}

	sessions := testutil.NewFixedSessionGenerator(scenario.Session)
	metrics := engine.NewMetrics(prometheus.NewRegistry())
	eng, err := engine.New(
		engine.WithProgram(program),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithSessions(sessions),
		engine.WithSubscriberBuffer(len(scenario.Steps)+1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close()

	sub, _ := eng.Subscribe()
	h := &Harness{
		engine:  eng,
		sub:     sub,
		session: sessions.Generate(),
		logger:  logger,
	}
	if len(scenario.Trace) > 0 {
		h.trace = make(map[string]bool, len(scenario.Trace))
		for _, v := range scenario.Trace {
			h.trace[v] = true
		}
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	for _, vc := range eng.State() {
		result.State[vc.View] = vc.Inserted
	}
	result.Diagnostics = int(promtest.ToFloat64(metrics.Diagnostics))

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func loadProgram(s *Scenario) (*compiler.Program, error) {
	if s.Source != "" {
		return compiler.ParseProgram(s.Name+".cue", s.Source)
	}
	return compiler.LoadProgram(s.Program)
}

// executeSteps applies each step and validates its expect clause. A step
// that behaves unexpectedly is recorded in result; only a context error
// stops the run.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := step.Event(h.session)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		seq, applyErr := h.engine.Apply(ctx, ev)
		code := errorCode(applyErr)
		result.AddStep(seq, h.takeDelta(), code)

		if msg := checkExpect(step.Expect, applyErr); msg != "" {
			result.AddError(fmt.Sprintf("step %d: %s", i, msg))
		}

		h.logger.Debug("step applied", "step", i, "seq", seq, "error", code)
	}
	return nil
}

// takeDelta returns the delta published by the last step, if any, filtered
// to the traced views and sorted by view.
func (h *Harness) takeDelta() []ir.EventChange {
	var ev ir.Event
	select {
	case out, ok := <-h.sub.C:
		if !ok {
			return nil
		}
		ev = out
	default:
		return nil
	}

	var out []ir.EventChange
	for _, c := range ev.Changes {
		if h.traced(c.View) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b ir.EventChange) int { return strings.Compare(a.View, b.View) })
	return out
}

func (h *Harness) traced(view string) bool {
	if h.trace != nil {
		return h.trace[view]
	}
	return !compiler.IsBootstrap(view)
}

func checkExpect(expect *ExpectClause, err error) string {
	if expect == nil {
		if err != nil {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		return ""
	}
	if err == nil {
		return fmt.Sprintf("expected failure (code %q, error %q), got success", expect.Code, expect.Error)
	}
	if expect.Code != "" && !engine.HasCode(err, engine.RuntimeErrorCode(expect.Code)) {
		return fmt.Sprintf("expected code %s, got %q", expect.Code, errorCode(err))
	}
	if expect.Error != "" && !strings.Contains(err.Error(), expect.Error) {
		return fmt.Sprintf("expected error containing %q, got %q", expect.Error, err.Error())
	}
	return ""
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return "ERROR"
}
