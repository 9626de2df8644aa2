package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/tarn/internal/ir"
)

// ErrStopReplay can be returned from a Replay callback to end the walk
// early without an error.
var ErrStopReplay = errors.New("stop replay")

// Replay calls fn for every event after seq, in seq order.
func (s *Store) Replay(ctx context.Context, after int64, fn func(StoredEvent) error) error {
	events, err := s.ReadEvents(ctx, after)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopReplay) {
				return nil
			}
			return fmt.Errorf("replay seq %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// maxLogLine bounds a single JSON-lines record.
const maxLogLine = 64 << 20

// ReadLogFile parses a JSON-lines change log: one Event per line. Blank
// lines are skipped. Errors carry the 1-based line number.
func ReadLogFile(r io.Reader) ([]ir.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	var (
		events []ir.Event
		line   int
	)
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		ev, err := ir.UnmarshalEvent(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return events, nil
}

// WriteLogFile writes events as JSON lines, the format ReadLogFile reads.
func WriteLogFile(w io.Writer, events []ir.Event) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write log event %d: %w", i, err)
		}
	}
	return nil
}

// Export writes every stored event as a JSON-lines log.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	stored, err := s.ReadEvents(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	events := make([]ir.Event, len(stored))
	for i, ev := range stored {
		events[i] = ev.Event
	}
	if err := WriteLogFile(w, events); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	return len(events), nil
}

// Import appends a JSON-lines log after the current last seq. It returns
// the number of events written.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	events, err := ReadLogFile(r)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	last, err := s.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	for i, ev := range events {
		if _, _, err := s.AppendEvent(ctx, last+int64(i)+1, ev); err != nil {
			return i, fmt.Errorf("import: %w", err)
		}
	}
	return len(events), nil
}
