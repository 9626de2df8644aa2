package store

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/ir"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tarn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func edgeEvent(session string, pairs ...[2]string) ir.Event {
	rows := make([]ir.Tuple, len(pairs))
	for i, p := range pairs {
		rows[i] = ir.Tuple{ir.String(p[0]), ir.String(p[1])}
	}
	return ir.Event{
		Session: session,
		Changes: []ir.EventChange{{
			View:     "edge",
			Fields:   []string{"from", "to"},
			Inserted: rows,
		}},
	}
}

func TestOpenAppliesPragmasAndMigrations(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.verifyPragma(ctx, "journal_mode", "wal"))
	require.NoError(t, s.verifyPragma(ctx, "busy_timeout", "5000"))
	require.NoError(t, s.verifyPragma(ctx, "user_version", "1"))
}

func TestOpenMigratesOlderDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tarn.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `DROP INDEX idx_events_session`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `PRAGMA user_version = 0`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_events_session'`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, s.verifyPragma(ctx, "user_version", "1"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tarn.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, _, err = s.AppendEvent(ctx, 1, edgeEvent("s", [2]string{"a", "b"}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestAppendEventIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	ev := edgeEvent("s", [2]string{"a", "b"})

	id, inserted, err := s.AppendEvent(ctx, 1, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, ir.MustEventID(ev), id)

	again, inserted, err := s.AppendEvent(ctx, 1, ev)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id, again)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppendEventRepeatsAtNewSeq(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	ev := edgeEvent("s", [2]string{"a", "b"})

	_, _, err := s.AppendEvent(ctx, 1, ev)
	require.NoError(t, err)
	_, inserted, err := s.AppendEvent(ctx, 2, ev)
	require.NoError(t, err)
	assert.True(t, inserted, "the same content at a new seq is a new event")
}

func TestAppendEventSeqConflict(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, 1, edgeEvent("s", [2]string{"a", "b"}))
	require.NoError(t, err)

	_, _, err = s.AppendEvent(ctx, 1, edgeEvent("s", [2]string{"b", "c"}))
	assert.ErrorIs(t, err, ErrSeqConflict)
}

func TestReadEventsOrderedBySeq(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for _, seq := range []int64{3, 1, 2} {
		_, _, err := s.AppendEvent(ctx, seq, edgeEvent("s", [2]string{"n", string(rune('a' + seq))}))
		require.NoError(t, err)
	}

	events, err := s.ReadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, ir.MustEventID(ev.Event), ev.ID)
	}

	tail, err := s.ReadEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)

	none, err := s.ReadEvents(ctx, 3)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestReadEventDecodesPayload(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	ev := edgeEvent("s1", [2]string{"a", "b"})
	ev.Commands = [][]string{{"save", "snap"}}

	_, _, err := s.AppendEvent(ctx, 7, ev)
	require.NoError(t, err)

	got, err := s.ReadEvent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Event.Session)
	assert.Equal(t, ev.Commands, got.Event.Commands)
	require.Len(t, got.Event.Changes, 1)
	assert.Equal(t, "edge", got.Event.Changes[0].View)
	assert.Equal(t, ev.Changes[0].Inserted, got.Event.Changes[0].Inserted)
}

func TestReadSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, 1, edgeEvent("alpha", [2]string{"a", "b"}))
	require.NoError(t, err)
	_, _, err = s.AppendEvent(ctx, 2, edgeEvent("beta", [2]string{"b", "c"}))
	require.NoError(t, err)
	_, _, err = s.AppendEvent(ctx, 3, edgeEvent("alpha", [2]string{"c", "d"}))
	require.NoError(t, err)

	events, err := s.ReadSession(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
}

func TestPayloadIsCompressedJSON(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, 1, edgeEvent("s", [2]string{"a", "b"}))
	require.NoError(t, err)

	var blob []byte
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT payload FROM events WHERE seq = 1`).Scan(&blob))

	data, err := snappy.Decode(nil, blob)
	require.NoError(t, err)
	assert.Contains(t, string(data), `["edge",["from","to"],[["a","b"]],[]]`)
}

func TestTruncate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 4; seq++ {
		_, _, err := s.AppendEvent(ctx, seq, edgeEvent("s", [2]string{"a", string(rune('a' + seq))}))
		require.NoError(t, err)
	}

	n, err := s.Truncate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestLastSeqEmpty(t *testing.T) {
	s := openTest(t)

	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func testState() []ir.ViewChanges {
	return []ir.ViewChanges{
		{
			View:   "edge",
			Fields: []string{"from", "to"},
			Changes: ir.Changes{
				Inserted: []ir.Tuple{
					{ir.String("a"), ir.String("b")},
					{ir.String("b"), ir.String("c")},
				},
			},
		},
		{
			View:    "count",
			Fields:  []string{"n"},
			Changes: ir.Changes{Inserted: []ir.Tuple{{ir.Float(2)}}},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	state := testState()

	require.NoError(t, s.SaveSnapshot(ctx, "snap", 4, state))

	snap, err := s.LoadSnapshot(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Seq)
	assert.Equal(t, ir.EngineVersion, snap.EngineVersion)

	want, err := ir.StateHash(state)
	require.NoError(t, err)
	assert.Equal(t, want, snap.Hash)

	require.Len(t, snap.State, 2)
	assert.Equal(t, "edge", snap.State[0].View)
	assert.Equal(t, state[0].Inserted, snap.State[0].Inserted)
	assert.Equal(t, state[1].Inserted, snap.State[1].Inserted)
}

func TestSaveSnapshotReplaces(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "snap", 1, testState()))
	require.NoError(t, s.SaveSnapshot(ctx, "snap", 9, testState()[:1]))
	require.NoError(t, s.SaveSnapshot(ctx, "other", 2, nil))

	snap, err := s.LoadSnapshot(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Seq)
	assert.Len(t, snap.State, 1)

	infos, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "other", infos[0].Name)
	assert.Equal(t, "snap", infos[1].Name)

	require.NoError(t, s.DeleteSnapshot(ctx, "other"))
	_, err = s.LoadSnapshot(ctx, "other")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadSnapshotErrors(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, "snap", 1, testState()))
	_, err = s.DB().ExecContext(ctx, `UPDATE snapshots SET state_hash = 'tampered' WHERE name = 'snap'`)
	require.NoError(t, err)

	_, err = s.LoadSnapshot(ctx, "snap")
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestReplayStops(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		_, _, err := s.AppendEvent(ctx, seq, edgeEvent("s", [2]string{"a", string(rune('a' + seq))}))
		require.NoError(t, err)
	}

	var seen []int64
	err := s.Replay(ctx, 0, func(ev StoredEvent) error {
		seen = append(seen, ev.Seq)
		if ev.Seq == 2 {
			return ErrStopReplay
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seen)
}

func TestLogFileRoundTrip(t *testing.T) {
	events := []ir.Event{
		edgeEvent("s", [2]string{"a", "b"}),
		{Session: "s", Commands: [][]string{{"save", "snap"}}},
		{
			Session: "s",
			Changes: []ir.EventChange{{
				View:    "edge",
				Fields:  []string{"from", "to"},
				Removed: []ir.Tuple{{ir.String("a"), ir.String("b")}},
			}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteLogFile(&buf, events))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	got, err := ReadLogFile(strings.NewReader("\n" + buf.String() + "\n\n"))
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i := range events {
		assert.Equal(t, ir.MustEventID(events[i]), ir.MustEventID(got[i]))
	}
}

func TestReadLogFileReportsLine(t *testing.T) {
	log := `{"changes": [], "session": "s", "commands": []}

{"changes": [["edge"]]}
`
	_, err := ReadLogFile(strings.NewReader(log))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestExportImport(t *testing.T) {
	src := openTest(t)
	ctx := context.Background()

	_, _, err := src.AppendEvent(ctx, 1, edgeEvent("s", [2]string{"a", "b"}))
	require.NoError(t, err)
	_, _, err = src.AppendEvent(ctx, 2, edgeEvent("s", [2]string{"b", "c"}))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := openTest(t)
	_, _, err = dst.AppendEvent(ctx, 1, edgeEvent("t", [2]string{"x", "y"}))
	require.NoError(t, err)

	n, err = dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := dst.ReadEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
}
