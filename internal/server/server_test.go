package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/ir"
)

const program = `
view: edge: {
	kind: "table"
	fields: ["from", "to"]
}

view: reach: {
	kind: "union"
	fields: ["from", "to"]
	mappings: [{source: "edge", fields: {from: "from", to: "to"}}]
}

data: edge: [["a", "b"]]
`

func startServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	p, err := compiler.ParseProgram("test.cue", program)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e, err := engine.New(
		engine.WithProgram(p),
		engine.WithLogger(logger),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithSessions(engine.NewFixedGenerator("conn-1", "conn-2")),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	srv := New(e, WithGatherer(reg), WithLogger(logger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		e.Close()
	})
	return ts, e
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ir.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := ir.UnmarshalEvent(data)
	require.NoError(t, err)
	return ev
}

func changesByView(ev ir.Event) map[string]ir.EventChange {
	out := make(map[string]ir.EventChange)
	for _, c := range ev.Changes {
		out[c.View] = c
	}
	return out
}

func TestWebSocketSendsInitialState(t *testing.T) {
	ts, _ := startServer(t)
	conn := dial(t, ts)

	ev := readEvent(t, conn)
	assert.Equal(t, "conn-1", ev.Session)

	byView := changesByView(ev)
	require.Contains(t, byView, "reach")
	assert.Equal(t, []string{"from", "to"}, byView["reach"].Fields)
	assert.Equal(t, []ir.Tuple{{ir.String("a"), ir.String("b")}}, byView["reach"].Inserted)
	assert.Contains(t, byView, compiler.RelView)
}

func TestWebSocketAppliesInboundEvents(t *testing.T) {
	ts, e := startServer(t)
	conn := dial(t, ts)
	readEvent(t, conn)

	msg := `{"changes": [["edge", ["from", "to"], [["b", "c"]], []]], "commands": []}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	ev := readEvent(t, conn)
	assert.Equal(t, "conn-1", ev.Session, "inbound events inherit the connection session")
	byView := changesByView(ev)
	assert.Equal(t, []ir.Tuple{{ir.String("b"), ir.String("c")}}, byView["reach"].Inserted)
	assert.Equal(t, int64(1), e.Seq())
}

func TestWebSocketBroadcastsToOtherClients(t *testing.T) {
	ts, _ := startServer(t)
	first := dial(t, ts)
	readEvent(t, first)
	second := dial(t, ts)
	readEvent(t, second)

	msg := `{"changes": [["edge", ["from", "to"], [["x", "y"]], []]], "session": "writer", "commands": []}`
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(msg)))

	ev := readEvent(t, second)
	assert.Equal(t, "writer", ev.Session)
	assert.Contains(t, changesByView(ev), "edge")
}

func TestWebSocketRejectsMalformedMessages(t *testing.T) {
	ts, _ := startServer(t)
	conn := dial(t, ts)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"changes": "nope"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply errorMessage
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.NotEmpty(t, reply.Error)

	// The connection is still usable.
	good := `{"changes": [["edge", ["from", "to"], [["q", "r"]], []]], "commands": []}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(good)))
	ev := readEvent(t, conn)
	assert.Contains(t, changesByView(ev), "edge")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, e := startServer(t)

	_, err := e.Apply(context.Background(), ir.Event{Session: "s"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tarn_events_total")
	assert.Contains(t, string(body), "tarn_views")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	e, err := engine.New(engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(e.Close)

	srv := New(e, WithLogger(slog.New(slog.DiscardHandler)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
