package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"xobattle/internal/arena"
	"xobattle/internal/battle"
	"xobattle/internal/game"
	"xobattle/internal/metrics"
	"xobattle/internal/ports"
	"xobattle/internal/settle"
	"xobattle/internal/storage"
)

const adminToken = "test-admin-token"

// --- Test environment ---

type testEnv struct {
	ts      *httptest.Server
	store   *storage.Store
	arena   *arena.Arena
	matches *battle.Manager
	hub     *Hub
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := game.NewDefaultRegistry()
	hub := NewHub(0, m)
	reporter := settle.NewReporter(store, hub, settle.DefaultPayoutRatio)
	matches := battle.NewManager(registry, reporter,
		battle.WithNotifier(hub),
		battle.WithPersister(store),
		battle.WithMetrics(m))
	a := arena.New(matches, registry, store,
		arena.WithNotifier(hub),
		arena.WithStake(decimal.NewFromInt(1)),
		arena.WithMetrics(m))
	t.Cleanup(func() { a.Close(context.Background()) })

	srv := New(a, matches, registry, store, hub,
		WithAdminTokens([]string{adminToken}),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, arena: a, matches: matches, hub: hub}
}

// --- Context helpers ---

func timeoutCtx(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// --- REST API helpers ---

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func fund(t *testing.T, env *testEnv, id, amount string) {
	t.Helper()
	if err := env.store.Grant(context.Background(), id, decimal.RequireFromString(amount), 0, "fund:"+id); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

// --- WebSocket helpers ---

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/ws"
}

// wsDial opens a socket without joining.
func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

// wsConnect dials, joins as participantID and consumes the initial status.
// The caller is responsible for closing the connection.
func wsConnect(t *testing.T, ts *httptest.Server, participantID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := wsDial(t, ts)
	wsSend(ctx, t, conn, msgJoin, joinPayload{ParticipantID: participantID})
	readUntil(t, ctx, conn, msgStatus)
	return conn
}

// wsSend marshals and writes a typed message, calling t.Fatal on error.
func wsSend(ctx context.Context, t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := encode(msgType, payload)
	if err != nil {
		t.Fatalf("marshal ws message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

// wsRead reads and unmarshals a WebSocket message, calling t.Fatal on error.
func wsRead(ctx context.Context, t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of msgType arrives. An unexpected error
// message fails the test.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := wsRead(ctx, t, conn)
		if msg.Type == msgType {
			return msg
		}
		if msg.Type == msgError {
			t.Fatalf("waiting for %q, got error: %s", msgType, msg.Payload)
		}
	}
	t.Fatalf("no %q message within 50 reads", msgType)
	return WSMessage{}
}

// readError reads until an error message and returns its payload.
func readError(t *testing.T, ctx context.Context, conn *websocket.Conn) errorPayload {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := wsRead(ctx, t, conn)
		if msg.Type != msgError {
			continue
		}
		var ep errorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			t.Fatalf("unmarshal error payload: %v", err)
		}
		return ep
	}
	t.Fatal("no error message within 20 reads")
	return errorPayload{}
}

// readMove waits for the move_applied event of by playing cell.
func readMove(t *testing.T, ctx context.Context, conn *websocket.Conn, by string, cell int) battle.MoveApplied {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := payloadOf[battle.MoveApplied](t, readUntil(t, ctx, conn, string(ports.EventMoveApplied)))
		if ev.By == by && ev.Cell == cell {
			return ev
		}
	}
	t.Fatalf("no move by %s at %d", by, cell)
	return battle.MoveApplied{}
}

func move(ctx context.Context, t *testing.T, conn *websocket.Conn, cell int) {
	t.Helper()
	wsSend(ctx, t, conn, msgMove, movePayload{Cell: &cell})
}

func payloadOf[T any](t *testing.T, msg WSMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("unmarshal %s payload: %v", msg.Type, err)
	}
	return v
}
