package server

import (
	"net/http"
	"testing"

	"nhooyr.io/websocket"

	"xobattle/internal/arena"
	"xobattle/internal/battle"
	"xobattle/internal/ports"
	"xobattle/internal/settle"
	"xobattle/internal/storage"
)

// --- Full staked match over WebSocket ---

func TestStakedMatchEndToEnd(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	fund(t, env, "alice", "10")
	fund(t, env, "bob", "10")

	alice := wsConnect(t, env.ts, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := wsConnect(t, env.ts, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	wsSend(ctx, t, alice, msgQueue, queuePayload{Staked: true})
	q := payloadOf[arena.Queued](t, readUntil(t, ctx, alice, string(ports.EventQueued)))
	if q.Stake.String() != "1" {
		t.Fatalf("expected stake 1, got %s", q.Stake)
	}
	wsSend(ctx, t, bob, msgQueue, queuePayload{Staked: true})
	started := payloadOf[battle.MatchStarted](t, readUntil(t, ctx, alice, string(ports.EventMatchStarted)))
	if !started.Staked {
		t.Fatal("expected a staked match")
	}
	readUntil(t, ctx, bob, string(ports.EventMatchStarted))

	// play alternates moves, waiting for each to be applied before the next.
	conns := map[string]*websocket.Conn{"alice": alice, "bob": bob}
	play := func(first, second string, cells ...int) {
		t.Helper()
		order := [2]string{first, second}
		for i, cell := range cells {
			id := order[i%2]
			move(ctx, t, conns[id], cell)
			readMove(t, ctx, conns[id], id, cell)
		}
	}

	// Round 1: alice opens and takes the top row.
	play("alice", "bob", 0, 3, 1, 4, 2)
	r1 := payloadOf[battle.RoundOver](t, readUntil(t, ctx, bob, string(ports.EventRoundOver)))
	if r1.Winner != "alice" || len(r1.Line) != 3 {
		t.Fatalf("unexpected round 1 result: %+v", r1)
	}

	// Round 2: bob opens and takes the middle row.
	play("bob", "alice", 3, 0, 4, 1, 5)

	// Round 3: alice opens and takes the left column.
	play("alice", "bob", 0, 1, 3, 2, 6)

	aliceOver := payloadOf[settle.MatchOver](t, readUntil(t, ctx, alice, string(ports.EventMatchOver)))
	bobOver := payloadOf[settle.MatchOver](t, readUntil(t, ctx, bob, string(ports.EventMatchOver)))
	if aliceOver.Result != settle.ResultWin || bobOver.Result != settle.ResultLoss {
		t.Fatalf("unexpected results: %s / %s", aliceOver.Result, bobOver.Result)
	}
	if aliceOver.Wins != [2]int{2, 1} {
		t.Fatalf("expected 2-1, got %v", aliceOver.Wins)
	}

	for id, want := range map[string]struct {
		balance string
		score   int
	}{"alice": {"10.75", 1}, "bob": {"9", 0}} {
		resp := doRequest(t, http.MethodGet, env.ts.URL+"/api/profiles/"+id, "", "")
		var p storage.Profile
		decodeBody(t, resp, &p)
		if p.Balance.String() != want.balance || !p.Held.IsZero() || p.Score != want.score || p.GamesPlayed != 1 {
			t.Fatalf("%s: unexpected profile %+v", id, p)
		}
	}

	resp := doRequest(t, http.MethodGet, env.ts.URL+"/api/matches/"+started.MatchID, "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected finished match to be gone, got %d", resp.StatusCode)
	}
}

// --- Reconnect keeps the match ---

func TestReconnectResumesMatch(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := timeoutCtx(t)
	defer cancel()

	first := wsConnect(t, env.ts, "alice")
	wsSend(ctx, t, first, msgChallenge, challengePayload{Opponent: "novice"})
	started := payloadOf[battle.MatchStarted](t, readUntil(t, ctx, first, string(ports.EventMatchStarted)))
	first.Close(websocket.StatusNormalClosure, "")

	second := wsDial(t, env.ts)
	defer second.Close(websocket.StatusNormalClosure, "")
	wsSend(ctx, t, second, msgJoin, joinPayload{ParticipantID: "alice"})
	st := payloadOf[arena.Status](t, readUntil(t, ctx, second, msgStatus))
	if st.Match == nil || st.Match.ID != started.MatchID {
		t.Fatalf("expected the running match in status, got %+v", st)
	}

	move(ctx, t, second, 4)
	readMove(t, ctx, second, "alice", 4)
	// novice replies within the same request.
	reply := payloadOf[battle.MoveApplied](t, readUntil(t, ctx, second, string(ports.EventMoveApplied)))
	if reply.By != "novice" || reply.Cell == 4 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
