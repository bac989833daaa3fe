package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()

	cfg := &Config{
		db:                 filepath.Join(t.TempDir(), "e2e.db"),
		participantTimeout: 5 * time.Second,
	}

	store, err := OpenStore(cfg.db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rm := newRoomManager(cfg, store, newIdentityFactory())

	mux := httprouter.New()
	errs := make(chan error, 8)
	registerRoutes(cfg, store, rm, mux, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, store
}

func dialRoom(t *testing.T, srv *httptest.Server, code, sessionID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/room/" + code + "/ws"
	header := http.Header{}
	header.Set("Cookie", sessionCookieName+"="+sessionID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// readUntil discards messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()

	for i := 0; i < 50; i++ {
		m := readMessage(t, conn)
		if m["type"] == want {
			return m
		}
	}
	t.Fatalf("no %q message arrived", want)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRoomLifecycleEndToEnd(t *testing.T) {
	srv, store := newTestServer(t)

	room, err := store.CreateRoom("AB12C9", "host-session", nil, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	host, err := store.JoinRoom(room.ID, "host-session", "Host", "🍕")
	if err != nil {
		t.Fatalf("JoinRoom(host): %v", err)
	}

	// Join codes are case-insensitive on entry.
	connH := dialRoom(t, srv, "ab12c9", "host-session")

	snap := readUntil(t, connH, "snapshot")
	you, ok := snap["you"].(map[string]any)
	if !ok {
		t.Fatalf("expected existing participant in host snapshot, got %v", snap["you"])
	}
	if you["id"] != host.ID {
		t.Fatalf("snapshot bound wrong participant: %v", you["id"])
	}
	if snap["is_host"] != true {
		t.Fatalf("expected host flag in snapshot")
	}

	send(t, connH, ClientMessage{Type: "join"})
	readUntil(t, connH, "participant")

	connJ := dialRoom(t, srv, "AB12C9", "joiner-session")
	jSnap := readUntil(t, connJ, "snapshot")
	if jSnap["you"] != nil {
		t.Fatalf("expected no existing participant for new session, got %v", jSnap["you"])
	}

	send(t, connJ, ClientMessage{Type: "join", Nickname: "Jess", Avatar: "🍜"})
	joined := readUntil(t, connJ, "participant")
	jp := joined["participant"].(map[string]any)
	if jp["nickname"] != "Jess" {
		t.Fatalf("unexpected joiner: %v", jp)
	}

	// Both like restaurant X; exactly one match fires and reaches both.
	x := testRestaurant("restaurant-x")
	send(t, connH, ClientMessage{Type: "vote", Restaurant: &x, VoteType: VoteLike})
	send(t, connJ, ClientMessage{Type: "vote", Restaurant: &x, VoteType: VoteLike})

	for _, conn := range []*websocket.Conn{connH, connJ} {
		m := readUntil(t, conn, "match")
		match := m["match"].(map[string]any)
		if match["restaurant_id"] != x.ID {
			t.Fatalf("matched wrong restaurant: %v", match["restaurant_id"])
		}
		if match["match_count"] != float64(2) {
			t.Fatalf("expected match_count 2, got %v", match["match_count"])
		}
	}

	// A further like on the already-matched restaurant must not produce
	// a second match event; the next observable message after the vote
	// echo is another vote echo, not a match.
	send(t, connH, ClientMessage{Type: "vote", Restaurant: &x, VoteType: VoteLike})
	y := testRestaurant("restaurant-y")
	send(t, connH, ClientMessage{Type: "vote", Restaurant: &y, VoteType: VoteLike})

	sawY := false
	for !sawY {
		m := readUntil(t, connJ, "vote")
		vote := m["vote"].(map[string]any)
		if vote["restaurant_id"] == y.ID {
			sawY = true
		}
	}

	matches, err := store.MatchesForRoom(room.ID)
	if err != nil {
		t.Fatalf("MatchesForRoom: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}

	// Host leaves; the joiner sees the deactivation.
	send(t, connH, ClientMessage{Type: "leave"})
	for {
		m := readUntil(t, connJ, "participant")
		p := m["participant"].(map[string]any)
		if p["id"] == host.ID && p["is_active"] == false {
			break
		}
	}
	_ = connH.Close()

	// Rejoining with the same session id reactivates the original
	// participant rather than creating a new one.
	connH2 := dialRoom(t, srv, "AB12C9", "host-session")
	resnap := readUntil(t, connH2, "snapshot")
	you2, ok := resnap["you"].(map[string]any)
	if !ok || you2["id"] != host.ID {
		t.Fatalf("reconnect lost the original participant: %v", resnap["you"])
	}

	send(t, connH2, ClientMessage{Type: "join"})
	rejoined := readUntil(t, connH2, "participant")
	rp := rejoined["participant"].(map[string]any)
	if rp["id"] != host.ID || rp["is_active"] != true {
		t.Fatalf("rejoin must reactivate the original participant: %v", rp)
	}

	participants, err := store.Participants(room.ID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participant rows after rejoin, got %d", len(participants))
	}
}

func TestLeaveCanCompleteConsensus(t *testing.T) {
	srv, store := newTestServer(t)

	room, _ := store.CreateRoom("XY34Z0", "s1", nil, nil)

	// Joining sequentially and waiting for each join echo guarantees
	// the hub has the full active set before any vote arrives.
	conns := make(map[string]*websocket.Conn)
	for _, session := range []string{"s1", "s2", "s3"} {
		conn := dialRoom(t, srv, "XY34Z0", session)
		readUntil(t, conn, "snapshot")
		send(t, conn, ClientMessage{Type: "join"})
		readUntil(t, conn, "participant")
		conns[session] = conn
	}

	r := testRestaurant("holdout")
	send(t, conns["s1"], ClientMessage{Type: "vote", Restaurant: &r, VoteType: VoteLike})
	send(t, conns["s2"], ClientMessage{Type: "vote", Restaurant: &r, VoteType: VoteLike})

	// s3 never votes; no match can exist yet.
	readUntil(t, conns["s1"], "vote")
	readUntil(t, conns["s1"], "vote")
	if matches, _ := store.MatchesForRoom(room.ID); len(matches) != 0 {
		t.Fatalf("match fired before full consensus")
	}

	// The holdout leaves; the remaining pair already agrees, so the
	// match fires off the shrunken active set.
	send(t, conns["s3"], ClientMessage{Type: "leave"})

	m := readUntil(t, conns["s1"], "match")
	match := m["match"].(map[string]any)
	if match["restaurant_id"] != r.ID {
		t.Fatalf("matched wrong restaurant: %v", match["restaurant_id"])
	}
	if match["match_count"] != float64(2) {
		t.Fatalf("expected match_count 2 after leave, got %v", match["match_count"])
	}
}

func TestRejoinCanCompleteConsensus(t *testing.T) {
	srv, store := newTestServer(t)

	room, _ := store.CreateRoom("QR56S7", "s1", nil, nil)

	conns := make(map[string]*websocket.Conn)
	ids := make(map[string]string)
	for _, session := range []string{"s1", "s2", "s3"} {
		conn := dialRoom(t, srv, "QR56S7", session)
		readUntil(t, conn, "snapshot")
		send(t, conn, ClientMessage{Type: "join"})
		joined := readUntil(t, conn, "participant")
		ids[session] = joined["participant"].(map[string]any)["id"].(string)
		conns[session] = conn
	}

	r := testRestaurant("comeback")
	send(t, conns["s1"], ClientMessage{Type: "vote", Restaurant: &r, VoteType: VoteLike})
	send(t, conns["s2"], ClientMessage{Type: "vote", Restaurant: &r, VoteType: VoteLike})

	readUntil(t, conns["s2"], "vote")
	readUntil(t, conns["s2"], "vote")

	// Both the second liker's counterpart and the holdout leave, shrinking
	// the active set to just s2. A solo room never matches.
	// The departures are sequenced: s3's leave is only sent once s1's
	// deactivation has been broadcast, so the hub never sees an active
	// pair of likers along the way.
	send(t, conns["s1"], ClientMessage{Type: "leave"})
	for {
		m := readUntil(t, conns["s2"], "participant")
		p := m["participant"].(map[string]any)
		if p["id"] == ids["s1"] && p["is_active"] == false {
			break
		}
	}
	send(t, conns["s3"], ClientMessage{Type: "leave"})
	for {
		m := readUntil(t, conns["s2"], "participant")
		p := m["participant"].(map[string]any)
		if p["id"] == ids["s3"] && p["is_active"] == false {
			break
		}
	}
	if matches, _ := store.MatchesForRoom(room.ID); len(matches) != 0 {
		t.Fatalf("match fired for a solo room")
	}

	// s1 rejoins. Both members of the restored active set already hold
	// like votes on the ledger, so the join itself completes consensus.
	reconn := dialRoom(t, srv, "QR56S7", "s1")
	readUntil(t, reconn, "snapshot")
	send(t, reconn, ClientMessage{Type: "join"})

	m := readUntil(t, conns["s2"], "match")
	match := m["match"].(map[string]any)
	if match["restaurant_id"] != r.ID {
		t.Fatalf("matched wrong restaurant: %v", match["restaurant_id"])
	}
	if match["match_count"] != float64(2) {
		t.Fatalf("expected match_count 2 after rejoin, got %v", match["match_count"])
	}

	matches, err := store.MatchesForRoom(room.ID)
	if err != nil {
		t.Fatalf("MatchesForRoom: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match after rejoin, got %d", len(matches))
	}
}

func TestNewRoomCodeFormat(t *testing.T) {
	_, store := newTestServer(t)

	rm := &RoomManager{hubs: make(map[string]*Hub), store: store}

	for i := 0; i < 20; i++ {
		code, err := rm.newRoomCode()
		if err != nil {
			t.Fatalf("newRoomCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6-char code, got %q", code)
		}
		for _, c := range code {
			if !strings.ContainsRune(roomCodeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
	}
}

func TestIdentityFactoryIsSeedable(t *testing.T) {
	f := &identityFactory{randInt: func(n int) int { return 0 }}

	if got := f.nickname(); got != nicknames[0]+"0" {
		t.Fatalf("unexpected nickname: %q", got)
	}
	if got := f.avatar(); got != avatarEmojis[0] {
		t.Fatalf("unexpected avatar: %q", got)
	}
}
