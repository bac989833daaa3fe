// Munchbox rooms
//
// A room is an ephemeral shared session identified by a 6-character join
// code. Participants connect over a per-room WebSocket, swipe on nearby
// restaurants independently, and the room fires a match the moment every
// active participant has liked the same restaurant.
//
// Features:
// - WebSockets per room code: /room/:code and /room/:code/ws
// - Participants identified by cookie (session id); rejoining with the
//   same cookie reactivates the original participant instead of
//   duplicating it
// - Vote ledger is append-only; match state is recomputed from the
//   ledger plus the active participant set on every change
// - Matches are exactly-once per (room, restaurant), enforced by the
//   store's uniqueness constraint
// - Leaving (or timing out) shrinks the required set, which can complete
//   a consensus that was already on the table
// - New clients receive a full snapshot before any incremental event, so
//   reconnects need no recovery protocol
// - Rooms auto-closed after a configurable idle timeout
// - Random 6-char join codes via crypto/rand, with active-room collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string      `json:"type"`                  // "join", "leave", "vote"
	Nickname   string      `json:"nickname,omitempty"`    // join
	Avatar     string      `json:"avatar,omitempty"`      // join
	Restaurant *Restaurant `json:"restaurant,omitempty"`  // vote
	VoteType   string      `json:"vote_type,omitempty"`   // vote: "like" or "pass"
}

// SnapshotMessage is sent once, immediately after connecting, before any
// incremental event. Clients replace their local state with it wholesale.
type SnapshotMessage struct {
	Type         string        `json:"type"` // "snapshot"
	Room         Room          `json:"room"`
	You          *Participant  `json:"you"` // existing participant for this session, if any
	IsHost       bool          `json:"is_host"`
	Participants []Participant `json:"participants"`
	Votes        []Vote        `json:"votes"`
	Matches      []Match       `json:"matches"`
}

// ParticipantMessage carries a participant insert or update. Clients
// reconcile by id: insert-if-absent, replace-if-present.
type ParticipantMessage struct {
	Type        string      `json:"type"` // "participant"
	Participant Participant `json:"participant"`
}

type VoteMessage struct {
	Type string `json:"type"` // "vote"
	Vote Vote   `json:"vote"`
}

type MatchMessage struct {
	Type  string `json:"type"` // "match"
	Match Match  `json:"match"`
}

// SimpleMessage is for generic notifications ("error", "room_closed", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn          *websocket.Conn
	send          chan any
	sessionID     string
	participantID string
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type voteRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	room    Room
	store   *Store
	idents  *identityFactory
	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	leaves   chan *Client
	votes    chan voteRequest

	mu sync.RWMutex

	lastActive time.Time
}

func newHub(room Room, store *Store, idents *identityFactory) *Hub {
	return &Hub{
		room:       room,
		store:      store,
		idents:     idents,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		leaves:     make(chan *Client),
		votes:      make(chan voteRequest),
		lastActive: time.Now(),
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(cfg, c)

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			participantID := c.participantID
			h.mu.Unlock()

			// A dropped connection is not a leave; the participant
			// stays active until the grace period expires without a
			// reconnect.
			if participantID != "" {
				go h.scheduleDeactivate(cfg, participantID, cfg.participantTimeout)
			}

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case c := <-h.leaves:
			h.handleLeave(cfg, c)

		case vr := <-h.votes:
			h.handleVote(cfg, vr)
		}
	}
}

// handleRegister sends the full snapshot to the new client before it can
// observe any incremental event, so no history is missed.
func (h *Hub) handleRegister(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	participants, err := h.store.Participants(h.room.ID)
	if err != nil {
		logf(cfg, "ROOMS: snapshot participants for %s: %v", h.room.Code, err)
	}
	votes, err := h.store.VotesForRoom(h.room.ID)
	if err != nil {
		logf(cfg, "ROOMS: snapshot votes for %s: %v", h.room.Code, err)
	}
	matches, err := h.store.MatchesForRoom(h.room.ID)
	if err != nil {
		logf(cfg, "ROOMS: snapshot matches for %s: %v", h.room.Code, err)
	}

	var you *Participant
	for i := range participants {
		if participants[i].UserSessionID == c.sessionID {
			you = &participants[i]
			c.participantID = participants[i].ID
			break
		}
	}

	select {
	case c.send <- SnapshotMessage{
		Type:         "snapshot",
		Room:         h.room,
		You:          you,
		IsHost:       h.room.HostID == c.sessionID,
		Participants: participants,
		Votes:        votes,
		Matches:      matches,
	}:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// handleJoin processes "join" messages: reactivate the participant for
// this session if one exists, insert otherwise. The grown active set is
// re-evaluated: a rejoining participant may already hold the like that
// completes consensus for everyone currently active.
func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	c := jr.client
	msg := jr.msg

	if c.sessionID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	nickname := msg.Nickname
	if nickname == "" {
		nickname = h.idents.nickname()
	}
	avatar := msg.Avatar
	if avatar == "" {
		avatar = h.idents.avatar()
	}

	p, err := h.store.JoinRoom(h.room.ID, c.sessionID, nickname, avatar)
	if err != nil {
		logf(cfg, "ROOMS: join %s: %v", h.room.Code, err)
		h.sendTo(c, SimpleMessage{Type: "error", Message: "Unable to join the room. Please retry."})
		return
	}
	c.participantID = p.ID

	logf(cfg, "ROOMS: Participant %q joined %s", p.Nickname, h.room.Code)

	h.broadcastLocked(ParticipantMessage{Type: "participant", Participant: p})

	h.evaluateAllLocked(cfg)
}

// handleLeave deactivates the participant. Votes stay on the ledger, and
// the shrunken active set is re-evaluated: the leaver may have been the
// lone holdout on a restaurant everyone else liked.
func (h *Hub) handleLeave(cfg *Config, c *Client) {
	if c.participantID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.deactivateLocked(cfg, c.participantID)
}

func (h *Hub) deactivateLocked(cfg *Config, participantID string) {
	if err := h.store.SetParticipantActive(participantID, false); err != nil {
		logf(cfg, "ROOMS: deactivate %s in %s: %v", participantID, h.room.Code, err)
		return
	}

	participants, err := h.store.Participants(h.room.ID)
	if err != nil {
		logf(cfg, "ROOMS: participants for %s: %v", h.room.Code, err)
		return
	}
	for _, p := range participants {
		if p.ID == participantID {
			h.broadcastLocked(ParticipantMessage{Type: "participant", Participant: p})
			break
		}
	}

	h.evaluateAllLocked(cfg)
}

// scheduleDeactivate waits for d, and if no client with this participant
// is connected by then, marks the participant inactive and re-evaluates
// consensus for the remaining set.
func (h *Hub) scheduleDeactivate(cfg *Config, participantID string, d time.Duration) {
	time.Sleep(d)

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.participantID == participantID {
			return
		}
	}

	h.lastActive = time.Now()
	h.deactivateLocked(cfg, participantID)
}

// handleVote appends the vote to the ledger and runs match detection.
// Storage failure on the vote path is reported to the one voting client
// and otherwise swallowed: the swipe gesture is never blocked on
// durability.
func (h *Hub) handleVote(cfg *Config, vr voteRequest) {
	c := vr.client
	msg := vr.msg

	if c.participantID == "" || msg.Restaurant == nil || msg.Restaurant.ID == "" {
		return
	}
	if msg.VoteType != VoteLike && msg.VoteType != VotePass {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	v, err := h.store.RecordVote(h.room.ID, c.participantID, *msg.Restaurant, msg.VoteType)
	if err != nil {
		logf(cfg, "VOTES: record in %s: %v", h.room.Code, err)
		h.sendTo(c, SimpleMessage{Type: "error", Message: "Your vote could not be saved."})
		return
	}

	logf(cfg, "VOTES: %s on %q in %s", v.VoteType, v.RestaurantName, h.room.Code)

	h.broadcastLocked(VoteMessage{Type: "vote", Vote: v})

	if v.VoteType == VoteLike {
		if err := h.store.RecordLike(*msg.Restaurant); err != nil {
			logf(cfg, "VOTES: ranking like for %q: %v", v.RestaurantName, err)
		}
		h.evaluateRestaurantLocked(cfg, *msg.Restaurant)
	}
}

// evaluateRestaurantLocked recomputes consensus for one restaurant from
// fresh store snapshots and fires the match if it newly holds.
func (h *Hub) evaluateRestaurantLocked(cfg *Config, r Restaurant) {
	active, err := h.store.ActiveParticipants(h.room.ID)
	if err != nil {
		logf(cfg, "MATCH: active participants for %s: %v", h.room.Code, err)
		return
	}
	votes, err := h.store.VotesFor(h.room.ID, r.ID)
	if err != nil {
		logf(cfg, "MATCH: votes for %s: %v", h.room.Code, err)
		return
	}

	h.fireIfConsensusLocked(cfg, active, votes, r)
}

// evaluateAllLocked re-checks every restaurant with at least one like.
// Needed when the active set shrinks, since existing votes may then
// already constitute full consensus.
func (h *Hub) evaluateAllLocked(cfg *Config) {
	active, err := h.store.ActiveParticipants(h.room.ID)
	if err != nil {
		logf(cfg, "MATCH: active participants for %s: %v", h.room.Code, err)
		return
	}
	votes, err := h.store.VotesForRoom(h.room.ID)
	if err != nil {
		logf(cfg, "MATCH: votes for %s: %v", h.room.Code, err)
		return
	}

	for _, r := range likedRestaurants(votes) {
		h.fireIfConsensusLocked(cfg, active, votes, r)
	}
}

func (h *Hub) fireIfConsensusLocked(cfg *Config, active []Participant, votes []Vote, r Restaurant) {
	if !consensusReached(active, votes, r.ID) {
		return
	}

	m, created, err := h.store.CreateMatch(h.room.ID, r, len(active))
	if err != nil {
		logf(cfg, "MATCH: create for %q in %s: %v", r.Name, h.room.Code, err)
		return
	}
	if !created {
		return
	}

	logf(cfg, "MATCH: %q matched in %s (%d participants)", r.Name, h.room.Code, m.MatchCount)

	if err := h.store.RecordMatchRanking(r); err != nil {
		logf(cfg, "MATCH: ranking for %q: %v", r.Name, err)
	}

	h.broadcastLocked(MatchMessage{Type: "match", Match: m})
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) sendTo(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomManager holds a hub per open room, so each /room/:code is its own
// isolated session backed by the shared store.
type RoomManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	store       *Store
	idents      *identityFactory
	idleTimeout time.Duration
}

func newRoomManager(cfg *Config, store *Store, idents *identityFactory) *RoomManager {
	rm := &RoomManager{
		hubs:        make(map[string]*Hub),
		store:       store,
		idents:      idents,
		idleTimeout: cfg.sessionTimeout,
	}
	if rm.idleTimeout > 0 {
		go rm.reaperLoop(cfg)
	}
	return rm
}

func (rm *RoomManager) getHub(cfg *Config, room Room) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[room.ID]; ok {
		return hub
	}

	hub := newHub(room, rm.store, rm.idents)
	rm.hubs[room.ID] = hub
	go hub.run(cfg)
	return hub
}

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newRoomCode generates a crypto-random 6-character join code and
// ensures it doesn't collide with any currently active room.
func (rm *RoomManager) newRoomCode() (string, error) {
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
		}
		code := string(out)

		inUse, err := rm.store.CodeInUse(code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
}

// reaperLoop closes rooms whose hubs have been idle longer than the
// configured timeout. Closed rooms stop resolving by code but their
// rows survive.
func (rm *RoomManager) reaperLoop(cfg *Config) {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.hubs, id)
				if err := rm.store.CloseRoom(id); err != nil {
					logf(cfg, "ROOMS: close %s: %v", hub.room.Code, err)
				}
				logf(cfg, "ROOMS: Closed idle room %s", hub.room.Code)
				go hub.closeAll()
			}
		}
		rm.mu.Unlock()
	}
}

// createRoom handles GET /room: mints a code, creates the room with the
// caller as host, joins the host as its first participant, and redirects
// to the room page. Optional lat/lng query parameters pin the room's
// search location.
func createRoom(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		sessionID := getOrSetSessionID(w, r)
		if sessionID == "" {
			http.Error(w, "unable to assign session id", http.StatusInternalServerError)
			return
		}

		code, err := rm.newRoomCode()
		if err != nil {
			http.Error(w, "unable to generate room code", http.StatusInternalServerError)
			return
		}

		var lat, lng *float64
		if v, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64); err == nil {
			lat = &v
		}
		if v, err := strconv.ParseFloat(r.URL.Query().Get("lng"), 64); err == nil {
			lng = &v
		}

		room, err := rm.store.CreateRoom(code, sessionID, lat, lng)
		if err != nil {
			http.Error(w, "unable to create room", http.StatusInternalServerError)
			return
		}

		if _, err := rm.store.JoinRoom(room.ID, sessionID, rm.idents.nickname(), rm.idents.avatar()); err != nil {
			http.Error(w, "unable to join room", http.StatusInternalServerError)
			return
		}

		logf(cfg, "ROOMS: Created room %s for %s", room.Code, realIP(r))
		http.Redirect(w, r, cfg.prefix+"/room/"+room.Code, http.StatusTemporaryRedirect)
	}
}

// serveRoomWS upgrades the connection and attaches the client to the
// room's hub.
func serveRoomWS(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		room, err := rm.store.RoomByCode(code)
		if err == ErrNotFound {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "unable to look up room", http.StatusInternalServerError)
			return
		}

		sessionID := getOrSetSessionID(w, r)
		if sessionID == "" {
			http.Error(w, "unable to assign session id", http.StatusInternalServerError)
			return
		}

		hub := rm.getHub(cfg, room)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:      conn,
			send:      make(chan any, 16),
			sessionID: sessionID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			h.joins <- joinRequest{
				client: c,
				msg:    msg,
			}
		case "leave":
			h.leaves <- c
		case "vote":
			h.votes <- voteRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /room/:code/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed room/index.html
var roomHTML []byte

//go:embed room/app.css
var roomCSS []byte

//go:embed room/app.js
var roomJS []byte

func getRoomHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetSessionID(w, r)

		_, _ = w.Write(roomHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(roomCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(roomJS)
	}
}

// registerRooms sets up routes so that:
//   - /room               → creates a room and redirects to /room/:code
//   - /room/:code         → HTML client
//   - /room/:code/ws      → WebSocket for that room
//   - /room/:code/qr      → PNG QR code for that room URL
func registerRooms(cfg *Config, rm *RoomManager, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/room", createRoom(cfg, rm))

	mux.GET(cfg.prefix+"/room/:code", getRoomHandler(cfg))

	mux.GET(cfg.prefix+"/assets/room/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/room/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+"/room/:code/ws", serveRoomWS(cfg, rm))

	mux.GET(cfg.prefix+"/room/:code/qr", qrHandler)
}
