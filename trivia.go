// Quizbox Trivia Game
//
// Players join a shared room by its five-character code. Any participant can
// start a round, everyone receives the same five questions, answers are
// tallied live, and when the round ends a "play again" request elects exactly
// one replacement room that everyone is redirected into.
//
// Features:
// - WebSockets per room code: /trivia/:code and /trivia/:code/ws
// - Rooms created explicitly via the lobby form, joined by code
// - Five questions per round, sampled without replacement from the pool
// - Live score and answer-progress broadcasts
// - Room chat relay
// - Replay handshake: first requester wins and becomes host of the successor
//   room; late requesters are redirected to the same successor
// - Players identified by cookie (playerID) via crypto/rand
// - Disconnected players removed after a configurable timeout
// - Rooms auto-reaped after configurable idle timeout
// - Random 5-char room codes via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	roomCodeLength   = 5
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roundLength      = 5
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // "join-room", "start-game", "validate-answer", "next-question", "send-message", "request-new-room"
	Room     string `json:"room,omitempty"`     // room code, informational; the bound room is authoritative
	Username string `json:"username,omitempty"` // participant name
	Correct  bool   `json:"correct,omitempty"`  // validate-answer
	Index    int    `json:"index,omitempty"`    // next-question
	Message  string `json:"message,omitempty"`  // send-message
}

// Messages sent to clients
type PlayersMessage struct {
	Type    string         `json:"type"` // "update-players" or "game-over"
	Players map[string]int `json:"players"`
}

type StartGameMessage struct {
	Type      string     `json:"type"` // "start-game"
	Questions []Question `json:"questions"`
}

type AnswerCountMessage struct {
	Type     string `json:"type"` // "answer-count"
	Answered int    `json:"answered"`
	Total    int    `json:"total"`
}

type LoadQuestionMessage struct {
	Type  string `json:"type"` // "load-question"
	Index int    `json:"index"`
}

type ChatMessage struct {
	Type     string `json:"type"` // "receive-message"
	Username string `json:"username"`
	Message  string `json:"message"`
}

type NewRoomMessage struct {
	Type    string `json:"type"`     // "new-room"
	NewRoom string `json:"new_room"` // successor room code
	Host    string `json:"host"`     // host of the successor room
}

// Sent to a single client when its action was rejected
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string

	username string // set on join, guarded by the room mutex
}

type clientRequest struct {
	client *Client
	msg    ClientMessage
}

// Room holds one game session: its broadcast group, scores, and the
// active question set.
type Room struct {
	code string
	host string

	clients   map[*Client]bool
	players   map[string]int
	questions []Question
	answered  map[string]bool

	register chan *Client
	unreg    chan *Client
	requests chan clientRequest
	done     chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newRoom(code, host string) *Room {
	now := time.Now()
	return &Room{
		code:       code,
		host:       host,
		clients:    make(map[*Client]bool),
		players:    make(map[string]int),
		answered:   make(map[string]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		requests:   make(chan clientRequest),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (r *Room) run(rm *RoomManager) {
	cfg := rm.cfg

	for {
		// Once reaped, stop even if inbound channels are also ready.
		select {
		case <-r.done:
			return
		default:
		}

		select {
		case <-r.done:
			return

		case c := <-r.register:
			r.mu.Lock()
			r.lastActive = time.Now()
			r.clients[c] = true

			// Late joiners see the current standings immediately.
			c.send <- PlayersMessage{
				Type:    "update-players",
				Players: r.playersCopyLocked(),
			}
			r.mu.Unlock()

		case c := <-r.unreg:
			r.mu.Lock()
			r.lastActive = time.Now()

			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
			}
			username := c.username
			r.mu.Unlock()

			if username != "" {
				go r.scheduleRemoval(cfg, username, cfg.playerTimeout)
			}

		case req := <-r.requests:
			switch req.msg.Type {
			case "join-room":
				r.handleJoin(cfg, req.client, req.msg)
			case "start-game":
				r.handleStart(cfg, rm.pool, req.client)
			case "validate-answer":
				r.handleAnswer(req.client, req.msg)
			case "next-question":
				r.handleAdvance(req.msg)
			case "send-message":
				r.handleChat(req.msg)
			case "request-new-room":
				rm.requestReplay(cfg, r, req.client, req.msg.Username)
			default:
				// ignore unknown types
			}
		}
	}
}

func (r *Room) playersCopyLocked() map[string]int {
	players := make(map[string]int, len(r.players))
	for name, score := range r.players {
		players[name] = score
	}
	return players
}

// broadcastLocked fans msg out to every client in the room. A client
// whose send buffer is full is evicted rather than blocking delivery
// to the rest.
func (r *Room) broadcastLocked(msg any) {
	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			delete(r.clients, client)
			close(client.send)
		}
	}
}

func (r *Room) broadcast(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(msg)
}

// sendLocked delivers msg to c alone, under the same contract as
// broadcastLocked: a client that has already been evicted (and whose send
// channel is therefore closed) is skipped, and a full buffer evicts.
func (r *Room) sendLocked(c *Client, msg any) {
	if !r.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *Room) send(c *Client, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendLocked(c, msg)
}

// handleJoin processes "join-room" messages. Rejoining under an existing
// name resets that name's score to zero.
func (r *Room) handleJoin(cfg *Config, c *Client, msg ClientMessage) {
	if msg.Username == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	c.username = msg.Username
	r.players[msg.Username] = 0

	r.broadcastLocked(PlayersMessage{
		Type:    "update-players",
		Players: r.playersCopyLocked(),
	})

	logf(cfg, "ROOMS: Player %q joined %s", msg.Username, r.code)
}

// handleStart samples a fresh round of questions and announces it. A pool
// smaller than the round length rejects only this request and leaves the
// room's previous questions untouched.
func (r *Room) handleStart(cfg *Config, pool []Question, c *Client) {
	selected, err := sampleQuestions(pool, roundLength)
	if err != nil {
		r.mu.Lock()
		r.lastActive = time.Now()
		r.sendLocked(c, ErrorMessage{
			Type:    "error",
			Message: err.Error(),
		})
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	r.questions = selected
	r.answered = make(map[string]bool)

	r.broadcastLocked(StartGameMessage{
		Type:      "start-game",
		Questions: selected,
	})

	logf(cfg, "ROOMS: Game started in %s with %d players", r.code, len(r.players))
}

// handleAnswer tallies one submission for the active question. Correctness
// is asserted by the client; the server only counts.
func (r *Room) handleAnswer(c *Client, msg ClientMessage) {
	if msg.Username == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if _, ok := r.players[msg.Username]; !ok {
		r.sendLocked(c, ErrorMessage{
			Type:    "error",
			Message: "not a player in this room",
		})
		return
	}

	if msg.Correct {
		r.players[msg.Username]++
		r.broadcastLocked(PlayersMessage{
			Type:    "update-players",
			Players: r.playersCopyLocked(),
		})
	}

	r.answered[msg.Username] = true

	r.broadcastLocked(AnswerCountMessage{
		Type:     "answer-count",
		Answered: len(r.answered),
		Total:    len(r.players),
	})
}

// handleAdvance moves the room to the given question index, or ends the
// round once the index runs past it. Clients cached the question list at
// start-game, so only the index is resent.
func (r *Room) handleAdvance(msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if msg.Index >= roundLength {
		r.broadcastLocked(PlayersMessage{
			Type:    "game-over",
			Players: r.playersCopyLocked(),
		})
		return
	}

	r.answered = make(map[string]bool)

	r.broadcastLocked(LoadQuestionMessage{
		Type:  "load-question",
		Index: msg.Index,
	})
}

// handleChat relays a chat line to the room. No storage, no filtering.
func (r *Room) handleChat(msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	r.broadcastLocked(ChatMessage{
		Type:     "receive-message",
		Username: msg.Username,
		Message:  msg.Message,
	})
}

// scheduleRemoval waits for d, and if no client with this username is
// currently connected, removes that player's entry and broadcasts the
// updated standings.
func (r *Room) scheduleRemoval(cfg *Config, username string, d time.Duration) {
	time.Sleep(d)

	r.mu.Lock()
	defer r.mu.Unlock()

	for client := range r.clients {
		if client.username == username {
			return
		}
	}

	if _, ok := r.players[username]; !ok {
		return
	}

	delete(r.players, username)
	delete(r.answered, username)

	r.lastActive = time.Now()

	r.broadcastLocked(PlayersMessage{
		Type:    "update-players",
		Players: r.playersCopyLocked(),
	})

	logf(cfg, "ROOMS: Player %q removed from %s", username, r.code)
}

// closeAll disconnects all clients of this room and stops its run loop
// (used by reaper, after the room has left the registry).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(r.clients, c)
	}

	close(r.done)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "quizbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// pendingReplay records the successor elected for one stale room, plus
// which identities have already been pointed at it.
type pendingReplay struct {
	newCode    string
	host       string
	redirected map[string]bool
}

// RoomManager holds all rooms keyed by their code, and owns the
// replay election, so both room creation and the replay
// check-then-create run under a single lock.
type RoomManager struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]*pendingReplay

	cfg  *Config
	pool []Question
}

func newRoomManager(cfg *Config, pool []Question) *RoomManager {
	rm := &RoomManager{
		rooms:   make(map[string]*Room),
		pending: make(map[string]*pendingReplay),
		cfg:     cfg,
		pool:    pool,
	}
	if cfg.sessionTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) createRoom(host string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.createRoomLocked(host)
}

func (rm *RoomManager) createRoomLocked(host string) *Room {
	code := rm.newRoomCodeLocked()

	room := newRoom(code, host)
	rm.rooms[code] = room
	go room.run(rm)

	return room
}

func (rm *RoomManager) getRoom(code string) (*Room, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[code]
	return room, ok
}

// newRoomCodeLocked generates a crypto-random room code and retries
// until it doesn't collide with an existing room.
func (rm *RoomManager) newRoomCodeLocked() string {
	for {
		code := randomRoomCode(roomCodeLength)
		if _, exists := rm.rooms[code]; !exists {
			return code
		}
	}
}

// randomRoomCode draws n uniform characters from the room-code alphabet,
// using rejection sampling to avoid modulo bias.
func randomRoomCode(n int) string {
	const max = byte(255 - (256 % len(roomCodeAlphabet)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}
}

// requestReplay elects the successor room for oldRoom. The first request
// creates it (the requester becomes host) and announces it to the whole
// old room; every later request is answered with the already-elected
// successor, sent only to the requesting client. The exists-check and the
// creation share rm.mu, so concurrent first requests cannot elect twice.
func (rm *RoomManager) requestReplay(cfg *Config, oldRoom *Room, c *Client, username string) {
	if username == "" {
		return
	}

	rm.mu.Lock()

	if p, ok := rm.pending[oldRoom.code]; ok {
		p.redirected[username] = true
		msg := NewRoomMessage{
			Type:    "new-room",
			NewRoom: p.newCode,
			Host:    p.host,
		}
		rm.mu.Unlock()

		oldRoom.send(c, msg)
		return
	}

	successor := rm.createRoomLocked(username)
	rm.pending[oldRoom.code] = &pendingReplay{
		newCode:    successor.code,
		host:       username,
		redirected: map[string]bool{username: true},
	}
	rm.mu.Unlock()

	logf(cfg, "ROOMS: Replay room %s created for %s by %q", successor.code, oldRoom.code, username)

	oldRoom.broadcast(NewRoomMessage{
		Type:    "new-room",
		NewRoom: successor.code,
		Host:    username,
	})
}

// reaperLoop periodically removes rooms that have been idle longer than
// the session timeout, along with replay entries that reference them.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.cfg.sessionTimeout)

		rm.mu.Lock()
		for code, room := range rm.rooms {
			room.mu.RLock()
			last := room.lastActive
			room.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.rooms, code)
				delete(rm.pending, code)
				for old, p := range rm.pending {
					if p.newCode == code {
						delete(rm.pending, old)
					}
				}
				go room.closeAll()
				logf(rm.cfg, "ROOMS: Reaped idle room %s", code)
			}
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the room based on :code
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		room, ok := rm.getRoom(code)
		if !ok {
			http.Error(w, errRoomNotFound.Error(), http.StatusNotFound)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		select {
		case room.register <- client:
		case <-room.done:
			_ = conn.Close()
			return
		}

		logf(cfg, "ROOMS: Connection %s bound to %s", client.playerID, room.code)

		go client.writePump()
		client.readPump(room)
	}
}

func (c *Client) readPump(r *Room) {
	defer func() {
		select {
		case r.unreg <- c:
		case <-r.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join-room", "start-game", "validate-answer", "next-question", "send-message", "request-new-room":
			select {
			case r.requests <- clientRequest{
				client: c,
				msg:    msg,
			}:
			case <-r.done:
				return
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

	// We are at /.../:code/qr; strip trailing "/qr" to get the room URL.
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

//go:embed assets/trivia/index.html
var gameHTML []byte

//go:embed assets/trivia/lobby.html
var lobbyHTML []byte

func getGameHandler(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		if _, ok := rm.getRoom(code); !ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(newPage("Room Not Found", "That room does not exist. Click to return to the lobby.")))
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(gameHTML)
	}
}

// createHandler handles the lobby's "create room" form post.
func createHandler(cfg *Config, rm *RoomManager, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		pseudo := r.FormValue("pseudo")
		if pseudo == "" {
			pseudo = "Host"
		}

		room := rm.createRoom(pseudo)
		logf(cfg, "ROOMS: Created room %s for %q", room.code, pseudo)

		http.Redirect(w, r,
			cfg.prefix+path+"/"+room.code+"?u="+url.QueryEscape(pseudo)+"&host=1",
			http.StatusSeeOther)
	}
}

// joinHandler resolves a join-by-code form post, 404 on unknown codes.
func joinHandler(cfg *Config, rm *RoomManager, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		code := strings.ToUpper(r.FormValue("code"))
		pseudo := r.FormValue("pseudo")
		if pseudo == "" {
			pseudo = "Player"
		}

		if _, ok := rm.getRoom(code); !ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(newPage("Room Not Found", "That room does not exist. Click to return to the lobby.")))
			return
		}

		http.Redirect(w, r,
			cfg.prefix+path+"/"+code+"?u="+url.QueryEscape(pseudo),
			http.StatusSeeOther)
	}
}

// registerTriviaGame sets up routes so that:
//   - POST /create            → new room, redirect to $path/:code
//   - POST /join              → resolve code, redirect to $path/:code
//   - $path/:code             → HTML client (404 on unknown code)
//   - $path/:code/ws          → WebSocket for that room
//   - $path/:code/qr          → PNG QR code for that room URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router, rm *RoomManager) {
	mux.POST(cfg.prefix+"/create", createHandler(cfg, rm, path))
	mux.POST(cfg.prefix+"/join", joinHandler(cfg, rm, path))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:code", getGameHandler(cfg, rm))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:code/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)
}
