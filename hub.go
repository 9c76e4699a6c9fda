package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Messages sent to clients.

type playerView struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	IsAdmin         bool   `json:"is_admin"`
	Ready           bool   `json:"ready"`
	TotalPoints     int    `json:"total_points"`
	LastRoundPoints int    `json:"last_round_points"`
}

// gameStateMessage is the full client-facing snapshot of a game. The round
// target stays hidden while guessing is open and is revealed in the summary.
type gameStateMessage struct {
	Type             string       `json:"type"` // "game_state"
	Code             string       `json:"code"`
	Name             string       `json:"name"`
	Status           string       `json:"status"`
	Private          bool         `json:"private"`
	Players          []playerView `json:"players"`
	CurrentRound     int          `json:"current_round"`
	MaxRounds        int          `json:"max_rounds"`
	TimeLimit        int          `json:"time_limit"`
	GraceDistance    float64      `json:"grace_distance"`
	FallOfRate       float64      `json:"fall_of_rate"`
	MaxPoints        int          `json:"max_points"`
	LocationStrings  []string     `json:"location_strings"`
	HasPolygon       bool         `json:"has_polygon"`
	Generating       bool         `json:"generating"`
	GenerationFound  int          `json:"generation_found"`
	GenerationTarget int          `json:"generation_target"`
	RoundDeadline    *time.Time   `json:"round_deadline,omitempty"`
	ImageID          string       `json:"image_id,omitempty"`
	Target           *[2]float64  `json:"target,omitempty"`
	You              string       `json:"you,omitempty"`
}

type generationProgressMessage struct {
	Type   string `json:"type"` // "generation_progress"
	Found  int    `json:"found"`
	Target int    `json:"target"`
}

type startFailedMessage struct {
	Type    string `json:"type"` // "start_failed"
	Message string `json:"message"`
}

type chatMessage struct {
	Type     string `json:"type"` // "chat"
	Player   string `json:"player"`
	Username string `json:"username"`
	Body     string `json:"body"`
}

// Messages coming from clients.
type clientMessage struct {
	Type string `json:"type"` // "chat"
	Body string `json:"body,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	code     string
}

// gameHub fans server events out to every websocket connected to one game.
type gameHub struct {
	code    string
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newGameHub(code string) *gameHub {
	return &gameHub{
		code:    code,
		clients: make(map[*wsClient]bool),
	}
}

func (h *gameHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *gameHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast queues msg for every client, dropping clients whose send buffer
// is full rather than blocking the caller.
func (h *gameHub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *gameHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
		delete(h.clients, client)
	}
}

// hubManager holds a hub and a mutation lock per game code, and reaps games
// that have sat untouched longer than the configured timeout.
type hubManager struct {
	cfg   *Config
	store *Store

	mu    sync.Mutex
	hubs  map[string]*gameHub
	locks map[string]*sync.Mutex
}

func newHubManager(cfg *Config, store *Store) *hubManager {
	hm := &hubManager{
		cfg:   cfg,
		store: store,
		hubs:  make(map[string]*gameHub),
		locks: make(map[string]*sync.Mutex),
	}
	if cfg.gameTimeout > 0 {
		go hm.reaperLoop()
	}
	return hm
}

// lock serializes mutations of one game; the returned func releases it.
func (hm *hubManager) lock(code string) func() {
	hm.mu.Lock()
	gameLock, ok := hm.locks[code]
	if !ok {
		gameLock = &sync.Mutex{}
		hm.locks[code] = gameLock
	}
	hm.mu.Unlock()

	gameLock.Lock()
	return gameLock.Unlock
}

func (hm *hubManager) getHub(code string) *gameHub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[code]
	if !ok {
		hub = newGameHub(code)
		hm.hubs[code] = hub
	}
	return hub
}

// broadcast sends to the game's hub, if anyone is listening.
func (hm *hubManager) broadcast(code string, msg any) {
	hm.mu.Lock()
	hub, ok := hm.hubs[code]
	hm.mu.Unlock()

	if ok {
		hub.broadcast(msg)
	}
}

// closeGame disconnects all clients of a deleted game and forgets its hub.
func (hm *hubManager) closeGame(code string) {
	hm.mu.Lock()
	hub, ok := hm.hubs[code]
	delete(hm.hubs, code)
	delete(hm.locks, code)
	hm.mu.Unlock()

	if ok {
		hub.closeAll()
	}
}

// reaperLoop periodically deletes games idle longer than the timeout,
// together with their guesses and chat messages.
func (hm *hubManager) reaperLoop() {
	ticker := time.NewTicker(hm.cfg.gameTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-hm.cfg.gameTimeout)

		idle, err := hm.store.ListIdleGames(cutoff)
		if err != nil {
			logf(hm.cfg, "GAMES: Reaper query failed: %v", err)
			continue
		}

		for _, game := range idle {
			unlock := hm.lock(game.Code)

			if err := hm.store.DeleteGame(game.ID); err != nil {
				logf(hm.cfg, "GAMES: Failed to reap game %s: %v", game.Code, err)
				unlock()
				continue
			}
			if err := hm.store.DeleteGuessesForGame(game.ID); err != nil {
				logf(hm.cfg, "GAMES: Failed to reap guesses of %s: %v", game.Code, err)
			}
			if err := hm.store.DeleteMessagesForGame(game.ID); err != nil {
				logf(hm.cfg, "GAMES: Failed to reap messages of %s: %v", game.Code, err)
			}
			unlock()

			hm.closeGame(game.Code)
			logf(hm.cfg, "GAMES: Reaped idle game %s", game.Code)
		}
	}
}

// stateMessage assembles the client-facing snapshot of a game. Readiness is
// derived per player at read time; the admin always shows as ready.
func (svc *gameService) stateMessage(game *Game, viewerID string) *gameStateMessage {
	players := make([]playerView, 0, len(game.Players))
	for _, memberID := range game.Players {
		view := playerView{ID: memberID, Username: "(unknown)"}
		if member, err := svc.store.GetPlayer(memberID); err == nil {
			view.Username = member.Username
			view.TotalPoints = member.TotalPoints
			view.LastRoundPoints = member.LastRoundPoints
		}
		view.IsAdmin = memberID == game.Admin
		view.Ready = game.isReady(memberID)
		players = append(players, view)
	}

	msg := &gameStateMessage{
		Type:             "game_state",
		Code:             game.Code,
		Name:             game.Name,
		Status:           game.Status,
		Private:          game.Private,
		Players:          players,
		CurrentRound:     game.CurrentRound,
		MaxRounds:        game.MaxRounds,
		TimeLimit:        game.TimeLimit,
		GraceDistance:    game.GraceDistance,
		FallOfRate:       game.FallOfRate,
		MaxPoints:        game.MaxPoints,
		LocationStrings:  game.LocationStrings,
		HasPolygon:       len(game.Polygon) > 0,
		Generating:       game.Generating,
		GenerationFound:  game.GenerationFound,
		GenerationTarget: game.GenerationTarget,
		RoundDeadline:    game.RoundDeadline,
		You:              viewerID,
	}

	if game.CurrentRound >= 1 && game.CurrentRound <= len(game.Challenge) {
		round := game.Challenge[game.CurrentRound-1]
		if game.Status == statusPlaying {
			msg.ImageID = round.ID
		}
		if game.Status == statusSummary {
			msg.ImageID = round.ID
			target := round.Location
			msg.Target = &target
		}
	}

	return msg
}

// broadcastState pushes a fresh snapshot to everyone in the game.
func (svc *gameService) broadcastState(game *Game) {
	svc.hubs.broadcast(game.Code, svc.stateMessage(game, ""))
}

func (c *wsClient) readPump(svc *gameService, hub *gameHub) {
	defer func() {
		hub.unregister(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "chat":
			if err := svc.PostMessage(context.Background(), c.playerID, c.code, msg.Body); err != nil {
				logf(svc.cfg, "GAMES: Chat from %s rejected: %v", c.playerID, err)
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
