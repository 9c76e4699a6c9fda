package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand"
	"net/http"
	"time"
)

const gameCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const gameCodeLength = 6

// gameService owns every game-state transition. All mutations of a single
// game are serialized behind that game's lock (held via the hub manager), so
// read-modify-write sequences against the store cannot interleave.
type gameService struct {
	cfg      *Config
	store    *Store
	hubs     *hubManager
	imagery  *imageryClient
	geocoder *geocoder
}

func newGameService(cfg *Config, store *Store, hubs *hubManager) *gameService {
	return &gameService{
		cfg:      cfg,
		store:    store,
		hubs:     hubs,
		imagery:  newImageryClient(cfg),
		geocoder: newGeocoder(cfg),
	}
}

// getOrCreatePlayer resolves the cookie identity to a player record,
// creating one for cookie-less clients and renaming on a changed username.
func (svc *gameService) getOrCreatePlayer(playerID, username string) (*Player, error) {
	if playerID != "" {
		player, err := svc.store.GetPlayer(playerID)
		if err == nil {
			if username != "" && player.Username != username {
				player.Username = username
				if err := svc.store.UpdatePlayer(player); err != nil {
					return nil, err
				}
			}
			return player, nil
		}
		if !errors.Is(err, errRecordNotFound) {
			return nil, err
		}
	}

	if username == "" {
		return nil, failf(http.StatusBadRequest, "username must not be empty")
	}
	return svc.store.CreatePlayer(username)
}

// newGameCode draws 6-char codes until one does not collide with an
// existing game.
func (svc *gameService) newGameCode() (string, error) {
	for {
		code := make([]byte, gameCodeLength)
		for i := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(gameCodeAlphabet))))
			if err != nil {
				return "", err
			}
			code[i] = gameCodeAlphabet[n.Int64()]
		}

		_, err := svc.store.GetGameByCode(string(code))
		if errors.Is(err, errRecordNotFound) {
			return string(code), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// CreateGame creates a fresh lobby with the caller as admin and default
// settings, detaching the caller from any game they were still part of.
func (svc *gameService) CreateGame(ctx context.Context, playerID, username string) (*Game, *Player, error) {
	player, err := svc.getOrCreatePlayer(playerID, username)
	if err != nil {
		return nil, nil, err
	}

	code, err := svc.newGameCode()
	if err != nil {
		return nil, nil, err
	}

	game := &Game{
		Code:          code,
		Name:          fmt.Sprintf("%s's game", player.Username),
		Admin:         player.ID,
		Players:       []string{player.ID},
		ReadyPlayers:  []string{},
		Status:        statusLobby,
		CurrentRound:  0,
		MaxRounds:     3,
		TimeLimit:     180,
		Private:       true,
		GraceDistance: 10,
		FallOfRate:    400,
		MaxPoints:     5000,
	}

	if err := svc.store.CreateGame(game); err != nil {
		return nil, nil, err
	}

	svc.cleanupOtherGames(player.ID, game.ID)

	player.CurrentGame = game.ID
	if err := svc.store.UpdatePlayer(player); err != nil {
		return nil, nil, err
	}

	logf(svc.cfg, "GAMES: %q created game %s", player.Username, game.Code)
	return game, player, nil
}

// Join adds the player to the game's roster. As a side effect the player is
// detached from every other game they were a member of.
func (svc *gameService) Join(ctx context.Context, playerID, username, code string) (*Game, *Player, error) {
	player, err := svc.getOrCreatePlayer(playerID, username)
	if err != nil {
		return nil, nil, err
	}

	// Resolve the target game first so reconciliation knows which game to
	// keep; cleanup takes the other games' locks, so it must run before
	// this game's lock is held.
	game, err := svc.loadGame(code)
	if err != nil {
		return nil, nil, err
	}
	svc.cleanupOtherGames(player.ID, game.ID)

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err = svc.loadGame(code)
	if err != nil {
		return nil, nil, err
	}

	if !game.hasMember(player.ID) {
		game.Players = append(game.Players, player.ID)
		if err := svc.store.UpdateGame(game); err != nil {
			return nil, nil, err
		}
	}

	player.CurrentGame = game.ID
	if err := svc.store.UpdatePlayer(player); err != nil {
		return nil, nil, err
	}

	logf(svc.cfg, "GAMES: %q joined game %s", player.Username, game.Code)
	svc.broadcastState(game)
	return game, player, nil
}

// Snapshot loads the game for display. Loading repairs the admin's implicit
// readiness: an admin missing from the ready set is added and the fix is
// persisted.
func (svc *gameService) Snapshot(ctx context.Context, playerID, code string) (*gameStateMessage, error) {
	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return nil, err
	}

	if game.Admin != "" && !game.isListedReady(game.Admin) {
		game.ReadyPlayers = append(game.ReadyPlayers, game.Admin)
		if err := svc.store.UpdateGame(game); err != nil {
			return nil, err
		}
	}

	return svc.stateMessage(game, playerID), nil
}

// ToggleReady flips the caller's readiness. The admin is always ready and
// cannot be toggled.
func (svc *gameService) ToggleReady(ctx context.Context, playerID, code string) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if playerID == game.Admin {
		return nil
	}
	if !game.hasMember(playerID) {
		return failf(http.StatusNotFound, "player is not in this game")
	}

	if game.isListedReady(playerID) {
		game.ReadyPlayers = removeID(game.ReadyPlayers, playerID)
	} else {
		game.ReadyPlayers = append(game.ReadyPlayers, playerID)
	}

	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}
	svc.broadcastState(game)
	return nil
}

// Kick removes a non-admin roster member. Admin-only, lobby-only.
func (svc *gameService) Kick(ctx context.Context, actorID, code, targetID string) error {
	if actorID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}
	if targetID == "" {
		return failf(http.StatusBadRequest, "missing target player")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if game.Admin != actorID {
		return failf(http.StatusForbidden, "only the admin can kick players")
	}
	if game.Status != statusLobby {
		return failf(http.StatusBadRequest, "cannot kick after the game has started")
	}
	if targetID == game.Admin {
		return failf(http.StatusBadRequest, "cannot kick the admin")
	}
	if !game.hasMember(targetID) {
		return failf(http.StatusNotFound, "player is not in this game")
	}

	game.Players = removeID(game.Players, targetID)
	game.ReadyPlayers = removeID(game.ReadyPlayers, targetID)
	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}

	// Clearing the kicked player's back-reference is best-effort.
	if target, err := svc.store.GetPlayer(targetID); err == nil {
		target.CurrentGame = ""
		if err := svc.store.UpdatePlayer(target); err != nil {
			logf(svc.cfg, "GAMES: Failed to detach kicked player %s: %v", targetID, err)
		}
	}

	svc.broadcastState(game)
	return nil
}

// Leave removes the caller from the game. A departing admin hands the game
// to a random remaining member; the last member leaving deletes the game.
func (svc *gameService) Leave(ctx context.Context, playerID, code string) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if err := svc.removeFromGame(game, playerID); err != nil {
		return err
	}

	if player, err := svc.store.GetPlayer(playerID); err == nil && player.CurrentGame == game.ID {
		player.CurrentGame = ""
		if err := svc.store.UpdatePlayer(player); err != nil {
			logf(svc.cfg, "GAMES: Failed to detach player %s: %v", playerID, err)
		}
	}

	return nil
}

// gameSettings is the admin-editable configuration of a game.
type gameSettings struct {
	MaxRounds       int      `json:"maxRounds"`
	TimeLimit       int      `json:"timeLimit"`
	Private         bool     `json:"private"`
	GraceDistance   float64  `json:"graceDistance"`
	FallOfRate      float64  `json:"fallOfRate"`
	MaxPoints       int      `json:"maxPoints"`
	LocationStrings []string `json:"locationStrings"`
}

// UpdateSettings overwrites the game's configuration. Location names are
// resolved to a bounding polygon through the geocoder; names that do not
// resolve simply drop the polygon constraint.
func (svc *gameService) UpdateSettings(ctx context.Context, playerID, code string, settings gameSettings) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}
	if settings.MaxRounds < 1 || settings.TimeLimit < 1 || settings.MaxPoints < 1 {
		return failf(http.StatusBadRequest, "rounds, time limit and max points must be positive")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if game.Admin != playerID {
		return failf(http.StatusForbidden, "only the admin can change game settings")
	}
	if game.Status == statusPlaying {
		return failf(http.StatusBadRequest, "cannot change settings mid-round")
	}

	game.MaxRounds = settings.MaxRounds
	game.TimeLimit = settings.TimeLimit
	game.Private = settings.Private
	game.GraceDistance = settings.GraceDistance
	game.FallOfRate = settings.FallOfRate
	game.MaxPoints = settings.MaxPoints
	game.LocationStrings = settings.LocationStrings

	game.Polygon = nil
	if len(settings.LocationStrings) > 0 {
		polygon, err := svc.geocoder.resolvePolygon(ctx, settings.LocationStrings)
		if err != nil {
			logf(svc.cfg, "GAMES: Polygon resolution failed for %s: %v", game.Code, err)
		} else {
			game.Polygon = polygon
		}
	}

	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}
	svc.broadcastState(game)
	return nil
}

// Start begins challenge generation for the game. The generation itself runs
// detached; clients observe the progress counters and the final commit or
// rollback through state broadcasts.
func (svc *gameService) Start(ctx context.Context, playerID, code string) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if game.Admin != playerID {
		return failf(http.StatusForbidden, "only the admin can start the game")
	}
	if game.Status != statusLobby {
		return failf(http.StatusBadRequest, "game is not in the lobby")
	}
	if game.Generating {
		return failf(http.StatusBadRequest, "challenge generation is already running")
	}
	if len(game.Players) != len(game.ReadyPlayers) {
		return failf(http.StatusBadRequest, "not all players are ready yet")
	}

	game.Generating = true
	game.GenerationFound = 0
	game.GenerationTarget = game.MaxRounds
	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}
	svc.broadcastState(game)

	go svc.runGeneration(game.ID, game.Code)
	return nil
}

// runGeneration is the detached part of Start: it assembles the challenge,
// then commits the playing state or rolls the lobby back.
func (svc *gameService) runGeneration(gameID, code string) {
	ctx := context.Background()

	game, err := svc.store.GetGame(gameID)
	if err != nil {
		logf(svc.cfg, "GEN: Game %s vanished before generation: %v", code, err)
		return
	}

	polygon, err := parseGeoFeature(game.Polygon)
	if err != nil {
		logf(svc.cfg, "GEN: Stored polygon for %s is invalid, generating worldwide: %v", code, err)
		polygon = nil
	}

	// Progress events feed the stored counter and the live clients.
	// Both are best-effort; generation never waits on them.
	progress := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for found := range progress {
			if err := svc.store.UpdateGenerationProgress(gameID, found); err != nil {
				logf(svc.cfg, "GEN: Failed to record progress for %s: %v", code, err)
			}
			svc.hubs.broadcast(code, generationProgressMessage{
				Type:   "generation_progress",
				Found:  found,
				Target: game.GenerationTarget,
			})
		}
	}()

	rng := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	rounds := newGenerator(svc.cfg, svc.imagery, rng).generate(ctx, polygon, game.MaxRounds, progress)
	close(progress)
	<-done

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err = svc.store.GetGame(gameID)
	if err != nil {
		logf(svc.cfg, "GEN: Game %s vanished during generation: %v", code, err)
		return
	}

	if len(rounds) < game.MaxRounds {
		game.Generating = false
		game.GenerationFound = 0
		if err := svc.store.UpdateGame(game); err != nil {
			logf(svc.cfg, "GEN: Failed to roll back generation for %s: %v", code, err)
		}
		message := fmt.Sprintf("Could not find enough panoramas (%d/%d) in the selected area.", len(rounds), game.MaxRounds)
		logf(svc.cfg, "GEN: %s: %s", code, message)
		svc.hubs.broadcast(code, startFailedMessage{Type: "start_failed", Message: message})
		svc.broadcastState(game)
		return
	}

	// Fresh series: zero the per-player accumulators and drop stale guesses.
	for _, memberID := range game.Players {
		member, err := svc.store.GetPlayer(memberID)
		if err != nil {
			logf(svc.cfg, "GEN: Failed to load player %s for score reset: %v", memberID, err)
			continue
		}
		member.TotalPoints = 0
		member.LastRoundPoints = 0
		if err := svc.store.UpdatePlayer(member); err != nil {
			logf(svc.cfg, "GEN: Failed to reset score for %s: %v", memberID, err)
		}
	}
	if err := svc.store.DeleteGuessesForGame(gameID); err != nil {
		logf(svc.cfg, "GEN: Failed to clear old guesses for %s: %v", code, err)
	}

	deadline := time.Now().Add(time.Duration(game.TimeLimit) * time.Second)
	game.Challenge = rounds
	game.Status = statusPlaying
	game.CurrentRound = 1
	game.Generating = false
	game.GenerationFound = len(rounds)
	game.RoundDeadline = &deadline
	if game.Admin != "" {
		game.ReadyPlayers = []string{game.Admin}
	} else {
		game.ReadyPlayers = []string{}
	}

	if err := svc.store.UpdateGame(game); err != nil {
		logf(svc.cfg, "GEN: Failed to commit challenge for %s: %v", code, err)
		return
	}

	logf(svc.cfg, "GAMES: Game %s started with %d rounds", code, len(rounds))
	svc.broadcastState(game)
}

// SubmitGuess scores and records the caller's guess for the current round.
// A nil location is a timeout-forced empty submission worth zero points.
func (svc *gameService) SubmitGuess(ctx context.Context, playerID, code string, location *[2]float64) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if game.Status != statusPlaying {
		return failf(http.StatusBadRequest, "game is not in a round")
	}
	if !game.hasMember(playerID) {
		return failf(http.StatusForbidden, "player is not in this game")
	}
	if game.RoundDeadline != nil && time.Now().After(*game.RoundDeadline) {
		return failf(http.StatusBadRequest, "round timed out")
	}
	if game.CurrentRound < 1 || game.CurrentRound > len(game.Challenge) {
		return failf(http.StatusBadRequest, "no active round")
	}

	target := game.Challenge[game.CurrentRound-1].Location

	points := 0
	if location != nil {
		distance := distanceMeters(location[1], location[0], target[1], target[0])
		points = scorePoints(distance, game.GraceDistance, game.FallOfRate, game.MaxPoints)
	}

	guess := &Guess{
		Game:     game.ID,
		Player:   playerID,
		Round:    game.CurrentRound,
		Location: location,
		Points:   points,
	}
	if err := svc.store.CreateGuess(guess); err != nil {
		if errors.Is(err, errDuplicateGuess) {
			return failf(http.StatusBadRequest, "you already guessed this round")
		}
		return err
	}

	player, err := svc.store.GetPlayer(playerID)
	if err != nil {
		return err
	}
	player.TotalPoints += points
	player.LastRoundPoints = points
	if err := svc.store.UpdatePlayer(player); err != nil {
		return err
	}

	// The round ends early once everyone has answered.
	guesses, err := svc.store.GuessesForRound(game.ID, game.CurrentRound)
	if err != nil {
		return err
	}
	if len(guesses) >= len(game.Players) {
		game.Status = statusSummary
		game.RoundDeadline = nil
		if err := svc.store.UpdateGame(game); err != nil {
			return err
		}
	}

	svc.broadcastState(game)
	return nil
}

// NextRound advances a finished round: on the last round the game returns to
// the lobby, otherwise the next round begins with a fresh deadline.
func (svc *gameService) NextRound(ctx context.Context, playerID, code string) error {
	if playerID == "" {
		return failf(http.StatusUnauthorized, "no player identity")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}

	if game.Admin != playerID {
		return failf(http.StatusForbidden, "only the admin can proceed to the next round")
	}
	if game.Status != statusSummary {
		return failf(http.StatusBadRequest, "round is still in progress")
	}

	if game.CurrentRound >= game.MaxRounds {
		game.Status = statusLobby
		game.RoundDeadline = nil
	} else {
		deadline := time.Now().Add(time.Duration(game.TimeLimit) * time.Second)
		game.Status = statusPlaying
		game.CurrentRound++
		game.RoundDeadline = &deadline
	}

	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}
	svc.broadcastState(game)
	return nil
}

// PostMessage persists and broadcasts a lobby chat message.
func (svc *gameService) PostMessage(ctx context.Context, playerID, code, body string) error {
	if playerID == "" || body == "" {
		return failf(http.StatusBadRequest, "empty message")
	}

	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.loadGame(code)
	if err != nil {
		return err
	}
	if !game.hasMember(playerID) {
		return failf(http.StatusForbidden, "player is not in this game")
	}

	player, err := svc.store.GetPlayer(playerID)
	if err != nil {
		return err
	}

	message := &Message{Game: game.ID, Player: playerID, Body: body}
	if err := svc.store.CreateMessage(message); err != nil {
		return err
	}

	svc.hubs.broadcast(code, chatMessage{
		Type:     "chat",
		Player:   playerID,
		Username: player.Username,
		Body:     body,
	})
	return nil
}

// detachFromGame reloads a game under its own lock and removes the player.
func (svc *gameService) detachFromGame(gameID, code, playerID string) error {
	unlock := svc.hubs.lock(code)
	defer unlock()

	game, err := svc.store.GetGame(gameID)
	if errors.Is(err, errRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !game.hasMember(playerID) {
		return nil
	}
	return svc.removeFromGame(game, playerID)
}

// removeFromGame drops the player from roster and ready set, reassigning the
// admin or deleting the emptied game as needed, and broadcasts the result.
// The caller holds the game's lock.
func (svc *gameService) removeFromGame(game *Game, playerID string) error {
	game.Players = removeID(game.Players, playerID)
	game.ReadyPlayers = removeID(game.ReadyPlayers, playerID)

	if game.Admin == playerID {
		if len(game.Players) == 0 {
			if err := svc.store.DeleteGame(game.ID); err != nil {
				return err
			}
			svc.hubs.closeGame(game.Code)
			logf(svc.cfg, "GAMES: Deleted empty game %s", game.Code)
			return nil
		}
		game.Admin = game.Players[mrand.Intn(len(game.Players))]
		logf(svc.cfg, "GAMES: Admin of %s handed over to %s", game.Code, game.Admin)
	}

	if err := svc.store.UpdateGame(game); err != nil {
		return err
	}
	svc.broadcastState(game)
	return nil
}

// cleanupOtherGames enforces the one-active-game invariant: the player is
// removed from every other game's roster, and their stale guesses and chat
// messages elsewhere are swept. Every step is best-effort; a failed deletion
// never aborts the rest of the sweep or the parent action. Callers must not
// hold any game lock, since the sweep takes the other games' locks itself.
func (svc *gameService) cleanupOtherGames(playerID, keepGameID string) {
	games, err := svc.store.GamesWithMember(playerID)
	if err != nil {
		logf(svc.cfg, "GAMES: Reconciliation lookup failed for %s: %v", playerID, err)
		return
	}

	for _, other := range games {
		if other.ID == keepGameID {
			continue
		}
		if err := svc.detachFromGame(other.ID, other.Code, playerID); err != nil {
			logf(svc.cfg, "GAMES: Failed to detach %s from %s: %v", playerID, other.Code, err)
		}
	}

	guesses, err := svc.store.GuessesByPlayerElsewhere(playerID, keepGameID)
	if err != nil {
		logf(svc.cfg, "GAMES: Stale guess lookup failed for %s: %v", playerID, err)
	}
	for _, guess := range guesses {
		if err := svc.store.DeleteGuess(guess.ID); err != nil {
			logf(svc.cfg, "GAMES: Failed to delete stale guess %s: %v", guess.ID, err)
		}
	}

	messages, err := svc.store.MessagesByPlayerElsewhere(playerID, keepGameID)
	if err != nil {
		logf(svc.cfg, "GAMES: Stale message lookup failed for %s: %v", playerID, err)
	}
	for _, message := range messages {
		if err := svc.store.DeleteMessage(message.ID); err != nil {
			logf(svc.cfg, "GAMES: Failed to delete stale message %s: %v", message.ID, err)
		}
	}
}

func (svc *gameService) loadGame(code string) (*Game, error) {
	game, err := svc.store.GetGameByCode(code)
	if errors.Is(err, errRecordNotFound) {
		return nil, failf(http.StatusNotFound, "game not found")
	}
	return game, err
}

// isListedReady checks the stored ready set only, ignoring the admin's
// implicit readiness. Use Game.isReady for the derived value.
func (g *Game) isListedReady(playerID string) bool {
	for _, id := range g.ReadyPlayers {
		if id == playerID {
			return true
		}
	}
	return false
}

func removeID(ids []string, target string) []string {
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			result = append(result, id)
		}
	}
	return result
}
