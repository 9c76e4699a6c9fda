package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := newStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPlayerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	player, err := store.CreatePlayer("alice")
	if err != nil {
		t.Fatalf("Failed to create player: %v", err)
	}
	if player.ID == "" {
		t.Fatal("Expected a generated player ID")
	}

	player.CurrentGame = "some-game"
	player.TotalPoints = 4200
	player.LastRoundPoints = 1000
	if err := store.UpdatePlayer(player); err != nil {
		t.Fatalf("Failed to update player: %v", err)
	}

	loaded, err := store.GetPlayer(player.ID)
	if err != nil {
		t.Fatalf("Failed to load player: %v", err)
	}
	if loaded.Username != "alice" || loaded.CurrentGame != "some-game" ||
		loaded.TotalPoints != 4200 || loaded.LastRoundPoints != 1000 {
		t.Errorf("Loaded player does not match: %+v", loaded)
	}

	if _, err := store.GetPlayer("no-such-player"); !errors.Is(err, errRecordNotFound) {
		t.Errorf("Expected errRecordNotFound, got %v", err)
	}
}

func TestGameRoundTrip(t *testing.T) {
	store := newTestStore(t)

	deadline := time.Now().Add(3 * time.Minute).UTC().Truncate(time.Millisecond)
	game := &Game{
		Code:            "ABC123",
		Name:            "alice's game",
		Admin:           "p1",
		Players:         []string{"p1", "p2"},
		ReadyPlayers:    []string{"p1"},
		Status:          statusPlaying,
		CurrentRound:    2,
		MaxRounds:       3,
		TimeLimit:       180,
		Private:         true,
		GraceDistance:   10,
		FallOfRate:      400,
		MaxPoints:       5000,
		Polygon:         json.RawMessage(`{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`),
		LocationStrings: []string{"Germany"},
		Challenge: []challengeRound{
			{ID: "img-1", Location: [2]float64{11.57, 48.13}},
			{ID: "img-2", Location: [2]float64{13.40, 52.52}},
			{ID: "img-3", Location: [2]float64{9.99, 53.55}},
		},
		RoundDeadline: &deadline,
	}

	if err := store.CreateGame(game); err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	loaded, err := store.GetGameByCode("ABC123")
	if err != nil {
		t.Fatalf("Failed to load game by code: %v", err)
	}
	if loaded.ID != game.ID {
		t.Errorf("Expected game ID %s, got %s", game.ID, loaded.ID)
	}
	if len(loaded.Players) != 2 || loaded.Players[0] != "p1" {
		t.Errorf("Roster did not round-trip: %v", loaded.Players)
	}
	if len(loaded.Challenge) != 3 || loaded.Challenge[1].ID != "img-2" {
		t.Errorf("Challenge did not round-trip: %v", loaded.Challenge)
	}
	if loaded.Challenge[0].Location != ([2]float64{11.57, 48.13}) {
		t.Errorf("Challenge location did not round-trip: %v", loaded.Challenge[0].Location)
	}
	if loaded.RoundDeadline == nil || !loaded.RoundDeadline.Equal(deadline) {
		t.Errorf("Deadline did not round-trip: %v", loaded.RoundDeadline)
	}
	if len(loaded.Polygon) == 0 {
		t.Error("Polygon did not round-trip")
	}
	if !loaded.Private {
		t.Error("Private flag did not round-trip")
	}

	loaded.Status = statusSummary
	loaded.RoundDeadline = nil
	if err := store.UpdateGame(loaded); err != nil {
		t.Fatalf("Failed to update game: %v", err)
	}

	again, err := store.GetGame(game.ID)
	if err != nil {
		t.Fatalf("Failed to load game by ID: %v", err)
	}
	if again.Status != statusSummary {
		t.Errorf("Expected status %q, got %q", statusSummary, again.Status)
	}
	if again.RoundDeadline != nil {
		t.Errorf("Expected deadline cleared, got %v", again.RoundDeadline)
	}

	if err := store.DeleteGame(game.ID); err != nil {
		t.Fatalf("Failed to delete game: %v", err)
	}
	if _, err := store.GetGame(game.ID); !errors.Is(err, errRecordNotFound) {
		t.Errorf("Expected errRecordNotFound after delete, got %v", err)
	}
}

func TestGamesWithMember(t *testing.T) {
	store := newTestStore(t)

	first := &Game{Code: "AAAAAA", Status: statusLobby, Players: []string{"p1", "p2"}}
	second := &Game{Code: "BBBBBB", Status: statusLobby, Players: []string{"p2"}}
	for _, game := range []*Game{first, second} {
		if err := store.CreateGame(game); err != nil {
			t.Fatalf("Failed to create game: %v", err)
		}
	}

	games, err := store.GamesWithMember("p1")
	if err != nil {
		t.Fatalf("Failed to query games: %v", err)
	}
	if len(games) != 1 || games[0].Code != "AAAAAA" {
		t.Errorf("Expected only AAAAAA for p1, got %d games", len(games))
	}

	games, err = store.GamesWithMember("p2")
	if err != nil {
		t.Fatalf("Failed to query games: %v", err)
	}
	if len(games) != 2 {
		t.Errorf("Expected 2 games for p2, got %d", len(games))
	}

	// "p" is a prefix of both IDs but a member of nothing.
	games, err = store.GamesWithMember("p")
	if err != nil {
		t.Fatalf("Failed to query games: %v", err)
	}
	if len(games) != 0 {
		t.Errorf("Expected no games for a partial ID, got %d", len(games))
	}
}

func TestListOpenGames(t *testing.T) {
	store := newTestStore(t)

	games := []*Game{
		{Code: "OPENAA", Status: statusLobby, Private: false},
		{Code: "SECRET", Status: statusLobby, Private: true},
		{Code: "LIVEBB", Status: statusPlaying, Private: false},
	}
	for _, game := range games {
		if err := store.CreateGame(game); err != nil {
			t.Fatalf("Failed to create game: %v", err)
		}
	}

	open, err := store.ListOpenGames()
	if err != nil {
		t.Fatalf("Failed to list open games: %v", err)
	}
	if len(open) != 1 || open[0].Code != "OPENAA" {
		t.Errorf("Expected only OPENAA to be listed, got %d games", len(open))
	}
}

func TestListIdleGames(t *testing.T) {
	store := newTestStore(t)

	game := &Game{Code: "IDLEAA", Status: statusLobby}
	if err := store.CreateGame(game); err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	idle, err := store.ListIdleGames(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Failed to list idle games: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("Expected a fresh game to not be idle, got %d", len(idle))
	}

	idle, err = store.ListIdleGames(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to list idle games: %v", err)
	}
	if len(idle) != 1 {
		t.Errorf("Expected the game to be idle against a future cutoff, got %d", len(idle))
	}
}

func TestGuessOncePerRound(t *testing.T) {
	store := newTestStore(t)

	location := [2]float64{11.57, 48.13}
	guess := &Guess{Game: "g1", Player: "p1", Round: 1, Location: &location, Points: 5000}
	if err := store.CreateGuess(guess); err != nil {
		t.Fatalf("Failed to create guess: %v", err)
	}

	duplicate := &Guess{Game: "g1", Player: "p1", Round: 1, Points: 0}
	if err := store.CreateGuess(duplicate); !errors.Is(err, errDuplicateGuess) {
		t.Errorf("Expected errDuplicateGuess, got %v", err)
	}

	// Other rounds and other players are unaffected.
	if err := store.CreateGuess(&Guess{Game: "g1", Player: "p1", Round: 2}); err != nil {
		t.Errorf("Failed to guess in another round: %v", err)
	}
	if err := store.CreateGuess(&Guess{Game: "g1", Player: "p2", Round: 1}); err != nil {
		t.Errorf("Failed to guess as another player: %v", err)
	}

	guesses, err := store.GuessesForRound("g1", 1)
	if err != nil {
		t.Fatalf("Failed to list guesses: %v", err)
	}
	if len(guesses) != 2 {
		t.Fatalf("Expected 2 guesses in round 1, got %d", len(guesses))
	}
	if guesses[0].Location == nil || *guesses[0].Location != location {
		t.Errorf("Guess location did not round-trip: %v", guesses[0].Location)
	}
}

func TestGuessesByPlayerElsewhere(t *testing.T) {
	store := newTestStore(t)

	for _, guess := range []*Guess{
		{Game: "keep", Player: "p1", Round: 1},
		{Game: "other", Player: "p1", Round: 1},
		{Game: "other", Player: "p2", Round: 1},
	} {
		if err := store.CreateGuess(guess); err != nil {
			t.Fatalf("Failed to create guess: %v", err)
		}
	}

	stale, err := store.GuessesByPlayerElsewhere("p1", "keep")
	if err != nil {
		t.Fatalf("Failed to query stale guesses: %v", err)
	}
	if len(stale) != 1 || stale[0].Game != "other" {
		t.Errorf("Expected exactly the guess in the other game, got %d", len(stale))
	}

	if err := store.DeleteGuess(stale[0].ID); err != nil {
		t.Fatalf("Failed to delete guess: %v", err)
	}
	stale, err = store.GuessesByPlayerElsewhere("p1", "keep")
	if err != nil {
		t.Fatalf("Failed to query stale guesses: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Expected no stale guesses after deletion, got %d", len(stale))
	}
}

func TestMessages(t *testing.T) {
	store := newTestStore(t)

	for _, message := range []*Message{
		{Game: "keep", Player: "p1", Body: "hello"},
		{Game: "other", Player: "p1", Body: "old"},
	} {
		if err := store.CreateMessage(message); err != nil {
			t.Fatalf("Failed to create message: %v", err)
		}
	}

	stale, err := store.MessagesByPlayerElsewhere("p1", "keep")
	if err != nil {
		t.Fatalf("Failed to query stale messages: %v", err)
	}
	if len(stale) != 1 || stale[0].Body != "old" {
		t.Errorf("Expected exactly the message in the other game, got %d", len(stale))
	}

	if err := store.DeleteMessage(stale[0].ID); err != nil {
		t.Fatalf("Failed to delete message: %v", err)
	}
	if err := store.DeleteMessagesForGame("keep"); err != nil {
		t.Fatalf("Failed to delete game messages: %v", err)
	}
	stale, err = store.MessagesByPlayerElsewhere("p1", "")
	if err != nil {
		t.Fatalf("Failed to query messages: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Expected no messages left, got %d", len(stale))
	}
}
