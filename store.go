package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	errRecordNotFound = errors.New("record not found")
	errDuplicateGuess = errors.New("guess already submitted for this round")
)

// Game statuses.
const (
	statusLobby   = "lobby"
	statusPlaying = "playing"
	statusSummary = "summary"
)

type Player struct {
	ID              string
	Username        string
	CurrentGame     string
	TotalPoints     int
	LastRoundPoints int
}

type Game struct {
	ID               string
	Code             string
	Name             string
	Admin            string
	Players          []string
	ReadyPlayers     []string
	Status           string
	CurrentRound     int
	MaxRounds        int
	TimeLimit        int
	Private          bool
	GraceDistance    float64
	FallOfRate       float64
	MaxPoints        int
	Polygon          json.RawMessage
	LocationStrings  []string
	Generating       bool
	GenerationFound  int
	GenerationTarget int
	Challenge        []challengeRound
	RoundDeadline    *time.Time
	UpdatedAt        time.Time
}

type Guess struct {
	ID       string
	Game     string
	Player   string
	Round    int
	Location *[2]float64
	Points   int
}

type Message struct {
	ID        string
	Game      string
	Player    string
	Body      string
	CreatedAt time.Time
}

// hasMember reports whether the player is part of the roster.
func (g *Game) hasMember(playerID string) bool {
	for _, id := range g.Players {
		if id == playerID {
			return true
		}
	}
	return false
}

// isReady is derived, never stored: the admin counts as ready even when the
// ready set does not list them.
func (g *Game) isReady(playerID string) bool {
	if playerID == g.Admin {
		return true
	}
	for _, id := range g.ReadyPlayers {
		if id == playerID {
			return true
		}
	}
	return false
}

// Store is the durable record store backing all game state: four collections
// (players, games, guesses, messages) on a single sqlite file. Reads and
// writes are individually atomic; read-modify-write sequences are serialized
// by the caller, not by the store.
type Store struct {
	db *sql.DB
}

func newStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode keeps readers from blocking the generation goroutine's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			current_game TEXT NOT NULL DEFAULT '',
			total_points INTEGER NOT NULL DEFAULT 0,
			last_round_points INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			admin TEXT NOT NULL DEFAULT '',
			players TEXT NOT NULL DEFAULT '[]',
			ready_players TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'lobby',
			current_round INTEGER NOT NULL DEFAULT 0,
			max_rounds INTEGER NOT NULL DEFAULT 3,
			time_limit INTEGER NOT NULL DEFAULT 180,
			private INTEGER NOT NULL DEFAULT 1,
			grace_distance REAL NOT NULL DEFAULT 10,
			fall_of_rate REAL NOT NULL DEFAULT 400,
			max_points INTEGER NOT NULL DEFAULT 5000,
			polygon TEXT,
			location_strings TEXT NOT NULL DEFAULT '[]',
			is_generating INTEGER NOT NULL DEFAULT 0,
			generation_found INTEGER NOT NULL DEFAULT 0,
			generation_target INTEGER NOT NULL DEFAULT 0,
			challenge TEXT NOT NULL DEFAULT '[]',
			round_deadline_at TEXT,
			updated_at INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guesses (
			id TEXT PRIMARY KEY,
			game TEXT NOT NULL,
			player TEXT NOT NULL,
			round INTEGER NOT NULL,
			location TEXT,
			points INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_guesses_once_per_round ON guesses(game, player, round)`,
		`CREATE INDEX IF NOT EXISTS idx_guesses_player ON guesses(player)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			game TEXT NOT NULL,
			player TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_game ON messages(game)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ---- players ----

func (s *Store) CreatePlayer(username string) (*Player, error) {
	player := &Player{
		ID:       uuid.NewString(),
		Username: username,
	}
	_, err := s.db.Exec(
		`INSERT INTO players (id, username) VALUES (?, ?)`,
		player.ID, player.Username,
	)
	if err != nil {
		return nil, err
	}
	return player, nil
}

func (s *Store) GetPlayer(id string) (*Player, error) {
	row := s.db.QueryRow(
		`SELECT id, username, current_game, total_points, last_round_points FROM players WHERE id = ?`,
		id,
	)

	var p Player
	err := row.Scan(&p.ID, &p.Username, &p.CurrentGame, &p.TotalPoints, &p.LastRoundPoints)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdatePlayer(p *Player) error {
	_, err := s.db.Exec(
		`UPDATE players SET username = ?, current_game = ?, total_points = ?, last_round_points = ? WHERE id = ?`,
		p.Username, p.CurrentGame, p.TotalPoints, p.LastRoundPoints, p.ID,
	)
	return err
}

// ---- games ----

const gameColumns = `id, code, name, admin, players, ready_players, status, current_round,
	max_rounds, time_limit, private, grace_distance, fall_of_rate, max_points,
	polygon, location_strings, is_generating, generation_found, generation_target,
	challenge, round_deadline_at, updated_at`

func (s *Store) CreateGame(g *Game) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.UpdatedAt = time.Now()

	players, readyPlayers, locationStrings, challenge, err := encodeGameFields(g)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO games (`+gameColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Code, g.Name, g.Admin, players, readyPlayers, g.Status, g.CurrentRound,
		g.MaxRounds, g.TimeLimit, g.Private, g.GraceDistance, g.FallOfRate, g.MaxPoints,
		nullableText(g.Polygon), locationStrings, g.Generating, g.GenerationFound, g.GenerationTarget,
		challenge, nullableTime(g.RoundDeadline), g.UpdatedAt.Unix(),
	)
	return err
}

func (s *Store) UpdateGame(g *Game) error {
	g.UpdatedAt = time.Now()

	players, readyPlayers, locationStrings, challenge, err := encodeGameFields(g)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE games SET code = ?, name = ?, admin = ?, players = ?, ready_players = ?,
			status = ?, current_round = ?, max_rounds = ?, time_limit = ?, private = ?,
			grace_distance = ?, fall_of_rate = ?, max_points = ?, polygon = ?,
			location_strings = ?, is_generating = ?, generation_found = ?,
			generation_target = ?, challenge = ?, round_deadline_at = ?, updated_at = ?
		WHERE id = ?`,
		g.Code, g.Name, g.Admin, players, readyPlayers,
		g.Status, g.CurrentRound, g.MaxRounds, g.TimeLimit, g.Private,
		g.GraceDistance, g.FallOfRate, g.MaxPoints, nullableText(g.Polygon),
		locationStrings, g.Generating, g.GenerationFound,
		g.GenerationTarget, challenge, nullableTime(g.RoundDeadline), g.UpdatedAt.Unix(),
		g.ID,
	)
	return err
}

// UpdateGenerationProgress writes just the running found-counter, so the
// detached generation goroutine never clobbers concurrent game updates.
func (s *Store) UpdateGenerationProgress(gameID string, found int) error {
	_, err := s.db.Exec(`UPDATE games SET generation_found = ? WHERE id = ?`, found, gameID)
	return err
}

func (s *Store) DeleteGame(id string) error {
	_, err := s.db.Exec(`DELETE FROM games WHERE id = ?`, id)
	return err
}

func (s *Store) GetGame(id string) (*Game, error) {
	row := s.db.QueryRow(`SELECT `+gameColumns+` FROM games WHERE id = ?`, id)
	return scanGame(row)
}

func (s *Store) GetGameByCode(code string) (*Game, error) {
	row := s.db.QueryRow(`SELECT `+gameColumns+` FROM games WHERE code = ?`, code)
	return scanGame(row)
}

// GamesWithMember returns every game whose roster contains the player. The
// roster is a JSON array of quoted IDs, so a substring match on the quoted
// ID is exact.
func (s *Store) GamesWithMember(playerID string) ([]*Game, error) {
	rows, err := s.db.Query(
		`SELECT `+gameColumns+` FROM games WHERE players LIKE ?`,
		`%"`+playerID+`"%`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGames(rows)
}

// ListOpenGames returns public games waiting in the lobby.
func (s *Store) ListOpenGames() ([]*Game, error) {
	rows, err := s.db.Query(`SELECT ` + gameColumns + ` FROM games WHERE status = 'lobby' AND private = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGames(rows)
}

// ListIdleGames returns games untouched since the cutoff.
func (s *Store) ListIdleGames(cutoff time.Time) ([]*Game, error) {
	rows, err := s.db.Query(`SELECT `+gameColumns+` FROM games WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGames(rows)
}

// ---- guesses ----

func (s *Store) CreateGuess(g *Guess) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	var location any
	if g.Location != nil {
		encoded, err := json.Marshal(g.Location)
		if err != nil {
			return err
		}
		location = string(encoded)
	}

	_, err := s.db.Exec(
		`INSERT INTO guesses (id, game, player, round, location, points) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Game, g.Player, g.Round, location, g.Points,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errDuplicateGuess
	}
	return err
}

func (s *Store) GuessesForRound(gameID string, round int) ([]*Guess, error) {
	rows, err := s.db.Query(
		`SELECT id, game, player, round, location, points FROM guesses WHERE game = ? AND round = ? ORDER BY created_at ASC`,
		gameID, round,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGuesses(rows)
}

// GuessesByPlayerElsewhere returns the player's guesses in any game other
// than keepGameID, for reconciliation sweeps.
func (s *Store) GuessesByPlayerElsewhere(playerID, keepGameID string) ([]*Guess, error) {
	rows, err := s.db.Query(
		`SELECT id, game, player, round, location, points FROM guesses WHERE player = ? AND game != ?`,
		playerID, keepGameID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGuesses(rows)
}

func (s *Store) DeleteGuess(id string) error {
	_, err := s.db.Exec(`DELETE FROM guesses WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteGuessesForGame(gameID string) error {
	_, err := s.db.Exec(`DELETE FROM guesses WHERE game = ?`, gameID)
	return err
}

// ---- messages ----

func (s *Store) CreateMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, game, player, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Game, m.Player, m.Body, m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// MessagesByPlayerElsewhere returns the player's chat messages in any game
// other than keepGameID, for reconciliation sweeps.
func (s *Store) MessagesByPlayerElsewhere(playerID, keepGameID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, game, player, body FROM messages WHERE player = ? AND game != ?`,
		playerID, keepGameID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Game, &m.Player, &m.Body); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (s *Store) DeleteMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteMessagesForGame(gameID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE game = ?`, gameID)
	return err
}

// ---- scanning helpers ----

func encodeGameFields(g *Game) (players, readyPlayers, locationStrings, challenge string, err error) {
	encode := func(v any) (string, error) {
		if v == nil {
			return "[]", nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}

	if g.Players == nil {
		g.Players = []string{}
	}
	if g.ReadyPlayers == nil {
		g.ReadyPlayers = []string{}
	}
	if g.LocationStrings == nil {
		g.LocationStrings = []string{}
	}
	if g.Challenge == nil {
		g.Challenge = []challengeRound{}
	}

	if players, err = encode(g.Players); err != nil {
		return
	}
	if readyPlayers, err = encode(g.ReadyPlayers); err != nil {
		return
	}
	if locationStrings, err = encode(g.LocationStrings); err != nil {
		return
	}
	challenge, err = encode(g.Challenge)
	return
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var (
		g               Game
		players         string
		readyPlayers    string
		locationStrings string
		challenge       string
		polygon         sql.NullString
		deadline        sql.NullString
		updatedAt       int64
	)

	err := row.Scan(
		&g.ID, &g.Code, &g.Name, &g.Admin, &players, &readyPlayers, &g.Status, &g.CurrentRound,
		&g.MaxRounds, &g.TimeLimit, &g.Private, &g.GraceDistance, &g.FallOfRate, &g.MaxPoints,
		&polygon, &locationStrings, &g.Generating, &g.GenerationFound, &g.GenerationTarget,
		&challenge, &deadline, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(players), &g.Players); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(readyPlayers), &g.ReadyPlayers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(locationStrings), &g.LocationStrings); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(challenge), &g.Challenge); err != nil {
		return nil, err
	}
	if polygon.Valid && polygon.String != "" {
		g.Polygon = json.RawMessage(polygon.String)
	}
	if deadline.Valid && deadline.String != "" {
		parsed, err := time.Parse(time.RFC3339Nano, deadline.String)
		if err != nil {
			return nil, err
		}
		g.RoundDeadline = &parsed
	}
	g.UpdatedAt = time.Unix(updatedAt, 0)

	return &g, nil
}

func scanGames(rows *sql.Rows) ([]*Game, error) {
	var games []*Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, game)
	}
	return games, rows.Err()
}

func scanGuesses(rows *sql.Rows) ([]*Guess, error) {
	var guesses []*Guess
	for rows.Next() {
		var (
			g        Guess
			location sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.Game, &g.Player, &g.Round, &location, &g.Points); err != nil {
			return nil, err
		}
		if location.Valid && location.String != "" {
			var loc [2]float64
			if err := json.Unmarshal([]byte(location.String), &loc); err != nil {
				return nil, err
			}
			g.Location = &loc
		}
		guesses = append(guesses, &g)
	}
	return guesses, rows.Err()
}
