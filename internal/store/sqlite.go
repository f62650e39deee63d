// SQLite-backed Store implementation. Uses the ncruces/go-sqlite3 driver,
// which provides a database/sql interface without cgo.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/koripet/koripet/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pet_state (
    pet_id TEXT PRIMARY KEY,
    mood TEXT NOT NULL,
    energy INTEGER NOT NULL,
    hunger INTEGER NOT NULL,
    last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
    pet_id TEXT PRIMARY KEY,
    is_student INTEGER NOT NULL,
    theme TEXT NOT NULL,
    timer_method TEXT NOT NULL,
    last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stats (
    pet_id TEXT PRIMARY KEY,
    mood TEXT NOT NULL,
    room_temperature REAL NOT NULL,
    focus_level INTEGER NOT NULL,
    confidence REAL,
    noise_pollution REAL NOT NULL DEFAULT 0,
    music_is_playing INTEGER NOT NULL DEFAULT 0,
    music_track TEXT,
    daily_tip TEXT,
    tip_generated_at TEXT,
    last_updated TEXT NOT NULL
);

-- Confidence per animation state lives in its own table so each state keeps
-- its last-seen score independently of the active mood.
CREATE TABLE IF NOT EXISTS mood_confidence (
    pet_id TEXT NOT NULL,
    mood TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (pet_id, mood)
);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pet_id TEXT NOT NULL,
    name TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spotify_tokens (
    pet_id TEXT PRIMARY KEY,
    access_token TEXT,
    refresh_token TEXT,
    expires_at INTEGER,
    token_type TEXT,
    scope TEXT,
    updated_at TEXT NOT NULL
);
`

// SQLiteStore implements Store on an embedded SQLite file.
type SQLiteStore struct {
	mu sync.Mutex // serializes read-modify-write update cycles
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file at path and
// initializes the schema. The parent directory is created if missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return openSQLite("file:" + path + "?_pragma=journal_mode(WAL)")
}

// NewSQLiteMemory opens an in-memory database, used by tests.
func NewSQLiteMemory() (*SQLiteStore, error) {
	return openSQLite(":memory:")
}

func openSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers at the driver level.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqliteTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseSQLiteTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ── Pet State ────────────────────────────────────────────────

func (s *SQLiteStore) GetPetState(ctx context.Context, petID string) (models.PetState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mood, energy, hunger, last_updated FROM pet_state WHERE pet_id = ?`, petID)

	var st models.PetState
	var mood, updated string
	err := row.Scan(&mood, &st.Energy, &st.Hunger, &updated)
	if err == sql.ErrNoRows {
		return s.seedPetState(ctx, petID)
	}
	if err != nil {
		return models.PetState{}, fmt.Errorf("get pet state: %w", err)
	}
	st.Mood = models.AnimationState(mood)
	st.LastUpdated = parseSQLiteTime(updated)
	return st, nil
}

func (s *SQLiteStore) seedPetState(ctx context.Context, petID string) (models.PetState, error) {
	st := models.DefaultPetState(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pet_state (pet_id, mood, energy, hunger, last_updated) VALUES (?, ?, ?, ?, ?)`,
		petID, string(st.Mood), st.Energy, st.Hunger, sqliteTime(st.LastUpdated))
	if err != nil {
		return models.PetState{}, fmt.Errorf("seed pet state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) UpdatePetState(ctx context.Context, petID string, patch models.PetStatePatch) (models.PetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetPetState(ctx, petID)
	if err != nil {
		return models.PetState{}, err
	}
	next, err := applyPetPatch(cur, patch, time.Now().UTC())
	if err != nil {
		return models.PetState{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pet_state SET mood = ?, energy = ?, hunger = ?, last_updated = ? WHERE pet_id = ?`,
		string(next.Mood), next.Energy, next.Hunger, sqliteTime(next.LastUpdated), petID)
	if err != nil {
		return models.PetState{}, fmt.Errorf("update pet state: %w", err)
	}
	return next, nil
}

// ── Preferences ──────────────────────────────────────────────

func (s *SQLiteStore) GetPreferences(ctx context.Context, petID string) (models.Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT is_student, theme, timer_method, last_updated FROM preferences WHERE pet_id = ?`, petID)

	var p models.Preferences
	var updated string
	err := row.Scan(&p.IsStudent, &p.Theme, &p.TimerMethod, &updated)
	if err == sql.ErrNoRows {
		return s.seedPreferences(ctx, petID)
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	p.LastUpdated = parseSQLiteTime(updated)
	return p, nil
}

func (s *SQLiteStore) seedPreferences(ctx context.Context, petID string) (models.Preferences, error) {
	p := models.DefaultPreferences(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO preferences (pet_id, is_student, theme, timer_method, last_updated) VALUES (?, ?, ?, ?, ?)`,
		petID, p.IsStudent, p.Theme, p.TimerMethod, sqliteTime(p.LastUpdated))
	if err != nil {
		return models.Preferences{}, fmt.Errorf("seed preferences: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePreferences(ctx context.Context, petID string, patch models.PreferencesPatch) (models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetPreferences(ctx, petID)
	if err != nil {
		return models.Preferences{}, err
	}
	next := applyPreferencesPatch(cur, patch, time.Now().UTC())
	_, err = s.db.ExecContext(ctx,
		`UPDATE preferences SET is_student = ?, theme = ?, timer_method = ?, last_updated = ? WHERE pet_id = ?`,
		next.IsStudent, next.Theme, next.TimerMethod, sqliteTime(next.LastUpdated), petID)
	if err != nil {
		return models.Preferences{}, fmt.Errorf("update preferences: %w", err)
	}
	return next, nil
}

// ── Stats ────────────────────────────────────────────────────

func (s *SQLiteStore) GetStats(ctx context.Context, petID string) (models.Stats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mood, room_temperature, focus_level, confidence, noise_pollution,
		        music_is_playing, music_track, daily_tip, tip_generated_at, last_updated
		 FROM stats WHERE pet_id = ?`, petID)

	var st models.Stats
	var confidence sql.NullFloat64
	var track, tip, tipAt sql.NullString
	var updated string
	err := row.Scan(&st.Mood, &st.RoomTemperature, &st.FocusLevel, &confidence,
		&st.NoisePollution, &st.MusicIsPlaying, &track, &tip, &tipAt, &updated)
	if err == sql.ErrNoRows {
		return s.seedStats(ctx, petID)
	}
	if err != nil {
		return models.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	if confidence.Valid {
		st.Confidence = &confidence.Float64
	}
	if track.Valid {
		st.MusicTrack = &track.String
	}
	if tip.Valid {
		st.DailyTip = &tip.String
	}
	if tipAt.Valid {
		t := parseSQLiteTime(tipAt.String)
		st.TipGeneratedAt = &t
	}
	st.LastUpdated = parseSQLiteTime(updated)
	return st, nil
}

func (s *SQLiteStore) seedStats(ctx context.Context, petID string) (models.Stats, error) {
	st := models.DefaultStats(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stats (pet_id, mood, room_temperature, focus_level, noise_pollution, music_is_playing, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		petID, st.Mood, st.RoomTemperature, st.FocusLevel, st.NoisePollution, st.MusicIsPlaying, sqliteTime(st.LastUpdated))
	if err != nil {
		return models.Stats{}, fmt.Errorf("seed stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) writeStats(ctx context.Context, petID string, st models.Stats) error {
	var confidence any
	if st.Confidence != nil {
		confidence = *st.Confidence
	}
	var track, tip, tipAt any
	if st.MusicTrack != nil {
		track = *st.MusicTrack
	}
	if st.DailyTip != nil {
		tip = *st.DailyTip
	}
	if st.TipGeneratedAt != nil {
		tipAt = sqliteTime(*st.TipGeneratedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stats SET mood = ?, room_temperature = ?, focus_level = ?, confidence = ?,
		        noise_pollution = ?, music_is_playing = ?, music_track = ?, daily_tip = ?,
		        tip_generated_at = ?, last_updated = ?
		 WHERE pet_id = ?`,
		st.Mood, st.RoomTemperature, st.FocusLevel, confidence, st.NoisePollution,
		st.MusicIsPlaying, track, tip, tipAt, sqliteTime(st.LastUpdated), petID)
	if err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStats(ctx context.Context, petID string, patch models.StatsPatch) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetStats(ctx, petID)
	if err != nil {
		return models.Stats{}, err
	}
	next := applyStatsPatch(cur, patch, time.Now().UTC())
	if err := s.writeStats(ctx, petID, next); err != nil {
		return models.Stats{}, err
	}
	if mood, confidence, ok := confidenceOpportunistic(patch); ok {
		if err := s.setMoodConfidenceLocked(ctx, petID, mood, confidence); err != nil {
			return models.Stats{}, err
		}
	}
	return next, nil
}

func (s *SQLiteStore) SetDailyTip(ctx context.Context, petID, tip string, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetStats(ctx, petID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stats SET daily_tip = ?, tip_generated_at = ? WHERE pet_id = ?`,
		tip, sqliteTime(generatedAt.UTC()), petID)
	if err != nil {
		return fmt.Errorf("set daily tip: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetMusicPlayback(ctx context.Context, petID string, playing bool, track *string) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetStats(ctx, petID)
	if err != nil {
		return models.Stats{}, err
	}
	cur.MusicIsPlaying = playing
	cur.MusicTrack = track
	cur.LastUpdated = time.Now().UTC()
	if err := s.writeStats(ctx, petID, cur); err != nil {
		return models.Stats{}, err
	}
	return cur, nil
}

// ── Mood Confidence ──────────────────────────────────────────

func (s *SQLiteStore) GetMoodConfidence(ctx context.Context, petID string) (map[models.AnimationState]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mood, confidence FROM mood_confidence WHERE pet_id = ?`, petID)
	if err != nil {
		return nil, fmt.Errorf("get mood confidence: %w", err)
	}
	defer rows.Close()

	out := make(map[models.AnimationState]float64, len(models.AnimationStates()))
	for _, state := range models.AnimationStates() {
		out[state] = 0
	}
	for rows.Next() {
		var mood string
		var confidence float64
		if err := rows.Scan(&mood, &confidence); err != nil {
			return nil, fmt.Errorf("scan mood confidence: %w", err)
		}
		state := models.AnimationState(mood)
		if state.IsValid() {
			out[state] = confidence
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetMoodConfidence(ctx context.Context, petID string, mood models.AnimationState, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMoodConfidenceLocked(ctx, petID, mood, confidence)
}

func (s *SQLiteStore) setMoodConfidenceLocked(ctx context.Context, petID string, mood models.AnimationState, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mood_confidence (pet_id, mood, confidence) VALUES (?, ?, ?)
		 ON CONFLICT(pet_id, mood) DO UPDATE SET confidence = excluded.confidence`,
		petID, string(mood), confidence)
	if err != nil {
		return fmt.Errorf("set mood confidence: %w", err)
	}
	return nil
}

// ── Items ────────────────────────────────────────────────────

func (s *SQLiteStore) ListItems(ctx context.Context, petID string) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, updated_at FROM items WHERE pet_id = ? ORDER BY updated_at DESC`, petID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		var it models.Item
		var updated string
		if err := rows.Scan(&it.ID, &it.Name, &updated); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.UpdatedAt = parseSQLiteTime(updated)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) CreateItem(ctx context.Context, petID, name string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items (pet_id, name, updated_at) VALUES (?, ?, ?)`,
		petID, name, sqliteTime(now))
	if err != nil {
		return models.Item{}, fmt.Errorf("create item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Item{}, fmt.Errorf("item id: %w", err)
	}
	return models.Item{ID: id, Name: name, UpdatedAt: now}, nil
}

// ── Spotify Tokens ───────────────────────────────────────────

func (s *SQLiteStore) GetSpotifyTokens(ctx context.Context, petID string) (models.SpotifyTokens, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, token_type, scope, updated_at
		 FROM spotify_tokens WHERE pet_id = ?`, petID)

	var tk models.SpotifyTokens
	var access, refresh, tokenType, scope sql.NullString
	var expires sql.NullInt64
	var updated string
	err := row.Scan(&access, &refresh, &expires, &tokenType, &scope, &updated)
	if err == sql.ErrNoRows {
		return s.seedSpotifyTokens(ctx, petID)
	}
	if err != nil {
		return models.SpotifyTokens{}, fmt.Errorf("get spotify tokens: %w", err)
	}
	if access.Valid {
		tk.AccessToken = &access.String
	}
	if refresh.Valid {
		tk.RefreshToken = &refresh.String
	}
	if expires.Valid {
		tk.ExpiresAt = &expires.Int64
	}
	if tokenType.Valid {
		tk.TokenType = &tokenType.String
	}
	if scope.Valid {
		tk.Scope = &scope.String
	}
	tk.UpdatedAt = parseSQLiteTime(updated)
	return tk, nil
}

func (s *SQLiteStore) seedSpotifyTokens(ctx context.Context, petID string) (models.SpotifyTokens, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO spotify_tokens (pet_id, updated_at) VALUES (?, ?)`,
		petID, sqliteTime(now))
	if err != nil {
		return models.SpotifyTokens{}, fmt.Errorf("seed spotify tokens: %w", err)
	}
	return models.SpotifyTokens{UpdatedAt: now}, nil
}

func (s *SQLiteStore) SetSpotifyTokens(ctx context.Context, petID string, patch models.SpotifyTokensPatch) (models.SpotifyTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetSpotifyTokens(ctx, petID)
	if err != nil {
		return models.SpotifyTokens{}, err
	}
	next := applySpotifyTokensPatch(cur, patch, time.Now().UTC())

	var access, refresh, tokenType, scope, expires any
	if next.AccessToken != nil {
		access = *next.AccessToken
	}
	if next.RefreshToken != nil {
		refresh = *next.RefreshToken
	}
	if next.TokenType != nil {
		tokenType = *next.TokenType
	}
	if next.Scope != nil {
		scope = *next.Scope
	}
	if next.ExpiresAt != nil {
		expires = *next.ExpiresAt
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE spotify_tokens SET access_token = ?, refresh_token = ?, expires_at = ?,
		        token_type = ?, scope = ?, updated_at = ?
		 WHERE pet_id = ?`,
		access, refresh, expires, tokenType, scope, sqliteTime(next.UpdatedAt), petID)
	if err != nil {
		return models.SpotifyTokens{}, fmt.Errorf("set spotify tokens: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ClearSpotifyTokens(ctx context.Context, petID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE spotify_tokens SET access_token = NULL, refresh_token = NULL, expires_at = NULL,
		        token_type = NULL, scope = NULL, updated_at = ?
		 WHERE pet_id = ?`,
		sqliteTime(time.Now().UTC()), petID)
	if err != nil {
		return fmt.Errorf("clear spotify tokens: %w", err)
	}
	return nil
}
