// Redis-backed Store implementation for deployments that want the entity
// state in a remote key-value store instead of a local file. Entities are
// stored as JSON blobs under per-pet keys; the confidence map uses a hash so
// each animation state updates independently.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/koripet/koripet/pkg/models"
)

// RedisStore implements Store on a remote Redis instance.
//
// The writer mutex serializes read-modify-write cycles within this process
// only; running multiple server processes against one Redis database is
// outside the documented contract.
type RedisStore struct {
	mu  sync.Mutex
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance at addr (host:port).
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rdb.Close() }

func petKey(petID, entity string) string { return "pet:" + petID + ":" + entity }

const (
	entityState      = "state"
	entityPrefs      = "prefs"
	entityStats      = "stats"
	entityTokens     = "tokens"
	entityConfidence = "confidence"
	entityItems      = "items"
	entityItemSeq    = "items:seq"
)

// getJSON loads key into dst. Returns false (without touching dst) when the
// key does not exist.
func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// ── Pet State ────────────────────────────────────────────────

func (s *RedisStore) GetPetState(ctx context.Context, petID string) (models.PetState, error) {
	var st models.PetState
	ok, err := s.getJSON(ctx, petKey(petID, entityState), &st)
	if err != nil {
		return models.PetState{}, err
	}
	if !ok {
		st = models.DefaultPetState(time.Now().UTC())
		if err := s.setJSON(ctx, petKey(petID, entityState), st); err != nil {
			return models.PetState{}, err
		}
	}
	return st, nil
}

func (s *RedisStore) UpdatePetState(ctx context.Context, petID string, patch models.PetStatePatch) (models.PetState, error) {
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
	if err := s.setJSON(ctx, petKey(petID, entityState), next); err != nil {
		return models.PetState{}, err
	}
	return next, nil
}

// ── Preferences ──────────────────────────────────────────────

func (s *RedisStore) GetPreferences(ctx context.Context, petID string) (models.Preferences, error) {
	var p models.Preferences
	ok, err := s.getJSON(ctx, petKey(petID, entityPrefs), &p)
	if err != nil {
		return models.Preferences{}, err
	}
	if !ok {
		p = models.DefaultPreferences(time.Now().UTC())
		if err := s.setJSON(ctx, petKey(petID, entityPrefs), p); err != nil {
			return models.Preferences{}, err
		}
	}
	return p, nil
}

func (s *RedisStore) UpdatePreferences(ctx context.Context, petID string, patch models.PreferencesPatch) (models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetPreferences(ctx, petID)
	if err != nil {
		return models.Preferences{}, err
	}
	next := applyPreferencesPatch(cur, patch, time.Now().UTC())
	if err := s.setJSON(ctx, petKey(petID, entityPrefs), next); err != nil {
		return models.Preferences{}, err
	}
	return next, nil
}

// ── Stats ────────────────────────────────────────────────────

func (s *RedisStore) GetStats(ctx context.Context, petID string) (models.Stats, error) {
	var st models.Stats
	ok, err := s.getJSON(ctx, petKey(petID, entityStats), &st)
	if err != nil {
		return models.Stats{}, err
	}
	if !ok {
		st = models.DefaultStats(time.Now().UTC())
		if err := s.setJSON(ctx, petKey(petID, entityStats), st); err != nil {
			return models.Stats{}, err
		}
	}
	return st, nil
}

func (s *RedisStore) UpdateStats(ctx context.Context, petID string, patch models.StatsPatch) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetStats(ctx, petID)
	if err != nil {
		return models.Stats{}, err
	}
	next := applyStatsPatch(cur, patch, time.Now().UTC())
	if err := s.setJSON(ctx, petKey(petID, entityStats), next); err != nil {
		return models.Stats{}, err
	}
	if mood, confidence, ok := confidenceOpportunistic(patch); ok {
		if err := s.setMoodConfidence(ctx, petID, mood, confidence); err != nil {
			return models.Stats{}, err
		}
	}
	return next, nil
}

func (s *RedisStore) SetDailyTip(ctx context.Context, petID, tip string, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetStats(ctx, petID)
	if err != nil {
		return err
	}
	at := generatedAt.UTC()
	cur.DailyTip = &tip
	cur.TipGeneratedAt = &at
	return s.setJSON(ctx, petKey(petID, entityStats), cur)
}

func (s *RedisStore) SetMusicPlayback(ctx context.Context, petID string, playing bool, track *string) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetStats(ctx, petID)
	if err != nil {
		return models.Stats{}, err
	}
	cur.MusicIsPlaying = playing
	cur.MusicTrack = track
	cur.LastUpdated = time.Now().UTC()
	if err := s.setJSON(ctx, petKey(petID, entityStats), cur); err != nil {
		return models.Stats{}, err
	}
	return cur, nil
}

// ── Mood Confidence ──────────────────────────────────────────

func (s *RedisStore) GetMoodConfidence(ctx context.Context, petID string) (map[models.AnimationState]float64, error) {
	fields, err := s.rdb.HGetAll(ctx, petKey(petID, entityConfidence)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall confidence: %w", err)
	}
	out := make(map[models.AnimationState]float64, len(models.AnimationStates()))
	for _, state := range models.AnimationStates() {
		out[state] = 0
	}
	for mood, raw := range fields {
		state := models.AnimationState(mood)
		if !state.IsValid() {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			out[state] = v
		}
	}
	return out, nil
}

func (s *RedisStore) SetMoodConfidence(ctx context.Context, petID string, mood models.AnimationState, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMoodConfidence(ctx, petID, mood, confidence)
}

func (s *RedisStore) setMoodConfidence(ctx context.Context, petID string, mood models.AnimationState, confidence float64) error {
	err := s.rdb.HSet(ctx, petKey(petID, entityConfidence), string(mood),
		strconv.FormatFloat(confidence, 'f', -1, 64)).Err()
	if err != nil {
		return fmt.Errorf("redis hset confidence: %w", err)
	}
	return nil
}

// ── Items ────────────────────────────────────────────────────

func (s *RedisStore) ListItems(ctx context.Context, petID string) ([]models.Item, error) {
	raws, err := s.rdb.LRange(ctx, petKey(petID, entityItems), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange items: %w", err)
	}
	items := []models.Item{}
	for _, raw := range raws {
		var it models.Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *RedisStore) CreateItem(ctx context.Context, petID, name string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.rdb.Incr(ctx, petKey(petID, entityItemSeq)).Result()
	if err != nil {
		return models.Item{}, fmt.Errorf("redis incr item seq: %w", err)
	}
	it := models.Item{ID: id, Name: name, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(it)
	if err != nil {
		return models.Item{}, fmt.Errorf("encode item: %w", err)
	}
	// Newest first, matching the SQLite ORDER BY updated_at DESC.
	if err := s.rdb.LPush(ctx, petKey(petID, entityItems), raw).Err(); err != nil {
		return models.Item{}, fmt.Errorf("redis lpush item: %w", err)
	}
	return it, nil
}

// ── Spotify Tokens ───────────────────────────────────────────

func (s *RedisStore) GetSpotifyTokens(ctx context.Context, petID string) (models.SpotifyTokens, error) {
	var tk models.SpotifyTokens
	ok, err := s.getJSON(ctx, petKey(petID, entityTokens), &tk)
	if err != nil {
		return models.SpotifyTokens{}, err
	}
	if !ok {
		tk = models.SpotifyTokens{UpdatedAt: time.Now().UTC()}
		if err := s.setJSON(ctx, petKey(petID, entityTokens), tk); err != nil {
			return models.SpotifyTokens{}, err
		}
	}
	return tk, nil
}

func (s *RedisStore) SetSpotifyTokens(ctx context.Context, petID string, patch models.SpotifyTokensPatch) (models.SpotifyTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.GetSpotifyTokens(ctx, petID)
	if err != nil {
		return models.SpotifyTokens{}, err
	}
	next := applySpotifyTokensPatch(cur, patch, time.Now().UTC())
	if err := s.setJSON(ctx, petKey(petID, entityTokens), next); err != nil {
		return models.SpotifyTokens{}, err
	}
	return next, nil
}

func (s *RedisStore) ClearSpotifyTokens(ctx context.Context, petID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(ctx, petKey(petID, entityTokens), models.SpotifyTokens{UpdatedAt: time.Now().UTC()})
}
