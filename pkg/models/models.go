// Package models defines the shared entities synchronized between the
// koripet server and its clients: the pet state, user preferences, derived
// stats, and the patch shapes clients send to mutate them.
//
// All wire field names are snake_case; the same structs back both the
// WebSocket push messages and the HTTP polling surface so the two transports
// cannot drift apart.
package models

import "time"

// ── Animation States ─────────────────────────────────────────

// AnimationState is one of the closed set of pet animation states the
// front-ends can render. Stats.Mood is intentionally NOT this type: it is a
// free-form label coming from mood detection.
type AnimationState string

const (
	StateIdle        AnimationState = "idle"
	StateIdleAlt     AnimationState = "idle-alt"
	StateSleep       AnimationState = "sleep"
	StateSleepy      AnimationState = "sleepy"
	StateExcited     AnimationState = "excited"
	StateSurprised   AnimationState = "surprised"
	StateSad         AnimationState = "sad"
	StateWaiting     AnimationState = "waiting"
	StateLaydown     AnimationState = "laydown"
	StateShy         AnimationState = "shy"
	StateDance       AnimationState = "dance"
	StateSleeping    AnimationState = "sleeping"
	StateSleepingAlt AnimationState = "sleeping-alt"
)

// DefaultPetID keys the singleton entities when multi-tenancy is unused.
const DefaultPetID = "default"

var animationStates = []AnimationState{
	StateIdle, StateIdleAlt, StateSleep, StateSleepy, StateExcited,
	StateSurprised, StateSad, StateWaiting, StateLaydown, StateShy,
	StateDance, StateSleeping, StateSleepingAlt,
}

// AnimationStates returns the closed set of valid animation states, in
// declaration order.
func AnimationStates() []AnimationState {
	out := make([]AnimationState, len(animationStates))
	copy(out, animationStates)
	return out
}

// IsValid reports whether s is a member of the closed animation-state set.
func (s AnimationState) IsValid() bool {
	for _, v := range animationStates {
		if s == v {
			return true
		}
	}
	return false
}

// ── Entities ─────────────────────────────────────────────────

// PetState is the singleton pet entity. Mood must be a valid AnimationState;
// the store rejects patches that violate this.
type PetState struct {
	Mood        AnimationState `json:"mood"`
	Energy      int            `json:"energy"`
	Hunger      int            `json:"hunger"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Preferences holds the user-facing settings. No cross-field invariants.
type Preferences struct {
	IsStudent   bool      `json:"is_student"`
	Theme       string    `json:"theme"`
	TimerMethod string    `json:"timer_method"`
	LastUpdated time.Time `json:"last_updated"`
}

// Conventional TimerMethod values. The field is not validated against them.
const (
	TimerPomodoro = "pomodoro"
	TimerCustom   = "custom"
	TimerFocus    = "focus"
)

// Stats is the raw sensor/detection entity. Mood here is the external
// detection label, not validated against the animation set. Confidence is nil
// until a client explicitly reports one; the derived payload falls back to
// the per-mood confidence map in that case.
type Stats struct {
	Mood            string     `json:"mood"`
	RoomTemperature float64    `json:"room_temperature"`
	FocusLevel      int        `json:"focus_level"`
	Confidence      *float64   `json:"confidence"`
	NoisePollution  float64    `json:"noise_pollution"`
	MusicIsPlaying  bool       `json:"music_is_playing"`
	MusicTrack      *string    `json:"music_track"`
	DailyTip        *string    `json:"daily_tip"`
	TipGeneratedAt  *time.Time `json:"tip_generated_at"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// StatsPayload is the outward-facing stats shape: the raw stats with the
// confidence resolved to a concrete number, the full per-mood confidence map,
// and the integration flag. Both `stats:state` pushes and the polling routes
// marshal exactly this struct.
type StatsPayload struct {
	Mood             string                     `json:"mood"`
	RoomTemperature  float64                    `json:"room_temperature"`
	FocusLevel       int                        `json:"focus_level"`
	Confidence       float64                    `json:"confidence"`
	NoisePollution   float64                    `json:"noise_pollution"`
	MusicIsPlaying   bool                       `json:"music_is_playing"`
	MusicTrack       *string                    `json:"music_track"`
	DailyTip         *string                    `json:"daily_tip"`
	TipGeneratedAt   *time.Time                 `json:"tip_generated_at"`
	LastUpdated      time.Time                  `json:"last_updated"`
	ConfidenceMap    map[AnimationState]float64 `json:"confidence_map"`
	SpotifyConnected bool                       `json:"spotify_connected"`
}

// Item is the vestigial demo record kept from the original REST surface.
type Item struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SpotifyTokens is the persisted OAuth token pair. It is owned entirely by
// the spotify integration; the sync core only derives an "enabled" boolean
// from it.
type SpotifyTokens struct {
	AccessToken  *string   `json:"access_token"`
	RefreshToken *string   `json:"refresh_token"`
	ExpiresAt    *int64    `json:"expires_at"` // unix millis
	TokenType    *string   `json:"token_type"`
	Scope        *string   `json:"scope"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ── Patches ──────────────────────────────────────────────────
//
// Patch fields are pointers: nil means "leave unchanged". Mutations are
// last-writer-wins; there is no versioning.

// PetStatePatch is a partial update for PetState.
type PetStatePatch struct {
	Mood   *AnimationState `json:"mood,omitempty"`
	Energy *int            `json:"energy,omitempty"`
	Hunger *int            `json:"hunger,omitempty"`
}

// PreferencesPatch is a partial update for Preferences.
type PreferencesPatch struct {
	IsStudent   *bool   `json:"is_student,omitempty"`
	Theme       *string `json:"theme,omitempty"`
	TimerMethod *string `json:"timer_method,omitempty"`
}

// StatsPatch is a partial update for Stats. MusicIsPlaying and MusicTrack are
// normally written by the playback integration, not by clients, but nothing
// enforces that (documented looseness).
type StatsPatch struct {
	Mood            *string  `json:"mood,omitempty"`
	RoomTemperature *float64 `json:"room_temperature,omitempty"`
	FocusLevel      *int     `json:"focus_level,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	NoisePollution  *float64 `json:"noise_pollution,omitempty"`
	MusicIsPlaying  *bool    `json:"music_is_playing,omitempty"`
	MusicTrack      *string  `json:"music_track,omitempty"`
}

// SpotifyTokensPatch is a partial update for the stored token pair.
type SpotifyTokensPatch struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *int64
	TokenType    *string
	Scope        *string
}

// Defaults for lazily created entities.
func DefaultPetState(now time.Time) PetState {
	return PetState{Mood: StateIdle, Energy: 100, Hunger: 0, LastUpdated: now}
}

func DefaultPreferences(now time.Time) Preferences {
	return Preferences{IsStudent: false, Theme: "light", TimerMethod: TimerPomodoro, LastUpdated: now}
}

func DefaultStats(now time.Time) Stats {
	return Stats{Mood: "ok", RoomTemperature: 22.0, FocusLevel: 5, LastUpdated: now}
}
