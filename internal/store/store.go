// Package store provides persistence for the synchronized entities.
//
// Two interchangeable backends implement the same contract: an embedded
// SQLite file (default) and a remote Redis instance. All operations are keyed
// by a pet identifier so multi-tenancy never has to be retrofitted; the
// single-tenant deployments simply use models.DefaultPetID everywhere.
//
// Entities are created lazily with hardcoded defaults on first read and are
// never deleted. Updates merge non-nil patch fields over the current row,
// stamp LastUpdated, and return the new full entity. PetState is the only
// validating entity: an unknown mood fails with *ValidationError and leaves
// the row untouched.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koripet/koripet/pkg/models"
)

// Store is the storage contract shared by the hub, the poller, and the HTTP
// handlers. Implementations must be safe for concurrent use; mutations on the
// same entity are serialized internally so last-writer-wins stays
// well-defined.
type Store interface {
	GetPetState(ctx context.Context, petID string) (models.PetState, error)
	UpdatePetState(ctx context.Context, petID string, patch models.PetStatePatch) (models.PetState, error)

	GetPreferences(ctx context.Context, petID string) (models.Preferences, error)
	UpdatePreferences(ctx context.Context, petID string, patch models.PreferencesPatch) (models.Preferences, error)

	GetStats(ctx context.Context, petID string) (models.Stats, error)
	// UpdateStats merges the patch and, when it carries both a Confidence and
	// a Mood that is a valid animation state, also records the confidence in
	// the per-mood confidence map.
	UpdateStats(ctx context.Context, petID string, patch models.StatsPatch) (models.Stats, error)

	// GetMoodConfidence returns the last-seen confidence per animation state.
	// Every known state is present in the map, defaulting to 0.
	GetMoodConfidence(ctx context.Context, petID string) (map[models.AnimationState]float64, error)
	SetMoodConfidence(ctx context.Context, petID string, mood models.AnimationState, confidence float64) error

	SetDailyTip(ctx context.Context, petID, tip string, generatedAt time.Time) error
	SetMusicPlayback(ctx context.Context, petID string, playing bool, track *string) (models.Stats, error)

	ListItems(ctx context.Context, petID string) ([]models.Item, error)
	CreateItem(ctx context.Context, petID, name string) (models.Item, error)

	GetSpotifyTokens(ctx context.Context, petID string) (models.SpotifyTokens, error)
	SetSpotifyTokens(ctx context.Context, petID string, patch models.SpotifyTokensPatch) (models.SpotifyTokens, error)
	ClearSpotifyTokens(ctx context.Context, petID string) error

	// Ping checks that the backing storage is reachable. The server fails
	// fast at startup if it is not; mid-run failures surface as errors on the
	// individual operations and are not retried by the store.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ValidationError reports a client-supplied value that violates a closed-set
// constraint. It is the only error class surfaced to clients as a structured
// `error` message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewInvalidMoodError builds the ValidationError for an unknown pet mood,
// naming the allowed set.
func NewInvalidMoodError(mood models.AnimationState) *ValidationError {
	states := models.AnimationStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return &ValidationError{
		Field:   "mood",
		Message: fmt.Sprintf("invalid pet state %q, expected one of: %s", mood, strings.Join(names, ", ")),
	}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// applyPetPatch merges a patch over the current pet state. Returns the
// validation error without touching the input on an unknown mood.
func applyPetPatch(cur models.PetState, patch models.PetStatePatch, now time.Time) (models.PetState, error) {
	if patch.Mood != nil && !patch.Mood.IsValid() {
		return cur, NewInvalidMoodError(*patch.Mood)
	}
	next := cur
	if patch.Mood != nil {
		next.Mood = *patch.Mood
	}
	if patch.Energy != nil {
		next.Energy = *patch.Energy
	}
	if patch.Hunger != nil {
		next.Hunger = *patch.Hunger
	}
	next.LastUpdated = now
	return next, nil
}

func applyPreferencesPatch(cur models.Preferences, patch models.PreferencesPatch, now time.Time) models.Preferences {
	next := cur
	if patch.IsStudent != nil {
		next.IsStudent = *patch.IsStudent
	}
	if patch.Theme != nil {
		next.Theme = *patch.Theme
	}
	if patch.TimerMethod != nil {
		next.TimerMethod = *patch.TimerMethod
	}
	next.LastUpdated = now
	return next
}

func applyStatsPatch(cur models.Stats, patch models.StatsPatch, now time.Time) models.Stats {
	next := cur
	if patch.Mood != nil {
		next.Mood = *patch.Mood
	}
	if patch.RoomTemperature != nil {
		next.RoomTemperature = *patch.RoomTemperature
	}
	if patch.FocusLevel != nil {
		next.FocusLevel = *patch.FocusLevel
	}
	if patch.Confidence != nil {
		c := *patch.Confidence
		next.Confidence = &c
	}
	if patch.NoisePollution != nil {
		next.NoisePollution = *patch.NoisePollution
	}
	if patch.MusicIsPlaying != nil {
		next.MusicIsPlaying = *patch.MusicIsPlaying
	}
	if patch.MusicTrack != nil {
		t := *patch.MusicTrack
		next.MusicTrack = &t
	}
	next.LastUpdated = now
	return next
}

func applySpotifyTokensPatch(cur models.SpotifyTokens, patch models.SpotifyTokensPatch, now time.Time) models.SpotifyTokens {
	next := cur
	if patch.AccessToken != nil {
		v := *patch.AccessToken
		next.AccessToken = &v
	}
	if patch.RefreshToken != nil {
		v := *patch.RefreshToken
		next.RefreshToken = &v
	}
	if patch.ExpiresAt != nil {
		v := *patch.ExpiresAt
		next.ExpiresAt = &v
	}
	if patch.TokenType != nil {
		v := *patch.TokenType
		next.TokenType = &v
	}
	if patch.Scope != nil {
		v := *patch.Scope
		next.Scope = &v
	}
	next.UpdatedAt = now
	return next
}

// confidenceOpportunistic reports whether a stats patch should also update
// the confidence map, and for which state.
func confidenceOpportunistic(patch models.StatsPatch) (models.AnimationState, float64, bool) {
	if patch.Confidence == nil || patch.Mood == nil {
		return "", 0, false
	}
	state := models.AnimationState(*patch.Mood)
	if !state.IsValid() {
		return "", 0, false
	}
	return state, *patch.Confidence, true
}
