package stats_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/pkg/models"
)

type stubIntegration struct{ enabled bool }

func (s stubIntegration) Enabled(ctx context.Context, petID string) bool { return s.enabled }

func ptr[T any](v T) *T { return &v }

func newBuilder(t *testing.T, enabled bool) (*stats.Builder, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return stats.NewBuilder(s, stubIntegration{enabled: enabled}), s
}

func TestBuildPayload_ExplicitConfidenceWins(t *testing.T) {
	b, s := newBuilder(t, false)
	ctx := context.Background()

	require.NoError(t, s.SetMoodConfidence(ctx, models.DefaultPetID, models.StateDance, 0.4))
	_, err := s.UpdateStats(ctx, models.DefaultPetID, models.StatsPatch{
		Mood:       ptr("dance"),
		Confidence: ptr(0.9),
	})
	require.NoError(t, err)

	payload, err := b.BuildPayload(ctx, models.DefaultPetID)
	require.NoError(t, err)
	require.Equal(t, 0.9, payload.Confidence)
}

func TestBuildPayload_FallsBackToMoodMap(t *testing.T) {
	b, s := newBuilder(t, false)
	ctx := context.Background()

	// No explicit confidence reported, the map entry for the current mood
	// label resolves instead.
	require.NoError(t, s.SetMoodConfidence(ctx, models.DefaultPetID, models.StateExcited, 0.7))
	_, err := s.UpdateStats(ctx, models.DefaultPetID, models.StatsPatch{Mood: ptr("excited")})
	require.NoError(t, err)

	payload, err := b.BuildPayload(ctx, models.DefaultPetID)
	require.NoError(t, err)
	require.Equal(t, 0.7, payload.Confidence)
}

func TestBuildPayload_UnknownMoodResolvesZero(t *testing.T) {
	b, s := newBuilder(t, false)
	ctx := context.Background()

	_, err := s.UpdateStats(ctx, models.DefaultPetID, models.StatsPatch{Mood: ptr("contemplative")})
	require.NoError(t, err)

	payload, err := b.BuildPayload(ctx, models.DefaultPetID)
	require.NoError(t, err)
	require.Equal(t, 0.0, payload.Confidence)
	require.Len(t, payload.ConfidenceMap, len(models.AnimationStates()))
}

func TestBuildPayload_IntegrationFlag(t *testing.T) {
	ctx := context.Background()

	b, _ := newBuilder(t, true)
	payload, err := b.BuildPayload(ctx, models.DefaultPetID)
	require.NoError(t, err)
	require.True(t, payload.SpotifyConnected)

	b, _ = newBuilder(t, false)
	payload, err = b.BuildPayload(ctx, models.DefaultPetID)
	require.NoError(t, err)
	require.False(t, payload.SpotifyConnected)
}
