// Package stats derives the outward-facing stats payload from the raw stored
// stats, the per-mood confidence map, and the playback-integration flag.
package stats

import (
	"context"

	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/pkg/models"
)

// Integration reports whether the external playback integration is linked for
// a pet. Implemented by the spotify client.
type Integration interface {
	Enabled(ctx context.Context, petID string) bool
}

// Builder combines store reads into a models.StatsPayload. It performs no
// writes; callers must invoke it fresh on every poll tick and every stats
// response so pushed data reflects the moment of the read.
type Builder struct {
	store       store.Store
	integration Integration
}

func NewBuilder(s store.Store, integration Integration) *Builder {
	return &Builder{store: s, integration: integration}
}

// BuildPayload reads the stats and confidence map and resolves the effective
// confidence: the explicitly reported value wins, otherwise the map entry for
// the current mood label, otherwise 0.
func (b *Builder) BuildPayload(ctx context.Context, petID string) (models.StatsPayload, error) {
	st, err := b.store.GetStats(ctx, petID)
	if err != nil {
		return models.StatsPayload{}, err
	}
	confidenceMap, err := b.store.GetMoodConfidence(ctx, petID)
	if err != nil {
		return models.StatsPayload{}, err
	}

	confidence := 0.0
	if st.Confidence != nil {
		confidence = *st.Confidence
	} else if v, ok := confidenceMap[models.AnimationState(st.Mood)]; ok {
		confidence = v
	}

	return models.StatsPayload{
		Mood:             st.Mood,
		RoomTemperature:  st.RoomTemperature,
		FocusLevel:       st.FocusLevel,
		Confidence:       confidence,
		NoisePollution:   st.NoisePollution,
		MusicIsPlaying:   st.MusicIsPlaying,
		MusicTrack:       st.MusicTrack,
		DailyTip:         st.DailyTip,
		TipGeneratedAt:   st.TipGeneratedAt,
		LastUpdated:      st.LastUpdated,
		ConfidenceMap:    confidenceMap,
		SpotifyConnected: b.integration.Enabled(ctx, petID),
	}, nil
}
