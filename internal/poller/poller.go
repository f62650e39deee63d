// Package poller re-derives the shared state on a fixed interval and
// broadcasts only what actually changed. It exists to pick up drift from
// non-client sources (the playback integration and tip regeneration)
// without rebroadcasting identical data to every client on every tick.
package poller

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/spotify"
	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/internal/tips"
	"github.com/koripet/koripet/pkg/models"
)

// DefaultInterval matches the original service's 1.5s cadence.
const DefaultInterval = 1500 * time.Millisecond

// Broadcaster is the slice of the hub the poller needs.
type Broadcaster interface {
	BroadcastPetState(petID string, pet models.PetState)
	BroadcastPreferences(petID string, prefs models.Preferences)
	BroadcastStats(petID string, payload models.StatsPayload)
	ActivePets() []string
}

// PlaybackSyncer is the slice of the spotify client the poller needs.
type PlaybackSyncer interface {
	Enabled(ctx context.Context, petID string) bool
	SyncPlayback(ctx context.Context, petID string) (*spotify.PlaybackState, error)
}

// snapshot holds the last-broadcast value per entity for one pet.
type snapshot struct {
	pet       models.PetState
	prefs     models.Preferences
	stats     models.StatsPayload
	havePet   bool
	havePrefs bool
	haveStats bool
}

// Poller drives the periodic change-detection loop.
type Poller struct {
	store    store.Store
	builder  *stats.Builder
	hub      Broadcaster
	playback PlaybackSyncer
	tips     *tips.Service
	interval time.Duration
	log      zerolog.Logger

	snapshots map[string]*snapshot
}

func New(s store.Store, builder *stats.Builder, hub Broadcaster, playback PlaybackSyncer, tipSvc *tips.Service, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:     s,
		builder:   builder,
		hub:       hub,
		playback:  playback,
		tips:      tipSvc,
		interval:  interval,
		log:       log,
		snapshots: make(map[string]*snapshot),
	}
}

// Run ticks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick polls every pet with a live connection plus the default pet, so the
// singleton state keeps refreshing even with no one connected.
func (p *Poller) Tick(ctx context.Context) {
	pets := p.hub.ActivePets()
	hasDefault := false
	for _, id := range pets {
		if id == models.DefaultPetID {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		pets = append(pets, models.DefaultPetID)
	}
	for _, petID := range pets {
		p.tickPet(ctx, petID)
	}
}

func (p *Poller) tickPet(ctx context.Context, petID string) {
	snap, ok := p.snapshots[petID]
	if !ok {
		snap = &snapshot{}
		p.snapshots[petID] = snap
	}

	p.syncPlayback(ctx, petID, snap)

	pet, err := p.store.GetPetState(ctx, petID)
	if err != nil {
		p.log.Error().Err(err).Str("pet", petID).Msg("poll: pet state read failed")
	} else if !snap.havePet || petChanged(snap.pet, pet) {
		snap.pet = pet
		snap.havePet = true
		p.hub.BroadcastPetState(petID, pet)
	}

	prefs, err := p.store.GetPreferences(ctx, petID)
	if err != nil {
		p.log.Error().Err(err).Str("pet", petID).Msg("poll: preferences read failed")
	} else if !snap.havePrefs || prefsChanged(snap.prefs, prefs) {
		snap.prefs = prefs
		snap.havePrefs = true
		p.hub.BroadcastPreferences(petID, prefs)
	}

	if _, err := p.tips.MaybeRefresh(ctx, petID); err != nil {
		p.log.Warn().Err(err).Str("pet", petID).Msg("poll: tip refresh failed")
	}

	payload, err := p.builder.BuildPayload(ctx, petID)
	if err != nil {
		p.log.Error().Err(err).Str("pet", petID).Msg("poll: stats rebuild failed")
		return
	}
	if !snap.haveStats || statsChanged(snap.stats, payload) {
		snap.stats = payload
		snap.haveStats = true
		p.hub.BroadcastStats(petID, payload)
	}
}

// syncPlayback asks the integration for the current playback and writes it
// into the stats when it differs from the last broadcast; the stats
// comparison later in the tick then picks the change up.
func (p *Poller) syncPlayback(ctx context.Context, petID string, snap *snapshot) {
	if !p.playback.Enabled(ctx, petID) {
		return
	}
	pb, err := p.playback.SyncPlayback(ctx, petID)
	if err != nil {
		p.log.Warn().Err(err).Str("pet", petID).Msg("poll: playback sync failed")
		return
	}
	if pb == nil {
		return
	}
	if snap.haveStats &&
		snap.stats.MusicIsPlaying == pb.IsPlaying &&
		equalStringPtr(snap.stats.MusicTrack, pb.Track) {
		return
	}
	if _, err := p.store.SetMusicPlayback(ctx, petID, pb.IsPlaying, pb.Track); err != nil {
		p.log.Error().Err(err).Str("pet", petID).Msg("poll: playback write failed")
	}
}

// ── Change detection ─────────────────────────────────────────

func petChanged(prev, next models.PetState) bool {
	return prev.Mood != next.Mood ||
		prev.Energy != next.Energy ||
		prev.Hunger != next.Hunger ||
		!prev.LastUpdated.Equal(next.LastUpdated)
}

func prefsChanged(prev, next models.Preferences) bool {
	return prev.IsStudent != next.IsStudent ||
		prev.Theme != next.Theme ||
		prev.TimerMethod != next.TimerMethod ||
		!prev.LastUpdated.Equal(next.LastUpdated)
}

func statsChanged(prev, next models.StatsPayload) bool {
	return prev.Mood != next.Mood ||
		prev.RoomTemperature != next.RoomTemperature ||
		prev.FocusLevel != next.FocusLevel ||
		prev.Confidence != next.Confidence ||
		prev.NoisePollution != next.NoisePollution ||
		prev.MusicIsPlaying != next.MusicIsPlaying ||
		!equalStringPtr(prev.MusicTrack, next.MusicTrack) ||
		prev.SpotifyConnected != next.SpotifyConnected ||
		!equalStringPtr(prev.DailyTip, next.DailyTip) ||
		!equalTimePtr(prev.TipGeneratedAt, next.TipGeneratedAt) ||
		!prev.LastUpdated.Equal(next.LastUpdated) ||
		!reflect.DeepEqual(prev.ConfidenceMap, next.ConfidenceMap)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
