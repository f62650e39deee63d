package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/pkg/models"
)

// newTestStore creates a fresh in-memory SQLite store.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteMemory()
	if err != nil {
		t.Fatalf("NewSQLiteMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

// ─── Pet State ───────────────────────────────────────────────

func TestGetPetState_SeedsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pet, err := s.GetPetState(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetPetState() error = %v", err)
	}
	if pet.Mood != models.StateIdle {
		t.Errorf("Mood = %q, want %q", pet.Mood, models.StateIdle)
	}
	if pet.Energy != 100 {
		t.Errorf("Energy = %d, want 100", pet.Energy)
	}
	if pet.Hunger != 0 {
		t.Errorf("Hunger = %d, want 0", pet.Hunger)
	}
	if pet.LastUpdated.IsZero() {
		t.Error("LastUpdated is zero")
	}

	// A second read must return the persisted row, not re-seed.
	again, err := s.GetPetState(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetPetState() second call error = %v", err)
	}
	if !again.LastUpdated.Equal(pet.LastUpdated) {
		t.Errorf("second read LastUpdated = %v, want %v", again.LastUpdated, pet.LastUpdated)
	}
}

func TestUpdatePetState_MergesPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, _ := s.GetPetState(ctx, models.DefaultPetID)

	pet, err := s.UpdatePetState(ctx, models.DefaultPetID, models.PetStatePatch{
		Mood:   ptr(models.StateDance),
		Energy: ptr(64),
	})
	if err != nil {
		t.Fatalf("UpdatePetState() error = %v", err)
	}
	if pet.Mood != models.StateDance {
		t.Errorf("Mood = %q, want %q", pet.Mood, models.StateDance)
	}
	if pet.Energy != 64 {
		t.Errorf("Energy = %d, want 64", pet.Energy)
	}
	if pet.Hunger != before.Hunger {
		t.Errorf("Hunger = %d, want untouched %d", pet.Hunger, before.Hunger)
	}
	if !pet.LastUpdated.After(before.LastUpdated) {
		t.Errorf("LastUpdated did not advance: %v <= %v", pet.LastUpdated, before.LastUpdated)
	}

	got, err := s.GetPetState(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetPetState() error = %v", err)
	}
	if got.Mood != models.StateDance || got.Energy != 64 {
		t.Errorf("persisted state = %+v, want dance/64", got)
	}
}

func TestUpdatePetState_InvalidMood(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, _ := s.GetPetState(ctx, models.DefaultPetID)

	_, err := s.UpdatePetState(ctx, models.DefaultPetID, models.PetStatePatch{
		Mood: ptr(models.AnimationState("zoomies")),
	})
	if err == nil {
		t.Fatal("UpdatePetState() with invalid mood succeeded, want error")
	}
	if !store.IsValidation(err) {
		t.Errorf("error %v is not a validation error", err)
	}
	if !strings.Contains(err.Error(), `"zoomies"`) {
		t.Errorf("error message %q does not name the bad value", err.Error())
	}
	if !strings.Contains(err.Error(), "idle") || !strings.Contains(err.Error(), "sleeping-alt") {
		t.Errorf("error message %q does not list the allowed states", err.Error())
	}

	// The row must be untouched, including its timestamp.
	after, _ := s.GetPetState(ctx, models.DefaultPetID)
	if after.Mood != before.Mood || !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("state changed after rejected update: %+v vs %+v", after, before)
	}
}

func TestUpdatePetState_SameValuesStillBumpTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpdatePetState(ctx, models.DefaultPetID, models.PetStatePatch{Mood: ptr(models.StateExcited)})
	if err != nil {
		t.Fatalf("UpdatePetState() error = %v", err)
	}
	second, err := s.UpdatePetState(ctx, models.DefaultPetID, models.PetStatePatch{Mood: ptr(models.StateExcited)})
	if err != nil {
		t.Fatalf("UpdatePetState() error = %v", err)
	}
	if second.Mood != first.Mood || second.Energy != first.Energy || second.Hunger != first.Hunger {
		t.Errorf("values changed on repeated identical patch: %+v vs %+v", second, first)
	}
	if !second.LastUpdated.After(first.LastUpdated) {
		t.Errorf("LastUpdated did not advance: %v <= %v", second.LastUpdated, first.LastUpdated)
	}
}

// ─── Preferences ─────────────────────────────────────────────

func TestPreferences_DefaultsAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.GetPreferences(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if prefs.IsStudent {
		t.Error("IsStudent = true, want false")
	}
	if prefs.Theme != "light" {
		t.Errorf("Theme = %q, want light", prefs.Theme)
	}
	if prefs.TimerMethod != models.TimerPomodoro {
		t.Errorf("TimerMethod = %q, want %q", prefs.TimerMethod, models.TimerPomodoro)
	}

	updated, err := s.UpdatePreferences(ctx, models.DefaultPetID, models.PreferencesPatch{
		IsStudent: ptr(true),
		Theme:     ptr("dark"),
	})
	if err != nil {
		t.Fatalf("UpdatePreferences() error = %v", err)
	}
	if !updated.IsStudent || updated.Theme != "dark" {
		t.Errorf("updated = %+v, want student/dark", updated)
	}
	if updated.TimerMethod != models.TimerPomodoro {
		t.Errorf("TimerMethod = %q, want untouched %q", updated.TimerMethod, models.TimerPomodoro)
	}
}

// ─── Stats ───────────────────────────────────────────────────

func TestStats_SeedsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetStats(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if st.Mood != "ok" {
		t.Errorf("Mood = %q, want ok", st.Mood)
	}
	if st.RoomTemperature != 22.0 {
		t.Errorf("RoomTemperature = %v, want 22", st.RoomTemperature)
	}
	if st.FocusLevel != 5 {
		t.Errorf("FocusLevel = %d, want 5", st.FocusLevel)
	}
	if st.Confidence != nil {
		t.Errorf("Confidence = %v, want nil until explicitly reported", *st.Confidence)
	}
	if st.DailyTip != nil {
		t.Errorf("DailyTip = %v, want nil", *st.DailyTip)
	}
}

func TestUpdateStats_RecordsConfidencePerMood(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Mood + confidence together also update the per-mood map.
	_, err := s.UpdateStats(ctx, models.DefaultPetID, models.StatsPatch{
		Mood:       ptr("dance"),
		Confidence: ptr(0.92),
	})
	if err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}

	cm, err := s.GetMoodConfidence(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetMoodConfidence() error = %v", err)
	}
	if cm[models.StateDance] != 0.92 {
		t.Errorf("confidence[dance] = %v, want 0.92", cm[models.StateDance])
	}
	if cm[models.StateIdle] != 0 {
		t.Errorf("confidence[idle] = %v, want 0", cm[models.StateIdle])
	}
	if len(cm) != len(models.AnimationStates()) {
		t.Errorf("confidence map has %d entries, want %d", len(cm), len(models.AnimationStates()))
	}

	// A mood label outside the animation set updates the stats row only.
	_, err = s.UpdateStats(ctx, models.DefaultPetID, models.StatsPatch{
		Mood:       ptr("focused"),
		Confidence: ptr(0.5),
	})
	if err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}
	cm, _ = s.GetMoodConfidence(ctx, models.DefaultPetID)
	if cm[models.StateDance] != 0.92 {
		t.Errorf("confidence[dance] = %v after unrelated mood, want 0.92", cm[models.StateDance])
	}
}

func TestSetDailyTip_KeepsLastUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, _ := s.GetStats(ctx, models.DefaultPetID)

	now := time.Now().UTC()
	if err := s.SetDailyTip(ctx, models.DefaultPetID, "Drink some water.", now); err != nil {
		t.Fatalf("SetDailyTip() error = %v", err)
	}

	after, err := s.GetStats(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if after.DailyTip == nil || *after.DailyTip != "Drink some water." {
		t.Errorf("DailyTip = %v, want set", after.DailyTip)
	}
	if after.TipGeneratedAt == nil || !after.TipGeneratedAt.Equal(now) {
		t.Errorf("TipGeneratedAt = %v, want %v", after.TipGeneratedAt, now)
	}
	// Writing a tip is not a client mutation and must not bump the clock.
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("LastUpdated moved from %v to %v", before.LastUpdated, after.LastUpdated)
	}
}

func TestSetMusicPlayback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.SetMusicPlayback(ctx, models.DefaultPetID, true, ptr("Holiday — Green Day"))
	if err != nil {
		t.Fatalf("SetMusicPlayback() error = %v", err)
	}
	if !st.MusicIsPlaying || st.MusicTrack == nil || *st.MusicTrack != "Holiday — Green Day" {
		t.Errorf("playback = %+v, want playing with track", st)
	}

	st, err = s.SetMusicPlayback(ctx, models.DefaultPetID, false, nil)
	if err != nil {
		t.Fatalf("SetMusicPlayback() error = %v", err)
	}
	if st.MusicIsPlaying || st.MusicTrack != nil {
		t.Errorf("playback = %+v, want stopped with no track", st)
	}
}

// ─── Items ───────────────────────────────────────────────────

func TestItems_CreateAndListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.ListItems(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListItems() = %d items, want 0", len(empty))
	}

	first, err := s.CreateItem(ctx, models.DefaultPetID, "yarn ball")
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateItem(ctx, models.DefaultPetID, "cardboard box")
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("item ids not increasing: %d then %d", first.ID, second.ID)
	}

	items, err := s.ListItems(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListItems() = %d items, want 2", len(items))
	}
	if items[0].Name != "cardboard box" {
		t.Errorf("newest item = %q, want cardboard box", items[0].Name)
	}
}

// ─── Spotify Tokens ──────────────────────────────────────────

func TestSpotifyTokens_RoundTripAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk, err := s.GetSpotifyTokens(ctx, models.DefaultPetID)
	if err != nil {
		t.Fatalf("GetSpotifyTokens() error = %v", err)
	}
	if tk.AccessToken != nil || tk.RefreshToken != nil {
		t.Errorf("fresh tokens = %+v, want empty", tk)
	}

	tk, err = s.SetSpotifyTokens(ctx, models.DefaultPetID, models.SpotifyTokensPatch{
		AccessToken:  ptr("acc"),
		RefreshToken: ptr("ref"),
		ExpiresAt:    ptr(int64(1700000000000)),
	})
	if err != nil {
		t.Fatalf("SetSpotifyTokens() error = %v", err)
	}
	if tk.AccessToken == nil || *tk.AccessToken != "acc" {
		t.Errorf("AccessToken = %v, want acc", tk.AccessToken)
	}

	// Partial patch keeps the other fields.
	tk, err = s.SetSpotifyTokens(ctx, models.DefaultPetID, models.SpotifyTokensPatch{
		AccessToken: ptr("acc2"),
	})
	if err != nil {
		t.Fatalf("SetSpotifyTokens() error = %v", err)
	}
	if tk.RefreshToken == nil || *tk.RefreshToken != "ref" {
		t.Errorf("RefreshToken = %v, want preserved ref", tk.RefreshToken)
	}

	if err := s.ClearSpotifyTokens(ctx, models.DefaultPetID); err != nil {
		t.Fatalf("ClearSpotifyTokens() error = %v", err)
	}
	tk, _ = s.GetSpotifyTokens(ctx, models.DefaultPetID)
	if tk.AccessToken != nil || tk.RefreshToken != nil || tk.ExpiresAt != nil {
		t.Errorf("tokens after clear = %+v, want empty", tk)
	}
}

// ─── Multi-tenancy ───────────────────────────────────────────

func TestPetsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdatePetState(ctx, "alpha", models.PetStatePatch{Mood: ptr(models.StateSad)})
	if err != nil {
		t.Fatalf("UpdatePetState(alpha) error = %v", err)
	}

	beta, err := s.GetPetState(ctx, "beta")
	if err != nil {
		t.Fatalf("GetPetState(beta) error = %v", err)
	}
	if beta.Mood != models.StateIdle {
		t.Errorf("beta mood = %q, want default idle", beta.Mood)
	}

	alpha, _ := s.GetPetState(ctx, "alpha")
	if alpha.Mood != models.StateSad {
		t.Errorf("alpha mood = %q, want sad", alpha.Mood)
	}
}
