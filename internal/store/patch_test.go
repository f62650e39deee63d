package store

import (
	"testing"
	"time"

	"github.com/koripet/koripet/pkg/models"
)

func TestApplyPetPatch_InvalidMoodLeavesStateUntouched(t *testing.T) {
	now := time.Now().UTC()
	cur := models.DefaultPetState(now.Add(-time.Minute))
	bad := models.AnimationState("backflip")

	got, err := applyPetPatch(cur, models.PetStatePatch{Mood: &bad}, now)
	if err == nil {
		t.Fatal("applyPetPatch() accepted an invalid mood")
	}
	if !IsValidation(err) {
		t.Errorf("error %v is not a validation error", err)
	}
	if got != cur {
		t.Errorf("state mutated on rejected patch: %+v", got)
	}
}

func TestApplyStatsPatch_CopiesPointerValues(t *testing.T) {
	now := time.Now().UTC()
	cur := models.DefaultStats(now)
	confidence := 0.8

	next := applyStatsPatch(cur, models.StatsPatch{Confidence: &confidence}, now)
	if next.Confidence == nil || *next.Confidence != 0.8 {
		t.Fatalf("Confidence = %v, want 0.8", next.Confidence)
	}
	// The stored value must not alias the caller's pointer.
	confidence = 0.1
	if *next.Confidence != 0.8 {
		t.Errorf("Confidence aliased the patch pointer")
	}
}

func TestConfidenceOpportunistic(t *testing.T) {
	c := 0.5
	mood := "dance"
	badMood := "focused"

	if _, _, ok := confidenceOpportunistic(models.StatsPatch{Confidence: &c}); ok {
		t.Error("confidence without mood should not update the map")
	}
	if _, _, ok := confidenceOpportunistic(models.StatsPatch{Mood: &mood}); ok {
		t.Error("mood without confidence should not update the map")
	}
	if _, _, ok := confidenceOpportunistic(models.StatsPatch{Mood: &badMood, Confidence: &c}); ok {
		t.Error("mood outside the animation set should not update the map")
	}

	state, v, ok := confidenceOpportunistic(models.StatsPatch{Mood: &mood, Confidence: &c})
	if !ok || state != models.StateDance || v != 0.5 {
		t.Errorf("confidenceOpportunistic() = %v %v %v, want dance 0.5 true", state, v, ok)
	}
}

func TestPetKey(t *testing.T) {
	if got := petKey("default", entityStats); got != "pet:default:stats" {
		t.Errorf("petKey() = %q, want pet:default:stats", got)
	}
	if got := petKey("alpha", entityItemSeq); got != "pet:alpha:items:seq" {
		t.Errorf("petKey() = %q, want pet:alpha:items:seq", got)
	}
}
