// Package tips produces the daily wellbeing tip. Generation is delegated to
// an external model behind the Generator interface; when no generator is
// configured or the call fails, a locally synthesized tip is persisted
// instead so clients are never left without one.
package tips

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/store"
)

// Context is the snapshot handed to a Generator.
type Context struct {
	Mood            string
	Confidence      *float64
	RoomTemperature float64
	NoisePollution  float64
	FocusLevel      int
	TimerMethod     string
	IsStudent       bool
}

// Generator produces one short tip from the context. Implementations wrap an
// external model call and must respect ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, tc Context) (string, error)
}

// A tip is kept while it was generated today and is younger than this.
const refreshAfter = 4 * time.Hour

// Service owns the refresh gate and the fallback path.
type Service struct {
	store store.Store
	gen   Generator // nil means fallback-only
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(s store.Store, gen Generator, log zerolog.Logger) *Service {
	return &Service{store: s, gen: gen, log: log, now: time.Now}
}

// shouldRefresh implements the staleness gate: regenerate when no tip exists,
// when the existing one crossed a calendar-day boundary, or when it is more
// than refreshAfter old.
func shouldRefresh(generatedAt *time.Time, now time.Time) bool {
	if generatedAt == nil {
		return true
	}
	last := *generatedAt
	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		return true
	}
	return now.Sub(last) > refreshAfter
}

// MaybeRefresh returns the current tip, generating a new one only when the
// gate says so. Generation failures are logged and answered with the local
// fallback; the returned error covers store failures only.
func (s *Service) MaybeRefresh(ctx context.Context, petID string) (string, error) {
	st, err := s.store.GetStats(ctx, petID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if st.DailyTip != nil && !shouldRefresh(st.TipGeneratedAt, now) {
		return *st.DailyTip, nil
	}

	prefs, err := s.store.GetPreferences(ctx, petID)
	if err != nil {
		return "", err
	}

	tc := Context{
		Mood:            st.Mood,
		Confidence:      st.Confidence,
		RoomTemperature: st.RoomTemperature,
		NoisePollution:  st.NoisePollution,
		FocusLevel:      st.FocusLevel,
		TimerMethod:     prefs.TimerMethod,
		IsStudent:       prefs.IsStudent,
	}

	tip := ""
	if s.gen != nil {
		generated, err := s.gen.Generate(ctx, tc)
		if err != nil {
			s.log.Warn().Err(err).Str("pet", petID).Msg("tip generation failed, using fallback")
		} else if generated != "" {
			tip = generated
		}
	}
	if tip == "" {
		tip = FallbackTip(tc)
	}

	if err := s.store.SetDailyTip(ctx, petID, tip, now); err != nil {
		return "", err
	}
	return tip, nil
}

// FallbackTip synthesizes a tip from the sensor snapshot without any
// external call.
func FallbackTip(tc Context) string {
	mood := strings.ToLower(strings.TrimSpace(tc.Mood))
	if mood == "" {
		mood = "steady"
	}
	opener := fmt.Sprintf("Mood reads %s.", titleCase(mood))

	var suggestions []string
	switch {
	case tc.FocusLevel <= 3:
		suggestions = append(suggestions, "Take a two-minute reset and breathe deeply before the next block")
	case tc.FocusLevel >= 7:
		suggestions = append(suggestions, "Capture the next task in your notes so the momentum keeps rolling")
	default:
		suggestions = append(suggestions, "Set a gentle timer for your next focus sprint to stay present")
	}

	if tc.RoomTemperature >= 26 {
		suggestions = append(suggestions, "Cool the room or sip water to stay comfortable")
	} else if tc.RoomTemperature <= 19 {
		suggestions = append(suggestions, "Add a light layer or warm drink to stay cozy")
	}

	if tc.NoisePollution >= 55 {
		suggestions = append(suggestions, "Use headphones or white noise to soften the background")
	}

	if tc.IsStudent {
		suggestions = append(suggestions, "Lean on your study timer to keep the rhythm strong")
	}

	primary := suggestions[0]
	guidance := titleCase(primary) + "."
	if len(suggestions) > 1 {
		guidance = titleCase(primary) + ", and " + lowerFirst(suggestions[1]) + "."
	}
	return opener + " " + guidance
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
