package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koripet/koripet/internal/hub"
	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/internal/tips"
	"github.com/koripet/koripet/pkg/models"
)

type offIntegration struct{}

func (offIntegration) Enabled(ctx context.Context, petID string) bool { return false }

func ptr[T any](v T) *T { return &v }

func newTestHub(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	s, err := store.NewSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	builder := stats.NewBuilder(s, offIntegration{})
	tipSvc := tips.NewService(s, nil, zerolog.Nop())
	h := hub.New(s, builder, tipSvc, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, petID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if petID != "" {
		url += "?petId=" + petID
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) hub.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var env hub.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func drainSnapshots(t *testing.T, c *websocket.Conn) {
	t.Helper()
	for _, want := range []string{hub.TypeCatState, hub.TypePrefsState, hub.TypeStatsState} {
		env := readFrame(t, c)
		require.Equal(t, want, env.Type)
	}
}

func send(t *testing.T, c *websocket.Conn, msgType string, payload any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(hub.Outbound{Type: msgType, Payload: payload}))
}

func TestServeWS_SnapshotsOnConnect(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, "")

	env := readFrame(t, c)
	require.Equal(t, hub.TypeCatState, env.Type)
	var pet models.PetState
	require.NoError(t, json.Unmarshal(env.Payload, &pet))
	require.Equal(t, models.StateIdle, pet.Mood)
	require.Equal(t, 100, pet.Energy)

	env = readFrame(t, c)
	require.Equal(t, hub.TypePrefsState, env.Type)
	var prefs models.Preferences
	require.NoError(t, json.Unmarshal(env.Payload, &prefs))
	require.Equal(t, "light", prefs.Theme)

	env = readFrame(t, c)
	require.Equal(t, hub.TypeStatsState, env.Type)
	var payload models.StatsPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "ok", payload.Mood)
	require.Len(t, payload.ConfidenceMap, len(models.AnimationStates()))
}

func TestUpdate_BroadcastsToAllIncludingSender(t *testing.T) {
	_, srv := newTestHub(t)
	c1 := dial(t, srv, "")
	c2 := dial(t, srv, "")
	drainSnapshots(t, c1)
	drainSnapshots(t, c2)

	send(t, c1, hub.TypeCatUpdate, models.PetStatePatch{Mood: ptr(models.StateDance)})

	for _, c := range []*websocket.Conn{c1, c2} {
		env := readFrame(t, c)
		require.Equal(t, hub.TypeCatState, env.Type)
		var pet models.PetState
		require.NoError(t, json.Unmarshal(env.Payload, &pet))
		require.Equal(t, models.StateDance, pet.Mood)
	}
}

func TestValidationError_GoesOnlyToSender(t *testing.T) {
	_, srv := newTestHub(t)
	c1 := dial(t, srv, "")
	c2 := dial(t, srv, "")
	drainSnapshots(t, c1)
	drainSnapshots(t, c2)

	send(t, c1, hub.TypeCatUpdate, models.PetStatePatch{Mood: ptr(models.AnimationState("zoomies"))})

	env := readFrame(t, c1)
	require.Equal(t, hub.TypeError, env.Type)
	var msg string
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	require.Contains(t, msg, "invalid pet state")
	require.Contains(t, msg, "zoomies")

	// The other client saw nothing: its next frame is the pong for a fresh
	// ping, not an error or a broadcast.
	send(t, c2, hub.TypePing, nil)
	env = readFrame(t, c2)
	require.Equal(t, hub.TypePong, env.Type)
}

func TestBroadcast_ScopedToPet(t *testing.T) {
	_, srv := newTestHub(t)
	alpha := dial(t, srv, "alpha")
	beta := dial(t, srv, "beta")
	drainSnapshots(t, alpha)
	drainSnapshots(t, beta)

	send(t, alpha, hub.TypeCatUpdate, models.PetStatePatch{Mood: ptr(models.StateSad)})

	env := readFrame(t, alpha)
	require.Equal(t, hub.TypeCatState, env.Type)

	send(t, beta, hub.TypePing, nil)
	env = readFrame(t, beta)
	require.Equal(t, hub.TypePong, env.Type)
}

func TestStatsUpdate_BroadcastsDerivedPayload(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, "")
	drainSnapshots(t, c)

	send(t, c, hub.TypeStatsUpdate, models.StatsPatch{
		Mood:       ptr("excited"),
		Confidence: ptr(0.85),
	})

	env := readFrame(t, c)
	require.Equal(t, hub.TypeStatsState, env.Type)
	var payload models.StatsPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "excited", payload.Mood)
	require.Equal(t, 0.85, payload.Confidence)
	require.Equal(t, 0.85, payload.ConfidenceMap[models.StateExcited])
	// A mood change also refreshed the daily tip.
	require.NotNil(t, payload.DailyTip)
}

func TestInvalidJSON_RepliesError(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, "")
	drainSnapshots(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readFrame(t, c)
	require.Equal(t, hub.TypeError, env.Type)
	var msg string
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	require.Equal(t, "Invalid JSON", msg)
}

func TestUnknownType_RepliesError(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, "")
	drainSnapshots(t, c)

	send(t, c, "cat:teleport", nil)

	env := readFrame(t, c)
	require.Equal(t, hub.TypeError, env.Type)
	var msg string
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	require.Equal(t, "Unknown type", msg)
}

func TestActivePets(t *testing.T) {
	h, srv := newTestHub(t)
	require.Empty(t, h.ActivePets())

	dial(t, srv, "alpha")
	dial(t, srv, "alpha")
	dial(t, srv, "beta")
	require.Eventually(t, func() bool {
		return h.ConnCount() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"alpha", "beta"}, h.ActivePets())
}
