package client_test

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koripet/koripet/internal/hub"
	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/internal/tips"
	"github.com/koripet/koripet/pkg/client"
	"github.com/koripet/koripet/pkg/models"
)

type offIntegration struct{}

func (offIntegration) Enabled(ctx context.Context, petID string) bool { return false }

func ptr[T any](v T) *T { return &v }

func newHub(t *testing.T) *hub.Hub {
	t.Helper()
	s, err := store.NewSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	builder := stats.NewBuilder(s, offIntegration{})
	tipSvc := tips.NewService(s, nil, zerolog.Nop())
	return hub.New(s, builder, tipSvc, zerolog.Nop())
}

// serveOn runs the hub's WebSocket endpoint on a specific address so tests
// can stop and restart it to exercise reconnection.
func serveOn(t *testing.T, addr string, h *hub.Hub) *http.Server {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(h.ServeWS)}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestClient_ReceivesSnapshotsOnConnect(t *testing.T) {
	addr := freeAddr(t)
	serveOn(t, addr, newHub(t))

	c := client.New(client.WithURL("ws://" + addr))
	defer c.Close()
	c.Connect(context.Background())

	require.Eventually(t, func() bool {
		_, ok := c.Stats()
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	pet, ok := c.PetState()
	require.True(t, ok)
	require.Equal(t, models.StateIdle, pet.Mood)

	prefs, ok := c.Preferences()
	require.True(t, ok)
	require.Equal(t, "light", prefs.Theme)
}

func TestClient_UpdateRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	serveOn(t, addr, newHub(t))

	c := client.New(client.WithURL("ws://" + addr))
	defer c.Close()
	c.Connect(context.Background())

	require.Eventually(t, func() bool {
		_, ok := c.PetState()
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	// The slot must not change until the server broadcast comes back.
	require.NoError(t, c.UpdatePetState(models.PetStatePatch{Mood: ptr(models.StateExcited), Energy: ptr(42)}))

	require.Eventually(t, func() bool {
		pet, _ := c.PetState()
		return pet.Mood == models.StateExcited && pet.Energy == 42
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_OnErrorCallback(t *testing.T) {
	addr := freeAddr(t)
	serveOn(t, addr, newHub(t))

	errs := make(chan string, 1)
	c := client.New(client.WithURL("ws://" + addr))
	c.OnError(func(msg string) { errs <- msg })
	defer c.Close()
	c.Connect(context.Background())

	require.Eventually(t, func() bool {
		_, ok := c.PetState()
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, c.UpdatePetState(models.PetStatePatch{Mood: ptr(models.AnimationState("zoomies"))}))

	select {
	case msg := <-errs:
		require.Contains(t, msg, "invalid pet state")
	case <-time.After(3 * time.Second):
		t.Fatal("no error callback received")
	}

	// The rejected update never touched the slot.
	pet, _ := c.PetState()
	require.Equal(t, models.StateIdle, pet.Mood)
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	addr := freeAddr(t)
	h := newHub(t)
	srv := serveOn(t, addr, h)

	updates := make(chan models.PetState, 16)
	c := client.New(
		client.WithURL("ws://"+addr),
		client.WithReconnectDelay(50*time.Millisecond),
	)
	c.OnPetState(func(p models.PetState) { updates <- p })
	defer c.Close()
	c.Connect(context.Background())

	require.Eventually(t, func() bool {
		_, ok := c.PetState()
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	// Kill the server; the client keeps retrying on the fixed interval.
	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool {
		return c.Err() != nil
	}, 3*time.Second, 20*time.Millisecond)

	// Bring the endpoint back on the same address. The client reconnects and
	// receives fresh snapshots.
	drain(updates)
	serveOn(t, addr, h)

	select {
	case pet := <-updates:
		require.Equal(t, models.StateIdle, pet.Mood)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestClient_DefaultURLFromEnv(t *testing.T) {
	t.Setenv("KORIPET_WS_URL", "ws://10.0.0.1:1234/ws")
	c := client.New()
	defer c.Close()
	// The URL is private; the observable effect is a dial error against the
	// configured endpoint rather than the default. A quick failed dial is
	// enough to prove the env var was honored without binding a socket.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Connect(ctx)
	<-ctx.Done()
	err := c.Err()
	if err != nil && strings.Contains(err.Error(), "127.0.0.1:4000") {
		t.Fatalf("client dialed the default endpoint, err = %v", err)
	}
}

func drain(ch chan models.PetState) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
