// Package hub accepts the persistent WebSocket connections, dispatches
// inbound client messages to store mutations, and fans out entity snapshots
// to every connection of the same pet. A successful update is broadcast to
// all replicas including the originator, so there is a single code path for
// keeping clients consistent; only errors are answered privately.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/internal/tips"
	"github.com/koripet/koripet/pkg/models"
)

const writeWait = 10 * time.Second

// conn is one live client connection. The mutex serializes writes; gorilla
// connections allow only one concurrent writer.
type conn struct {
	sock  *websocket.Conn
	petID string

	mu     sync.Mutex
	closed bool
}

// send writes one frame, skipping silently when the connection has already
// been closed out of the broadcast set.
func (c *conn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.sock.Close()
	}
	c.mu.Unlock()
}

// Hub owns the live connection set and the update→broadcast path. REST
// mutation handlers go through the same Apply helpers as the WebSocket
// dispatch so both transports broadcast identically.
type Hub struct {
	store   store.Store
	builder *stats.Builder
	tips    *tips.Service
	log     zerolog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(s store.Store, builder *stats.Builder, tipSvc *tips.Service, log zerolog.Logger) *Hub {
	return &Hub{
		store:   s,
		builder: builder,
		tips:    tipSvc,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// ServeWS upgrades the request and runs the connection until it drops. The
// pet identifier comes from the petId query parameter, defaulting to the
// single-tenant id.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	petID := r.URL.Query().Get("petId")
	if petID == "" {
		petID = models.DefaultPetID
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{sock: sock, petID: petID}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("pet", petID).Msg("ws client connected")

	h.sendSnapshots(r.Context(), c)
	h.readLoop(c)
}

// sendSnapshots pushes the full current state of all three entities, so a
// fresh connection is consistent without waiting for the next poll tick.
func (h *Hub) sendSnapshots(ctx context.Context, c *conn) {
	if pet, err := h.store.GetPetState(ctx, c.petID); err == nil {
		h.sendMessage(c, Outbound{Type: TypeCatState, Payload: pet})
	} else {
		h.log.Error().Err(err).Str("pet", c.petID).Msg("failed to load pet state snapshot")
	}
	if prefs, err := h.store.GetPreferences(ctx, c.petID); err == nil {
		h.sendMessage(c, Outbound{Type: TypePrefsState, Payload: prefs})
	} else {
		h.log.Error().Err(err).Str("pet", c.petID).Msg("failed to load preferences snapshot")
	}
	if payload, err := h.builder.BuildPayload(ctx, c.petID); err == nil {
		h.sendMessage(c, Outbound{Type: TypeStatsState, Payload: payload})
	} else {
		h.log.Error().Err(err).Str("pet", c.petID).Msg("failed to build stats snapshot")
	}
}

func (h *Hub) readLoop(c *conn) {
	defer h.drop(c)

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			h.log.Info().Str("pet", c.petID).Msg("ws client disconnected")
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(c, "Invalid JSON")
			continue
		}
		h.dispatch(context.Background(), c, env)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, env Envelope) {
	switch env.Type {
	case TypePing:
		h.sendMessage(c, Outbound{Type: TypePong})

	case TypeCatGet:
		pet, err := h.store.GetPetState(ctx, c.petID)
		if err != nil {
			h.replyStoreError(c, err, "failed to load pet state")
			return
		}
		h.sendMessage(c, Outbound{Type: TypeCatState, Payload: pet})

	case TypeCatUpdate:
		var patch models.PetStatePatch
		if err := decodePayload(env.Payload, &patch); err != nil {
			h.sendError(c, err.Error())
			return
		}
		if _, err := h.ApplyPetPatch(ctx, c.petID, patch); err != nil {
			h.replyStoreError(c, err, "failed to update pet state")
		}

	case TypePrefsGet:
		prefs, err := h.store.GetPreferences(ctx, c.petID)
		if err != nil {
			h.replyStoreError(c, err, "failed to load preferences")
			return
		}
		h.sendMessage(c, Outbound{Type: TypePrefsState, Payload: prefs})

	case TypePrefsUpdate:
		var patch models.PreferencesPatch
		if err := decodePayload(env.Payload, &patch); err != nil {
			h.sendError(c, err.Error())
			return
		}
		if _, err := h.ApplyPreferencesPatch(ctx, c.petID, patch); err != nil {
			h.replyStoreError(c, err, "failed to update preferences")
		}

	case TypeStatsGet:
		payload, err := h.builder.BuildPayload(ctx, c.petID)
		if err != nil {
			h.replyStoreError(c, err, "failed to build stats")
			return
		}
		h.sendMessage(c, Outbound{Type: TypeStatsState, Payload: payload})

	case TypeStatsUpdate:
		var patch models.StatsPatch
		if err := decodePayload(env.Payload, &patch); err != nil {
			h.sendError(c, err.Error())
			return
		}
		if _, err := h.ApplyStatsPatch(ctx, c.petID, patch); err != nil {
			h.replyStoreError(c, err, "failed to update stats")
		}

	default:
		h.sendError(c, "Unknown type")
	}
}

// replyStoreError surfaces validation failures verbatim to the offending
// connection; anything else gets a generic message and a server-side log.
func (h *Hub) replyStoreError(c *conn, err error, generic string) {
	if store.IsValidation(err) {
		h.sendError(c, err.Error())
		return
	}
	h.log.Error().Err(err).Str("pet", c.petID).Msg(generic)
	h.sendError(c, generic)
}

// ── Apply helpers (shared by WS dispatch and REST handlers) ──

// ApplyPetPatch updates the pet state and broadcasts the canonical result to
// every connection of the pet, sender included. Validation failures return
// without any broadcast; the store is unchanged.
func (h *Hub) ApplyPetPatch(ctx context.Context, petID string, patch models.PetStatePatch) (models.PetState, error) {
	pet, err := h.store.UpdatePetState(ctx, petID, patch)
	if err != nil {
		return models.PetState{}, err
	}
	h.BroadcastPetState(petID, pet)
	return pet, nil
}

// ApplyPreferencesPatch updates preferences and broadcasts them.
func (h *Hub) ApplyPreferencesPatch(ctx context.Context, petID string, patch models.PreferencesPatch) (models.Preferences, error) {
	prefs, err := h.store.UpdatePreferences(ctx, petID, patch)
	if err != nil {
		return models.Preferences{}, err
	}
	h.BroadcastPreferences(petID, prefs)
	return prefs, nil
}

// ApplyStatsPatch updates the stats and broadcasts the freshly derived
// payload. A patch carrying a mood or confidence also triggers a tip
// refresh first; failures there are logged and never block the update.
func (h *Hub) ApplyStatsPatch(ctx context.Context, petID string, patch models.StatsPatch) (models.StatsPayload, error) {
	if _, err := h.store.UpdateStats(ctx, petID, patch); err != nil {
		return models.StatsPayload{}, err
	}

	if patch.Confidence != nil || patch.Mood != nil {
		if _, err := h.tips.MaybeRefresh(ctx, petID); err != nil {
			h.log.Warn().Err(err).Str("pet", petID).Msg("tip refresh failed")
		}
	}

	payload, err := h.builder.BuildPayload(ctx, petID)
	if err != nil {
		return models.StatsPayload{}, err
	}
	h.BroadcastStats(petID, payload)
	return payload, nil
}

// CreateItem persists a demo record and announces it.
func (h *Hub) CreateItem(ctx context.Context, petID, name string) (models.Item, error) {
	item, err := h.store.CreateItem(ctx, petID, name)
	if err != nil {
		return models.Item{}, err
	}
	h.broadcast(petID, Outbound{Type: TypeItemCreated, Payload: item})
	return item, nil
}

// ── Broadcast ────────────────────────────────────────────────

func (h *Hub) BroadcastPetState(petID string, pet models.PetState) {
	h.broadcast(petID, Outbound{Type: TypeCatState, Payload: pet})
}

func (h *Hub) BroadcastPreferences(petID string, prefs models.Preferences) {
	h.broadcast(petID, Outbound{Type: TypePrefsState, Payload: prefs})
}

func (h *Hub) BroadcastStats(petID string, payload models.StatsPayload) {
	h.broadcast(petID, Outbound{Type: TypeStatsState, Payload: payload})
}

// broadcast marshals once and writes the frame to every live connection of
// the pet. Connections that fail the write are dropped from the set.
func (h *Hub) broadcast(petID string, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal broadcast")
		return
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.petID == petID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			h.log.Warn().Err(err).Str("pet", petID).Msg("dropping connection after failed send")
			h.drop(c)
		}
	}
}

func (h *Hub) sendMessage(c *conn, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal message")
		return
	}
	if err := c.send(data); err != nil {
		h.drop(c)
	}
}

// sendError replies to the originating connection only; errors are never
// broadcast.
func (h *Hub) sendError(c *conn, msg string) {
	h.sendMessage(c, Outbound{Type: TypeError, Payload: msg})
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

// ActivePets returns the distinct pet ids with at least one live connection,
// sorted for deterministic iteration.
func (h *Hub) ActivePets() []string {
	h.mu.Lock()
	seen := make(map[string]struct{}, len(h.conns))
	for c := range h.conns {
		seen[c.petID] = struct{}{}
	}
	h.mu.Unlock()

	pets := make([]string, 0, len(seen))
	for id := range seen {
		pets = append(pets, id)
	}
	sort.Strings(pets)
	return pets
}

// ConnCount reports the live connection count (used by diagnostics).
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
