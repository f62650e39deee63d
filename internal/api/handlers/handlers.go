// Package handlers implements the HTTP polling and mutation surface. Every
// route marshals the same structs the WebSocket pushes use, so a client can
// mix transports without seeing different shapes.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/api/middleware"
	"github.com/koripet/koripet/internal/hub"
	"github.com/koripet/koripet/internal/spotify"
	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/pkg/models"
)

// oauthStateTTL bounds how long a login nonce stays redeemable.
const oauthStateTTL = 5 * time.Minute

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	store       store.Store
	hub         *hub.Hub
	builder     *stats.Builder
	spotify     *spotify.Client
	redirectURI string
	log         zerolog.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

func New(s store.Store, h *hub.Hub, b *stats.Builder, sp *spotify.Client, redirectURI string, log zerolog.Logger) *Handlers {
	return &Handlers{
		store:       s,
		hub:         h,
		builder:     b,
		spotify:     sp,
		redirectURI: redirectURI,
		log:         log,
		states:      make(map[string]time.Time),
	}
}

// ── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body, rejecting unknown fields so typos
// fail loudly instead of silently no-oping.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeStoreError maps a mutation failure onto the wire: validation failures
// are the client's fault and carry their message, everything else is a 500
// with the detail kept server-side.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if store.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error().Err(err).Str("path", r.URL.Path).Msg("store operation failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// ── Pet state ────────────────────────────────────────────────

func (h *Handlers) GetPetState(w http.ResponseWriter, r *http.Request) {
	petID := middleware.GetPetID(r.Context())
	pet, err := h.store.GetPetState(r.Context(), petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pet)
}

func (h *Handlers) UpdatePetState(w http.ResponseWriter, r *http.Request) {
	var patch models.PetStatePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	petID := middleware.GetPetID(r.Context())
	pet, err := h.hub.ApplyPetPatch(r.Context(), petID, patch)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pet)
}

// ── Preferences ──────────────────────────────────────────────

func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	petID := middleware.GetPetID(r.Context())
	prefs, err := h.store.GetPreferences(r.Context(), petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch models.PreferencesPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	petID := middleware.GetPetID(r.Context())
	prefs, err := h.hub.ApplyPreferencesPatch(r.Context(), petID, patch)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// ── Stats ────────────────────────────────────────────────────

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	petID := middleware.GetPetID(r.Context())
	payload, err := h.builder.BuildPayload(r.Context(), petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handlers) UpdateStats(w http.ResponseWriter, r *http.Request) {
	var patch models.StatsPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	petID := middleware.GetPetID(r.Context())
	payload, err := h.hub.ApplyStatsPatch(r.Context(), petID, patch)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// Poll returns all three entities in one round trip for clients that cannot
// hold a WebSocket open.
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	petID := middleware.GetPetID(ctx)

	pet, err := h.store.GetPetState(ctx, petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	prefs, err := h.store.GetPreferences(ctx, petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	payload, err := h.builder.BuildPayload(ctx, petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cat":   pet,
		"prefs": prefs,
		"stats": payload,
	})
}

// ── Items ────────────────────────────────────────────────────

func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	petID := middleware.GetPetID(r.Context())
	items, err := h.store.ListItems(r.Context(), petID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	petID := middleware.GetPetID(r.Context())
	item, err := h.hub.CreateItem(r.Context(), petID, strings.TrimSpace(body.Name))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ── Spotify OAuth ────────────────────────────────────────────

func (h *Handlers) SpotifyLogin(w http.ResponseWriter, r *http.Request) {
	if !h.spotify.AuthConfigured() {
		writeError(w, http.StatusNotFound, "spotify integration is not configured")
		return
	}
	state := uuid.NewString()

	h.mu.Lock()
	h.pruneStatesLocked()
	h.states[state] = time.Now().Add(oauthStateTTL)
	h.mu.Unlock()

	authURL, err := h.spotify.AuthorizeURL(state, h.resolveRedirectURI(r))
	if err != nil {
		h.log.Error().Err(err).Msg("spotify authorize url build failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handlers) SpotifyCallback(w http.ResponseWriter, r *http.Request) {
	if !h.spotify.AuthConfigured() {
		writeError(w, http.StatusNotFound, "spotify integration is not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "spotify authorization denied: "+e)
		return
	}
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code or state")
		return
	}
	if !h.consumeState(state) {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	ctx := r.Context()
	petID := middleware.GetPetID(ctx)
	if err := h.spotify.ExchangeCode(ctx, petID, code, h.resolveRedirectURI(r)); err != nil {
		h.log.Error().Err(err).Str("pet", petID).Msg("spotify code exchange failed")
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}

	// Push the current playback out right away instead of waiting for the
	// next poll tick.
	if pb, err := h.spotify.SyncPlayback(ctx, petID); err != nil {
		h.log.Warn().Err(err).Str("pet", petID).Msg("initial playback sync failed")
	} else if pb != nil {
		if _, err := h.store.SetMusicPlayback(ctx, petID, pb.IsPlaying, pb.Track); err != nil {
			h.log.Warn().Err(err).Str("pet", petID).Msg("playback write failed")
		} else if payload, err := h.builder.BuildPayload(ctx, petID); err == nil {
			h.hub.BroadcastStats(petID, payload)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, spotifyConnectedPage)
}

const spotifyConnectedPage = `<!doctype html>
<html>
<head><title>Spotify connected</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
<h1>Spotify connected</h1>
<p>You can close this window and return to your pet.</p>
</body>
</html>
`

// consumeState redeems a login nonce exactly once.
func (h *Handlers) consumeState(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Now().Before(exp)
}

func (h *Handlers) pruneStatesLocked() {
	now := time.Now()
	for s, exp := range h.states {
		if now.After(exp) {
			delete(h.states, s)
		}
	}
}

func (h *Handlers) resolveRedirectURI(r *http.Request) string {
	if h.redirectURI != "" {
		return h.redirectURI
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/auth/spotify/callback"
}
