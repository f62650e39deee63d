// Package client is a Go sync adapter for the koripet server. It maintains a
// WebSocket connection, mirrors the three server entities into local
// observable slots, and reconnects forever when the connection drops.
//
// The adapter never applies updates optimistically: a local mutation is sent
// to the server and the slot changes only when the resulting broadcast comes
// back, so every client converges on the same server-owned state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/hub"
	"github.com/koripet/koripet/pkg/models"
)

// DefaultURL is used when neither WithURL nor KORIPET_WS_URL provide an
// endpoint.
const DefaultURL = "ws://127.0.0.1:4000/ws"

// reconnectDelay is the fixed gap between reconnect attempts.
const reconnectDelay = 2 * time.Second

const writeTimeout = 10 * time.Second

// ErrClosed is returned by send operations after Close.
var ErrClosed = errors.New("client is closed")

// Option configures a Client.
type Option func(*Client)

// WithURL sets the WebSocket endpoint explicitly.
func WithURL(url string) Option { return func(c *Client) { c.url = url } }

// WithPetID scopes the connection to a pet other than the default.
func WithPetID(petID string) Option { return func(c *Client) { c.petID = petID } }

// WithLogger replaces the default nop logger.
func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

// WithReconnectDelay overrides the fixed reconnect interval.
func WithReconnectDelay(d time.Duration) Option { return func(c *Client) { c.delay = d } }

// Client mirrors the server state and republishes changes to callbacks.
type Client struct {
	url   string
	petID string
	delay time.Duration
	log   zerolog.Logger

	mu      sync.RWMutex
	pet     *models.PetState
	prefs   *models.Preferences
	stats   *models.StatsPayload
	lastErr error

	onPet   func(models.PetState)
	onPrefs func(models.Preferences)
	onStats func(models.StatsPayload)
	onItem  func(models.Item)
	onError func(string)

	connMu sync.Mutex
	conn   *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Client. Call Connect to start it.
func New(opts ...Option) *Client {
	c := &Client{
		delay:  reconnectDelay,
		log:    zerolog.Nop(),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.url == "" {
		if v := os.Getenv("KORIPET_WS_URL"); v != "" {
			c.url = v
		} else {
			c.url = DefaultURL
		}
	}
	return c
}

// ── Observable slots ─────────────────────────────────────────

// PetState returns the last received pet state, or false before the first
// snapshot arrives.
func (c *Client) PetState() (models.PetState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pet == nil {
		return models.PetState{}, false
	}
	return *c.pet, true
}

func (c *Client) Preferences() (models.Preferences, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.prefs == nil {
		return models.Preferences{}, false
	}
	return *c.prefs, true
}

func (c *Client) Stats() (models.StatsPayload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stats == nil {
		return models.StatsPayload{}, false
	}
	return *c.stats, true
}

// Err returns the most recent connection or protocol error, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// OnPetState registers a callback for pet state broadcasts. Register before
// Connect; callbacks run on the read loop goroutine.
func (c *Client) OnPetState(fn func(models.PetState)) { c.onPet = fn }

func (c *Client) OnPreferences(fn func(models.Preferences)) { c.onPrefs = fn }

func (c *Client) OnStats(fn func(models.StatsPayload)) { c.onStats = fn }

func (c *Client) OnItemCreated(fn func(models.Item)) { c.onItem = fn }

// OnError registers a callback for server-sent error messages. These are
// private replies to this client's own bad requests.
func (c *Client) OnError(fn func(string)) { c.onError = fn }

// ── Connection lifecycle ─────────────────────────────────────

// Connect starts the connection loop in the background and returns once the
// loop is running. The loop redials forever until Close is called or the
// context is cancelled.
func (c *Client) Connect(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewConstantBackOff(c.delay), ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		err := backoff.Retry(func() error {
			select {
			case <-c.closed:
				return backoff.Permanent(ErrClosed)
			default:
			}
			return c.dial(ctx)
		}, policy)
		if err != nil {
			// Retry only stops when ctx is done or the client closed.
			return
		}

		c.readLoop()

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	url := c.url
	if c.petID != "" && c.petID != models.DefaultPetID {
		url = fmt.Sprintf("%s?petId=%s", c.url, c.petID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.setErr(err)
		c.log.Warn().Err(err).Str("url", c.url).Msg("dial failed, will retry")
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.log.Info().Str("url", c.url).Msg("connected")

	// The server pushes snapshots on connect; the explicit gets cover
	// servers that do not.
	c.RequestPetState()
	c.RequestPreferences()
	c.RequestStats()
	return nil
}

func (c *Client) readLoop() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			c.log.Warn().Err(err).Msg("connection lost")
			conn.Close()
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.setErr(fmt.Errorf("bad frame: %w", err))
		return
	}

	switch env.Type {
	case hub.TypeCatState:
		var pet models.PetState
		if err := json.Unmarshal(env.Payload, &pet); err != nil {
			c.setErr(err)
			return
		}
		c.mu.Lock()
		c.pet = &pet
		c.mu.Unlock()
		if c.onPet != nil {
			c.onPet(pet)
		}
	case hub.TypePrefsState:
		var prefs models.Preferences
		if err := json.Unmarshal(env.Payload, &prefs); err != nil {
			c.setErr(err)
			return
		}
		c.mu.Lock()
		c.prefs = &prefs
		c.mu.Unlock()
		if c.onPrefs != nil {
			c.onPrefs(prefs)
		}
	case hub.TypeStatsState:
		var stats models.StatsPayload
		if err := json.Unmarshal(env.Payload, &stats); err != nil {
			c.setErr(err)
			return
		}
		c.mu.Lock()
		c.stats = &stats
		c.mu.Unlock()
		if c.onStats != nil {
			c.onStats(stats)
		}
	case hub.TypeItemCreated:
		var item models.Item
		if err := json.Unmarshal(env.Payload, &item); err != nil {
			c.setErr(err)
			return
		}
		if c.onItem != nil {
			c.onItem(item)
		}
	case hub.TypeError:
		var msg string
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			msg = string(env.Payload)
		}
		c.setErr(errors.New(msg))
		if c.onError != nil {
			c.onError(msg)
		}
	case hub.TypePong:
		// Keepalive reply, nothing to do.
	default:
		c.log.Debug().Str("type", env.Type).Msg("unhandled message type")
	}
}

// ── Outbound operations ──────────────────────────────────────

// UpdatePetState sends a partial pet state update. The local slot changes
// only when the server broadcast comes back.
func (c *Client) UpdatePetState(patch models.PetStatePatch) error {
	return c.send(hub.TypeCatUpdate, patch)
}

func (c *Client) UpdatePreferences(patch models.PreferencesPatch) error {
	return c.send(hub.TypePrefsUpdate, patch)
}

func (c *Client) UpdateStats(patch models.StatsPatch) error {
	return c.send(hub.TypeStatsUpdate, patch)
}

func (c *Client) RequestPetState() error { return c.send(hub.TypeCatGet, nil) }

func (c *Client) RequestPreferences() error { return c.send(hub.TypePrefsGet, nil) }

func (c *Client) RequestStats() error { return c.send(hub.TypeStatsGet, nil) }

// Ping sends a keepalive frame.
func (c *Client) Ping() error { return c.send(hub.TypePing, nil) }

func (c *Client) send(msgType string, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(hub.Outbound{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.setErr(err)
		return err
	}
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
