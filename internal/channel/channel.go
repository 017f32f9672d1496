// Package channel is the client end of the device session channel: a
// reconnecting websocket that remembers which rooms it joined and
// re-joins them after every reconnect.
package channel

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Options configures a Conn.
type Options struct {
	// URL is evaluated on every dial so a refreshed credential is used.
	URL            func() string
	ReconnectDelay time.Duration
	// Handler receives every inbound frame, in arrival order, from the
	// Run goroutine.
	Handler func(data []byte)
	// OnUnauthorized is called when the handshake is rejected with 401.
	OnUnauthorized func()
	Dialer         *websocket.Dialer
	Log            zerolog.Logger
}

// Conn is a persistent, reconnecting channel connection.
type Conn struct {
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]bool
}

func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Handler == nil {
		opts.Handler = func([]byte) {}
	}
	return &Conn{
		opts:  opts,
		log:   opts.Log.With().Str("component", "channel").Logger(),
		rooms: make(map[string]bool),
	}
}

// Join adds room to the membership set and sends join_device if
// connected. Joining a room twice is a no-op.
func (c *Conn) Join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[room] {
		return
	}
	c.rooms[room] = true
	c.writeLocked(protocol.TypeJoinDevice, room)
}

// Leave removes room from the membership set and sends leave_device if
// connected.
func (c *Conn) Leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rooms[room] {
		return
	}
	delete(c.rooms, room)
	c.writeLocked(protocol.TypeLeaveDevice, room)
}

// Rooms returns the current membership set, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.rooms)
}

// Connected reports whether a connection is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// writeLocked must be called with mu held. A failed write is dropped;
// the reconnect re-sends membership.
func (c *Conn) writeLocked(typ, room string) {
	if c.conn == nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(typ, room, nil)); err != nil {
		c.log.Warn().Err(err).Str("type", typ).Str("room", room).Msg("channel write failed")
	}
}

// Run dials, re-joins and reads until ctx is done, reconnecting after
// every failure with a fixed delay.
func (c *Conn) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("channel disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Conn) session(ctx context.Context) error {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.opts.OnUnauthorized != nil {
			c.opts.OnUnauthorized()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	for _, room := range sortedKeys(c.rooms) {
		c.writeLocked(protocol.TypeJoinDevice, room)
	}
	c.mu.Unlock()
	c.log.Info().Msg("channel connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.opts.Handler(data)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
