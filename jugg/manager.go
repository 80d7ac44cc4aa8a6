// Package jugg maintains the push channel: a websocket negotiated through
// a two-phase bootstrap, carrying JSON event envelopes which are
// demultiplexed to subscribers keyed by (channel, event type).
package jugg

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"

	"github.com/coder/websocket"
	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/wire"
	"go.uber.org/zap"
)

// Callback receives the record of a matching event envelope. Callbacks run
// on the client event loop, synchronously with frame arrival, and must not
// block. The return value reports whether the event was handled.
type Callback func(ctx interface{}, record wire.Node) bool

type subKey struct {
	channel   string
	eventType string
}

type subscription struct {
	fn  uintptr
	cb  Callback
	ctx interface{}
}

// Manager owns one push-channel connection. Construction, Connect and all
// subscription calls happen on the client event loop; only the websocket
// reader runs elsewhere, posting each frame back to the loop.
type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	transport *session.Transport
	post      func(func())
	token     func() string
	onClosed  func(code int, reason string)

	subs   map[subKey][]*subscription
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewManager creates a push-channel manager. post schedules onto the
// client event loop, token yields the current session token for the dial
// handshake, and onClosed reports connection loss. There is no automatic
// reconnect; the caller decides what a closed channel means.
func NewManager(c *config.Config, transport *session.Transport, post func(func()), token func() string, onClosed func(code int, reason string)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    c,
		log:       c.Logger("jugg"),
		transport: transport,
		post:      post,
		token:     token,
		onClosed:  onClosed,
		subs:      make(map[subKey][]*subscription),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect performs the two-phase bootstrap against wsURL. Phase 1 fetches
// the connection id over HTTP; a 401 there flows through the session
// renewal path like any other request. Phase 2 dials the websocket with
// the advertised subprotocols. done runs on the event loop.
func (m *Manager) Connect(wsURL, sessionID string, done func(error)) {
	m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(wsURL, "/1", url.Values{"session_uuid": []string{sessionID}}),
		RawDone: func(body []byte, err error) {
			if err != nil {
				done(fmt.Errorf("websocket setup: %w", err))
				return
			}
			hs, err := parseHandshake(body)
			if err != nil {
				done(err)
				return
			}
			m.dial(wsURL, sessionID, hs, done)
		},
	})
}

func (m *Manager) dial(wsURL, sessionID string, hs *handshake, done func(error)) {
	u := session.BuildURL(wsURL, "/1/websocket/"+hs.ConnID, url.Values{"session_uuid": []string{sessionID}})
	m.log.Debugf("dialing push channel %s", u)

	header := http.Header{}
	if tok := m.token(); tok != "" {
		header.Set("Cookie", fmt.Sprintf("_aws_wt_session=%s", tok))
	}

	go func() {
		conn, _, err := websocket.Dial(m.ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			Subprotocols: hs.Protocols,
			HTTPHeader:   header,
		})
		m.post(func() {
			if err != nil {
				done(&session.NetworkError{Err: fmt.Errorf("websocket connection: %w", err)})
				return
			}
			if m.closed {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			m.conn = conn
			go m.read(conn)
			done(nil)
		})
	}()
}

// read pumps frames from the websocket onto the event loop until the
// connection dies.
func (m *Manager) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(m.ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			reason := err.Error()
			m.post(func() {
				if m.closed {
					return
				}
				m.conn = nil
				m.log.Debugf("push channel closed: %d %s", code, reason)
				m.onClosed(code, reason)
			})
			return
		}
		frame := data
		m.post(func() { m.dispatch(frame) })
	}
}

// dispatch decodes one event envelope and invokes every subscriber
// registered for its (channel, eventType) key, in registration order.
func (m *Manager) dispatch(frame []byte) {
	node, err := wire.Parse(frame)
	if err != nil {
		m.log.Warnf("discarding unparseable push frame: %v", err)
		return
	}
	channel, ok := node.String("channel")
	if !ok {
		return
	}
	eventType, ok := node.String("eventType")
	if !ok {
		return
	}
	record := node.Get("record")

	// Copy the list so a callback unsubscribing itself mid-dispatch
	// cannot perturb iteration.
	subs := append([]*subscription(nil), m.subs[subKey{channel, eventType}]...)
	handled := false
	for _, sub := range subs {
		if sub.cb(sub.ctx, record) {
			handled = true
		}
	}
	if !handled {
		m.log.Debugf("unhandled push event %s on %s", eventType, channel)
	}
}

// Subscribe registers cb for events on (channel, eventType). Registering
// the same (callback, context) pair twice is a no-op, so a subscriber is
// never double-delivered.
func (m *Manager) Subscribe(channel, eventType string, cb Callback, ctx interface{}) {
	key := subKey{channel, eventType}
	fn := reflect.ValueOf(cb).Pointer()
	for _, sub := range m.subs[key] {
		if sub.fn == fn && sub.ctx == ctx {
			return
		}
	}
	m.subs[key] = append(m.subs[key], &subscription{fn: fn, cb: cb, ctx: ctx})
}

// Unsubscribe removes the registration matching (callback, context)
// exactly. Unknown registrations are ignored.
func (m *Manager) Unsubscribe(channel, eventType string, cb Callback, ctx interface{}) {
	key := subKey{channel, eventType}
	fn := reflect.ValueOf(cb).Pointer()
	subs := m.subs[key]
	for i, sub := range subs {
		if sub.fn == fn && sub.ctx == ctx {
			m.subs[key] = append(subs[:i:i], subs[i+1:]...)
			if len(m.subs[key]) == 0 {
				delete(m.subs, key)
			}
			return
		}
	}
}

// Close tears the connection down. No further events are dispatched and
// onClosed is not called for a deliberate close.
func (m *Manager) Close() {
	m.closed = true
	m.cancel()
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "")
		m.conn = nil
	}
	m.subs = make(map[subKey][]*subscription)
}
