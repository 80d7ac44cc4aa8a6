// This package owns the session lifecycle for one Chime connection: device
// registration, the HTTP request pipeline with session-cookie auth, and
// token renewal with replay of requests that failed while the token was
// expired.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/storage"
	"github.com/meow-io/go-chime/wire"
	"go.uber.org/zap"
)

type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateRenewing
	StateClosed
)

// A Session holds the identifiers and service endpoints obtained from
// device registration. Exactly one exists per connection; Token is
// replaced in place on renewal.
type Session struct {
	Token          string
	SessionID      string
	DisplayName    string
	ProfileChannel string
	DeviceID       string
	DeviceChannel  string

	ProfileURL      string
	PresenceURL     string
	ContactsURL     string
	MessagingURL    string
	ConferenceURL   string
	ReachabilityURL string
	WebsocketURL    string
}

// Manager drives the session state machine. All methods other than
// construction must be called from the client event loop.
type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	store     *storage.Store
	transport *Transport
	cancel    context.CancelFunc

	account string
	state   State
	sess    *Session
	pending []*Request
	onFatal func(error)
}

// NewManager creates a session manager. post schedules a closure onto the
// client event loop; onFatal reports an unrecoverable session error.
// httpClient may be nil, in which case one is built from the config
// timeout.
func NewManager(c *config.Config, store *storage.Store, httpClient *http.Client, post func(func()), onFatal func(error)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:  c,
		log:     c.Logger("session/manager"),
		store:   store,
		cancel:  cancel,
		state:   StateUnregistered,
		onFatal: onFatal,
	}
	m.transport = newTransport(c, httpClient, ctx, post, m.currentToken, m.resubmitForAuth)
	return m
}

func (m *Manager) Transport() *Transport {
	return m.transport
}

func (m *Manager) State() State {
	return m.state
}

// Session returns the active session, or nil before registration
// completes.
func (m *Manager) Session() *Session {
	return m.sess
}

// Register performs device registration against the signin endpoint and,
// on success, populates the Session. done runs on the event loop.
func (m *Manager) Register(account, accountToken string, done func(error)) {
	if m.state != StateUnregistered {
		done(fmt.Errorf("session: cannot register in state %d", m.state))
		return
	}
	m.state = StateRegistering
	m.account = account

	payload, err := json.Marshal(map[string]interface{}{
		"Device": map[string]interface{}{
			"Platform":       m.config.DevicePlatform,
			"DeviceToken":    m.config.DeviceToken,
			"UaChannelToken": m.config.UAChannelToken,
			"Capabilities":   m.config.DeviceCapabilities,
		},
	})
	if err != nil {
		m.state = StateUnregistered
		done(err)
		return
	}

	m.transport.Queue(&Request{
		Method: http.MethodPost,
		URL:    BuildURL(m.config.SigninURL, "/sessions", url.Values{"Token": []string{accountToken}}),
		Body:   payload,
		Done: func(node wire.Node, err error) {
			if err != nil {
				m.state = StateUnregistered
				done(fmt.Errorf("device registration failed: %w", err))
				return
			}
			sess, err := parseSession(node)
			if err != nil {
				m.state = StateUnregistered
				done(err)
				return
			}
			m.sess = sess
			m.state = StateRegistered
			if err := m.store.SetToken(m.account, sess.Token); err != nil {
				m.log.Warnf("failed to persist session token: %v", err)
			}
			m.log.Debugf("registered device %s on channel %s", sess.DeviceID, sess.DeviceChannel)
			done(nil)
		},
		// No session exists yet, so a 401 here is a plain failure.
		noAuthRetry: true,
	})
}

// Close cancels all outstanding requests and ends the session.
func (m *Manager) Close() {
	m.state = StateClosed
	m.sess = nil
	m.pending = nil
	m.cancel()
}

func (m *Manager) currentToken() string {
	if m.sess == nil {
		return ""
	}
	return m.sess.Token
}

// resubmitForAuth queues a request that failed with 401 and kicks off a
// renewal unless one is already in flight. At most one renewal call is
// ever issued regardless of how many requests were in flight when the
// token expired.
func (m *Manager) resubmitForAuth(req *Request) {
	// A straggler completing with 401 after the session was torn down
	// must not start another renewal.
	if m.state == StateClosed {
		m.transport.fail(req, &NetworkError{fmt.Errorf("session closed")})
		return
	}
	m.pending = append(m.pending, req)
	if m.state == StateRenewing {
		return
	}
	m.state = StateRenewing
	m.renew()
}

func (m *Manager) renew() {
	sess := m.sess
	if sess == nil {
		m.failPending(&NetworkError{fmt.Errorf("auth expired with no session")})
		return
	}
	m.log.Debugf("renewing session token")

	payload, err := json.Marshal(map[string]string{"Token": sess.Token})
	if err != nil {
		m.failPending(&NetworkError{err})
		return
	}

	m.transport.Queue(&Request{
		Method: http.MethodPost,
		URL:    BuildURL(sess.ProfileURL, "/tokens", url.Values{"Token": []string{sess.Token}}),
		Body:   payload,
		Done: func(node wire.Node, err error) {
			if err != nil {
				m.failPending(&NetworkError{fmt.Errorf("token renewal: %w", err)})
				return
			}
			tok, ok := node.String("SessionToken")
			if !ok {
				m.failPending(&NetworkError{fmt.Errorf("failed to renew session token")})
				return
			}
			m.sess.Token = tok
			if err := m.store.SetToken(m.account, tok); err != nil {
				m.log.Warnf("failed to persist renewed token: %v", err)
			}
			m.state = StateRegistered

			// Replay in submission order; Queue recomputes the
			// cookie from the fresh token.
			replay := m.pending
			m.pending = nil
			for _, p := range replay {
				m.transport.Queue(p)
			}
		},
		noAuthRetry: true,
	})
}

// failPending fails every queued request and the session with it.
// Re-authentication failure is unrecoverable; there is no retry.
func (m *Manager) failPending(err error) {
	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		m.transport.fail(p, err)
	}
	m.state = StateClosed
	m.onFatal(err)
}

// parseSession decodes a device-registration response. The response shape
// is a contract: any missing field aborts connection setup.
func parseSession(node wire.Node) (*Session, error) {
	sessNode := node.Get("Session")
	if !sessNode.Exists() {
		return nil, &ProtocolViolationError{"Session"}
	}

	sess := &Session{}
	var ok bool
	if sess.Token, ok = sessNode.String("SessionToken"); !ok {
		return nil, &ProtocolViolationError{"Session.SessionToken"}
	}

	profile := sessNode.Get("Profile")
	if sess.SessionID, ok = profile.String("id"); !ok {
		return nil, &ProtocolViolationError{"Session.Profile.id"}
	}
	if sess.ProfileChannel, ok = profile.String("profile_channel"); !ok {
		return nil, &ProtocolViolationError{"Session.Profile.profile_channel"}
	}
	sess.DisplayName, _ = profile.String("display_name")

	device := sessNode.Get("Device")
	if sess.DeviceID, ok = device.String("DeviceId"); !ok {
		return nil, &ProtocolViolationError{"Session.Device.DeviceId"}
	}
	if sess.DeviceChannel, ok = device.String("Channel"); !ok {
		return nil, &ProtocolViolationError{"Session.Device.Channel"}
	}

	svc := sessNode.Get("ServiceConfig")
	if !svc.Exists() {
		return nil, &ProtocolViolationError{"Session.ServiceConfig"}
	}
	if sess.PresenceURL, ok = svc.Get("Presence").String("RestUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Presence.RestUrl"}
	}
	push := svc.Get("Push")
	if sess.ReachabilityURL, ok = push.String("ReachabilityUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Push.ReachabilityUrl"}
	}
	if sess.WebsocketURL, ok = push.String("WebsocketUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Push.WebsocketUrl"}
	}
	if sess.ProfileURL, ok = svc.Get("Profile").String("RestUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Profile.RestUrl"}
	}
	if sess.ContactsURL, ok = svc.Get("Contacts").String("RestUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Contacts.RestUrl"}
	}
	if sess.MessagingURL, ok = svc.Get("Messaging").String("RestUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Messaging.RestUrl"}
	}
	if sess.ConferenceURL, ok = svc.Get("Conference").String("RestUrl"); !ok {
		return nil, &ProtocolViolationError{"ServiceConfig.Conference.RestUrl"}
	}

	return sess, nil
}
