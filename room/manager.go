// Package room reconciles per-room message and membership state. Each
// joined room runs two paginated backfills while buffering live push
// events, then switches to live delivery with duplicate and echo
// suppression against the last-seen watermark.
package room

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/meow-io/go-chime/clock"
	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/jugg"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/storage"
	"github.com/meow-io/go-chime/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Manager tracks the room roster and the set of joined rooms for one
// connection. All methods and callbacks run on the client event loop.
type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	transport *session.Transport
	bus       *jugg.Manager
	store     *storage.Store
	clock     clock.Clock
	emit      func(interface{})

	profileID     string
	profileName   string
	messagingURL  string
	deviceChannel string

	roster map[string]*RoomInfo
	rooms  map[string]*Room
}

// NewManager creates a room manager for a registered session. displayName
// is the local user's name, used as the sender name on outbound echoes.
// emit delivers events to the host surface and must not block.
func NewManager(c *config.Config, transport *session.Transport, bus *jugg.Manager, store *storage.Store, clk clock.Clock, sess *session.Session, displayName string, emit func(interface{})) *Manager {
	return &Manager{
		config:        c,
		log:           c.Logger("room"),
		transport:     transport,
		bus:           bus,
		store:         store,
		clock:         clk,
		emit:          emit,
		profileID:     sess.SessionID,
		profileName:   displayName,
		messagingURL:  sess.MessagingURL,
		deviceChannel: sess.DeviceChannel,
		roster:        make(map[string]*RoomInfo),
		rooms:         make(map[string]*Room),
	}
}

// Start fetches the room roster and registers the device-channel demuxer
// which auto-joins rooms that receive a message while not joined. done
// runs on the event loop once the roster is complete.
func (m *Manager) Start(done func(error)) {
	m.bus.Subscribe(m.deviceChannel, "RoomMessage", m.demuxMessage, nil)
	m.fetchRooms("", done)
}

func (m *Manager) fetchRooms(nextToken string, done func(error)) {
	q := url.Values{"max-results": []string{strconv.Itoa(m.config.PageSize)}}
	if nextToken != "" {
		q.Set("next-token", nextToken)
	}
	m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(m.messagingURL, "/rooms", q),
		Done: func(node wire.Node, err error) {
			if err != nil {
				done(fmt.Errorf("fetching rooms: %w", err))
				return
			}
			rooms, _ := node.Array("Rooms")
			for _, rn := range rooms {
				id, ok := rn.String("RoomId")
				if !ok {
					continue
				}
				name, _ := rn.String("Name")
				channel, ok := rn.String("Channel")
				if !ok {
					m.log.Warnf("room %s has no channel, skipping", id)
					continue
				}
				visibility, _ := rn.String("Visibility")
				m.roster[id] = &RoomInfo{ID: id, Name: name, Channel: channel, Visibility: visibility}
			}
			if tok, ok := node.String("NextToken"); ok {
				m.fetchRooms(tok, done)
				return
			}
			m.log.Debugf("roster complete, %d rooms", len(m.roster))
			done(nil)
		},
	})
}

// Rooms returns the known roster sorted by name.
func (m *Manager) Rooms() []*RoomInfo {
	rooms := maps.Values(m.roster)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// Join starts synchronizing a room from the roster. Joining an
// already-joined room is a no-op.
func (m *Manager) Join(roomID string) error {
	info := m.roster[roomID]
	if info == nil {
		return fmt.Errorf("unknown room %s", roomID)
	}
	if m.rooms[roomID] != nil {
		return nil
	}
	m.join(info)
	return nil
}

// Leave cancels any outstanding backfill for the room and releases its
// state.
func (m *Manager) Leave(roomID string) error {
	r := m.rooms[roomID]
	if r == nil {
		return fmt.Errorf("not in room %s", roomID)
	}
	r.destroy()
	m.emit(&LeftEvent{RoomID: roomID})
	return nil
}

// Send posts a message to a joined room. It returns a local id
// immediately; the outcome arrives later as a SendResultEvent carrying
// that id. Member names and the @all/@present forms are rewritten into
// the wire mention syntax before posting.
func (m *Manager) Send(roomID, text string) (string, error) {
	r := m.rooms[roomID]
	if r == nil {
		return "", fmt.Errorf("not in room %s", roomID)
	}
	return r.send(text), nil
}

// Shutdown leaves all rooms and removes the demux subscription.
func (m *Manager) Shutdown() {
	for _, r := range m.rooms {
		r.destroy()
		m.emit(&LeftEvent{RoomID: r.info.ID})
	}
	m.bus.Unsubscribe(m.deviceChannel, "RoomMessage", m.demuxMessage, nil)
}

// demuxMessage handles RoomMessage events on the device channel, which
// the server sends for rooms the client is not subscribed to. The room is
// auto-joined and the event fed through its normal message path.
func (m *Manager) demuxMessage(_ interface{}, record wire.Node) bool {
	roomID, ok := record.String("RoomId")
	if !ok {
		return false
	}
	info := m.roster[roomID]
	if info == nil {
		m.log.Debugf("no room %s for RoomMessage", roomID)
		return false
	}
	r := m.rooms[roomID]
	if r == nil {
		r = m.join(info)
	}
	return r.handleMessageEvent(record)
}

func (m *Manager) roomMessage(ctx interface{}, record wire.Node) bool {
	return ctx.(*Room).handleMessageEvent(record)
}

func (m *Manager) roomMembership(ctx interface{}, record wire.Node) bool {
	return ctx.(*Room).handleMembershipEvent(record)
}
