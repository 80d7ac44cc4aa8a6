package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/storage"
	"github.com/meow-io/go-chime/wire"
)

// A Room is one joined room's synchronizer state. Two paginated backfills
// run after join; live message events arriving before both complete are
// buffered in pending, keyed by message id to absorb retransmissions.
// pending being non-nil marks message backfill (and flush) as incomplete.
type Room struct {
	m    *Manager
	info *RoomInfo

	members map[string]*Member
	pending map[string]wire.Node
	sent    map[string]struct{}

	watermark    *storage.Watermark
	membersDone  bool
	messagesDone bool

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func (m *Manager) join(info *RoomInfo) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		m:       m,
		info:    info,
		members: make(map[string]*Member),
		pending: make(map[string]wire.Node),
		sent:    make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	w, err := m.store.Watermark(info.ID)
	if err != nil {
		m.log.Warnf("failed to load watermark for %s: %v", info.ID, err)
	} else {
		r.watermark = w
	}
	m.rooms[info.ID] = r

	m.bus.Subscribe(info.Channel, "RoomMessage", m.roomMessage, r)
	m.bus.Subscribe(info.Channel, "RoomMembership", m.roomMembership, r)

	m.emit(&JoinedEvent{RoomID: info.ID, Name: info.Name})

	r.fetchMessages("")
	r.fetchMemberships("")
	return r
}

// destroy must cancel outstanding backfill requests before the room's
// state is released.
func (r *Room) destroy() {
	r.closed = true
	r.cancel()
	r.m.bus.Unsubscribe(r.info.Channel, "RoomMessage", r.m.roomMessage, r)
	r.m.bus.Unsubscribe(r.info.Channel, "RoomMembership", r.m.roomMembership, r)
	delete(r.m.rooms, r.info.ID)
}

func (r *Room) pageQuery(nextToken string) url.Values {
	q := url.Values{"max-results": []string{strconv.Itoa(r.m.config.PageSize)}}
	if nextToken != "" {
		q.Set("next-token", nextToken)
	}
	return q
}

func (r *Room) fetchMessages(nextToken string) {
	r.m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(r.m.messagingURL, "/rooms/"+r.info.ID+"/messages", r.pageQuery(nextToken)),
		Ctx:    r.ctx,
		Done: func(node wire.Node, err error) {
			if r.closed {
				return
			}
			if err != nil {
				r.m.emit(&ErrorEvent{RoomID: r.info.ID, Err: err})
				return
			}
			msgs, _ := node.Array("Messages")
			for _, mn := range msgs {
				if id, ok := mn.String("MessageId"); ok {
					r.pending[id] = mn
				}
			}
			if tok, ok := node.String("NextToken"); ok {
				r.fetchMessages(tok)
				return
			}
			r.messagesDone = true
			r.maybeFlush()
		},
	})
}

func (r *Room) fetchMemberships(nextToken string) {
	r.m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(r.m.messagingURL, "/rooms/"+r.info.ID+"/memberships", r.pageQuery(nextToken)),
		Ctx:    r.ctx,
		Done: func(node wire.Node, err error) {
			if r.closed {
				return
			}
			if err != nil {
				r.m.emit(&ErrorEvent{RoomID: r.info.ID, Err: err})
				return
			}
			memberships, _ := node.Array("RoomMemberships")
			for _, mn := range memberships {
				r.applyMember(mn)
			}
			if tok, ok := node.String("NextToken"); ok {
				r.fetchMemberships(tok)
				return
			}
			r.membersDone = true
			r.maybeFlush()
		},
	})
}

// applyMember inserts or updates one member from a membership record.
// Membership application is order-independent and happens immediately,
// even while backfills are still running.
func (r *Room) applyMember(node wire.Node) bool {
	presence, ok := node.String("Presence")
	if !ok {
		return false
	}
	var present bool
	switch presence {
	case "present":
		present = true
	case "notPresent":
		present = false
	default:
		r.m.log.Warnf("unknown presence %s in room %s", presence, r.info.ID)
		return false
	}

	mn := node.Get("Member")
	id, ok := mn.String("ProfileId")
	if !ok {
		return false
	}
	email, ok := mn.String("Email")
	if !ok {
		return false
	}
	displayName, ok := mn.String("DisplayName")
	if !ok {
		return false
	}

	member := r.members[id]
	if member == nil {
		member = &Member{ID: id, Email: email, DisplayName: displayName, Present: present}
		r.members[id] = member
	} else {
		member.Present = present
	}
	r.m.emit(&MembershipEvent{RoomID: r.info.ID, Member: *member})
	return true
}

// maybeFlush delivers the buffered backlog once both backfills have
// finished, in (CreatedOn, MessageId) order, skipping anything at or
// before the persisted watermark. Clearing pending switches the room to
// live delivery.
func (r *Room) maybeFlush() {
	if !r.membersDone || !r.messagesDone {
		return
	}

	type timed struct {
		id   string
		t    time.Time
		node wire.Node
	}
	backlog := make([]timed, 0, len(r.pending))
	for id, node := range r.pending {
		t, _, ok := node.Time("CreatedOn")
		if !ok {
			r.m.log.Warnf("message %s has no CreatedOn, dropping", id)
			continue
		}
		backlog = append(backlog, timed{id, t, node})
	}
	sort.Slice(backlog, func(i, j int) bool {
		if !backlog[i].t.Equal(backlog[j].t) {
			return backlog[i].t.Before(backlog[j].t)
		}
		return backlog[i].id < backlog[j].id
	})

	for _, msg := range backlog {
		if r.watermark != nil && r.watermark.AtOrPast(msg.t) {
			continue
		}
		r.advanceWatermark(msg.t, msg.id)
		r.deliver(msg.node, msg.t)
	}
	r.pending = nil
}

// handleMessageEvent is the live RoomMessage path. During backfill the
// record is buffered; afterwards the watermark advances and the message
// is delivered, subject to echo suppression.
func (r *Room) handleMessageEvent(record wire.Node) bool {
	id, ok := record.String("MessageId")
	if !ok {
		return false
	}
	if r.pending != nil {
		r.pending[id] = record
		return true
	}
	t, _, ok := record.Time("CreatedOn")
	if !ok {
		return false
	}
	r.advanceWatermark(t, id)
	r.deliver(record, t)
	return true
}

func (r *Room) handleMembershipEvent(record wire.Node) bool {
	return r.applyMember(record)
}

// deliver suppresses the live echo of a message this client sent, whose
// REST completion already delivered it, then emits the message.
func (r *Room) deliver(record wire.Node, t time.Time) {
	id, _ := record.String("MessageId")
	if _, ok := r.sent[id]; ok {
		delete(r.sent, id)
		return
	}
	r.emitMessage(record, t)
}

func (r *Room) emitMessage(record wire.Node, t time.Time) {
	content, ok := record.String("Content")
	if !ok {
		return
	}
	sender, ok := record.String("Sender")
	if !ok {
		return
	}
	id, _ := record.String("MessageId")

	outbound := sender == r.m.profileID
	name := "Unknown sender"
	if outbound {
		name = r.m.profileName
	} else if member := r.members[sender]; member != nil {
		name = member.DisplayName
	}

	r.m.emit(&MessageEvent{
		RoomID:     r.info.ID,
		MessageID:  id,
		Sender:     sender,
		SenderName: name,
		Text:       decodeMentions(content),
		Outbound:   outbound,
		Mention:    !outbound && mentionsMe(content, r.m.profileID),
		CreatedOn:  t,
	})
}

func (r *Room) advanceWatermark(t time.Time, id string) {
	if r.watermark != nil && r.watermark.AtOrPast(t) {
		return
	}
	r.watermark = &storage.Watermark{CreatedOn: t, MessageID: id}
	if err := r.m.store.SetWatermark(r.info.ID, r.watermark); err != nil {
		r.m.log.Warnf("failed to persist watermark for %s: %v", r.info.ID, err)
	}
}

// send posts one message. On success the server echo is reconciled: if
// the watermark already reached the reported creation time, the live copy
// arrived first and the local echo is dropped entirely; otherwise the
// local copy is delivered now and the id recorded so the live copy is
// dropped when it arrives.
func (r *Room) send(text string) string {
	// Request idempotency token, also used as the caller's local id.
	localID := uuid.NewString()
	expanded := encodeMentions(r.members, text)

	body, err := json.Marshal(map[string]string{
		"Content":            expanded,
		"ClientRequestToken": localID,
	})
	if err != nil {
		r.m.emit(&SendResultEvent{RoomID: r.info.ID, LocalID: localID, Err: err})
		return localID
	}

	r.m.transport.Queue(&session.Request{
		Method: http.MethodPost,
		URL:    session.BuildURL(r.m.messagingURL, "/rooms/"+r.info.ID+"/messages", nil),
		Body:   body,
		Ctx:    r.ctx,
		Done: func(node wire.Node, err error) {
			if r.closed {
				return
			}
			if err != nil {
				r.m.emit(&SendResultEvent{RoomID: r.info.ID, LocalID: localID, Err: err})
				return
			}
			var msgID string
			msgNode := node.Get("Message")
			if msgNode.Exists() {
				t, _, ok := msgNode.Time("CreatedOn")
				if !ok {
					t = r.m.clock.Now()
				}
				msgID, _ = msgNode.String("MessageId")
				// Skip the local echo when the live event beat
				// the REST response here; it was already
				// delivered and the watermark reflects it.
				if r.watermark == nil || r.watermark.Before(t) {
					if msgID != "" {
						r.sent[msgID] = struct{}{}
					}
					r.emitMessage(msgNode, t)
				}
			}
			r.m.emit(&SendResultEvent{RoomID: r.info.ID, LocalID: localID, MessageID: msgID})
		},
	})
	return localID
}
