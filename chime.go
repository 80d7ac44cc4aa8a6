// This package provides a high-level client for the Chime messaging
// service. It registers a device session, maintains the push channel and
// synchronizes joined rooms, reporting everything that happens through a
// single updates channel.
package chime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-chime/clock"
	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/internal/db"
	"github.com/meow-io/go-chime/jugg"
	"github.com/meow-io/go-chime/meeting"
	"github.com/meow-io/go-chime/room"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/storage"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateConnecting
	StateRunning
	StateClosed
)

// Chime is a client connection. All internal state is owned by a single
// event loop goroutine; public methods marshal onto it, so Chime is safe
// for use from any goroutine.
type Chime struct {
	DB *db.Database

	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	store   *storage.Store
	updates chan interface{}

	loop       chan func()
	cancelFunc context.CancelFunc
	ctx        context.Context
	finished   sync.WaitGroup

	// httpClient overrides the transport's default client in tests.
	httpClient *http.Client

	state    int
	account  string
	sessions *session.Manager
	bus      *jugg.Manager
	rooms    *room.Manager
	meetings *meeting.Manager
}

// Create a chime client instance.
func NewChime(c *config.Config) (*Chime, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making chime client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "chime.db"))
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(c, database)
	if err != nil {
		return nil, err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	chime := &Chime{
		DB:         database,
		config:     c,
		log:        log,
		clock:      clock.NewSystemClock(),
		store:      store,
		updates:    make(chan interface{}, 100),
		loop:       make(chan func(), 100),
		ctx:        ctx,
		cancelFunc: cancelFunc,
		state:      StateNew,
	}
	chime.finished.Add(1)
	go chime.runLoop()
	return chime, nil
}

// Gets various updates which must be dealt with. This will produce
// *Connected, *ConnectionError, *MessageReceived, *MembershipChanged,
// *RoomJoined, *RoomLeft, *SendResult, *MeetingInfo, *MeetingCreated,
// *ScheduledMeeting and *PushClosed.
func (s *Chime) Updates() chan interface{} {
	return s.updates
}

// Returns true if the client is fully connected.
func (s *Chime) Running() bool {
	running := false
	_ = s.run(func() error {
		running = s.state == StateRunning
		return nil
	})
	return running
}

// Login registers a device session for account and brings up the push
// channel and room roster. A session token persisted from an earlier
// connection takes precedence over accountToken. The outcome arrives as a
// *Connected or *ConnectionError update.
func (s *Chime) Login(account, accountToken string) error {
	return s.run(func() error {
		if s.state != StateNew {
			return fmt.Errorf("expected state %d, was %d", StateNew, s.state)
		}
		s.state = StateConnecting
		s.account = account

		token := accountToken
		if stored, err := s.store.Token(account); err != nil {
			s.log.Warnf("failed to load stored token: %v", err)
		} else if stored != "" {
			token = stored
		}

		s.sessions = session.NewManager(s.config, s.store, s.httpClient, s.post, s.sessionFailed)
		s.sessions.Register(account, token, s.registered)
		return nil
	})
}

func (s *Chime) registered(err error) {
	if err != nil {
		s.connectionFailed(err)
		return
	}
	sess := s.sessions.Session()
	s.bus = jugg.NewManager(s.config, s.sessions.Transport(), s.post, func() string {
		if cur := s.sessions.Session(); cur != nil {
			return cur.Token
		}
		return ""
	}, s.pushClosed)
	s.bus.Connect(sess.WebsocketURL, sess.SessionID, s.pushConnected)
}

func (s *Chime) pushConnected(err error) {
	if err != nil {
		s.connectionFailed(err)
		return
	}
	sess := s.sessions.Session()
	s.rooms = room.NewManager(s.config, s.sessions.Transport(), s.bus, s.store, s.clock, sess, sess.DisplayName, s.emitRoomEvent)
	s.meetings = meeting.NewManager(s.config, s.sessions.Transport(), sess)
	s.rooms.Start(func(err error) {
		if err != nil {
			s.connectionFailed(err)
			return
		}
		s.state = StateRunning
		s.updates <- &Connected{Account: s.account}
	})
}

// Logout tears the connection down. The client can Login again
// afterwards.
func (s *Chime) Logout() error {
	return s.run(func() error {
		if s.state != StateConnecting && s.state != StateRunning {
			return errors.New("not logged in")
		}
		s.disconnect()
		return nil
	})
}

// Rooms returns the roster of known rooms.
func (s *Chime) Rooms() ([]*room.RoomInfo, error) {
	var rooms []*room.RoomInfo
	return rooms, s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		rooms = s.rooms.Rooms()
		return nil
	})
}

// JoinRoom starts synchronizing a room. Messages and membership arrive as
// updates once backfill completes.
func (s *Chime) JoinRoom(roomID string) error {
	return s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		return s.rooms.Join(roomID)
	})
}

// LeaveRoom stops synchronizing a room and cancels its outstanding
// fetches.
func (s *Chime) LeaveRoom(roomID string) error {
	return s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		return s.rooms.Leave(roomID)
	})
}

// SendMessage posts text to a joined room, expanding @name mentions. It
// returns a local id; the outcome arrives as a *SendResult update
// carrying that id.
func (s *Chime) SendMessage(roomID, text string) (string, error) {
	var localID string
	return localID, s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		var err error
		localID, err = s.rooms.Send(roomID, text)
		return err
	})
}

// LookupMeetingByPin resolves a meeting PIN or a https://chime.aws/ link.
// The result arrives as a *MeetingInfo update.
func (s *Chime) LookupMeetingByPin(pin string) error {
	return s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		s.meetings.LookupByPin(pin, func(info *meeting.Info, err error) {
			update := &MeetingInfo{Err: err}
			if info != nil {
				update.MeetingID = info.MeetingID
				update.MeetingIDForDisplay = info.MeetingIDForDisplay
				update.JoinURL = info.JoinURL
				update.Passcode = info.Passcode
			}
			s.updates <- update
		})
		return nil
	})
}

// CreateMeeting starts an instant meeting with the given participant
// profile ids. The result arrives as a *MeetingCreated update.
func (s *Chime) CreateMeeting(participants []string, audio, video bool) error {
	return s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		s.meetings.Create(participants, audio, video, func(info *meeting.Info, err error) {
			update := &MeetingCreated{Err: err}
			if info != nil {
				update.MeetingID = info.MeetingID
				update.MeetingIDForDisplay = info.MeetingIDForDisplay
				update.JoinURL = info.JoinURL
				update.Passcode = info.Passcode
			}
			s.updates <- update
		})
		return nil
	})
}

// ScheduleMeeting fetches the user's personal meeting bridge, or a fresh
// one-time bridge, and renders an invitation. The result arrives as a
// *ScheduledMeeting update.
func (s *Chime) ScheduleMeeting(oneTime bool) error {
	return s.run(func() error {
		if s.state != StateRunning {
			return errors.New("not connected")
		}
		s.meetings.Schedule(oneTime, func(mtg *meeting.Scheduled, err error) {
			update := &ScheduledMeeting{Err: err}
			if mtg != nil {
				update.MeetingIDForDisplay = mtg.MeetingIDForDisplay
				update.JoinURL = mtg.JoinURL
				update.Passcode = mtg.Passcode
				update.Invite = mtg.Description()
			}
			s.updates <- update
		})
		return nil
	})
}

// Gracefully stop the client.
func (s *Chime) Shutdown() error {
	err := s.run(func() error {
		if s.state == StateConnecting || s.state == StateRunning {
			s.disconnect()
		}
		s.state = StateClosed
		return nil
	})
	if err != nil {
		return err
	}

	s.cancelFunc()
	s.finished.Wait()
	if err := s.DB.Shutdown(); err != nil {
		return err
	}
	close(s.updates)
	return nil
}

func (s *Chime) runLoop() {
	defer s.finished.Done()
	for {
		select {
		case f := <-s.loop:
			f()
		case <-s.ctx.Done():
			return
		}
	}
}

// post schedules a closure onto the event loop. It is safe from any
// goroutine and becomes a no-op once the client shuts down.
func (s *Chime) post(f func()) {
	select {
	case s.loop <- f:
	case <-s.ctx.Done():
	}
}

// run executes f on the event loop and waits for its result.
func (s *Chime) run(f func() error) error {
	errCh := make(chan error, 1)
	s.post(func() { errCh <- f() })
	select {
	case err := <-errCh:
		return err
	case <-s.ctx.Done():
		return errors.New("client is shut down")
	}
}

// disconnect tears down the connection subsystems in dependency order.
// Runs on the event loop.
func (s *Chime) disconnect() {
	if s.rooms != nil {
		s.rooms.Shutdown()
		s.rooms = nil
	}
	s.meetings = nil
	if s.bus != nil {
		s.bus.Close()
		s.bus = nil
	}
	if s.sessions != nil {
		s.sessions.Close()
		s.sessions = nil
	}
	s.state = StateNew
}

func (s *Chime) connectionFailed(err error) {
	s.log.Warnf("connection failed: %v", err)
	s.disconnect()
	s.updates <- &ConnectionError{Kind: session.Kind(err), Message: err.Error()}
}

// sessionFailed handles an unrecoverable mid-session failure, such as a
// failed token renewal.
func (s *Chime) sessionFailed(err error) {
	if s.state != StateConnecting && s.state != StateRunning {
		return
	}
	s.connectionFailed(err)
}

func (s *Chime) pushClosed(code int, reason string) {
	if s.state != StateConnecting && s.state != StateRunning {
		return
	}
	s.updates <- &PushClosed{Code: code, Reason: reason}
}

// emitRoomEvent translates room subsystem events into updates.
func (s *Chime) emitRoomEvent(event interface{}) {
	switch e := event.(type) {
	case *room.MessageEvent:
		s.updates <- &MessageReceived{
			RoomID:     e.RoomID,
			MessageID:  e.MessageID,
			Sender:     e.Sender,
			SenderName: e.SenderName,
			Text:       e.Text,
			Outbound:   e.Outbound,
			Mention:    e.Mention,
			Time:       e.CreatedOn,
		}
	case *room.MembershipEvent:
		s.updates <- &MembershipChanged{
			RoomID:      e.RoomID,
			MemberID:    e.Member.ID,
			Email:       e.Member.Email,
			DisplayName: e.Member.DisplayName,
			Present:     e.Member.Present,
		}
	case *room.JoinedEvent:
		s.updates <- &RoomJoined{RoomID: e.RoomID, Name: e.Name}
	case *room.LeftEvent:
		s.updates <- &RoomLeft{RoomID: e.RoomID}
	case *room.SendResultEvent:
		s.updates <- &SendResult{RoomID: e.RoomID, LocalID: e.LocalID, MessageID: e.MessageID, Err: e.Err}
	case *room.ErrorEvent:
		s.updates <- &ConnectionError{Kind: session.Kind(e.Err), Message: fmt.Sprintf("room %s: %v", e.RoomID, e.Err)}
	default:
		s.log.Warnf("unknown room event %T", event)
	}
}
