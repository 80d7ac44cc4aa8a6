// Package meeting looks up, creates and schedules meetings over the
// conference and profile services, and renders invite text for scheduled
// meetings.
package meeting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/wire"
	"go.uber.org/zap"
)

// Info describes a joinable meeting.
type Info struct {
	MeetingID           string
	MeetingIDForDisplay string
	JoinURL             string
	Passcode            string
}

// Dialin is one international dial-in number.
type Dialin struct {
	DisplayString string
	Number        string
}

// Scheduled carries the details needed to build a meeting invitation.
type Scheduled struct {
	MeetingIDForDisplay        string
	JoinURL                    string
	Passcode                   string
	DelegateSchedulingEmail    string
	TollDialin                 string
	TollFreeDialin             string
	InternationalDialinInfoURL string
	InternationalDialinInfo    []Dialin
}

// Manager issues meeting operations. All completions run on the client
// event loop.
type Manager struct {
	config        *config.Config
	log           *zap.SugaredLogger
	transport     *session.Transport
	conferenceURL string
	profileURL    string
}

func NewManager(c *config.Config, transport *session.Transport, sess *session.Session) *Manager {
	return &Manager{
		config:        c,
		log:           c.Logger("meeting"),
		transport:     transport,
		conferenceURL: sess.ConferenceURL,
		profileURL:    sess.ProfileURL,
	}
}

// LookupByPin resolves a meeting PIN, accepting the https://chime.aws/<pin>
// form as pasted from an invitation.
func (m *Manager) LookupByPin(pin string, done func(*Info, error)) {
	pin = strings.TrimPrefix(pin, "https://chime.aws/")
	m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(m.conferenceURL, "/meetings", url.Values{"pin": []string{pin}}),
		Done: func(node wire.Node, err error) {
			if err != nil {
				done(nil, fmt.Errorf("unable to lookup meeting: %w", err))
				return
			}
			info, err := parseInfo(node.Get("Meeting"))
			done(info, err)
		},
	})
}

// Create starts an instant meeting with the given participant profile ids.
func (m *Manager) Create(participants []string, audio, video bool, done func(*Info, error)) {
	body, err := json.Marshal(map[string]interface{}{
		"Participants":       participants,
		"JoinWithAudio":      audio,
		"JoinWithVideo":      video,
		"ClientRequestToken": uuid.NewString(),
	})
	if err != nil {
		done(nil, err)
		return
	}
	m.transport.Queue(&session.Request{
		Method: http.MethodPost,
		URL:    session.BuildURL(m.conferenceURL, "/meetings", nil),
		Body:   body,
		Done: func(node wire.Node, err error) {
			if err != nil {
				done(nil, fmt.Errorf("unable to create meeting: %w", err))
				return
			}
			info, err := parseInfo(node.Get("Meeting"))
			done(info, err)
		},
	})
}

// Schedule fetches the details of the user's personal meeting bridge, or a
// fresh one-time bridge when oneTime is set.
func (m *Manager) Schedule(oneTime bool, done func(*Scheduled, error)) {
	q := url.Values{"onetime": []string{"false"}}
	if oneTime {
		q.Set("onetime", "true")
	}
	m.transport.Queue(&session.Request{
		Method: http.MethodGet,
		URL:    session.BuildURL(m.profileURL, "/scheduled_meeting", q),
		Done: func(node wire.Node, err error) {
			if err != nil {
				done(nil, fmt.Errorf("unable to schedule meeting: %w", err))
				return
			}
			done(parseScheduled(node))
		},
	})
}

func parseInfo(node wire.Node) (*Info, error) {
	if !node.Exists() {
		return nil, &session.ProtocolViolationError{Field: "Meeting"}
	}
	info := &Info{}
	var ok bool
	if info.MeetingID, ok = node.String("MeetingId"); !ok {
		return nil, &session.ProtocolViolationError{Field: "Meeting.MeetingId"}
	}
	if info.MeetingIDForDisplay, ok = node.String("MeetingIdForDisplay"); !ok {
		return nil, &session.ProtocolViolationError{Field: "Meeting.MeetingIdForDisplay"}
	}
	if info.JoinURL, ok = node.String("MeetingJoinUrl"); !ok {
		return nil, &session.ProtocolViolationError{Field: "Meeting.MeetingJoinUrl"}
	}
	info.Passcode, _ = node.String("BridgePasscode")
	return info, nil
}

func parseScheduled(node wire.Node) (*Scheduled, error) {
	mtg := &Scheduled{}
	var ok bool
	if mtg.MeetingIDForDisplay, ok = node.String("MeetingIdForDisplay"); !ok {
		return nil, &session.ProtocolViolationError{Field: "MeetingIdForDisplay"}
	}
	if mtg.JoinURL, ok = node.String("MeetingJoinUrl"); !ok {
		return nil, &session.ProtocolViolationError{Field: "MeetingJoinUrl"}
	}
	mtg.Passcode, _ = node.String("BridgePasscode")
	mtg.DelegateSchedulingEmail, _ = node.String("DelegateSchedulingEmail")
	mtg.TollDialin, _ = node.String("TollDialin")
	mtg.TollFreeDialin, _ = node.String("TollFreeDialin")
	mtg.InternationalDialinInfoURL, _ = node.String("InternationalDialinInfoUrl")
	if dialins, ok := node.Array("InternationalDialinInfo"); ok {
		for _, dn := range dialins {
			display, _ := dn.String("DisplayString")
			number, _ := dn.String("Number")
			mtg.InternationalDialinInfo = append(mtg.InternationalDialinInfo, Dialin{display, number})
		}
	}
	return mtg, nil
}
