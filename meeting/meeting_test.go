package meeting

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/wire"
	"github.com/stretchr/testify/require"
)

func TestFormatPin(t *testing.T) {
	require := require.New(t)
	require.Equal("0123 45 6789", FormatPin("0123456789"))
	require.Equal("0123 45 6789 012", FormatPin("0123456789012"))
	require.Equal("12345", FormatPin("12345"))
	require.Equal("", FormatPin(""))
}

func TestScheduledDescription(t *testing.T) {
	require := require.New(t)
	mtg := &Scheduled{
		MeetingIDForDisplay:        "1234 56 7890",
		JoinURL:                    "https://chime.aws/1234567890",
		Passcode:                   "1234567890",
		TollDialin:                 "+1 206-555-0100",
		TollFreeDialin:             "+1 855-555-0100",
		InternationalDialinInfoURL: "https://chime.aws/dialinnumbers/",
	}
	desc := mtg.Description()
	require.Contains(desc, "Click to join the meeting: https://chime.aws/1234567890")
	require.Contains(desc, "Meeting ID: 1234 56 7890")
	require.Contains(desc, "Toll Free: +1 855-555-0100")
	require.Contains(desc, "Toll: +1 206-555-0100")
	require.Contains(desc, "Meeting PIN: 1234 56 7890")
	require.Contains(desc, "One-click Mobile Dial-in: +1 855-555-0100,,1234567890#")

	// International numbers displace the toll lines.
	mtg.InternationalDialinInfo = []Dialin{{DisplayString: "Germany", Number: "+49 30 555 0100"}}
	desc = mtg.Description()
	require.Contains(desc, "Germany: +49 30 555 0100")
	require.NotContains(desc, "Toll Free:")
}

func TestScheduledDescriptionWithoutPasscode(t *testing.T) {
	require := require.New(t)
	mtg := &Scheduled{
		MeetingIDForDisplay: "1234 56 7890",
		JoinURL:             "https://chime.aws/1234567890",
	}
	desc := mtg.Description()
	require.Contains(desc, "Click to join the meeting")
	require.NotContains(desc, "Meeting PIN")
}

type harness struct {
	mgr  *Manager
	loop chan func()
	done chan struct{}
}

func newHarness(srv *httptest.Server) *harness {
	c := config.NewConfig()
	h := &harness{
		loop: make(chan func(), 100),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case f := <-h.loop:
				f()
			case <-h.done:
				return
			}
		}
	}()
	sessions := session.NewManager(c, nil, nil, func(f func()) { h.loop <- f }, func(err error) {})
	h.mgr = NewManager(c, sessions.Transport(), &session.Session{
		ConferenceURL: srv.URL + "/conference",
		ProfileURL:    srv.URL + "/profile",
	})
	return h
}

func (h *harness) shutdown() {
	close(h.done)
}

func TestLookupByPin(t *testing.T) {
	require := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/conference/meetings", r.URL.Path)
		require.Equal("1234567890", r.URL.Query().Get("pin"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Meeting": {
			"MeetingId": "mtg-1",
			"MeetingIdForDisplay": "1234 56 7890",
			"MeetingJoinUrl": "https://chime.aws/1234567890",
			"BridgePasscode": "1234567890"
		}}`)
	}))
	defer srv.Close()

	h := newHarness(srv)
	defer h.shutdown()

	results := make(chan *Info, 1)
	h.loop <- func() {
		h.mgr.LookupByPin("https://chime.aws/1234567890", func(info *Info, err error) {
			require.Nil(err)
			results <- info
		})
	}
	select {
	case info := <-results:
		require.Equal("mtg-1", info.MeetingID)
		require.Equal("https://chime.aws/1234567890", info.JoinURL)
		require.Equal("1234567890", info.Passcode)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for meeting lookup")
	}
}

func TestCreateSendsIdempotencyToken(t *testing.T) {
	require := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		node, err := wire.Parse(body)
		require.Nil(err)
		token, ok := node.String("ClientRequestToken")
		require.True(ok)
		require.NotEmpty(token)
		participants, ok := node.Array("Participants")
		require.True(ok)
		require.Len(participants, 2)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Meeting": {
			"MeetingId": "mtg-2",
			"MeetingIdForDisplay": "9876 54 3210",
			"MeetingJoinUrl": "https://chime.aws/9876543210"
		}}`)
	}))
	defer srv.Close()

	h := newHarness(srv)
	defer h.shutdown()

	results := make(chan *Info, 1)
	h.loop <- func() {
		h.mgr.Create([]string{"profile-2", "profile-3"}, true, false, func(info *Info, err error) {
			require.Nil(err)
			results <- info
		})
	}
	select {
	case info := <-results:
		require.Equal("mtg-2", info.MeetingID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for meeting creation")
	}
}

func TestParseScheduledMissingJoinURL(t *testing.T) {
	require := require.New(t)
	node, err := wire.Parse([]byte(`{"MeetingIdForDisplay": "1234 56 7890"}`))
	require.Nil(err)
	_, err = parseScheduled(node)
	require.Error(err)
	require.IsType(&session.ProtocolViolationError{}, err)
}
