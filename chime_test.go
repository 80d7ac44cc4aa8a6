package chime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/meow-io/go-chime/config"
	"github.com/stretchr/testify/require"
)

// testServer fakes enough of the service for a full connection: device
// registration, the two-phase websocket bootstrap, the room roster and
// one room's backfill and send endpoints.
type testServer struct {
	srv     *httptest.Server
	done    chan struct{}
	wsConns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		done:    make(chan struct{}),
		wsConns: make(chan *websocket.Conn, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		base := ts.srv.URL
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"Session": {
				"SessionToken": "tok1",
				"Profile": {"id": "profile-1", "profile_channel": "profile-chan", "display_name": "Test User"},
				"Device": {"DeviceId": "device-1", "Channel": "device-chan"},
				"ServiceConfig": {
					"Profile": {"RestUrl": "%s/profile"},
					"Presence": {"RestUrl": "%s/presence"},
					"Contacts": {"RestUrl": "%s/contacts"},
					"Messaging": {"RestUrl": "%s/messaging"},
					"Conference": {"RestUrl": "%s/conference"},
					"Push": {"ReachabilityUrl": "%s/reach", "WebsocketUrl": "%s/push"}
				}
			}
		}`, base, base, base, base, base, base, base)
	})
	mux.HandleFunc("/push/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "8744:conn-1:60:websocket,flashsocket")
	})
	mux.HandleFunc("/push/1/websocket/conn-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"websocket"},
		})
		if err != nil {
			t.Errorf("websocket accept: %v", err)
			return
		}
		select {
		case ts.wsConns <- conn:
		case <-ts.done:
			return
		}
		<-ts.done
	})
	mux.HandleFunc("/messaging/rooms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Rooms": [{"RoomId": "r1", "Name": "General", "Channel": "room-chan-1"}]}`)
	})
	mux.HandleFunc("/messaging/rooms/r1/memberships", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"RoomMemberships": [
			{"Presence": "present", "Member": {"ProfileId": "profile-1", "Email": "me@example.com", "DisplayName": "Test User"}},
			{"Presence": "present", "Member": {"ProfileId": "profile-2", "Email": "bob@example.com", "DisplayName": "Bob Jones"}}
		]}`)
	})
	mux.HandleFunc("/messaging/rooms/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"Message": {"MessageId": "m-sent", "RoomId": "r1", "Sender": "profile-1", "Content": "hello all", "CreatedOn": "2017-10-02T15:00:10Z"}}`)
			return
		}
		fmt.Fprint(w, `{"Messages": [{"MessageId": "m1", "RoomId": "r1", "Sender": "profile-2", "Content": "backfilled", "CreatedOn": "2017-10-02T15:00:00Z"}]}`)
	})

	ts.srv = httptest.NewServer(mux)
	return ts
}

func (ts *testServer) close() {
	close(ts.done)
	ts.srv.Close()
}

// pushFrame writes one event envelope over the accepted websocket.
func (ts *testServer) pushFrame(t *testing.T, frame string) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.wsConns:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.Nil(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func waitUpdate(t *testing.T, updates chan interface{}, match func(interface{}) bool) interface{} {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case u := <-updates:
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
			return nil
		}
	}
}

func TestConnectJoinSendAndReceive(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	defer ts.close()

	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithSigninURL(ts.srv.URL),
	)
	client, err := NewChime(c)
	require.Nil(err)

	require.Nil(client.Login("bob@example.com", "account-token"))
	connected := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*Connected)
		return ok
	}).(*Connected)
	require.Equal("bob@example.com", connected.Account)
	require.True(client.Running())

	rooms, err := client.Rooms()
	require.Nil(err)
	require.Len(rooms, 1)
	require.Equal("General", rooms[0].Name)

	require.Nil(client.JoinRoom("r1"))
	joined := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*RoomJoined)
		return ok
	}).(*RoomJoined)
	require.Equal("General", joined.Name)

	backfilled := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*MessageReceived)
		return ok
	}).(*MessageReceived)
	require.Equal("m1", backfilled.MessageID)
	require.Equal("Bob Jones", backfilled.SenderName)
	require.False(backfilled.Outbound)

	localID, err := client.SendMessage("r1", "hello all")
	require.Nil(err)
	require.NotEmpty(localID)
	result := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*SendResult)
		return ok
	}).(*SendResult)
	require.Equal(localID, result.LocalID)
	require.Equal("m-sent", result.MessageID)
	require.Nil(result.Err)

	// A live message pushed over the websocket reaches the surface.
	conn := ts.pushFrame(t, `{"channel": "room-chan-1", "eventType": "RoomMessage", "record":
		{"MessageId": "m-live", "RoomId": "r1", "Sender": "profile-2", "Content": "over the wire", "CreatedOn": "2017-10-02T15:00:20Z"}}`)
	live := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		m, ok := u.(*MessageReceived)
		return ok && m.MessageID == "m-live"
	}).(*MessageReceived)
	require.Equal("over the wire", live.Text)

	// Server-side close surfaces as PushClosed; no reconnect is
	// attempted.
	require.Nil(conn.Close(websocket.StatusNormalClosure, "going away"))
	closed := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*PushClosed)
		return ok
	}).(*PushClosed)
	require.Equal(int(websocket.StatusNormalClosure), closed.Code)

	require.Nil(client.Shutdown())
}

func TestLoginFailureSurfacesConnectionError(t *testing.T) {
	require := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Registration response with no Profile id.
		fmt.Fprint(w, `{"Session": {"SessionToken": "tok1", "Profile": {}, "Device": {}}}`)
	}))
	defer srv.Close()

	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithSigninURL(srv.URL),
	)
	client, err := NewChime(c)
	require.Nil(err)

	require.Nil(client.Login("bob@example.com", "account-token"))
	connErr := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*ConnectionError)
		return ok
	}).(*ConnectionError)
	require.Equal("protocol-violation", connErr.Kind)

	// The client is reusable after a failed login.
	require.False(client.Running())
	require.Nil(client.Shutdown())
}

// A registration rejected outright must carry the HTTP failure's category
// through the wrapping on the way to the surface.
func TestLoginRejectionReportsRequestFailedKind(t *testing.T) {
	require := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithSigninURL(srv.URL),
	)
	client, err := NewChime(c)
	require.Nil(err)

	require.Nil(client.Login("bob@example.com", "account-token"))
	connErr := waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*ConnectionError)
		return ok
	}).(*ConnectionError)
	require.Equal("request-failed", connErr.Kind)
	require.Nil(client.Shutdown())
}

func TestLogoutTearsDownAndAllowsRelogin(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	defer ts.close()

	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithSigninURL(ts.srv.URL),
	)
	client, err := NewChime(c)
	require.Nil(err)

	require.Nil(client.Login("bob@example.com", "account-token"))
	waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*Connected)
		return ok
	})

	require.Nil(client.Logout())
	require.False(client.Running())

	require.Nil(client.Login("bob@example.com", "account-token"))
	waitUpdate(t, client.Updates(), func(u interface{}) bool {
		_, ok := u.(*Connected)
		return ok
	})
	require.Nil(client.Shutdown())
}
