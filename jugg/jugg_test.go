package jugg

import (
	"testing"

	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/session"
	"github.com/meow-io/go-chime/wire"
	"github.com/stretchr/testify/require"
)

func TestParseHandshake(t *testing.T) {
	require := require.New(t)

	hs, err := parseHandshake([]byte("8744:conn-id-1:60:websocket,flashsocket"))
	require.Nil(err)
	require.Equal("conn-id-1", hs.ConnID)
	require.Equal([]string{"websocket", "flashsocket"}, hs.Protocols)
}

func TestParseHandshakeRejectsMalformed(t *testing.T) {
	require := require.New(t)

	for _, body := range []string{
		"",
		"onlyonepart",
		"a:b:c",
		"a::c:websocket,flash",
		"a:b:c:flash,websocket",
		"a:b:c:websockets,flash",
	} {
		_, err := parseHandshake([]byte(body))
		require.Error(err, "body %q", body)
		require.IsType(&session.ProtocolViolationError{}, err)
	}
}

func newTestBus() *Manager {
	c := config.NewConfig()
	return NewManager(c, nil, func(f func()) { f() }, func() string { return "" }, func(code int, reason string) {})
}

func envelope(channel, eventType, record string) []byte {
	return []byte(`{"channel": "` + channel + `", "eventType": "` + eventType + `", "record": ` + record + `}`)
}

func TestDispatchByChannelAndType(t *testing.T) {
	require := require.New(t)
	m := newTestBus()

	var got []string
	cb := func(ctx interface{}, record wire.Node) bool {
		id, _ := record.String("MessageId")
		got = append(got, ctx.(string)+":"+id)
		return true
	}
	m.Subscribe("chan-1", "RoomMessage", cb, "a")
	m.Subscribe("chan-2", "RoomMessage", cb, "b")
	m.Subscribe("chan-1", "RoomMembership", cb, "c")

	m.dispatch(envelope("chan-1", "RoomMessage", `{"MessageId": "m1"}`))
	m.dispatch(envelope("chan-2", "RoomMessage", `{"MessageId": "m2"}`))
	m.dispatch(envelope("chan-1", "RoomMembership", `{"MessageId": "m3"}`))
	m.dispatch(envelope("chan-3", "RoomMessage", `{"MessageId": "m4"}`))

	require.Equal([]string{"a:m1", "b:m2", "c:m3"}, got)
}

func TestDispatchRegistrationOrder(t *testing.T) {
	require := require.New(t)
	m := newTestBus()

	var got []string
	cb := func(ctx interface{}, record wire.Node) bool {
		got = append(got, ctx.(string))
		return true
	}
	m.Subscribe("chan-1", "RoomMessage", cb, "first")
	m.Subscribe("chan-1", "RoomMessage", cb, "second")
	m.Subscribe("chan-1", "RoomMessage", cb, "third")

	m.dispatch(envelope("chan-1", "RoomMessage", `{}`))
	require.Equal([]string{"first", "second", "third"}, got)
}

func TestDuplicateSubscribeNeverDoubleDelivers(t *testing.T) {
	require := require.New(t)
	m := newTestBus()

	delivered := 0
	cb := func(ctx interface{}, record wire.Node) bool {
		delivered++
		return true
	}
	m.Subscribe("chan-1", "RoomMessage", cb, "ctx")
	m.Subscribe("chan-1", "RoomMessage", cb, "ctx")

	m.dispatch(envelope("chan-1", "RoomMessage", `{}`))
	require.Equal(1, delivered)
}

func TestUnsubscribeByExactIdentity(t *testing.T) {
	require := require.New(t)
	m := newTestBus()

	var got []string
	cb := func(ctx interface{}, record wire.Node) bool {
		got = append(got, ctx.(string))
		return true
	}
	m.Subscribe("chan-1", "RoomMessage", cb, "a")
	m.Subscribe("chan-1", "RoomMessage", cb, "b")

	// Wrong context leaves both registrations in place.
	m.Unsubscribe("chan-1", "RoomMessage", cb, "z")
	m.dispatch(envelope("chan-1", "RoomMessage", `{}`))
	require.Equal([]string{"a", "b"}, got)

	got = nil
	m.Unsubscribe("chan-1", "RoomMessage", cb, "a")
	m.dispatch(envelope("chan-1", "RoomMessage", `{}`))
	require.Equal([]string{"b"}, got)
}

func TestDispatchIgnoresMalformedFrames(t *testing.T) {
	require := require.New(t)
	m := newTestBus()

	delivered := 0
	m.Subscribe("chan-1", "RoomMessage", func(ctx interface{}, record wire.Node) bool {
		delivered++
		return true
	}, nil)

	m.dispatch([]byte("not json"))
	m.dispatch([]byte(`{"eventType": "RoomMessage"}`))
	m.dispatch([]byte(`{"channel": "chan-1"}`))
	require.Equal(0, delivered)
}
