package chime

import "time"

// An event indicating the connection is registered, the push channel is
// up and the room roster is loaded.
type Connected struct {
	Account string
}

// An event indicating connection setup or the session itself failed. Kind
// is one of "network", "request-failed", "bad-response", "parse",
// "protocol-violation" or "unknown".
type ConnectionError struct {
	Kind    string
	Message string
}

// An event carrying one fully reconciled room message.
type MessageReceived struct {
	RoomID     string
	MessageID  string
	Sender     string
	SenderName string
	Text       string
	Outbound   bool
	Mention    bool
	Time       time.Time
}

// An event indicating a member joined a room or changed presence.
type MembershipChanged struct {
	RoomID      string
	MemberID    string
	Email       string
	DisplayName string
	Present     bool
}

type RoomJoined struct {
	RoomID string
	Name   string
}

type RoomLeft struct {
	RoomID string
}

// An event completing a SendMessage call. LocalID matches the id
// SendMessage returned.
type SendResult struct {
	RoomID    string
	LocalID   string
	MessageID string
	Err       error
}

// An event carrying the result of LookupMeetingByPin.
type MeetingInfo struct {
	MeetingID           string
	MeetingIDForDisplay string
	JoinURL             string
	Passcode            string
	Err                 error
}

// An event carrying the result of CreateMeeting.
type MeetingCreated struct {
	MeetingID           string
	MeetingIDForDisplay string
	JoinURL             string
	Passcode            string
	Err                 error
}

// An event carrying the result of ScheduleMeeting. Invite is a rendered
// plain-text invitation body.
type ScheduledMeeting struct {
	MeetingIDForDisplay string
	JoinURL             string
	Passcode            string
	Invite              string
	Err                 error
}

// An event indicating the push channel closed. There is no automatic
// reconnect; the caller decides whether to Connect again.
type PushClosed struct {
	Code   int
	Reason string
}
