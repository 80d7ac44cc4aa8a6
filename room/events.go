package room

import "time"

// A Member is one room participant, keyed by profile id.
type Member struct {
	ID          string
	Email       string
	DisplayName string
	Present     bool
}

// RoomInfo describes a room known from the roster.
type RoomInfo struct {
	ID         string
	Name       string
	Channel    string
	Visibility string
}

// MessageEvent is a fully reconciled message, delivered exactly once per
// message id after backfill, echo suppression and mention decoding.
type MessageEvent struct {
	RoomID     string
	MessageID  string
	Sender     string
	SenderName string
	Text       string
	Outbound   bool
	Mention    bool
	CreatedOn  time.Time
}

// MembershipEvent reports a member joining or changing presence.
type MembershipEvent struct {
	RoomID string
	Member Member
}

type JoinedEvent struct {
	RoomID string
	Name   string
}

type LeftEvent struct {
	RoomID string
}

// SendResultEvent completes a Send call. LocalID is the id Send returned;
// MessageID is the server-assigned id, set only on success.
type SendResultEvent struct {
	RoomID    string
	LocalID   string
	MessageID string
	Err       error
}

// ErrorEvent reports a failed backfill or roster operation for a room.
type ErrorEvent struct {
	RoomID string
	Err    error
}
