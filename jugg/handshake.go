package jugg

import (
	"strings"

	"github.com/meow-io/go-chime/session"
)

// A handshake holds the result of the phase-1 bootstrap call. The server
// answers with a colon-delimited line whose second component is the
// connection id and whose fourth is a comma-separated protocol list which
// must begin with "websocket".
type handshake struct {
	ConnID    string
	Protocols []string
}

func parseHandshake(body []byte) (*handshake, error) {
	parts := strings.SplitN(string(body), ":", 4)
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return nil, &session.ProtocolViolationError{Field: "websocket setup response"}
	}
	if !strings.HasPrefix(parts[3], "websocket,") {
		return nil, &session.ProtocolViolationError{Field: "websocket setup protocol list"}
	}
	return &handshake{
		ConnID:    parts[1],
		Protocols: strings.Split(parts[3], ","),
	}, nil
}
