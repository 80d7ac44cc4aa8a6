package session

import (
	"errors"
	"fmt"
)

// NetworkError is a transport or connection-level failure. It is fatal to
// the session that produced it.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RequestFailedError is a non-auth HTTP failure, surfaced only to the
// caller of the failing request.
type RequestFailedError struct {
	Status int
	Reason string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Reason)
}

// BadResponseError indicates the server sent a non-JSON response body.
type BadResponseError struct {
	ContentType string
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("server sent wrong content-type '%s'", e.ContentType)
}

// ParseError indicates the server sent a malformed JSON body.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError indicates a required field or handshake invariant
// was missing from a server response. The client cannot safely proceed
// past it.
type ProtocolViolationError struct {
	Field string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: missing or malformed %s", e.Field)
}

// Kind names the error category for reporting to the host surface. The
// error may be wrapped arbitrarily deep by the path that raised it.
func Kind(err error) string {
	var (
		network  *NetworkError
		failed   *RequestFailedError
		badResp  *BadResponseError
		parse    *ParseError
		protocol *ProtocolViolationError
	)
	switch {
	case errors.As(err, &network):
		return "network"
	case errors.As(err, &failed):
		return "request-failed"
	case errors.As(err, &badResp):
		return "bad-response"
	case errors.As(err, &parse):
		return "parse"
	case errors.As(err, &protocol):
		return "protocol-violation"
	default:
		return "unknown"
	}
}
