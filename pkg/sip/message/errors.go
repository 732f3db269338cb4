package message

import "errors"

var (
	// Parser errors
	ErrInvalidMessage     = errors.New("invalid SIP message")
	ErrInvalidRequestLine = errors.New("invalid request line")
	ErrInvalidStatusLine  = errors.New("invalid status line")
	ErrInvalidHeader      = errors.New("invalid header format")
	ErrInvalidSIPVersion  = errors.New("invalid SIP version")
	ErrInvalidStatusCode  = errors.New("invalid status code")
	ErrInvalidURI         = errors.New("invalid URI")
	ErrInvalidCSeq        = errors.New("invalid CSeq header")

	// Validation errors
	ErrMissingHeader = errors.New("missing required header")

	// Size errors
	ErrMessageTooLarge = errors.New("message too large")
	ErrHeaderTooLarge  = errors.New("header too large")
	ErrTooManyHeaders  = errors.New("too many headers")

	// Auth errors
	ErrNoChallenge  = errors.New("no authentication challenge in response")
	ErrBadChallenge = errors.New("malformed authentication challenge")
)
