package card

import "errors"

var (
	// ErrNotAuthorized is returned by writes before a successful
	// Authenticate. Nothing was sent to the card.
	ErrNotAuthorized = errors.New("card session not authenticated")

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("card session closed")
)
