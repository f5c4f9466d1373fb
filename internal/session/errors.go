package session

import "errors"

var (
	// ErrNoSession is returned when no session view is mounted.
	ErrNoSession = errors.New("no session mounted")

	ErrRecapUnavailable = errors.New("recaps are not configured")
	ErrCallInProgress   = errors.New("call still in progress")
)
