package vehicle

import "errors"

var (
	// ErrTransientUI covers missing elements and short UI timeouts.
	ErrTransientUI = errors.New("transient ui error")
	// ErrFatalAuth aborts the whole run.
	ErrFatalAuth       = errors.New("authentication failed")
	ErrDataIncomplete  = errors.New("incomplete data")
	ErrExternalService = errors.New("external service error")
	ErrUnreachable     = errors.New("unreachable")
	ErrUnauthorized    = errors.New("unauthorized")
)
