package rundown

import "errors"

// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for the broadcast transport
var (
	ErrChannelClosed      = errors.New("broadcast channel closed")
	ErrChannelNotReady    = errors.New("broadcast channel not subscribed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionExpired     = errors.New("session expired")
)

// used for saves and the version reconciler
var (
	ErrSaveTimeout      = errors.New("save timed out")
	ErrVersionMismatch  = errors.New("document version mismatch")
	ErrDocumentNotFound = errors.New("document not found")
)

// used for ordering keys
var (
	ErrOrderingAnomaly = errors.New("ordering keys out of order")
)

// used for three-way merge
var (
	ErrUnresolvedConflict = errors.New("merge conflict not resolved")
)
