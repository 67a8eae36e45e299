package bus

import "errors"

// ErrClosed is returned by Publish/Subscribe once the client has been
// closed.
var ErrClosed = errors.New("bus: client closed")
