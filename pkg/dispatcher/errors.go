package dispatcher

import "errors"

// ErrEmptyMessage indicates an inbound message with no content.
var ErrEmptyMessage = errors.New("message content is empty")
