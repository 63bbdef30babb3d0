package commandqueue

import "errors"

// ErrQueueDraining is returned by Enqueue once Drain has been called.
var ErrQueueDraining = errors.New("command queue is draining")
