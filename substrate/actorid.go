package substrate

import (
	"errors"

	"github.com/google/uuid"
)

var errClosed = errors.New("document is closed")

// newActorID mints a process-stable actor id. Any opaque unique string
// satisfies spec.md's ActorId contract; uuid.NewString is the natural
// idiomatic-Go choice for "unique identifier for this process lifetime".
func newActorID() string {
	return uuid.NewString()
}
