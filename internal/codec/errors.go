package codec

import (
	"errors"
	"fmt"

	"github.com/example/ride-protocol/internal/models"
)

var (
	// ErrIDMismatch is returned when an event's id does not equal the
	// hash of its canonical serialization.
	ErrIDMismatch = errors.New("event id does not match canonical hash")

	// ErrBadSignature is returned when an event's signature does not
	// verify against its author key.
	ErrBadSignature = errors.New("event signature invalid")
)

// DecodeError reports a malformed or out-of-protocol event body. The
// event is discarded; nothing here is fatal to the pipeline.
type DecodeError struct {
	Kind   models.Kind
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %s: %s", e.Kind, e.Field, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }
