package slab

type slabErr struct{ msg string }

func (err *slabErr) Error() string {
	return err.msg
}

// Errors
var (
	// ErrMalformed means a slab failed to decode (or was nil)
	ErrMalformed = &slabErr{"malformed slab"}

	// ErrIDMismatch means a slab's ID doesn't match the hash of its payload
	ErrIDMismatch = &slabErr{"slab ID does not match payload"}
)
