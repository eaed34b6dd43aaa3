package bufs

type encodingErr struct {
	msg string
}

func (err *encodingErr) Error() string {
	return err.msg
}

// Errors
var (
	// ErrSyntax is returned when decoding a malformed hex string
	ErrSyntax = &encodingErr{"invalid hex string"}

	// ErrTooLarge is returned when decoding a CBOR item larger than MaxCBORSize
	ErrTooLarge = &encodingErr{"cbor item too large"}
)
