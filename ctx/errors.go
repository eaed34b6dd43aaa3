package ctx

type ctxErr struct{ msg string }

func (err *ctxErr) Error() string {
	return err.msg
}

// Errors
var (
	// ErrCtxNotRunning is returned by CtxStatus() before CtxStart() has been called.
	ErrCtxNotRunning = &ctxErr{"context not running"}

	// ErrCtxAlreadyRunning is returned by CtxStart() on a Context that has already been started.
	ErrCtxAlreadyRunning = &ctxErr{"context already running"}
)
