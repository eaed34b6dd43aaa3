package session

import (
	"time"
)

// Config defaults
const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffJitter  = 0.2
)

// Config are the params a Session runs with.
type Config struct {

	// Name identifies the session's cursor in its CursorStore (and labels its log entries)
	Name string

	// InitialBackoff is the wait before the first reconnect; each further attempt doubles it, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffJitter randomizes each wait by up to this fraction (0.2 => +/- 20%)
	BackoffJitter float64

	// MaxRetries is how many consecutive failed connection attempts are tolerated before the session stops
	// with Unreachable.  Zero retries forever.
	MaxRetries int
}

// FixupAndValidate applies defaults to unset params.
func (c *Config) FixupAndValidate() error {
	if c.Name == "" {
		return ErrCode_UnnamedErr.ErrWithMsg("session Name not set")
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return ErrCode_UnnamedErr.ErrWithMsgf("BackoffJitter must be in [0, 1) (got %v)", c.BackoffJitter)
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}

// DefaultConfig returns a Config for the named session with all defaults set.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		BackoffJitter:  DefaultBackoffJitter,
	}
}
