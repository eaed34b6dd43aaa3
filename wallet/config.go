package wallet

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/plan-systems/plan-gateway/device"
	"github.com/plan-systems/plan-gateway/session"
	"github.com/plan-systems/plan-gateway/ski"
)

// Config defaults
const (
	DefaultWalletPath    = "~/.config/darkfi/wallet.db"
	DefaultCursorPath    = "~/.config/darkfi/cursors.db"
	DefaultGatewayAddr   = "127.0.0.1:4444"
	DefaultSessionName   = "drk"
	DefaultSubmitTimeout = 10 * time.Second
)

// Config is the drk config file (drk.toml).
//
//	WalletPath    = "~/.config/darkfi/wallet.db"
//	CursorPath    = "~/.config/darkfi/cursors.db"
//	GatewayAddr   = "127.0.0.1:4444"
//	SubmitTimeout = "10s"
//
//	[KDF]
//	Time      = 3
//	MemoryKiB = 65536
//	Threads   = 4
//
//	[Session]
//	Name           = "drk"
//	InitialBackoff = "250ms"
//	MaxBackoff     = "30s"
type Config struct {

	// WalletPath is the key store db
	WalletPath string

	// CursorPath is where the wallet's gateway session keeps its cursor
	CursorPath string

	// GatewayAddr is the grpc target of the gateway
	GatewayAddr string

	// SubmitTimeout bounds how long Submit() waits for the session to go Live and for the publish to complete.
	SubmitTimeout time.Duration

	// KDF sets the cost of deriving the store key from the wallet password (only read by Init).
	KDF ski.KDFParams

	Session session.Config
}

// FixupAndValidate applies defaults to unset config entries and expands paths.
func (c *Config) FixupAndValidate() error {
	if c.WalletPath == "" {
		c.WalletPath = DefaultWalletPath
	}
	if c.CursorPath == "" {
		c.CursorPath = DefaultCursorPath
	}
	if c.GatewayAddr == "" {
		c.GatewayAddr = DefaultGatewayAddr
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}

	if c.KDF.Time == 0 {
		c.KDF.Time = ski.DefaultKDFParams.Time
	}
	if c.KDF.MemoryKiB == 0 {
		c.KDF.MemoryKiB = ski.DefaultKDFParams.MemoryKiB
	}
	if c.KDF.Threads == 0 {
		c.KDF.Threads = ski.DefaultKDFParams.Threads
	}

	var err error
	if c.WalletPath != ":memory:" {
		if c.WalletPath, err = device.ExpandPath(c.WalletPath); err != nil {
			return ErrCode_BadConfig.Wrap(err)
		}
	}
	if c.CursorPath, err = device.ExpandPath(c.CursorPath); err != nil {
		return ErrCode_BadConfig.Wrap(err)
	}

	if c.Session.Name == "" {
		c.Session.Name = DefaultSessionName
	}
	if err = c.Session.FixupAndValidate(); err != nil {
		return ErrCode_BadConfig.Wrap(err)
	}
	return nil
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Session: session.DefaultConfig(DefaultSessionName),
	}
	cfg.FixupAndValidate()
	return cfg
}

// Load parses and validates the given TOML config.
func Load(b []byte) (*Config, error) {
	cfg := &Config{
		Session: session.DefaultConfig(DefaultSessionName),
	}
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, ErrCode_BadConfig.Wrap(err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the given config file.
func LoadFile(pathname string) (*Config, error) {
	expanded, err := device.ExpandPath(pathname)
	if err != nil {
		return nil, ErrCode_BadConfig.Wrap(err)
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, ErrCode_BadConfig.Wrap(err)
	}
	return Load(b)
}
