package gateway

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/plan-systems/plan-gateway/device"
)

// Config defaults
const (
	DefaultListenNetwork = "tcp"
	DefaultListenAddr    = "127.0.0.1:4444"
	DefaultDataDir       = "~/.config/darkfi/gateway"
	DefaultRetainSlabs   = 10000
	DefaultSubQueueSize  = 64
)

// Config is the gatewayd config file (gatewayd.toml).
type Config struct {

	// ListenNetwork and ListenAddr are where the grpc service listens ("tcp", "127.0.0.1:4444")
	ListenNetwork string
	ListenAddr    string

	// MetricsAddr, if set, is where prometheus metrics are served (at /metrics)
	MetricsAddr string

	// DataDir holds the replay log
	DataDir string

	Broker BrokerConfig
}

// BrokerConfig are the params a Broker runs with.
type BrokerConfig struct {

	// RetainSlabs is how many of the most recent slabs the replay log keeps.  Zero means unbounded.
	RetainSlabs uint64

	// SubQueueSize is the number of live slabs buffered per subscriber before it falls back to reading the log.
	SubQueueSize int

	// InMemory runs the replay log without touching disk (for tests)
	InMemory bool `toml:"-"`
}

// FixupAndValidate applies defaults to unset config entries and validates the rest.
func (c *Config) FixupAndValidate() error {
	if c.ListenNetwork == "" {
		c.ListenNetwork = DefaultListenNetwork
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	var err error
	if c.DataDir, err = device.ExpandPath(c.DataDir); err != nil {
		return ErrCode_BadConfig.Wrap(err)
	}

	return c.Broker.FixupAndValidate()
}

// FixupAndValidate applies defaults to unset broker params.
func (c *BrokerConfig) FixupAndValidate() error {
	if c.SubQueueSize < 0 {
		return ErrCode_BadConfig.ErrWithMsgf("SubQueueSize must be positive (got %d)", c.SubQueueSize)
	}
	if c.SubQueueSize == 0 {
		c.SubQueueSize = DefaultSubQueueSize
	}
	return nil
}

// ReplayLogPath returns the pathname of the replay log db.
func (c *Config) ReplayLogPath() string {
	return filepath.Join(c.DataDir, "replay.db")
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Broker: BrokerConfig{
			RetainSlabs: DefaultRetainSlabs,
		},
	}
	cfg.FixupAndValidate()
	return cfg
}

// Load parses and validates the given TOML config.
//
// RetainSlabs defaults to DefaultRetainSlabs only when the key is absent, so an explicit 0 keeps every slab.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)

	meta, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, ErrCode_BadConfig.Wrap(err)
	}
	if !meta.IsDefined("Broker", "RetainSlabs") {
		cfg.Broker.RetainSlabs = DefaultRetainSlabs
	}
	if err = cfg.FixupAndValidate(); err != nil {
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
