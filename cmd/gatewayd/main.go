package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/device"
	"github.com/plan-systems/plan-gateway/gateway"
)

const defaultConfigPath = "~/.config/darkfi/gatewayd.toml"

func main() {
	ctx.InitFlags(nil)

	err := newRootCommand().Execute()
	ctx.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		overrides  gateway.Config
		retain     uint64
	)

	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Gateway relay daemon",
		Long: `gatewayd relays slabs between the node, cashier, and wallet daemons.

Every published slab is appended to a bounded replay log and fanned out to all subscribed sessions.
A session that reconnects resumes from its cursor; one that has fallen behind the retained window
must resync from a snapshot.`,
		Example: `  # Run with the default config (~/.config/darkfi/gatewayd.toml, if present)
  gatewayd

  # Listen on all interfaces and keep the last 100k slabs
  gatewayd --listen 0.0.0.0:4444 --retain 100000 -v 1`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			if overrides.ListenAddr != "" {
				cfg.ListenAddr = overrides.ListenAddr
			}
			if overrides.MetricsAddr != "" {
				cfg.MetricsAddr = overrides.MetricsAddr
			}
			if overrides.DataDir != "" {
				cfg.DataDir = overrides.DataDir
			}
			if cmd.Flags().Changed("retain") {
				cfg.Broker.RetainSlabs = retain
			}
			if err = cfg.FixupAndValidate(); err != nil {
				return err
			}

			gd := NewGatewayd(cfg)
			if err = gd.Start(); err != nil {
				return err
			}
			gd.AttachInterruptHandler()
			gd.CtxWait()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file")
	cmd.Flags().StringVar(&overrides.ListenAddr, "listen", "", "grpc listen address (overrides ListenAddr)")
	cmd.Flags().StringVar(&overrides.MetricsAddr, "metrics", "", "serve prometheus metrics on this address (overrides MetricsAddr)")
	cmd.Flags().StringVar(&overrides.DataDir, "data-dir", "", "replay log directory (overrides DataDir)")
	cmd.Flags().Uint64Var(&retain, "retain", gateway.DefaultRetainSlabs, "number of slabs the replay log retains (0 keeps all)")

	// klog's -v, -logtostderr, etc.
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

// loadConfig loads the given config file, falling back to defaults if it doesn't exist and wasn't asked for explicitly.
func loadConfig(configPath string, explicit bool) (*gateway.Config, error) {
	cfg, err := gateway.LoadFile(configPath)
	if err == nil {
		return cfg, nil
	}
	if !explicit {
		if expanded, _ := device.ExpandPath(configPath); expanded != "" {
			if _, statErr := os.Stat(expanded); os.IsNotExist(statErr) {
				return gateway.DefaultConfig(), nil
			}
		}
	}
	return nil, err
}
