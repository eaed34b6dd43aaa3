package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/device"
	"github.com/plan-systems/plan-gateway/gateway"
	"github.com/plan-systems/plan-gateway/session"
	"github.com/plan-systems/plan-gateway/ski"
	"github.com/plan-systems/plan-gateway/wallet"
)

const (
	defaultConfigPath = "~/.config/darkfi/drk.toml"

	// passwordEnv, if set, is used instead of prompting for the wallet password.
	passwordEnv = "DRK_PASSWORD"
)

var stdin = bufio.NewReader(os.Stdin)

func main() {
	ctx.InitFlags(nil)

	err := newRootCommand().Execute()
	ctx.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every drk command.
type rootOptions struct {
	configPath string
	cfg        *wallet.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "drk",
		Short: "Wallet client",
		Long: `drk manages the wallet's encrypted key store and submits signed transactions through the gateway.

The wallet password is read from $` + passwordEnv + ` if set, otherwise it is prompted for.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			opts.cfg, err = loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			return err
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file")

	// klog's -v, -logtostderr, etc.
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(
		newInitCommand(opts),
		newKeygenCommand(opts),
		newKeyCommand(opts),
		newCashierKeyCommand(opts),
		newSubmitCommand(opts),
		newWatchCommand(opts),
		newPasswdCommand(opts),
		newWipeCommand(opts),
	)

	return cmd
}

// loadConfig loads the given config file, falling back to defaults if it doesn't exist and wasn't asked for explicitly.
func loadConfig(configPath string, explicit bool) (*wallet.Config, error) {
	cfg, err := wallet.LoadFile(configPath)
	if err == nil {
		return cfg, nil
	}
	if !explicit {
		if expanded, _ := device.ExpandPath(configPath); expanded != "" {
			if _, statErr := os.Stat(expanded); os.IsNotExist(statErr) {
				return wallet.DefaultConfig(), nil
			}
		}
	}
	return nil, err
}

func (opts *rootOptions) openKeyStore() (*ski.KeyStore, error) {
	return ski.Open(opts.cfg.WalletPath, opts.cfg.KDF)
}

// openWallet opens the key store and cursor db and returns a wallet whose gateway session is named sessionName.
// The wallet is not started: callers register any Watch first so that no backlog slab goes unseen.
//
// The returned func stops the wallet and closes everything it opened.
func (opts *rootOptions) openWallet(sessionName string) (*wallet.Wallet, func(), error) {
	cfg := opts.cfg

	ks, err := opts.openKeyStore()
	if err != nil {
		return nil, nil, err
	}

	cursors, err := session.OpenBoltCursorStore(cfg.CursorPath)
	if err != nil {
		ks.Close()
		return nil, nil, err
	}

	sessCfg := cfg.Session
	sessCfg.Name = sessionName
	sess := session.New(sessCfg, gateway.GrpcDialer(cfg.GatewayAddr), cursors)
	w := wallet.New(cfg, ks, sess)

	closer := func() {
		w.CtxStop("drk done", nil)
		w.CtxWait()
		cursors.Close()
		ks.Close()
	}
	return w, closer, nil
}

// readPassword returns the wallet password from $DRK_PASSWORD or else prompts for it.
func readPassword(prompt string) ([]byte, error) {
	if pass, ok := os.LookupEnv(passwordEnv); ok {
		return []byte(pass), nil
	}

	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read password")
		}
		return pass, nil
	}

	line, err := stdin.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, errors.Wrap(err, "failed to read password")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// readNewPassword prompts for a new password twice (unless $DRK_PASSWORD is set).
func readNewPassword(prompt string) ([]byte, error) {
	pass, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	if _, ok := os.LookupEnv(passwordEnv); ok {
		return pass, nil
	}
	if len(pass) == 0 {
		return nil, errors.New("password cannot be empty")
	}

	again, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pass, again) {
		return nil, errors.New("passwords do not match")
	}
	return pass, nil
}
