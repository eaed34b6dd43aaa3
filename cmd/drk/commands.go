package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-gateway/ski"
	"github.com/plan-systems/plan-gateway/slab"
	"github.com/plan-systems/plan-gateway/wallet"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the wallet key store and set its password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			if ks.IsInitialized() {
				return ski.ErrCode_AlreadyInitialized.ErrWithMsgf("'%s' already has a password (see passwd, wipe)", ks.Pathname())
			}

			pass, err := readNewPassword("New wallet password: ")
			if err != nil {
				return err
			}
			if err = ks.Init(pass); err != nil {
				return err
			}

			fmt.Printf("initialized %s\n", ks.Pathname())
			return nil
		},
	}
}

func newKeygenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			pubID, err := ks.GenerateKeypair()
			if err != nil {
				return err
			}
			fmt.Println(pubID)
			return nil
		},
	}
}

func newKeyCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the wallet's main public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			if !all {
				pubID, err := ks.MainKey()
				if err != nil {
					return err
				}
				fmt.Println(pubID)
				return nil
			}

			for _, info := range ks.Keys() {
				fmt.Printf("%v  %s\n", info.PubID, info.TimeCreated.Time().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list every key (oldest first) with its creation time")

	return cmd
}

func newCashierKeyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cashier-key [PUBKEY]",
		Short: "Print (or with PUBKEY, set) the cashier's public key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			if len(args) == 1 {
				pubID, err := ski.ParsePubID(args[0])
				if err != nil {
					return err
				}
				return ks.PutCashierPub(pubID)
			}

			pubID, err := ks.CashierPub()
			if err != nil {
				return err
			}
			fmt.Println(pubID)
			return nil
		},
	}
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		payloadFile string
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [PAYLOAD]",
		Short: "Sign and submit a transaction",
		Long: `Signs PAYLOAD (or the contents of --file) with the wallet's main key and publishes it through the gateway.

With --wait, drk then waits for a confirmation of the submitted tx.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case payloadFile != "":
				var err error
				if payload, err = os.ReadFile(payloadFile); err != nil {
					return err
				}
			case len(args) == 1:
				payload = []byte(args[0])
			default:
				return errors.New("no payload given (pass PAYLOAD or --file)")
			}

			pass, err := readPassword("Wallet password: ")
			if err != nil {
				return err
			}

			w, closer, err := opts.openWallet(opts.cfg.Session.Name)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()

			// Watch before submitting so a fast confirmation isn't missed
			var confirms <-chan *slab.Slab
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.cfg.SubmitTimeout+wait)
				defer cancel()
				confirms = w.Watch(ctx, wallet.OfKind(wallet.KindConfirm))
			}

			if err = w.Start(); err != nil {
				return err
			}
			if err = w.Unlock(pass); err != nil {
				return err
			}

			tx, err := w.SubmitTx(ctx, payload)
			if err != nil {
				return err
			}
			fmt.Printf("submitted tx %v as slab %d\n", tx.ID, tx.Seq)

			if confirms == nil {
				return nil
			}

			isConfirm := wallet.Confirms(tx.ID)
			for s := range confirms {
				if isConfirm(s) {
					fmt.Printf("confirmed in slab %d\n", s.Seq)
					return nil
				}
			}
			return errors.Errorf("no confirmation of %v within %v", tx.ID, wait)
		},
	}
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read the payload from this file")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "wait this long for a confirmation")

	return cmd
}

// watch keeps a cursor of its own so that submit never advances past slabs watch hasn't printed.
const watchSessionSuffix = "-watch"

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var kindName string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print slabs from the gateway as they arrive",
		Long: `Prints every slab past the wallet session's cursor, then new slabs as they arrive, until interrupted.

watch keeps its own cursor (separate from submit's), so restarting resumes from where the last watch left off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pred func(*slab.Slab) bool
			switch kindName {
			case "":
			case wallet.KindTx.String():
				pred = wallet.OfKind(wallet.KindTx)
			case wallet.KindConfirm.String():
				pred = wallet.OfKind(wallet.KindConfirm)
			default:
				return errors.Errorf("unknown kind '%s' (want tx or confirm)", kindName)
			}

			w, closer, err := opts.openWallet(opts.cfg.Session.Name + watchSessionSuffix)
			if err != nil {
				return err
			}
			defer closer()

			slabs := w.Watch(context.Background(), pred)
			if err = w.Start(); err != nil {
				return err
			}
			w.AttachInterruptHandler()

			for s := range slabs {
				printSlab(s)
			}

			return w.Session.Err()
		},
	}
	cmd.Flags().StringVarP(&kindName, "kind", "k", "", "only print envelopes of this kind (tx or confirm)")

	return cmd
}

func printSlab(s *slab.Slab) {
	when := s.TimeFS.Time().Format(time.RFC3339)

	env, err := wallet.OpenEnvelope(s)
	if err != nil {
		fmt.Printf("%8d  %s  %v  (%d bytes, not an envelope)\n", s.Seq, when, s.ID, len(s.Payload))
		return
	}

	switch env.Kind {
	case wallet.KindConfirm:
		fmt.Printf("%8d  %s  %v  confirm of %v by %v\n", s.Seq, when, s.ID, env.Ref, env.Signer)
	default:
		fmt.Printf("%8d  %s  %v  %v by %v (%d bytes)\n", s.Seq, when, s.ID, env.Kind, env.Signer, len(env.Payload))
	}
}

func newPasswdCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the wallet password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			oldPass, err := readPassword("Current wallet password: ")
			if err != nil {
				return err
			}
			newPass, err := readNewPassword("New wallet password: ")
			if err != nil {
				return err
			}
			if err = ks.ChangePassword(oldPass, newPass); err != nil {
				return err
			}

			fmt.Println("password changed")
			return nil
		},
	}
}

func newWipeCommand(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Destroy every key in the wallet (irreversible)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("wipe destroys all wallet keys; pass --yes to confirm")
			}

			ks, err := opts.openKeyStore()
			if err != nil {
				return err
			}
			defer ks.Close()

			if err = ks.Wipe(); err != nil {
				return err
			}
			fmt.Printf("wiped %s\n", ks.Pathname())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")

	return cmd
}
