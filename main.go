package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"keysign/config"
)

func main() {
	// .env values never override variables already set in the environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCommand()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		stop()
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. cleanup closes whatever the
// selected command opened.
func newRootCommand() (*cobra.Command, func()) {
	var flags globalFlags
	var a *app

	root := &cobra.Command{
		Use:           "keysign",
		Short:         "Exchange and sign OpenPGP keys with people nearby",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opened, err := openApp(flags)
			if err != nil {
				return err
			}
			a = opened
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (env "+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: console|json")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	appFn := func() *app { return a }
	root.AddCommand(
		newKeysCommand(appFn),
		newPresentCommand(appFn),
		newReceiveCommand(appFn),
		newFetchCommand(appFn),
		newHistoryCommand(appFn),
		newDisableCommand(appFn),
		newEnableCommand(appFn),
	)
	cleanup := func() {
		if a == nil {
			return
		}
		if err := a.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
	return root, cleanup
}
