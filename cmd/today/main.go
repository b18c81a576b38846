// Package main is the today command: a local-first task and time tracker
// that replays offline changes to a remote backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	remote     string
	user       string
	json       bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "today",
		Short:         "Today - offline-first tasks and time tracking",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default $TODAY_CONFIG or ./today.yaml)")
	pf.StringVar(&flags.remote, "remote", "", "remote backend: memory or postgres (overrides config)")
	pf.StringVar(&flags.user, "user", "", "signed-in user id (overrides config)")
	pf.BoolVar(&flags.json, "json", false, "print results as JSON")

	root.AddCommand(
		taskCmd(flags),
		timerCmd(flags),
		entryCmd(flags),
		syncCmd(flags),
		pullCmd(flags),
		statusCmd(flags),
		queueCmd(flags),
		exportCmd(flags),
		importCmd(flags),
		migrateLegacyCmd(flags),
		remoteCmd(flags),
		daemonCmd(flags),
	)
	return root
}
