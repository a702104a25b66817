// Command novachain is the CLI entry point mapping one-to-one onto spec
// §6's command surface, generalizing the teacher's cmd/synnergy/main.go
// root-command-plus-subcommand-files structure.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"novachain/pkg/config"
)

// The process exit codes mirror spec §6: 0 success, 1 user-facing error, 2 fatal
// internal error.
const (
	exitOK       = 0
	exitUserErr  = 1
	exitFatalErr = 2
)

func main() {
	log := logrus.New()
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.WithError(err).Warn("failed to set GOMAXPROCS from cgroup quota")
	}

	root := &cobra.Command{
		Use:           "novachain",
		Short:         "novachain node command surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("data-dir", "./data", "node data directory")
	root.PersistentFlags().String("config-env", "", "configuration overlay name")

	root.AddCommand(newNodeCmd(log))
	root.AddCommand(newChainCmd(log))
	root.AddCommand(newMempoolCmd(log))
	root.AddCommand(newMiningCmd(log))
	root.AddCommand(newPeerCmd(log))
	root.AddCommand(newWalletCmd(log))
	root.AddCommand(newMaintenanceCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(*userError); ok {
			os.Exit(exitUserErr)
		}
		os.Exit(exitFatalErr)
	}
	os.Exit(exitOK)
}

// userError marks an error as a user-facing failure (exit code 1) rather
// than a fatal internal one (exit code 2), per spec §6.
type userError struct{ err error }

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

func userErr(err error) error {
	if err == nil {
		return nil
	}
	return &userError{err: err}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("config-env")
	return config.Load(env)
}
