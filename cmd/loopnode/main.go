// Command loopnode is the node launcher: spec §6's
// peer|rs|score|admin|tool surface, replacing the teacher's single
// hand-rolled flag.FlagSet in cmd/node/main.go with cobra subcommands
// (github.com/spf13/cobra, carried from the orbas1-Synnergy dependency
// tree per SPEC_FULL.md's DOMAIN STACK).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "loopnode",
		Short: "loopnode channel-based block-agreement engine",
	}
	root.PersistentFlags().String("env-file", "", "optional .env file to load before reading config")
	root.AddCommand(peerCmd())
	root.AddCommand(rsCmd())
	root.AddCommand(scoreCmd())
	root.AddCommand(adminCmd())
	root.AddCommand(toolCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads the --env-file flag's target, if set, before any
// config.Load call — local-dev convenience per SPEC_FULL.md's AMBIENT
// STACK section.
func loadEnvFile(cmd *cobra.Command) {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		logrus.WithError(err).Fatal("load env file")
	}
}

func fatal(err error) {
	logrus.WithError(err).Fatal("loopnode")
}
