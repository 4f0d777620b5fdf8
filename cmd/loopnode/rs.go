package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tolelom/loopnode/rs"
)

// rsCmd implements `loopnode rs` (spec §6): starts a standalone
// RadioStation directory service.
func rsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rs",
		Short: "run the RadioStation channel directory service",
		Run: func(cmd *cobra.Command, args []string) {
			loadEnvFile(cmd)
			runRS(cmd)
		},
	}
	cmd.Flags().IntP("port", "p", 7200, "listen port")
	cmd.Flags().String("cert", "", "TLS cert directory (not read: RS always serves plaintext)")
	cmd.Flags().StringP("config", "o", "", "path to a channel_manage_data.json-style config")
	cmd.Flags().StringP("seed", "s", "", "default seed for GetRandomTable when a caller omits one")
	cmd.Flags().BoolP("debug", "d", false, "enable debug logging")
	return cmd
}

func runRS(cmd *cobra.Command) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	configPath, _ := cmd.Flags().GetString("config")
	var store *rs.Store
	var err error
	if configPath != "" {
		store, err = rs.LoadStore(configPath)
	} else {
		store = rs.NewStore()
	}
	if err != nil {
		fatal(err)
	}

	port, _ := cmd.Flags().GetInt("port")
	srv := rs.NewServer(store)
	if seed, _ := cmd.Flags().GetString("seed"); seed != "" {
		srv.SetDefaultSeed(seed)
	}
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	if err := srv.Start(addr); err != nil {
		fatal(err)
	}
	logrus.WithField("addr", addr).Info("radiostation started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")
	srv.Stop()
}
