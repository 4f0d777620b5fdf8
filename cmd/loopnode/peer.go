package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tolelom/loopnode/config"
	"github.com/tolelom/loopnode/node"
)

// peerCmd implements `loopnode peer` (spec §6): boots a node.Service and
// blocks until SIGINT/SIGTERM.
func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "run this process as a channel peer",
		Run: func(cmd *cobra.Command, args []string) {
			loadEnvFile(cmd)
			runPeer(cmd)
		},
	}
	cmd.Flags().IntP("port", "p", 0, "outer (inter-peer) listen port, overrides config")
	cmd.Flags().StringP("rs-target", "r", "", "RadioStation address (host:port), overrides config")
	cmd.Flags().StringP("config", "o", "", "path to JSON config file")
	cmd.Flags().BoolP("debug", "d", false, "enable debug logging")
	cmd.Flags().StringP("kms-pin", "a", "", "PIN for a KMS-backed key source")
	return cmd
}

func runPeer(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fatal(err)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.LogLevel = "debug"
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.OuterAddr = fmt.Sprintf("0.0.0.0:%d", port)
	}
	if rsTarget, _ := cmd.Flags().GetString("rs-target"); rsTarget != "" {
		cfg.RSAddr = rsTarget
	}
	if pin, _ := cmd.Flags().GetString("kms-pin"); pin != "" {
		os.Setenv("LOOPCHAIN_KEY_PASSWORD", pin)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	svc, err := node.New(cfg)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Run(ctx); err != nil {
		fatal(err)
	}
	logrus.WithField("node_id", cfg.NodeID).Info("loopnode peer started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")
	svc.Stop()
}
