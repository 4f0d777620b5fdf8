package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tolelom/loopnode/score"
)

// scoreCmd implements `loopnode score` (spec §6): starts a standalone
// score service process for one channel's score package. Real SCORE
// execution is out of scope (spec §1's Non-goals); this launches
// score.NewEchoClient behind score.Server so the channel's Query/Invoke
// path has a real process to call.
func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "run a standalone score service process",
		Run: func(cmd *cobra.Command, args []string) {
			loadEnvFile(cmd)
			runScore(cmd)
		},
	}
	cmd.Flags().String("channel", "", "channel this score service serves")
	cmd.Flags().String("score_package", "", "score package name (logged, not executed)")
	cmd.Flags().String("peer_target", "", "owning peer's address, for logging")
	cmd.Flags().IntP("port", "p", 7300, "listen port")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("score_package")
	return cmd
}

func runScore(cmd *cobra.Command) {
	channel, _ := cmd.Flags().GetString("channel")
	pkg, _ := cmd.Flags().GetString("score_package")
	peerTarget, _ := cmd.Flags().GetString("peer_target")
	port, _ := cmd.Flags().GetInt("port")

	log := logrus.WithFields(logrus.Fields{
		"channel":       channel,
		"score_package": pkg,
		"peer_target":   peerTarget,
	})

	srv := score.NewServer(channel, score.NewEchoClient())
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	if err := srv.Start(addr); err != nil {
		fatal(err)
	}
	log.WithField("addr", addr).Info("score service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	srv.Stop()
}
