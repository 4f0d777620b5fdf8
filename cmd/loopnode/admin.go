package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tolelom/loopnode/rs"
)

// adminCmd implements `loopnode admin` (spec §6): an interactive REPL
// driving a RadioStation's channel/peer membership and restart ops
// through rs.Client, in place of the RS admin terminal UI itself
// (out of scope per spec §1's Non-goals).
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "interactive RadioStation admin REPL",
		Run: func(cmd *cobra.Command, args []string) {
			loadEnvFile(cmd)
			runAdmin(cmd)
		},
	}
	cmd.Flags().String("rs-target", "127.0.0.1:7200", "RadioStation address")
	return cmd
}

func runAdmin(cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("rs-target")
	client := rs.NewClient(addr)

	fmt.Printf("loopnode admin — connected to %s\n", addr)
	fmt.Println("commands: list | peers <channel> | add <channel> <peer_id> <host> <port> | remove <channel> <peer_id> | restart <channel> | help | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("admin> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			fmt.Println("commands: list | peers <channel> | add <channel> <peer_id> <host> <port> | remove <channel> <peer_id> | restart <channel> | quit")
		case "list":
			infos, err := client.GetChannelInfos()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, ci := range infos {
				fmt.Printf("%s: %d peer(s)\n", ci.Name, len(ci.Peers))
			}
		case "peers":
			if len(fields) != 2 {
				fmt.Println("usage: peers <channel>")
				continue
			}
			peers, err := client.GetPeerList(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, p := range peers {
				fmt.Printf("%s\t%s:%d\n", p.PeerID, p.Host, p.Port)
			}
		case "add":
			if len(fields) != 5 {
				fmt.Println("usage: add <channel> <peer_id> <host> <port>")
				continue
			}
			port, err := strconv.Atoi(fields[4])
			if err != nil {
				fmt.Println("bad port:", err)
				continue
			}
			peers, err := client.ConnectPeer(fields[1], rs.PeerSeed{PeerID: fields[2], Host: fields[3], Port: port})
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("channel %s now has %d peer(s)\n", fields[1], len(peers))
		case "remove":
			if len(fields) != 3 {
				fmt.Println("usage: remove <channel> <peer_id>")
				continue
			}
			if err := removePeer(client, fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
			}
		case "restart":
			if len(fields) != 2 {
				fmt.Println("usage: restart <channel>")
				continue
			}
			if err := client.RestartChannel(fields[1]); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("restart acknowledged")
		default:
			fmt.Printf("unknown command %q, type help\n", fields[0])
		}
	}
}

// removePeer fetches the full channel directory, drops peerID from
// channel's list, and pushes the edited directory back — RS exposes no
// dedicated remove call, only the full-replacement SendChannelManageInfo.
func removePeer(client *rs.Client, channel, peerID string) error {
	infos, err := client.GetChannelInfos()
	if err != nil {
		return err
	}
	found := false
	for i := range infos {
		if infos[i].Name != channel {
			continue
		}
		kept := infos[i].Peers[:0]
		for _, p := range infos[i].Peers {
			if p.PeerID != peerID {
				kept = append(kept, p)
			}
		}
		infos[i].Peers = kept
		found = true
	}
	if !found {
		return fmt.Errorf("channel %q not found", channel)
	}
	return client.SendChannelManageInfo(infos)
}
