package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/crypto/certgen"
)

// toolCmd implements `loopnode tool` (spec §6): an interactive CA REPL
// for generating the certificate/key material a channel's mTLS mesh and
// node keystores need, grounded on crypto/certgen and crypto/keystore.go.
func toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "interactive CA/keystore generation REPL",
		Run: func(cmd *cobra.Command, args []string) {
			runTool()
		},
	}
	return cmd
}

func runTool() {
	fmt.Println("loopnode tool — certificate and keystore generation")
	fmt.Println("commands: ca <dir> <node_id> | self-signed <dir> <node_id> | keystore <path> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("tool> ")
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
			fmt.Println("commands: ca <dir> <node_id> | self-signed <dir> <node_id> | keystore <path> | quit")
		case "ca":
			if len(fields) != 3 {
				fmt.Println("usage: ca <dir> <node_id>")
				continue
			}
			if err := certgen.GenerateAll(fields[1], fields[2], nil); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("wrote %s/ca.{crt,key} and %s/%s.{crt,key}\n", fields[1], fields[1], fields[2])
		case "self-signed":
			if len(fields) != 3 {
				fmt.Println("usage: self-signed <dir> <node_id>")
				continue
			}
			if err := generateSelfSigned(fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
			}
		case "keystore":
			if len(fields) != 2 {
				fmt.Println("usage: keystore <path>")
				continue
			}
			if err := generateKeystore(fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Printf("unknown command %q, type help\n", fields[0])
		}
	}
}

func generateSelfSigned(dir, nodeID string) error {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	certDER, err := crypto.SelfSignedCert(nodeID, priv, pub)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	certPath := dir + "/" + nodeID + ".crt"
	if err := os.WriteFile(certPath, certDER, 0600); err != nil {
		return err
	}
	fmt.Printf("wrote %s (DER-encoded self-signed cert)\n", certPath)
	return nil
}

func generateKeystore(path string) error {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Print("keystore password: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	password := scanner.Text()
	if err := crypto.SaveKeystore(path, password, priv); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
