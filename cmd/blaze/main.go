// Blaze - conversational code changes.
//
// A server that turns chat prompts into reviewed filesystem and git
// mutations, streamed live over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "blaze",
	Short: "Blaze - conversational code changes",
	Long: `Blaze drives code changes in a project through chat prompts.

  blaze serve                             Start the server
  blaze chats                             List chats
  blaze chats new --title "landing page"  Create a chat
  blaze run <chat-id> "add a nav bar"     Stream a prompt against a chat`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BLAZE_SERVER", "http://localhost:7080"), "Blaze server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
