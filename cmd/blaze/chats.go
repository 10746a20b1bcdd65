package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats",
	RunE:  runListChats,
}

var (
	newChatTitle      string
	newChatProjectDir string
)

var chatsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a chat",
	RunE:  runNewChat,
}

func init() {
	chatsNewCmd.Flags().StringVar(&newChatTitle, "title", "", "chat title")
	chatsNewCmd.Flags().StringVar(&newChatProjectDir, "project", "", "project directory (default: server-managed)")
	chatsCmd.AddCommand(chatsNewCmd)
	rootCmd.AddCommand(chatsCmd)
}

type chatView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ProjectDir string `json:"project_dir"`
	UpdatedAt  string `json:"updated_at"`
}

func runListChats(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/chats")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: blaze serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var chats []chatView
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(chats) == 0 {
		fmt.Println("No chats found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPROJECT\tUPDATED")
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "-"
		}
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, title, c.ProjectDir, c.UpdatedAt)
	}
	return w.Flush()
}

func runNewChat(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{
		"title":      newChatTitle,
		"projectDir": newChatProjectDir,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/api/chats", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	var c chatView
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Created chat %s (project: %s)\n", c.ID, c.ProjectDir)
	return nil
}
