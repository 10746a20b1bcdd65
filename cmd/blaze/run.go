package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/blazehq/blaze/internal/chat"
	"github.com/blazehq/blaze/model"
)

var runCmd = &cobra.Command{
	Use:   "run <chat-id> <prompt>",
	Short: "Stream a prompt against a chat",
	Long:  "Open a WebSocket to the server, start a chat stream, and print the response live. Ctrl-C cancels the turn.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

type wsMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ChatID    string `json:"chatId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

type wsEnvelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

func runRun(cmd *cobra.Command, args []string) error {
	chatID, prompt := args[0], args[1]

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w\nIs the server running? Start it with: blaze serve", wsURL, err)
	}
	defer ws.Close()

	requestID := uuid.New().String()[:8]
	if err := ws.WriteJSON(wsMessage{Type: "start_chat_stream", RequestID: requestID, ChatID: chatID, Prompt: prompt}); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	// Ctrl-C cancels the turn; the server still sends the terminal event.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCancelling...")
		_ = ws.WriteJSON(wsMessage{Type: "cancel_chat_stream", RequestID: requestID})
	}()

	// The live message grows monotonically, so printing the new suffix of
	// each chunk renders the stream incrementally.
	var printed string
	for {
		ws.SetReadDeadline(time.Now().Add(10 * time.Minute))
		var env wsEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if env.RequestID != requestID {
			continue
		}

		switch env.Event {
		case chat.EventChunk:
			var p chat.ChunkPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Messages) == 0 {
				continue
			}
			content := p.Messages[len(p.Messages)-1].Content
			if strings.HasPrefix(content, printed) {
				fmt.Print(content[len(printed):])
			} else {
				fmt.Print("\n" + content)
			}
			printed = content

		case chat.EventEnd:
			var p chat.EndPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("parsing end event: %w", err)
			}
			fmt.Println()
			switch p.Status {
			case model.TurnCancelled:
				fmt.Println("Cancelled.")
			default:
				if p.UpdatedFiles {
					fmt.Printf("Applied %d file(s).\n", len(p.AppliedPaths))
					for _, path := range p.AppliedPaths {
						fmt.Printf("  %s\n", path)
					}
				} else {
					fmt.Println("No files changed.")
				}
				if len(p.ExtraFiles) > 0 {
					fmt.Printf("Files changed outside directives: %s\n", strings.Join(p.ExtraFiles, ", "))
				}
				if p.TotalTokens > 0 {
					fmt.Printf("Tokens: %d\n", p.TotalTokens)
				}
			}
			return nil

		case chat.EventError:
			var p chat.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("parsing error event: %w", err)
			}
			fmt.Println()
			return fmt.Errorf("turn failed: %s", p.Error)
		}
	}
}
