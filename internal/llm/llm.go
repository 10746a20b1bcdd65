// Package llm produces streaming model responses.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blazehq/blaze/model"
)

// Chunk is one increment of a model stream: a text delta while the stream is
// live, then exactly one terminal chunk carrying either the token usage or
// an error.
type Chunk struct {
	Text   string
	Tokens int64
	Err    error
}

// Streamer produces a model response as a channel of chunks. The channel is
// closed after the terminal chunk. An error from Stream itself means the
// request never started.
type Streamer interface {
	Stream(ctx context.Context, prompt string, history []*model.Message) (<-chan Chunk, error)
}

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	apiKey string
	model  string
	client *http.Client

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
	// System is prepended to every request as the system prompt.
	System string
}

// NewAnthropic creates a streaming client.
// Model defaults to "claude-sonnet-4-20250514" if empty.
func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		apiKey:  apiKey,
		model:   model,
		client:  http.DefaultClient,
		BaseURL: "https://api.anthropic.com",
	}
}

// Stream sends the chat history plus the new prompt and returns the response
// as server-sent-event deltas.
func (c *Anthropic) Stream(ctx context.Context, prompt string, history []*model.Message) (<-chan Chunk, error) {
	messages := make([]map[string]string, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":      c.model,
		"max_tokens": 8192,
		"stream":     true,
		"messages":   messages,
	}
	if c.System != "" {
		body["system"] = c.System
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var tokens int64
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				tokens += ev.Message.Usage.InputTokens + ev.Message.Usage.OutputTokens
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					select {
					case ch <- Chunk{Text: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				tokens += ev.Usage.OutputTokens
			case "message_stop":
				select {
				case ch <- Chunk{Tokens: tokens}:
				case <-ctx.Done():
				}
				return
			case "error":
				select {
				case ch <- Chunk{Err: fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- Chunk{Err: fmt.Errorf("reading stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		// Stream ended without message_stop: still report what we counted.
		select {
		case ch <- Chunk{Tokens: tokens}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
