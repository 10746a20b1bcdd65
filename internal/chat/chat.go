// Package chat runs the per-turn streaming state machine: it consumes a
// model stream, re-parses the cumulative text on every increment, emits
// chunk events, applies the finished response through the self-healing
// orchestrator, and reports exactly one terminal event per turn.
package chat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/blazehq/blaze/internal/llm"
	"github.com/blazehq/blaze/internal/selfheal"
	"github.com/blazehq/blaze/internal/store"
	"github.com/blazehq/blaze/internal/tags"
	"github.com/blazehq/blaze/internal/usage"
	"github.com/blazehq/blaze/model"
)

// Outbound event names.
const (
	EventChunk = "chat:response:chunk"
	EventEnd   = "chat:response:end"
	EventError = "chat:response:error"
)

// Envelope is one outbound transport event.
type Envelope struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload"`
}

// ChunkPayload carries the live message list for one chat.
type ChunkPayload struct {
	ChatID   string           `json:"chatId"`
	Messages []*model.Message `json:"messages"`
}

// EndPayload is the terminal payload of a finished or cancelled turn.
type EndPayload struct {
	ChatID       string           `json:"chatId"`
	Status       model.TurnStatus `json:"status"`
	UpdatedFiles bool             `json:"updatedFiles"`
	AppliedPaths []string         `json:"appliedPaths,omitempty"`
	ExtraFiles   []string         `json:"extraFiles,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	TotalTokens  int64            `json:"totalTokens,omitempty"`
}

// ErrorPayload is the terminal payload of an errored turn.
type ErrorPayload struct {
	ChatID string `json:"chatId"`
	Error  string `json:"error"`
}

// SendFunc delivers an envelope to the client. Delivery is best-effort; a
// gone client must not block or fail the turn.
type SendFunc func(Envelope)

// ApplyFunc runs one apply attempt against a project checkout.
type ApplyFunc func(ctx context.Context, projectDir, payload string) model.ApplyResult

// Config wires a Manager's collaborators.
type Config struct {
	Store    *store.Store
	Streamer llm.Streamer
	Usage    *usage.Recorder
	Send     SendFunc
	Apply    ApplyFunc

	// ScopeCheck authorizes a turn against a chat before any work starts.
	// Nil allows everything.
	ScopeCheck func(requestID, chatID string) error

	// OnTurnDone fires after the terminal event and the usage/audit writes
	// for a turn have finished. Tests use it to wait for the fire-and-forget
	// tail; nil is fine.
	OnTurnDone func(requestID string)
}

type turn struct {
	requestID string
	chatID    string
	cancel    context.CancelFunc
	status    model.TurnStatus
}

// Manager owns every in-flight turn, keyed by requestId.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	turns    map[string]*turn
	projects map[string]*sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		turns:    make(map[string]*turn),
		projects: make(map[string]*sync.Mutex),
	}
}

// Start begins one turn. It validates scope and chat existence, persists the
// user message, and launches the stream consumer. The error return covers
// only pre-stream failures; everything later is reported through events.
func (m *Manager) Start(requestID, chatID, prompt string) error {
	if requestID == "" {
		return fmt.Errorf("requestId is required")
	}
	if m.cfg.ScopeCheck != nil {
		if err := m.cfg.ScopeCheck(requestID, chatID); err != nil {
			return fmt.Errorf("scope check: %w", err)
		}
	}
	c, err := m.cfg.Store.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("unknown chat %s: %w", chatID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{requestID: requestID, chatID: chatID, cancel: cancel, status: model.TurnStreaming}

	m.mu.Lock()
	if _, exists := m.turns[requestID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("turn %s is already active", requestID)
	}
	m.turns[requestID] = t
	m.mu.Unlock()

	history, err := m.cfg.Store.GetMessages(chatID)
	if err != nil {
		m.remove(requestID)
		cancel()
		return fmt.Errorf("loading history: %w", err)
	}
	userMsg := &model.Message{ChatID: chatID, Role: "user", Content: prompt}
	if err := m.cfg.Store.AddMessage(userMsg); err != nil {
		m.remove(requestID)
		cancel()
		return fmt.Errorf("persisting prompt: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, t, c, prompt, history)
	}()
	return nil
}

// Cancel requests a cooperative stop of an in-flight turn. Unknown request
// ids are a no-op.
func (m *Manager) Cancel(requestID string) {
	m.mu.Lock()
	t, ok := m.turns[requestID]
	if ok && t.status == model.TurnStreaming {
		t.status = model.TurnCancelled
	}
	m.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Wait blocks until every in-flight turn has fully finished, terminal
// events and fire-and-forget tail included.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) remove(requestID string) {
	m.mu.Lock()
	delete(m.turns, requestID)
	m.mu.Unlock()
}

// cancelled reports whether the turn was cancelled by the client (as opposed
// to the context ending for another reason).
func (m *Manager) cancelled(t *turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.status == model.TurnCancelled
}

func (m *Manager) projectLock(dir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.projects[dir]
	if !ok {
		l = &sync.Mutex{}
		m.projects[dir] = l
	}
	return l
}

func (m *Manager) send(env Envelope) {
	if m.cfg.Send != nil {
		m.cfg.Send(env)
	}
}

// run consumes the model stream to completion, then applies and reports.
// It emits exactly one terminal event and fires the usage/audit tail.
func (m *Manager) run(ctx context.Context, t *turn, c *model.Chat, prompt string, history []*model.Message) {
	defer m.remove(t.requestID)
	defer t.cancel()

	m.audit(t, "stream_started")

	stream, err := m.cfg.Streamer.Stream(ctx, prompt, history)
	if err != nil {
		m.finishError(t, fmt.Sprintf("starting stream: %v", err))
		return
	}

	// The streamer appends the prompt itself; the displayed message list
	// carries it explicitly.
	display := append(append([]*model.Message{}, history...),
		&model.Message{ChatID: c.ID, Role: "user", Content: prompt})

	var raw string
	var totalTokens int64
	var streamErr string

consume:
	for {
		select {
		case <-ctx.Done():
			break consume
		case chunk, ok := <-stream:
			if !ok {
				break consume
			}
			if chunk.Err != nil {
				streamErr = chunk.Err.Error()
				break consume
			}
			if chunk.Tokens > 0 {
				totalTokens = chunk.Tokens
			}
			if chunk.Text == "" {
				continue
			}
			raw += chunk.Text
			live := &model.Message{ChatID: c.ID, Role: "assistant", Content: tags.RenderStream(raw)}
			m.send(Envelope{
				Event:     EventChunk,
				RequestID: t.requestID,
				Payload:   ChunkPayload{ChatID: c.ID, Messages: append(append([]*model.Message{}, display...), live)},
			})
		}
	}

	if m.cancelled(t) {
		m.finishEnd(t, EndPayload{ChatID: c.ID, Status: model.TurnCancelled, TotalTokens: totalTokens}, totalTokens)
		return
	}
	if streamErr != "" {
		m.finishError(t, streamErr)
		return
	}

	// Apply phases against the same checkout never overlap.
	lock := m.projectLock(c.ProjectDir)
	lock.Lock()
	outcome := selfheal.Run(ctx, raw, func(ctx context.Context, payload string) model.ApplyResult {
		return m.cfg.Apply(ctx, c.ProjectDir, payload)
	})
	lock.Unlock()
	result := outcome.Result()
	if outcome.RecoveredBySelfHealing {
		log.Printf("turn %s recovered by self-healing after %d attempts", t.requestID, len(outcome.Attempts))
	}

	if raw != "" {
		msg := &model.Message{ChatID: c.ID, Role: "assistant", Content: raw}
		if err := m.cfg.Store.AddMessage(msg); err != nil {
			log.Printf("persisting assistant message for %s: %v", t.requestID, err)
		}
	}
	if err := m.cfg.Store.TouchChat(c.ID, model.Truncate(result.Summary, 80)); err != nil {
		log.Printf("touching chat %s: %v", c.ID, err)
	}

	if m.cancelled(t) {
		m.finishEnd(t, EndPayload{ChatID: c.ID, Status: model.TurnCancelled, TotalTokens: totalTokens}, totalTokens)
		return
	}
	if result.Error != "" {
		m.finishError(t, result.Error)
		return
	}
	m.finishEnd(t, EndPayload{
		ChatID:       c.ID,
		Status:       model.TurnEnded,
		UpdatedFiles: result.UpdatedFiles,
		AppliedPaths: result.AppliedPaths,
		ExtraFiles:   result.ExtraFiles,
		Summary:      result.Summary,
		TotalTokens:  totalTokens,
	}, totalTokens)
}

func (m *Manager) finishEnd(t *turn, payload EndPayload, tokens int64) {
	m.setStatus(t, payload.Status)
	m.send(Envelope{Event: EventEnd, RequestID: t.requestID, Payload: payload})
	m.meter(t, tokens)
}

func (m *Manager) finishError(t *turn, errText string) {
	m.setStatus(t, model.TurnErrored)
	m.send(Envelope{Event: EventError, RequestID: t.requestID, Payload: ErrorPayload{ChatID: t.chatID, Error: errText}})
	m.meter(t, 0)
}

func (m *Manager) setStatus(t *turn, s model.TurnStatus) {
	m.mu.Lock()
	t.status = s
	m.mu.Unlock()
}

// meter runs the usage/audit tail. It never blocks the terminal event (the
// caller has already sent it) and never fails the turn.
func (m *Manager) meter(t *turn, tokens int64) {
	ctx := context.Background()
	if m.cfg.Usage != nil {
		if err := m.cfg.Usage.EnforceAndRecordUsage(ctx, model.UsageRecord{
			Context: t.chatID, Metric: model.MetricRequests, Value: 1,
		}); err != nil {
			log.Printf("recording request usage for %s: %v", t.chatID, err)
		}
		if tokens > 0 {
			if err := m.cfg.Usage.EnforceAndRecordUsage(ctx, model.UsageRecord{
				Context: t.chatID, Metric: model.MetricTokens, Value: tokens,
			}); err != nil {
				log.Printf("recording token usage for %s: %v", t.chatID, err)
			}
		}
	}
	m.audit(t, "stream_ended")
	if m.cfg.OnTurnDone != nil {
		m.cfg.OnTurnDone(t.requestID)
	}
}

func (m *Manager) audit(t *turn, action string) {
	if m.cfg.Usage == nil {
		return
	}
	err := m.cfg.Usage.WriteAuditEvent(context.Background(), model.AuditEvent{
		Context: t.chatID, Action: action, ResourceType: "chat", ResourceID: t.chatID,
	})
	if err != nil {
		log.Printf("writing audit event %s for %s: %v", action, t.chatID, err)
	}
}
