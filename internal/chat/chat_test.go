package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blazehq/blaze/internal/llm"
	"github.com/blazehq/blaze/internal/store"
	"github.com/blazehq/blaze/internal/usage"
	"github.com/blazehq/blaze/model"
)

// fakeStreamer replays scripted chunks. With hang set it stalls after the
// scripted chunks until the context is cancelled.
type fakeStreamer struct {
	chunks []llm.Chunk
	hang   bool
}

func (f *fakeStreamer) Stream(ctx context.Context, _ string, _ []*model.Message) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// sink collects outbound envelopes in send order.
type sink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (s *sink) send(env Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *sink) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope{}, s.envs...)
}

func (s *sink) byEvent(event string) []Envelope {
	var out []Envelope
	for _, e := range s.all() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeApply returns scripted results per attempt and records payloads.
type fakeApply struct {
	mu       sync.Mutex
	results  []model.ApplyResult
	payloads []string
}

func (f *fakeApply) apply(_ context.Context, _ string, payload string) model.ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if len(f.results) == 0 {
		return model.ApplyResult{}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

func (f *fakeApply) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.payloads...)
}

type fixture struct {
	manager *Manager
	store   *store.Store
	sink    *sink
	apply   *fakeApply
	done    chan string
}

func newFixture(t *testing.T, streamer llm.Streamer, results ...model.ApplyResult) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.CreateChat(&model.Chat{ID: "chat-1", ProjectDir: t.TempDir()}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	f := &fixture{
		store: st,
		sink:  &sink{},
		apply: &fakeApply{results: results},
		done:  make(chan string, 4),
	}
	f.manager = NewManager(Config{
		Store:      st,
		Streamer:   streamer,
		Usage:      usage.New(st, 0, 0),
		Send:       f.sink.send,
		Apply:      f.apply.apply,
		OnTurnDone: func(id string) { f.done <- id },
	})
	return f
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

const writeDirective = "<blaze-write path=\"a.txt\">\nhi\n</blaze-write>"

func TestStartStreamsChunksAndEnds(t *testing.T) {
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Text: "Working on it.\n\n"},
		{Text: writeDirective},
		{Tokens: 42},
	}}
	f := newFixture(t, streamer, model.ApplyResult{UpdatedFiles: true, AppliedPaths: []string{"a.txt"}})

	if err := f.manager.Start("req-1", "chat-1", "add a file"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitDone(t)

	chunks := f.sink.byEvent(EventChunk)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunk events, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.RequestID != "req-1" {
			t.Fatalf("chunk tagged with wrong request: %q", c.RequestID)
		}
	}
	last := chunks[1].Payload.(ChunkPayload)
	if last.ChatID != "chat-1" {
		t.Fatalf("unexpected chat id: %q", last.ChatID)
	}
	live := last.Messages[len(last.Messages)-1]
	if live.Role != "assistant" || !strings.Contains(live.Content, "Working on it.") {
		t.Fatalf("live message missing streamed prose: %+v", live)
	}

	ends := f.sink.byEvent(EventEnd)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one end event, got %d", len(ends))
	}
	end := ends[0].Payload.(EndPayload)
	if end.Status != model.TurnEnded || !end.UpdatedFiles || end.TotalTokens != 42 {
		t.Fatalf("unexpected end payload: %+v", end)
	}
	if len(f.sink.byEvent(EventError)) != 0 {
		t.Fatal("no error event expected")
	}

	msgs, err := f.store.GetMessages("chat-1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected persisted messages: %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, writeDirective) {
		t.Fatalf("assistant message missing raw response: %q", msgs[1].Content)
	}

	events, err := f.store.GetAuditEvents("chat-1")
	if err != nil {
		t.Fatalf("get audit events: %v", err)
	}
	if len(events) != 2 || events[0].Action != "stream_started" || events[1].Action != "stream_ended" {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
	tokens, err := f.store.SumUsage("chat-1", model.MetricTokens)
	if err != nil {
		t.Fatalf("sum usage: %v", err)
	}
	if tokens != 42 {
		t.Fatalf("expected 42 tokens metered, got %d", tokens)
	}
}

func TestCancelUnknownRequestIsNoOp(t *testing.T) {
	f := newFixture(t, &fakeStreamer{})
	f.manager.Cancel("never-started")
}

func TestCancelStopsStreamWithSingleEndEvent(t *testing.T) {
	streamer := &fakeStreamer{chunks: []llm.Chunk{{Text: "thinking"}}, hang: true}
	f := newFixture(t, streamer)

	if err := f.manager.Start("req-1", "chat-1", "do something"); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(f.sink.byEvent(EventChunk)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no chunk arrived")
		}
		time.Sleep(time.Millisecond)
	}

	f.manager.Cancel("req-1")
	f.waitDone(t)

	ends := f.sink.byEvent(EventEnd)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one end event, got %d", len(ends))
	}
	if status := ends[0].Payload.(EndPayload).Status; status != model.TurnCancelled {
		t.Fatalf("expected cancelled status, got %s", status)
	}
	all := f.sink.all()
	if all[len(all)-1].Event == EventChunk {
		t.Fatal("chunk emitted after the terminal event")
	}
	if len(f.apply.calls()) != 0 {
		t.Fatal("cancelled turn must not apply")
	}
}

func TestStreamErrorEmitsErrorEvent(t *testing.T) {
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Text: "partial"},
		{Err: errors.New("overloaded")},
	}}
	f := newFixture(t, streamer)

	if err := f.manager.Start("req-1", "chat-1", "hi"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitDone(t)

	errs := f.sink.byEvent(EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if p := errs[0].Payload.(ErrorPayload); p.Error != "overloaded" || p.ChatID != "chat-1" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
	if len(f.sink.byEvent(EventEnd)) != 0 {
		t.Fatal("errored turn must not also emit end")
	}
	if len(f.apply.calls()) != 0 {
		t.Fatal("errored stream must not apply")
	}
}

func TestSelfHealingNarrowsPayload(t *testing.T) {
	raw := "Here is the fix.\n\n" + writeDirective + "\n\nDone!"
	streamer := &fakeStreamer{chunks: []llm.Chunk{{Text: raw}}}
	f := newFixture(t, streamer,
		model.ApplyResult{Error: "invalid write directive: malformed"},
		model.ApplyResult{UpdatedFiles: true},
	)

	if err := f.manager.Start("req-1", "chat-1", "fix it"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitDone(t)

	calls := f.apply.calls()
	if len(calls) != 2 {
		t.Fatalf("expected two apply attempts, got %d", len(calls))
	}
	if calls[1] != writeDirective {
		t.Fatalf("retry payload should be the bare directive, got %q", calls[1])
	}
	ends := f.sink.byEvent(EventEnd)
	if len(ends) != 1 || ends[0].Payload.(EndPayload).Status != model.TurnEnded {
		t.Fatalf("recovered turn should end cleanly: %+v", ends)
	}
}

func TestApplyFailureEmitsErrorEvent(t *testing.T) {
	streamer := &fakeStreamer{chunks: []llm.Chunk{{Text: writeDirective}}}
	f := newFixture(t, streamer,
		model.ApplyResult{Error: "search block not found in a.txt"},
	)

	if err := f.manager.Start("req-1", "chat-1", "fix it"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitDone(t)

	errs := f.sink.byEvent(EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if !strings.Contains(errs[0].Payload.(ErrorPayload).Error, "not found") {
		t.Fatalf("error payload should carry the apply failure: %+v", errs[0].Payload)
	}
}

func TestScopeCheckBlocksStart(t *testing.T) {
	f := newFixture(t, &fakeStreamer{})
	f.manager.cfg.ScopeCheck = func(_, chatID string) error {
		return fmt.Errorf("chat %s is not yours", chatID)
	}

	err := f.manager.Start("req-1", "chat-1", "hi")
	if err == nil || !strings.Contains(err.Error(), "scope check") {
		t.Fatalf("expected scope error, got %v", err)
	}
	if len(f.sink.all()) != 0 {
		t.Fatal("denied start must not emit events")
	}
}

func TestStartUnknownChatFails(t *testing.T) {
	f := newFixture(t, &fakeStreamer{})
	if err := f.manager.Start("req-1", "no-such-chat", "hi"); err == nil {
		t.Fatal("expected an error for an unknown chat")
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	streamer := &fakeStreamer{hang: true}
	f := newFixture(t, streamer)

	if err := f.manager.Start("req-1", "chat-1", "hi"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.manager.Start("req-1", "chat-1", "again"); err == nil {
		t.Fatal("expected duplicate requestId to be rejected")
	}
	f.manager.Cancel("req-1")
	f.waitDone(t)
}
