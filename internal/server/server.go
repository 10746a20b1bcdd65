// Package server provides the Blaze HTTP and WebSocket API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blazehq/blaze/internal/actions"
	"github.com/blazehq/blaze/internal/chat"
	"github.com/blazehq/blaze/internal/config"
	"github.com/blazehq/blaze/internal/engine"
	"github.com/blazehq/blaze/internal/git"
	"github.com/blazehq/blaze/internal/github"
	"github.com/blazehq/blaze/internal/llm"
	blazeslack "github.com/blazehq/blaze/internal/slack"
	"github.com/blazehq/blaze/internal/store"
	"github.com/blazehq/blaze/internal/usage"
	"github.com/blazehq/blaze/model"
)

// Inbound WebSocket message types.
const (
	typeStartStream  = "start_chat_stream"
	typeCancelStream = "cancel_chat_stream"
)

// inboundMessage is one client request on the WebSocket.
type inboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ChatID    string `json:"chatId"`
	Prompt    string `json:"prompt"`
}

// Server is the Blaze API server.
type Server struct {
	config   *config.Config
	store    *store.Store
	manager  *chat.Manager
	policy   *actions.Policy
	router   chi.Router
	github   *github.Publisher    // nil if PR publication is not configured
	slackBot *blazeslack.Notifier // nil if Slack is not configured

	mu    sync.Mutex
	conns map[string]*wsConn // requestId -> owning connection
}

// New creates a Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	policy := actions.NewPolicy()
	for action, consent := range cfg.ConsentOverrides {
		policy.Set(action, consent)
	}

	s := &Server{
		config: cfg,
		store:  st,
		policy: policy,
		conns:  make(map[string]*wsConn),
	}

	streamer := llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.Model)
	s.manager = chat.NewManager(chat.Config{
		Store:    st,
		Streamer: streamer,
		Usage:    usage.New(st, cfg.RequestCap, cfg.TokenCap),
		Send:     s.dispatch,
		Apply:    s.apply,
	})

	if cfg.GitHubEnabled() {
		s.github = github.NewPublisher(cfg.GitHubToken, cfg.GitHubRepo)
		log.Println("GitHub PR publication enabled")
	}
	if cfg.SlackEnabled() {
		s.slackBot = blazeslack.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel)
		log.Println("Slack notifications enabled")
	}

	s.router = s.buildRouter()
	return s, nil
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Blaze server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	s.manager.Wait()
	return s.store.Close()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chats", s.handleCreateChat)
		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{id}/messages", s.handleGetMessages)
	})

	r.Get("/ws", s.handleWS)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// apply runs one attempt against the chat's project checkout.
func (s *Server) apply(ctx context.Context, projectDir, payload string) model.ApplyResult {
	repo := git.Open(projectDir)
	if err := repo.EnsureInit(ctx); err != nil {
		return model.ApplyResult{Error: err.Error()}
	}
	eng := engine.New(repo, s.policy, s.consent)
	return eng.Apply(ctx, payload)
}

// consent resolves "ask" decisions for the headless server.
func (s *Server) consent(actionName, preview string) bool {
	if !s.config.AutoApprove {
		log.Printf("denying %s (auto-approve off): %s", actionName, preview)
		return false
	}
	return true
}

// --- WebSocket transport ---

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server fronts a local workspace; cross-origin browsers are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn is one client connection with its outbound writer.
type wsConn struct {
	sock *websocket.Conn

	mu     sync.Mutex
	out    chan chat.Envelope
	closed bool
}

// enqueue hands an envelope to the writer. A slow or gone client drops the
// envelope rather than stalling the turn.
func (c *wsConn) enqueue(env chat.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- env:
	default:
		log.Printf("dropping %s for slow client", env.Event)
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	conn := &wsConn{sock: sock, out: make(chan chat.Envelope, 256)}

	go func() {
		for env := range conn.out {
			if err := sock.WriteJSON(env); err != nil {
				log.Printf("websocket write: %v", err)
				return
			}
		}
	}()

	defer func() {
		s.dropConn(conn)
		conn.close()
		sock.Close()
	}()

	for {
		var msg inboundMessage
		if err := sock.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case typeStartStream:
			s.register(msg.RequestID, conn)
			if err := s.manager.Start(msg.RequestID, msg.ChatID, msg.Prompt); err != nil {
				s.unregister(msg.RequestID)
				conn.enqueue(chat.Envelope{
					Event:     chat.EventError,
					RequestID: msg.RequestID,
					Payload:   chat.ErrorPayload{ChatID: msg.ChatID, Error: err.Error()},
				})
			}
		case typeCancelStream:
			s.manager.Cancel(msg.RequestID)
		default:
			log.Printf("unknown websocket message type %q", msg.Type)
		}
	}
}

// dispatch routes an outbound envelope to the connection that started the
// turn. Terminal events release the registration and trigger integrations.
func (s *Server) dispatch(env chat.Envelope) {
	terminal := env.Event == chat.EventEnd || env.Event == chat.EventError

	s.mu.Lock()
	conn := s.conns[env.RequestID]
	if terminal {
		delete(s.conns, env.RequestID)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.enqueue(env)
	}
	if terminal {
		go s.notify(env)
	}
}

// notify runs the optional post-turn integrations.
func (s *Server) notify(env chat.Envelope) {
	switch p := env.Payload.(type) {
	case chat.EndPayload:
		if p.Status != model.TurnEnded || !p.UpdatedFiles {
			return
		}
		if s.slackBot != nil {
			s.slackBot.TurnFinished(p.ChatID, model.ApplyResult{
				UpdatedFiles: true,
				AppliedPaths: p.AppliedPaths,
				Summary:      p.Summary,
			}, p.TotalTokens)
		}
		if s.github != nil {
			s.publishPR(p.ChatID, p.Summary, p.AppliedPaths)
		}
	case chat.ErrorPayload:
		if s.slackBot != nil {
			s.slackBot.TurnFailed(p.ChatID, p.Error)
		}
	}
}

// publishPR pushes the chat's current branch and opens a pull request.
func (s *Server) publishPR(chatID, summary string, appliedPaths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, err := s.store.GetChat(chatID)
	if err != nil {
		log.Printf("publishing PR for %s: %v", chatID, err)
		return
	}
	repo := git.Open(c.ProjectDir)
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		log.Printf("publishing PR for %s: %v", chatID, err)
		return
	}
	if err := repo.Push(ctx, branch); err != nil {
		log.Printf("pushing %s for %s: %v", branch, chatID, err)
		return
	}
	title := summary
	if title == "" {
		title = "Blaze changes for chat " + chatID
	}
	url, number, err := s.github.CreatePR(ctx, github.PROptions{
		Branch: branch,
		Title:  model.Truncate(title, 72),
		Body:   github.TurnBody(summary, appliedPaths),
	})
	if err != nil {
		log.Printf("creating PR for %s: %v", chatID, err)
		return
	}
	log.Printf("opened PR #%d for chat %s: %s", number, chatID, url)
}

func (s *Server) register(requestID string, conn *wsConn) {
	s.mu.Lock()
	s.conns[requestID] = conn
	s.mu.Unlock()
}

func (s *Server) unregister(requestID string) {
	s.mu.Lock()
	delete(s.conns, requestID)
	s.mu.Unlock()
}

// dropConn cancels every turn owned by a departed connection.
func (s *Server) dropConn(conn *wsConn) {
	s.mu.Lock()
	var owned []string
	for id, c := range s.conns {
		if c == conn {
			owned = append(owned, id)
		}
	}
	s.mu.Unlock()
	for _, id := range owned {
		s.manager.Cancel(id)
	}
}

// --- REST handlers ---

type createChatRequest struct {
	Title      string `json:"title"`
	ProjectDir string `json:"projectDir"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := uuid.New().String()[:8]
	projectDir := req.ProjectDir
	if projectDir == "" {
		projectDir = filepath.Join(s.config.ProjectRoot, id)
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create project directory")
		log.Printf("Error creating project dir: %v", err)
		return
	}

	c := &model.Chat{ID: id, Title: req.Title, ProjectDir: projectDir}
	if err := s.store.CreateChat(c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		log.Printf("Error creating chat: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		log.Printf("Error listing chats: %v", err)
		return
	}
	if chats == nil {
		chats = []*model.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChat(id); err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	msgs, err := s.store.GetMessages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		log.Printf("Error loading messages: %v", err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
