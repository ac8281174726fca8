// Package api exposes the conversation engine over HTTP: one endpoint to
// chat, one for operator decisions on held actions, and read endpoints for
// history, pending actions, and user memory.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/omnichat/omnichat/pkg/agent"
	"github.com/omnichat/omnichat/pkg/store"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
)

// Server routes HTTP requests to the engine and the store.
type Server struct {
	engine *agent.Engine
	store  *store.Store
	router *mux.Router
	logger *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the HTTP server around an engine and its store.
func New(engine *agent.Engine, st *store.Store, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		store:  st,
		router: mux.NewRouter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	s.router.HandleFunc("/actions/{id}/decision", s.handleDecision).Methods(http.MethodPost)
	s.router.HandleFunc("/conversations/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	s.router.HandleFunc("/history/{channel}/{user}", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/pending-actions", s.handleActionQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/pending-actions/{user}", s.handlePendingActions).Methods(http.MethodGet)
	s.router.HandleFunc("/user-context/{user}", s.handleUserContext).Methods(http.MethodGet)
	s.router.HandleFunc("/user-profile/{user}", s.handleUserProfile).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// ---- chat and decisions ----

type chatRequest struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, wferrors.Validation(err, "decode chat request"))
		return
	}

	reply, err := s.engine.HandleMessage(r.Context(), req.Channel, req.UserID, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["id"]

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, wferrors.Validation(err, "decode decision request"))
		return
	}

	action, err := s.store.PendingActionByID(r.Context(), actionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	reply, err := s.engine.Resume(r.Context(), agent.Decision{
		ConversationID: action.ConversationID,
		Approve:        req.Approve,
		Note:           req.Note,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, wferrors.Validation(err, "parse conversation id"))
		return
	}

	reply, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// ---- read endpoints ----

type historyEntry struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

type historyResponse struct {
	ConversationID int64          `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Messages       []historyEntry `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user"]

	conv, err := s.store.ConversationByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, wferrors.Validation(errors.New("limit must be a positive integer"), "history"))
			return
		}
		limit = n
	}

	msgs, err := s.store.RecentMessages(r.Context(), conv.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := historyResponse{
		ConversationID: conv.ID,
		UserID:         userID,
		Messages:       make([]historyEntry, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, historyEntry{
			Sender:    string(m.Sender),
			Content:   m.Content,
			Channel:   m.Channel,
			CreatedAt: m.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type pendingActionView struct {
	ID          string    `json:"id"`
	ActionType  string    `json:"action_type"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type queueActionView struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	ActionType     string    `json:"action_type"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// handleActionQueue is the operator's work queue: every undecided action
// across all conversations, oldest first.
func (s *Server) handleActionQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListPendingActions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]queueActionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, queueActionView{
			ID:             a.ID,
			ConversationID: a.ConversationID,
			ActionType:     a.ActionType,
			Description:    a.Description,
			CreatedAt:      a.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": views})
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	conv, err := s.store.ConversationByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actions, err := s.store.ListPendingActionsForConversation(r.Context(), conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]pendingActionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, pendingActionView{
			ID:          a.ID,
			ActionType:  a.ActionType,
			Description: a.Description,
			Status:      string(a.Status),
			CreatedAt:   a.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"actions": views,
	})
}

func (s *Server) handleUserContext(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	uc, err := s.store.Context(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            uc.UserID,
		"summary":            uc.Summary,
		"conversation_count": uc.ConversationCount,
		"updated_at":         uc.UpdatedAt,
	})
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	p, err := s.store.Profile(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       p.UserID,
		"name":          p.Name,
		"email":         p.Email,
		"phone":         p.Phone,
		"preferences":   p.Preferences,
		"first_contact": p.FirstContact,
		"updated_at":    p.UpdatedAt,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- helpers ----

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeError maps failure categories onto HTTP statuses. Causes are
// reported verbatim: this API fronts operators and channel adapters, not
// end users.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case wferrors.Categorize(err) == wferrors.CategoryValidation:
		status = http.StatusBadRequest
	case wferrors.Categorize(err) == wferrors.CategoryConsistency,
		wferrors.Categorize(err) == wferrors.CategoryConflict:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{
		Error:    err.Error(),
		Category: wferrors.Categorize(err).String(),
	})
}
