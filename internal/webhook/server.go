// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/net/html"

	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/internal/suggest"
	"github.com/user/wacopilot/internal/types"
)

const maxBodyBytes = 8 << 20

// Page receives page content pushed by the browser side.
type Page interface {
	Replace(src, url string) error
	Append(fragment string) ([]*html.Node, error)
}

type Observer interface {
	RefreshSnapshot()
	ConversationID() types.ConversationID
}

type Jobs interface {
	Enqueue(ctx context.Context, payload types.JobPayload, idempotencyKey string) (*types.OutboxJob, error)
	Stats(ctx context.Context) (outbox.Stats, error)
	RetryFailedJobs(ctx context.Context) (int, error)
}

type Suggester interface {
	Suggest(ctx context.Context, id types.ConversationID, opts suggest.Options) (*suggest.Result, error)
}

// Config wires the server to the running components. Nil members make
// their endpoints answer 503.
type Config struct {
	Page          Page
	Observer      Observer
	Conversations types.ConversationStore
	Messages      types.MessageLog
	Jobs          Jobs
	Suggester     Suggester
	Logger        *slog.Logger
}

// Server is the local HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "http"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/page/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /api/page/mutations", s.handleMutations)
	s.mux.HandleFunc("POST /api/observer/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /api/jobs/stats", s.handleJobStats)
	s.mux.HandleFunc("POST /api/jobs/retry", s.handleJobRetry)
	s.mux.HandleFunc("POST /api/suggestions", s.handleSuggest)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func unavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "not configured")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pageResponse struct {
	ConversationID types.ConversationID `json:"conversation_id,omitempty"`
	Nodes          int                  `json:"nodes,omitempty"`
}

func (s *Server) currentConversation() types.ConversationID {
	if s.cfg.Observer == nil {
		return ""
	}
	return s.cfg.Observer.ConversationID()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Page == nil {
		unavailable(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err := s.cfg.Page.Replace(string(body), r.Header.Get("X-Page-URL")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, pageResponse{ConversationID: s.currentConversation()})
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Page == nil {
		unavailable(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	nodes, err := s.cfg.Page.Append(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, pageResponse{ConversationID: s.currentConversation(), Nodes: len(nodes)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Observer == nil {
		unavailable(w)
		return
	}
	s.cfg.Observer.RefreshSnapshot()
	writeJSON(w, http.StatusAccepted, pageResponse{ConversationID: s.cfg.Observer.ConversationID()})
}

type conversationResponse struct {
	*types.ConversationRecord
	MessageCount int64 `json:"messageCount"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Conversations == nil {
		unavailable(w)
		return
	}
	ctx := r.Context()
	records, err := s.cfg.Conversations.List(ctx)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]conversationResponse, 0, len(records))
	for _, rec := range records {
		var count int64
		if s.cfg.Messages != nil {
			count, err = s.cfg.Messages.Count(ctx, rec.ID)
			if err != nil {
				s.logger.Warn("count messages failed", "conversation_id", string(rec.ID), "error", err)
			}
		}
		result = append(result, conversationResponse{ConversationRecord: rec, MessageCount: count})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Messages == nil {
		unavailable(w)
		return
	}
	id := types.ConversationID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.cfg.Messages.ListByConversation(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list messages failed", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.MessageEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// enqueueRequest is the JSON body for POST /api/jobs.
type enqueueRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		unavailable(w)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, err := types.ParseJobKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	payload, err := types.DecodePayload(kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.cfg.Jobs.Enqueue(r.Context(), payload, req.IdempotencyKey)
	if err != nil {
		s.logger.Error("enqueue job failed", "kind", string(kind), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		unavailable(w)
		return
	}
	stats, err := s.cfg.Jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("job stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		unavailable(w)
		return
	}
	n, err := s.cfg.Jobs.RetryFailedJobs(r.Context())
	if err != nil {
		s.logger.Error("retry failed jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// suggestRequest is the JSON body for POST /api/suggestions.
type suggestRequest struct {
	ConversationID string `json:"conversation_id"`
	suggest.Options
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Suggester == nil {
		unavailable(w)
		return
	}
	var req suggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := types.ConversationID(req.ConversationID)
	if id == "" {
		id = s.currentConversation()
	}
	if id == "" || id == types.UnknownConversation {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	res, err := s.cfg.Suggester.Suggest(r.Context(), id, req.Options)
	switch {
	case errors.Is(err, suggest.ErrNoMessages):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("suggest failed", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
