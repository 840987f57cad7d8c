package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/hydroac/aicoach/internal/coach"
	"github.com/hydroac/aicoach/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TurnHandler runs chat turns.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req coach.TurnRequest) coach.TurnResult
}

type Handler struct {
	accessor *coach.Accessor
	turns    TurnHandler
	settings store.SettingsStore
	problems store.ProblemStore
	validate *validator.Validate
	admins   map[int64]bool
	log      zerolog.Logger
}

type HandlerOption func(*Handler)

// WithAdmins names the users allowed to read other users' transcripts and
// to change the system provider credentials.
func WithAdmins(uids ...int64) HandlerOption {
	return func(h *Handler) {
		for _, uid := range uids {
			h.admins[uid] = true
		}
	}
}

func NewHandler(accessor *coach.Accessor, turns TurnHandler, settings store.SettingsStore, problems store.ProblemStore, log zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		accessor: accessor,
		turns:    turns,
		settings: settings,
		problems: problems,
		validate: validator.New(),
		admins:   make(map[int64]bool),
		log:      log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) isAdmin(ctx context.Context) bool {
	return h.admins[userFrom(ctx)]
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type turnRequest struct {
	Message  string `json:"message" validate:"required"`
	DomainID string `json:"domainId"`
	Code     string `json:"code"`
	CodeLang string `json:"codeLang"`
	ConvID   string `json:"convId"`
}

// HandleTurn answers with 200 for every turn outcome; failures are flagged
// with success=false in the body.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "convId")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "message is required"})
		return
	}
	if req.ConvID != "" && req.ConvID != convID {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "convId does not match the route"})
		return
	}

	res := h.turns.HandleTurn(r.Context(), coach.TurnRequest{
		ConversationID: convID,
		UID:            userFrom(r.Context()),
		DomainID:       req.DomainID,
		Message:        req.Message,
		Code:           req.Code,
		CodeLang:       req.CodeLang,
	})
	writeJSON(w, http.StatusOK, res)
}

type conversationPage struct {
	IsLoadingConversation bool          `json:"isLoadingConversation"`
	AIConvHist            *coach.Lookup `json:"aiConvHist"`
}

// HandleConversation backs the problem page. A conversation that cannot be
// loaded renders as null rather than an error.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	l := h.accessor.EnsureConversationVisible(r.Context(), userFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "domainId"))
	writeJSON(w, http.StatusOK, conversationPage{AIConvHist: l})
}

// HandleListConversations lists the caller's own conversations. Admins may
// list every user's, optionally narrowed with uid.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := userFrom(r.Context())

	var filter store.ConversationFilter
	if raw := q.Get("uid"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "uid must be an integer"})
			return
		}
		filter.UID = &uid
	}
	if !h.isAdmin(r.Context()) {
		if filter.UID != nil && *filter.UID != caller {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "not allowed to list other users' conversations"})
			return
		}
		filter.UID = &caller
	}
	filter.ProblemID = q.Get("pid")

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	convs := make([]*store.Conversation, 0, limit)
	for c, err := range h.accessor.ListByDomain(r.Context(), chi.URLParam(r, "domainId"), filter) {
		if err != nil {
			h.log.Error().Err(err).Msg("listing conversations")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list conversations"})
			return
		}
		convs = append(convs, c)
		if len(convs) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type problemRequest struct {
	Title   string `json:"title"`
	Content string `json:"content" validate:"required"`
}

// HandleSaveProblem lets the judge platform push problem statements.
func (h *Handler) HandleSaveProblem(w http.ResponseWriter, r *http.Request) {
	var req problemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "content is required"})
		return
	}

	p := store.Problem{
		DomainID: chi.URLParam(r, "domainId"),
		PID:      chi.URLParam(r, "pid"),
		Title:    req.Title,
		Content:  req.Content,
	}
	if err := h.problems.SaveProblem(r.Context(), p); err != nil {
		h.log.Error().Err(err).Str("pid", p.PID).Msg("saving problem")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to save problem"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
