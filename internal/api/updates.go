package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kmcai/portfolio-status/internal/domain"
)

const maxUpdateBody = 1 << 20

// UpdatesOptions configures UpdatesHandler.
type UpdatesOptions struct {
	Publisher    Publisher
	Journal      JournalReader
	PublishRate  float64
	PublishBurst int
	Logger       *slog.Logger
}

// UpdatesHandler lets the processing backend publish updates and lets
// operators inspect the journal.
type UpdatesHandler struct {
	pub      Publisher
	journal  JournalReader
	limiters *limiterSet
	validate *validator.Validate
	logger   *slog.Logger
}

type publishTarget struct {
	SessionID string `validate:"required,max=128"`
	Event     string `validate:"required,oneof=ProcessingUpdate DocumentValidationUpdate PortfolioCompletionUpdate CompanyHouseValidationUpdate ProcessingCompleteUpdate"`
}

// NewUpdatesHandler creates the handler. A nil Journal disables the read routes.
func NewUpdatesHandler(opts UpdatesOptions) *UpdatesHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishRate <= 0 {
		opts.PublishRate = 20
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 40
	}
	return &UpdatesHandler{
		pub:      opts.Publisher,
		journal:  opts.Journal,
		limiters: newLimiterSet(opts.PublishRate, opts.PublishBurst),
		validate: validator.New(),
		logger:   opts.Logger.With("component", "api"),
	}
}

// RegisterRoutes registers the session routes.
func (h *UpdatesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/updates/{event}", h.Publish)
		if h.journal != nil {
			r.Get("/updates", h.ListUpdates)
			r.Get("/", h.GetSession)
		}
	})
}

// Publish validates an update and broadcasts it to the session group.
func (h *UpdatesHandler) Publish(w http.ResponseWriter, r *http.Request) {
	target := publishTarget{
		SessionID: chi.URLParam(r, "sessionID"),
		Event:     chi.URLParam(r, "event"),
	}
	if err := h.validate.Struct(target); err != nil || !domain.ValidSessionID(target.SessionID) {
		Error(w, http.StatusBadRequest, "invalid session id or event")
		return
	}

	if !h.limiters.allow(target.SessionID) {
		h.logger.Warn("Publish rate limited", "session_id", target.SessionID)
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBody+1))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxUpdateBody {
		Error(w, http.StatusRequestEntityTooLarge, "update too large")
		return
	}

	update, err := domain.DecodeUpdate(target.Event, body)
	if err != nil {
		var derr *domain.MessageDecodeError
		if errors.As(err, &derr) {
			Error(w, http.StatusBadRequest, derr.Error())
			return
		}
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	env := update.Envelope()
	switch {
	case env.SessionID == "":
		env.SessionID = target.SessionID
	case env.SessionID != target.SessionID:
		Error(w, http.StatusBadRequest, "sessionId does not match path")
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := h.validate.Struct(update); err != nil {
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	payload, err := json.Marshal(update)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to encode update")
		return
	}

	delivered, err := h.pub.Publish(r.Context(), target.Event, target.SessionID, payload)
	if err != nil {
		h.logger.Error("Failed to publish update", "error", err, "session_id", target.SessionID, "event", target.Event)
		Error(w, http.StatusInternalServerError, "failed to publish update")
		return
	}

	h.logger.Info("Update published",
		"session_id", target.SessionID,
		"event", target.Event,
		"step_kind", string(env.StepKind),
		"progress", env.Progress,
		"delivered", delivered)
	JSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "published",
		"delivered": delivered,
	})
}

// ListUpdates returns the journaled updates of a session.
func (h *UpdatesHandler) ListUpdates(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !domain.ValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	entries, err := h.journal.ListUpdates(r.Context(), sessionID, after)
	if err != nil {
		h.logger.Error("Failed to list updates", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []domain.JournalEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"updates":    entries,
	})
}

// GetSession returns the summary of a journaled session.
func (h *UpdatesHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !domain.ValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rec, err := h.journal.GetSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to get session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}
