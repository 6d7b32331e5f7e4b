// Package api provides HTTP handlers for the notification hub.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kmcai/portfolio-status/internal/domain"
)

// Publisher fans an update out to the clients of a session group.
type Publisher interface {
	Publish(ctx context.Context, event, sessionID string, payload json.RawMessage) (int, error)
}

// JournalReader exposes the journaled history of a session.
type JournalReader interface {
	ListUpdates(ctx context.Context, sessionID string, afterSeq int64) ([]domain.JournalEntry, error)
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
