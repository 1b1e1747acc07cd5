// Package api provides the HTTP and gRPC status surfaces of the bot.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/store"
)

// Session is the read side of the lifecycle manager.
type Session interface {
	View() domain.SessionView
}

// Commands applies operator commands and counts attached observers.
type Commands interface {
	Execute(ctx context.Context, cmd domain.Command) (*domain.Event, error)
	Count() int
}

// ChatCounter reports how many conversations are live.
type ChatCounter interface {
	Len() int
}

// Handler serves the status and control endpoints.
type Handler struct {
	session  Session
	commands Commands
	chats    ChatCounter
	repo     store.Repository
}

// NewHandler creates a new Handler. chats and repo may be nil.
func NewHandler(session Session, commands Commands, chats ChatCounter, repo store.Repository) *Handler {
	return &Handler{
		session:  session,
		commands: commands,
		chats:    chats,
		repo:     repo,
	}
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
