package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/hub"
)

const maxCommandBody = 4 << 10

// RegisterRoutes registers the session routes under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/commands", h.PostCommand)
		r.Get("/events", h.ListEvents)
		r.Get("/handoffs", h.ListHandoffs)
	})
}

func (h *Handler) activeChats() int {
	if h.chats == nil {
		return 0
	}
	return h.chats.Len()
}

// GetState returns the getState answer plus session details.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	view := h.session.View()
	JSON(w, http.StatusOK, map[string]interface{}{
		"state":         view.State(),
		"status":        view.Status.String(),
		"clientActive":  view.ClientActive,
		"observerCount": h.commands.Count(),
		"activeChats":   h.activeChats(),
	})
}

// PostCommand applies an operator command sent as {"type": ...}.
func (h *Handler) PostCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	cmd, err := hub.ParseCommand(body)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("Command received over HTTP", "command", cmd.Type)
	reply, err := h.commands.Execute(r.Context(), cmd)
	if err != nil {
		slog.Warn("Command failed", "command", cmd.Type, "error", err)
		status := http.StatusInternalServerError
		switch {
		case hub.Broadcasted(err):
			status = http.StatusBadGateway
		case errors.Is(err, domain.ErrManagerClosed):
			status = http.StatusServiceUnavailable
		}
		Error(w, status, err.Error())
		return
	}

	resp := map[string]interface{}{"command": cmd.Type}
	if reply != nil {
		resp["reply"] = reply
	} else {
		resp["state"] = h.session.View().State()
	}
	JSON(w, http.StatusOK, resp)
}

// ListEvents returns recent lifecycle events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "history is disabled")
		return
	}
	records, err := h.repo.ListLifecycleEvents(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("Failed to list lifecycle events", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

// ListHandoffs returns recent handoffs to human agents.
func (h *Handler) ListHandoffs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "history is disabled")
		return
	}
	records, err := h.repo.ListHandoffs(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("Failed to list handoffs", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list handoffs")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"handoffs": records})
}

func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
