package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gymflow/gymflow/libs/httpx"
	"github.com/gymflow/gymflow/services/notification-service/internal/storage"
)

type Handler struct {
	store  storage.Store
	logger *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/notifications", h.List)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	notes, err := h.store.ListByTenant(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("notification list failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		out = append(out, map[string]any{
			"id":         n.ID,
			"tenant_id":  n.TenantID,
			"member_id":  n.MemberID,
			"channel":    n.Channel,
			"kind":       n.Kind,
			"recipient":  n.Recipient,
			"subject":    n.Subject,
			"status":     n.Status,
			"reason":     n.Reason,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"notifications": out})
}
