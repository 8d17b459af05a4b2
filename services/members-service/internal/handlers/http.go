package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gymflow/gymflow/libs/httpx"
	"github.com/gymflow/gymflow/libs/outbox"
	"github.com/gymflow/gymflow/services/members-service/internal/store"
)

type Handler struct {
	store  store.Store
	outbox outbox.Store
	logger *slog.Logger
}

func New(s store.Store, ob outbox.Store, logger *slog.Logger) *Handler {
	return &Handler{store: s, outbox: ob, logger: logger}
}

// Register wires the command API onto the mux. Tenant extraction happens in
// httpx.WithTenant before any of these run.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/members", h.CreateMember)
	mux.HandleFunc("GET /api/v1/members/{id}", h.GetMember)
	mux.HandleFunc("POST /api/v1/members/{id}/status", h.UpdateMemberStatus)
	mux.HandleFunc("POST /api/v1/contracts", h.CreateContract)
	mux.HandleFunc("GET /api/v1/contracts/{id}", h.GetContract)
	mux.HandleFunc("POST /api/v1/contracts/{id}/status", h.TransitionContractStatus)
	mux.HandleFunc("POST /api/v1/outbox/{eventID}/requeue", h.RequeueOutbox)
}

func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		CPF   string `json:"cpf"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	m, err := h.store.CreateMember(r.Context(), store.CreateMember{
		TenantID: tenantID,
		Name:     strings.TrimSpace(req.Name),
		Email:    strings.TrimSpace(req.Email),
		CPF:      strings.TrimSpace(req.CPF),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, memberResponse(m))
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())
	m, err := h.store.GetMember(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberResponse(m))
}

func (h *Handler) UpdateMemberStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	m, err := h.store.UpdateMemberStatus(r.Context(), store.UpdateMemberStatus{
		TenantID: tenantID,
		MemberID: r.PathValue("id"),
		Status:   store.MemberStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberResponse(m))
}

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		MemberID   string `json:"member_id"`
		PlanType   string `json:"plan_type"`
		StartDate  string `json:"start_date"`
		EndDate    string `json:"end_date"`
		ValueCents int64  `json:"value_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		http.Error(w, "invalid start_date", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		http.Error(w, "invalid end_date", http.StatusBadRequest)
		return
	}

	c, err := h.store.CreateContract(r.Context(), store.CreateContract{
		TenantID:   tenantID,
		MemberID:   strings.TrimSpace(req.MemberID),
		PlanType:   strings.TrimSpace(req.PlanType),
		StartDate:  start,
		EndDate:    end,
		ValueCents: req.ValueCents,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractResponse(c))
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())
	c, err := h.store.GetContract(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse(c))
}

func (h *Handler) TransitionContractStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	c, err := h.store.TransitionContractStatus(r.Context(), store.TransitionContractStatus{
		TenantID:   tenantID,
		ContractID: r.PathValue("id"),
		Status:     store.ContractStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse(c))
}

// RequeueOutbox flips a failed outbox record back to pending so the sweep
// re-sends it. Operator surface for events that exhausted broker retries.
func (h *Handler) RequeueOutbox(w http.ResponseWriter, r *http.Request) {
	ok, err := h.outbox.RequeueFailed(r.Context(), r.PathValue("eventID"))
	if err != nil {
		h.logger.Error("outbox requeue failed", "err", err)
		http.Error(w, "requeue failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no failed record for event", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Cross-tenant probes get the same 404 as a missing entity so the API leaks
// nothing about other tenants' data.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrTenantMismatch):
		h.logger.Warn("tenant mismatch rejected",
			"tenant_id", httpx.TenantIDFromContext(r.Context()), "path", r.URL.Path)
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrIllegalTransition):
		http.Error(w, "illegal status transition", http.StatusConflict)
	case errors.Is(err, store.ErrAlreadyExists):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, store.ErrInvalidCommand):
		http.Error(w, "invalid command", http.StatusBadRequest)
	default:
		h.logger.Error("command failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func memberResponse(m store.Member) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"tenant_id":  m.TenantID,
		"name":       m.Name,
		"email":      m.Email,
		"cpf":        m.CPF,
		"status":     string(m.Status),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func contractResponse(c store.Contract) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"tenant_id":   c.TenantID,
		"member_id":   c.MemberID,
		"plan_type":   c.PlanType,
		"start_date":  c.StartDate.UTC().Format(time.RFC3339),
		"end_date":    c.EndDate.UTC().Format(time.RFC3339),
		"value_cents": c.ValueCents,
		"status":      string(c.Status),
		"created_at":  c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
