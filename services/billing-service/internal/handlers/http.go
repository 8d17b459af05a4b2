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
	"github.com/gymflow/gymflow/services/billing-service/internal/store"
)

type Handler struct {
	store  store.Store
	outbox outbox.Store
	logger *slog.Logger
}

func New(s store.Store, ob outbox.Store, logger *slog.Logger) *Handler {
	return &Handler{store: s, outbox: ob, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/payments", h.RecordPayment)
	mux.HandleFunc("GET /api/v1/payments/{id}", h.GetPayment)
	mux.HandleFunc("POST /api/v1/payments/{id}/status", h.TransitionPaymentStatus)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}", h.GetSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/status", h.TransitionSubscriptionStatus)
	mux.HandleFunc("GET /api/v1/members/{id}", h.GetMemberProjection)
	mux.HandleFunc("POST /api/v1/outbox/{eventID}/requeue", h.RequeueOutbox)
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		MemberID       string `json:"member_id"`
		InvoiceRef     string `json:"invoice_ref"`
		AmountCents    int64  `json:"amount_cents"`
		Method         string `json:"method"`
		TransactionID  string `json:"transaction_id"`
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	p, err := h.store.RecordPayment(r.Context(), store.RecordPayment{
		TenantID:       tenantID,
		MemberID:       strings.TrimSpace(req.MemberID),
		InvoiceRef:     strings.TrimSpace(req.InvoiceRef),
		AmountCents:    req.AmountCents,
		Method:         strings.TrimSpace(req.Method),
		TransactionID:  strings.TrimSpace(req.TransactionID),
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse(p))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())
	p, err := h.store.GetPayment(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse(p))
}

func (h *Handler) TransitionPaymentStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	p, err := h.store.TransitionPaymentStatus(r.Context(), store.TransitionPaymentStatus{
		TenantID:  tenantID,
		PaymentID: r.PathValue("id"),
		Status:    store.PaymentStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse(p))
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())
	sub, err := h.store.GetSubscription(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) TransitionSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	sub, err := h.store.TransitionSubscriptionStatus(r.Context(), store.TransitionSubscriptionStatus{
		TenantID:       tenantID,
		SubscriptionID: r.PathValue("id"),
		Status:         store.SubscriptionStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) GetMemberProjection(w http.ResponseWriter, r *http.Request) {
	tenantID := httpx.TenantIDFromContext(r.Context())
	m, err := h.store.GetMemberProjection(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        m.ID,
		"tenant_id": m.TenantID,
		"name":      m.Name,
		"email":     m.Email,
		"status":    m.Status,
	})
}

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

// Cross-tenant probes get the same 404 as a missing entity.
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

func paymentResponse(p store.Payment) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"tenant_id":       p.TenantID,
		"member_id":       p.MemberID,
		"invoice_ref":     p.InvoiceRef,
		"amount_cents":    p.AmountCents,
		"method":          p.Method,
		"status":          string(p.Status),
		"transaction_id":  p.TransactionID,
		"subscription_id": p.SubscriptionID,
		"created_at":      p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func subscriptionResponse(s store.Subscription) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"tenant_id":  s.TenantID,
		"member_id":  s.MemberID,
		"plan":       s.Plan,
		"status":     string(s.Status),
		"started_at": s.StartedAt.UTC().Format(time.RFC3339),
		"ends_at":    s.EndsAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
