package httpx

import (
	"context"
	"net/http"
	"strings"
)

// TenantIDHeader carries the caller's tenant. Every command endpoint requires
// it; the gateway is expected to have resolved it from the session.
const TenantIDHeader = "X-Tenant-Id"

func TenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTenantID).(string)
	return v
}

// WithTenant extracts the tenant header into the request context. Requests
// without a tenant are rejected before they reach any handler.
func WithTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenant == "" {
			http.Error(w, "missing tenant", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyTenantID, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
