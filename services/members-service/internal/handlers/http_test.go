package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/httpx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
	"github.com/gymflow/gymflow/services/members-service/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	ob := outbox.NewMemoryStore()
	codec := eventx.NewCodec(eventx.NewRegistry(
		eventx.TypeMemberCreated,
		eventx.TypeMemberStatusChanged,
		eventx.TypeContractCreated,
		eventx.TypeContractStatusChange,
	))
	s := store.NewMemory(ob, inbox.NewMemoryLedger(), codec)

	mux := http.NewServeMux()
	New(s, ob, slog.New(slog.DiscardHandler)).Register(mux)
	srv := httptest.NewServer(httpx.WithTenant(mux))
	t.Cleanup(srv.Close)
	return srv, s
}

func doJSON(t *testing.T, method, url, tenant, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(httpx.TenantIDHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateAndGetMember(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/members", "gym-1",
		`{"name":"Ana Souza","email":"ana@example.com"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["status"] != "pending" {
		t.Fatalf("new member must start pending, got %v", created["status"])
	}

	id, _ := created["id"].(string)
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/members/"+id, "gym-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMissingTenantRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/members", "",
		`{"name":"Ana","email":"ana@example.com"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant header, got %d", resp.StatusCode)
	}
}

func TestCrossTenantReadLooksLikeNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/members", "gym-1",
		`{"name":"Ana","email":"ana@example.com"}`)
	var created map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&created)
	id, _ := created["id"].(string)

	// Another tenant probing the same id gets a plain 404.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/members/"+id, "gym-2", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-tenant read, got %d", resp.StatusCode)
	}
}

func TestIllegalTransitionConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/members", "gym-1",
		`{"name":"Ana","email":"ana@example.com"}`)
	var created map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&created)
	id, _ := created["id"].(string)

	// pending -> pending is not a legal move.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/members/"+id+"/status", "gym-1",
		`{"status":"pending"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/members/"+id+"/status", "gym-1",
		`{"status":"active"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
