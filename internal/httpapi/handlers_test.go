package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/openvtt/backend/internal/hub"
	"github.com/openvtt/backend/internal/statestore"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := statestore.New(context.Background())
	t.Cleanup(store.Close)
	h := hub.NewHub(context.Background(), store, nil, zap.NewNop())
	t.Cleanup(func() { h.Inbox() <- hub.ShutdownHub{} })

	srv := httptest.NewServer(SetupRoutes(h, nil, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateThenJoinSession(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/sessions", "application/json", strings.NewReader(`{"name":"Friday Night","referee":"Alice"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created hub.Info
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created.Code) != 6 {
		t.Fatalf("code = %q", created.Code)
	}

	// Join is case-insensitive on the entered code.
	body := `{"code":"` + strings.ToLower(created.Code) + `"}`
	resp2, err := http.Post(srv.URL+"/sessions/join", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp2.StatusCode)
	}
	var joined hub.Info
	if err := json.NewDecoder(resp2.Body).Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.Code != created.Code || joined.Name != "Friday Night" {
		t.Fatalf("joined = %+v", joined)
	}
}

func TestJoinSession_UnknownCode(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/sessions/join", "application/json", strings.NewReader(`{"code":"NOPE99"}`))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateSession_RequiresReferee(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/sessions", "application/json", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRecentSessions_EmptyWithoutArchive(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/sessions/recent")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	defer resp.Body.Close()
	var out []any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty list, got %v", out)
	}
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
