package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"j2lsnek/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, time.Now().Add(-time.Minute), "0.4-test"), st
}

func seedServer(t *testing.T, st *store.Store, id, ip string, port, players int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	if err := st.InsertServer(ctx, id, now); err != nil {
		t.Fatalf("InsertServer: %v", err)
	}
	for col, val := range map[string]any{
		"ip": ip, "port": port, "players": players, "max": 8, "name": "API Test",
	} {
		if err := st.UpdateServerField(ctx, id, col, val, now); err != nil {
			t.Fatalf("UpdateServerField %s: %v", col, err)
		}
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "0.4-test" {
		t.Fatalf("health = %+v", resp)
	}
}

func TestServersEndpoint(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	seedServer(t, st, "1.0.0.1:10052", "1.0.0.1", 10052, 3)

	rec := get(t, s, "/api/servers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var rows []serverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "1.0.0.1:10052" || rows[0].Players != 3 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestServersEndpointEmptyIsArray(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := get(t, s, "/api/servers")
	if body := rec.Body.String(); body != "[]\n" && body != "[]" {
		t.Fatalf("empty list body = %q, want JSON array", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	seedServer(t, st, "1.0.0.1:10052", "1.0.0.1", 10052, 3)
	seedServer(t, st, "1.0.0.2:10052", "1.0.0.2", 10052, 5)

	rec := get(t, s, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Servers != 2 || resp.Players != 8 {
		t.Fatalf("stats = %+v", resp)
	}
	if resp.UptimeSeconds < 59 {
		t.Fatalf("uptime = %d, want about a minute", resp.UptimeSeconds)
	}
}

func TestMirrorsEndpoint(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	if err := st.AddMirror(context.Background(), "peer", "10.0.0.1"); err != nil {
		t.Fatalf("AddMirror: %v", err)
	}

	rec := get(t, s, "/api/mirrors")
	var rows []mirrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Address != "10.0.0.1" {
		t.Fatalf("mirrors = %+v", rows)
	}
}
