package handler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"j2lsnek/internal/config"
	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

// newTestEnv builds an Env over a throwaway store. The returned channel
// is the receive side of the env's reload endpoint.
func newTestEnv(t *testing.T) (*Env, chan int) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfgMgr, err := config.NewManager("")
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reload := make(chan int, 1)
	env := &Env{
		Log:       log,
		Store:     st,
		Cfg:       cfgMgr,
		Self:      Identity{Address: "testhost", IP: "203.0.113.1", Started: time.Now()},
		Broadcast: servernet.NewBroadcaster(log, st, "testhost", "203.0.113.1"),
		Reload:    reload,
	}
	return env, reload
}

// seedRow inserts a populated server row directly into the store.
func seedRow(t *testing.T, st *store.Store, id, ip string, port int, fields map[string]any) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	if err := st.InsertServer(ctx, id, now); err != nil {
		t.Fatalf("InsertServer: %v", err)
	}
	base := map[string]any{"ip": ip, "port": port, "players": 3, "max": 8, "name": "Seeded Server"}
	for k, v := range fields {
		base[k] = v
	}
	for col, val := range base {
		if err := st.UpdateServerField(ctx, id, col, val, now); err != nil {
			t.Fatalf("UpdateServerField %s: %v", col, err)
		}
	}
}

// exchange runs a handler over a pipe, writes the input and returns
// everything the handler wrote back.
func exchange(t *testing.T, fn func(context.Context, net.Conn, string), ip string, input []byte) []byte {
	t.Helper()

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		fn(context.Background(), server, ip)
		server.Close()
		close(done)
	}()

	if len(input) > 0 {
		_ = client.SetWriteDeadline(time.Now().Add(3 * time.Second))
		// A refused connection may never read its input; the write error is
		// part of normal operation then.
		_, _ = client.Write(input)
	}

	var out []byte
	buf := make([]byte, 4096)
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := client.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
	return out
}
