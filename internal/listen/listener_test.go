package listen

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"j2lsnek/internal/store"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return &Listener{
		Port:        10054,
		Log:         slog.Default(),
		Store:       st,
		Limiter:     NewRateLimiter(10, 2, time.Hour),
		MaxHandlers: 4,
	}
}

func TestAdmitAllowsUnknownIP(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	if !l.admit(context.Background(), server, "9.9.9.9") {
		t.Fatal("unknown IP should be admitted")
	}
}

func TestAdmitRefusesBannedIP(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)
	ctx := context.Background()
	if _, err := l.Store.AddBanlistEntry(ctx, store.BanlistEntry{
		Address: "9.9.*", Type: store.BanTypeBan, Origin: "self",
	}); err != nil {
		t.Fatalf("add ban: %v", err)
	}

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	if l.admit(ctx, server, "9.9.9.9") {
		t.Fatal("banned IP should be refused")
	}
}

func TestAdmitRateLimits(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)
	l.Limiter = NewRateLimiter(1, 1, time.Hour)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		server, client := net.Pipe()
		if l.admit(ctx, server, "9.9.9.9") {
			admitted++
			server.Close()
		}
		client.Close()
	}
	if admitted >= 5 {
		t.Fatal("rate limiter never kicked in")
	}
}

func TestAdmitWhitelistBypassesBanAndLimit(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)
	l.Limiter = NewRateLimiter(1, 1, time.Hour)
	ctx := context.Background()
	for _, banType := range []string{store.BanTypeBan, store.BanTypeWhitelist} {
		if _, err := l.Store.AddBanlistEntry(ctx, store.BanlistEntry{
			Address: "9.9.9.9", Type: banType, Origin: "self",
		}); err != nil {
			t.Fatalf("add %s: %v", banType, err)
		}
	}

	for i := 0; i < 5; i++ {
		server, client := net.Pipe()
		ok := l.admit(ctx, server, "9.9.9.9")
		server.Close()
		client.Close()
		if !ok {
			t.Fatalf("whitelisted IP refused on attempt %d", i+1)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	if got := remoteIP(conn); got != "127.0.0.1" {
		t.Fatalf("remoteIP = %q, want 127.0.0.1", got)
	}
}
