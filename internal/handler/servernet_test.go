package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

func marshalEnvelope(t *testing.T, action string, data []any, origin string) []byte {
	t.Helper()
	payload, err := servernet.Marshal(action, data, origin)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return payload
}

// meshPeer registers ip as a known mirror so its mesh messages pass
// admission.
func meshPeer(t *testing.T, env *Env, name, ip string) {
	t.Helper()
	if err := env.Store.AddMirror(context.Background(), name, ip); err != nil {
		t.Fatalf("AddMirror: %v", err)
	}
}

func announceItem(id, ip string, port int) map[string]any {
	return map[string]any{
		"id": id, "ip": ip, "port": port, "players": 4, "max": 8,
		"name": "Mesh Server", "mode": "battle", "version": "1.24",
		"private": 0, "plusonly": 0,
	}
}

func TestMeshServerAnnounceCreatesRemoteRow(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	meshPeer(t, env, "peer", "198.51.100.7")
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:10052", "1.0.0.1", 10052)}, "peer")
	exchange(t, env.ServeMesh, "198.51.100.7", payload)

	row, err := env.Store.ServerByID(context.Background(), "1.0.0.1:10052")
	if err != nil {
		t.Fatalf("ServerByID: %v", err)
	}
	if row.Remote != 1 {
		t.Fatalf("remote = %d, want 1", row.Remote)
	}
	if row.Origin != "peer" {
		t.Fatalf("origin = %q, want peer", row.Origin)
	}
	if row.Name != "Mesh Server" || row.Players != 4 {
		t.Fatalf("row = %+v", row)
	}
}

func TestMeshPartialUpdateForUnknownServerIsDropped(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	meshPeer(t, env, "peer", "198.51.100.7")
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{map[string]any{"id": "1.0.0.1:10052", "players": 5}}, "peer")
	exchange(t, env.ServeMesh, "198.51.100.7", payload)

	if _, err := env.Store.ServerByID(context.Background(), "1.0.0.1:10052"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("partial update must not create a row")
	}
}

func TestMeshDelist(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	ctx := context.Background()
	meshPeer(t, env, "peer", "198.51.100.7")

	// A remote row can be delisted.
	exchange(t, env.ServeMesh, "198.51.100.7", marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:10052", "1.0.0.1", 10052)}, "peer"))
	exchange(t, env.ServeMesh, "198.51.100.7", marshalEnvelope(t, servernet.ActionDelist,
		[]any{map[string]any{"id": "1.0.0.1:10052"}}, "peer"))
	if _, err := env.Store.ServerByID(ctx, "1.0.0.1:10052"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("remote row should be delisted")
	}

	// A locally listed row cannot be delisted from the mesh.
	seedRow(t, env.Store, "2.0.0.1:10052", "2.0.0.1", 10052, nil)
	exchange(t, env.ServeMesh, "198.51.100.7", marshalEnvelope(t, servernet.ActionDelist,
		[]any{map[string]any{"id": "2.0.0.1:10052"}}, "peer"))
	if _, err := env.Store.ServerByID(ctx, "2.0.0.1:10052"); err != nil {
		t.Fatal("local row must survive a mesh delist")
	}
}

func TestMeshRefusesUnknownPeer(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:10052", "1.0.0.1", 10052)}, "peer")
	exchange(t, env.ServeMesh, "8.8.8.8", payload)

	if _, err := env.Store.ServerByID(context.Background(), "1.0.0.1:10052"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("message from unknown peer must be ignored")
	}
}

func TestMeshAcceptsKnownMirrorAndTouchesLifesign(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	ctx := context.Background()
	if err := env.Store.AddMirror(ctx, "peer", "8.8.4.4"); err != nil {
		t.Fatalf("AddMirror: %v", err)
	}
	if err := env.Store.TouchMirror(ctx, "8.8.4.4", 100); err != nil {
		t.Fatalf("TouchMirror: %v", err)
	}

	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:10052", "1.0.0.1", 10052)}, "peer")
	exchange(t, env.ServeMesh, "8.8.4.4", payload)

	if _, err := env.Store.ServerByID(ctx, "1.0.0.1:10052"); err != nil {
		t.Fatal("message from known mirror should be processed")
	}
	mirrors, err := env.Store.Mirrors(ctx)
	if err != nil {
		t.Fatalf("Mirrors: %v", err)
	}
	if len(mirrors) != 1 || mirrors[0].Lifesign <= 100 {
		t.Fatalf("mirror lifesign = %+v, want refreshed", mirrors)
	}
}

func TestMeshDropsOwnOrigin(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	meshPeer(t, env, "peer", "198.51.100.7")
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:10052", "1.0.0.1", 10052)}, "testhost")
	exchange(t, env.ServeMesh, "198.51.100.7", payload)

	if _, err := env.Store.ServerByID(context.Background(), "1.0.0.1:10052"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("own broadcast echoed back must be dropped")
	}
}

func TestMeshRefusesLoopback(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	// Even a mirror row for loopback does not open the mesh port locally.
	meshPeer(t, env, "loop", "127.0.0.1")
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:9999", "1.0.0.1", 9999)}, "attacker")
	exchange(t, env.ServeMesh, "127.0.0.1", payload)

	if _, err := env.Store.ServerByID(context.Background(), "1.0.0.1:9999"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("loopback mesh message must be refused")
	}
}

func TestMeshRefusesOwnAddress(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	meshPeer(t, env, "self", "203.0.113.1")
	payload := marshalEnvelope(t, servernet.ActionServer,
		[]any{announceItem("1.0.0.1:9999", "1.0.0.1", 9999)}, "attacker")
	exchange(t, env.ServeMesh, "203.0.113.1", payload)

	if _, err := env.Store.ServerByID(context.Background(), "1.0.0.1:9999"); !errors.Is(err, store.ErrServerUnknown) {
		t.Fatal("mesh message from our own address must be refused")
	}
}

func TestAdminMutationAcks(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	payload := marshalEnvelope(t, servernet.ActionAddBanlist,
		[]any{map[string]any{"address": "5.5.5.*", "type": "ban", "note": "test"}}, "web")
	out := string(exchange(t, env.ServeAdmin, "127.0.0.1", payload))

	if out != "ACK" {
		t.Fatalf("reply = %q, want ACK", out)
	}
	entries, err := env.Store.BanlistEntries(context.Background())
	if err != nil {
		t.Fatalf("BanlistEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Address != "5.5.5.*" {
		t.Fatalf("banlist = %+v", entries)
	}
	// The daemon claims ownership of admin-originated entries.
	if entries[0].Origin != "testhost" {
		t.Fatalf("origin = %q, want testhost", entries[0].Origin)
	}
}

func TestAdminRefusedFromRemoteAddress(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	payload := marshalEnvelope(t, servernet.ActionAddBanlist,
		[]any{map[string]any{"address": "5.5.5.*", "type": "ban"}}, "web")
	out := exchange(t, env.ServeAdmin, "9.9.9.9", payload)

	if len(out) != 0 {
		t.Fatalf("remote admin connection got reply %q", out)
	}
	if entries, _ := env.Store.BanlistEntries(context.Background()); len(entries) != 0 {
		t.Fatal("remote admin mutation must not be applied")
	}
}

func TestAdminGetServers(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	seedRow(t, env.Store, "1.0.0.1:10052", "1.0.0.1", 10052, nil)

	payload := marshalEnvelope(t, servernet.ActionGetServers, []any{map[string]any{}}, "web")
	out := exchange(t, env.ServeAdmin, "127.0.0.1", payload)

	var rows []map[string]any
	if err := json.Unmarshal(out, &rows); err != nil {
		t.Fatalf("reply is not JSON: %v (%q)", err, out)
	}
	if len(rows) != 1 || rows[0]["id"] != "1.0.0.1:10052" {
		t.Fatalf("reply = %v", rows)
	}
}

func TestGetActionsRefusedOnMeshPort(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	seedRow(t, env.Store, "1.0.0.1:10052", "1.0.0.1", 10052, nil)
	meshPeer(t, env, "peer", "198.51.100.7")

	payload := marshalEnvelope(t, servernet.ActionGetServers, []any{map[string]any{}}, "peer")
	out := exchange(t, env.ServeMesh, "198.51.100.7", payload)
	if len(out) != 0 {
		t.Fatalf("mesh get-servers got reply %q", out)
	}
}

func TestSyncPushScopes(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	ctx := context.Background()
	meshPeer(t, env, "peer", "198.51.100.7")
	if err := env.Store.SetSetting(ctx, "motd", "hello"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	s := &netSession{env: env, ip: "198.51.100.7", kind: KindMesh, log: env.Log}
	actions := func(fragment string) []string {
		var got []string
		for _, p := range s.statePushes(ctx, fragment) {
			got = append(got, p.action)
		}
		return got
	}

	// A fragmentless sync teaches the peer the mirror set too.
	got := actions("")
	hasMirrors, hasMOTD := false, false
	for _, g := range got {
		switch g {
		case servernet.ActionAddMirror:
			hasMirrors = true
		case servernet.ActionSetMOTD:
			hasMOTD = true
		}
	}
	if !hasMirrors || !hasMOTD {
		t.Fatalf("fragmentless sync pushes %v, want mirror set and motd included", got)
	}

	if got := actions("mirrors"); len(got) != 1 || got[0] != servernet.ActionAddMirror {
		t.Fatalf("mirrors sync pushes %v, want only %s", got, servernet.ActionAddMirror)
	}
	if got := actions("servers"); len(got) != 0 {
		t.Fatalf("servers sync with no local servers pushes %v, want none", got)
	}
}

func TestAdminMirrorManagement(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	ctx := context.Background()

	out := string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionAddMirror,
		[]any{map[string]any{"name": "peer", "address": "203.0.113.9"}}, "web")))
	if out != "ACK" {
		t.Fatalf("add-mirror reply = %q", out)
	}
	if known, _ := env.Store.MirrorExists(ctx, "peer", "203.0.113.9"); !known {
		t.Fatal("mirror should be stored")
	}

	// The reserved web origin cannot become a mirror name.
	out = string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionAddMirror,
		[]any{map[string]any{"name": "web", "address": "203.0.113.10"}}, "web")))
	if out == "ACK" {
		t.Fatal("reserved mirror name must not ACK")
	}

	out = string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionDeleteMirror,
		[]any{map[string]any{"name": "peer", "address": "203.0.113.9"}}, "web")))
	if out != "ACK" {
		t.Fatalf("delete-mirror reply = %q", out)
	}
	if known, _ := env.Store.MirrorExists(ctx, "peer", "203.0.113.9"); known {
		t.Fatal("mirror should be gone")
	}
}

func TestSetMOTDLastWriterWins(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	ctx := context.Background()
	if err := env.Store.SetSetting(ctx, "motd-updated", "1000000000"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	// Older than what we have: refused, no ACK.
	out := string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionSetMOTD,
		[]any{map[string]any{"motd": "old news", "motd-updated": 999}}, "web")))
	if out == "ACK" {
		t.Fatal("stale motd must not ACK")
	}
	if motd, _ := env.Store.Setting(ctx, "motd"); motd == "old news" {
		t.Fatal("stale motd must not be stored")
	}

	// Newer: accepted.
	out = string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionSetMOTD,
		[]any{map[string]any{"motd": "fresh news", "motd-updated": time.Now().Unix()}}, "web")))
	if out != "ACK" {
		t.Fatalf("fresh motd reply = %q", out)
	}
	if motd, _ := env.Store.Setting(ctx, "motd"); motd != "fresh news" {
		t.Fatalf("motd = %q", motd)
	}
}

func TestReloadSignal(t *testing.T) {
	t.Parallel()

	env, reload := newTestEnv(t)
	out := string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		servernet.ActionReload,
		[]any{map[string]any{"mode": "restart"}}, "web")))
	if out != "ACK" {
		t.Fatalf("reload reply = %q", out)
	}

	select {
	case level := <-reload:
		if level != servernet.ReloadRestart {
			t.Fatalf("reload level = %d, want %d", level, servernet.ReloadRestart)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload signal delivered")
	}
}

func TestUnknownActionRefused(t *testing.T) {
	t.Parallel()

	env, _ := newTestEnv(t)
	out := string(exchange(t, env.ServeAdmin, "127.0.0.1", marshalEnvelope(t,
		"frobnicate", []any{map[string]any{}}, "web")))
	if !strings.Contains(out, "Unknown action") {
		t.Fatalf("reply = %q, want unknown-action error", out)
	}
}
