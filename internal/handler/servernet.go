package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

// ChannelKind distinguishes the mesh port, open to known mirrors, from
// the admin port, open to authenticated local clients only.
type ChannelKind int

const (
	KindMesh ChannelKind = iota
	KindAdmin
)

const (
	// A message must fit in this many reads of this size; anything longer
	// is discarded as garbage.
	channelReadChunk = 2048
	channelMaxReads  = 12

	// channelTimeout bounds the whole exchange.
	channelTimeout = 5 * time.Second
)

// noRebroadcast lists actions that are never relayed from the admin
// channel to the mesh, on top of the get- reads.
var noRebroadcast = map[string]bool{
	servernet.ActionHello:          true,
	servernet.ActionRequest:        true,
	servernet.ActionDelist:         true,
	servernet.ActionRequestLog:     true,
	servernet.ActionRequestLogFrom: true,
	servernet.ActionSendLog:        true,
	servernet.ActionPing:           true,
}

// ServeMesh handles one inbound connection on the mirror-to-mirror port.
func (e *Env) ServeMesh(ctx context.Context, conn net.Conn, ip string) {
	e.serveChannel(ctx, conn, ip, KindMesh)
}

// ServeAdmin handles one inbound connection on the management port.
func (e *Env) ServeAdmin(ctx context.Context, conn net.Conn, ip string) {
	e.serveChannel(ctx, conn, ip, KindAdmin)
}

// netSession carries per-message state across item processing.
type netSession struct {
	env         *Env
	conn        net.Conn
	ip          string
	kind        ChannelKind
	log         *slog.Logger
	reloadLevel int
	logLines    []string
}

func (e *Env) serveChannel(ctx context.Context, conn net.Conn, ip string, kind ChannelKind) {
	channel := "mesh"
	if kind == KindAdmin {
		channel = "admin"
	}
	log := e.Log.With("channel", channel, "ip", ip)
	_ = conn.SetDeadline(time.Now().Add(channelTimeout))

	if kind == KindAdmin {
		if ip != "127.0.0.1" {
			log.Warn("admin connection from non-loopback address refused")
			return
		}
		if tc, ok := conn.(*tls.Conn); ok {
			if err := tc.HandshakeContext(ctx); err != nil {
				log.Warn("admin TLS handshake failed", "err", err)
				return
			}
		}
	} else {
		// Only known mirrors may speak on the mesh port; our own addresses
		// never legitimately connect here, the broadcaster skips them.
		if ip == "127.0.0.1" || ip == e.Self.IP {
			log.Warn("mesh message from own address refused")
			return
		}
		mirrors, err := e.Store.MirrorAddresses(ctx)
		if err != nil {
			log.Error("could not load mirror set", "err", err)
			return
		}
		known := false
		for _, addr := range mirrors {
			if addr == ip {
				known = true
				break
			}
		}
		if !known {
			log.Warn("mesh message from unknown peer refused")
			return
		}
		if err := e.Store.TouchMirror(ctx, ip, time.Now().Unix()); err != nil {
			log.Error("could not refresh mirror lifesign", "err", err)
		}
	}

	env, ok := readEnvelope(conn, log)
	if !ok {
		return
	}
	// Our own broadcasts can come back via another mirror; drop them.
	if env.Origin == e.Self.Address {
		return
	}

	log.Info("processing message", "action", env.Action, "origin", env.Origin, "items", len(env.Data))

	s := &netSession{env: e, conn: conn, ip: ip, kind: kind, log: log}
	var passOn []json.RawMessage
	allOK := true
	for _, item := range env.Data {
		if s.processItem(ctx, env.Action, env.Origin, item) {
			passOn = append(passOn, item)
		} else {
			allOK = false
		}
	}

	if env.Action == servernet.ActionSendLog && len(s.logLines) > 0 {
		s.saveReceivedLog(env.Origin)
	}

	// Mutations pushed by a web front-end are relayed to the rest of the
	// mesh; everything else already travels peer to peer.
	if kind == KindAdmin && env.Origin == servernet.WebOrigin && len(passOn) > 0 &&
		!noRebroadcast[env.Action] && !strings.HasPrefix(env.Action, "get-") {
		data := make([]any, len(passOn))
		for i, item := range passOn {
			data[i] = item
		}
		e.Broadcast.Broadcast(ctx, env.Action, data, nil, []string{ip})
	}

	if kind == KindAdmin && allOK && !strings.HasPrefix(env.Action, "get-") {
		e.ack(conn)
	}

	if s.reloadLevel > 0 && e.Reload != nil {
		select {
		case e.Reload <- s.reloadLevel:
		default:
		}
	}
}

// readEnvelope accumulates reads until a complete envelope parses or the
// read budget runs out.
func readEnvelope(conn net.Conn, log *slog.Logger) (servernet.Envelope, bool) {
	var raw []byte
	buf := make([]byte, channelReadChunk)
	for reads := 0; reads < channelMaxReads; reads++ {
		n, err := conn.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
			if env, perr := servernet.ParseEnvelope(raw); perr == nil {
				return env, true
			}
		}
		if err != nil {
			break
		}
	}
	if len(raw) > 0 {
		log.Error("received data was not a valid message", "bytes", len(raw))
	}
	return servernet.Envelope{}, false
}

// processItem handles one payload item. Reports whether the item was
// accepted; only accepted items are relayed onward.
func (s *netSession) processItem(ctx context.Context, action, origin string, raw json.RawMessage) bool {
	e := s.env

	switch action {
	case servernet.ActionServer:
		return s.processServer(ctx, origin, raw)

	case servernet.ActionDelist:
		var item servernet.DelistItem
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			s.log.Error("malformed delist item")
			return false
		}
		rec, err := store.LoadRecord(ctx, e.Store, item.ID, e.Cfg.Current().MaxPlayers)
		if errors.Is(err, store.ErrServerUnknown) {
			s.log.Info("delist for unknown server ignored", "id", item.ID)
			return false
		}
		if err != nil {
			s.log.Error("could not load server for delist", "id", item.ID, "err", err)
			return false
		}
		if rec.Row().Remote != 1 {
			s.log.Error("delist for locally listed server refused", "id", item.ID)
			return false
		}
		if err := rec.Forget(ctx); err != nil {
			s.log.Error("could not delist server", "id", item.ID, "err", err)
			return false
		}
		return true

	case servernet.ActionAddBanlist, servernet.ActionDeleteBanlist:
		var item servernet.BanlistItem
		if err := json.Unmarshal(raw, &item); err != nil || item.Address == "" || item.Type == "" {
			s.log.Error("malformed banlist item")
			return false
		}
		if item.Origin == "" {
			item.Origin = e.Self.Address
		}
		if action == servernet.ActionAddBanlist {
			added, err := e.Store.AddBanlistEntry(ctx, item.Entry())
			if err != nil {
				s.log.Error("could not add banlist entry", "err", err)
				return false
			}
			if added {
				s.log.Info("banlist entry added", "address", item.Address, "type", item.Type)
			}
			return true
		}
		if err := e.Store.DeleteBanlistEntry(ctx, item.Entry()); err != nil {
			s.log.Error("could not delete banlist entry", "err", err)
			return false
		}
		s.log.Info("banlist entry deleted", "address", item.Address, "type", item.Type)
		return true

	case servernet.ActionAddMirror:
		var item servernet.MirrorItem
		if err := json.Unmarshal(raw, &item); err != nil || item.Name == "" || item.Address == "" {
			s.log.Error("malformed mirror item")
			return false
		}
		if item.Name == servernet.WebOrigin {
			s.log.Error("mirror name is reserved", "name", item.Name)
			return false
		}
		known, err := e.Store.MirrorExists(ctx, item.Name, item.Address)
		if err != nil {
			s.log.Error("could not check mirror", "err", err)
			return false
		}
		if known {
			s.log.Info("mirror already known", "address", item.Address)
			return true
		}
		if err := e.Store.AddMirror(ctx, item.Name, item.Address); err != nil {
			s.log.Error("could not add mirror", "err", err)
			return false
		}
		s.log.Info("mirror added, introducing ourselves", "name", item.Name, "address", item.Address)
		e.Broadcast.SendTo(ctx, servernet.ActionHello,
			[]any{map[string]any{"from": e.Self.Address}}, item.Address)
		return true

	case servernet.ActionDeleteMirror:
		var item servernet.MirrorItem
		if err := json.Unmarshal(raw, &item); err != nil || item.Name == "" || item.Address == "" {
			s.log.Error("malformed mirror item")
			return false
		}
		known, err := e.Store.MirrorExists(ctx, item.Name, item.Address)
		if err != nil {
			s.log.Error("could not check mirror", "err", err)
			return false
		}
		if !known {
			s.log.Info("mirror already unknown", "address", item.Address)
			return true
		}
		if err := e.Store.DeleteMirror(ctx, item.Name, item.Address); err != nil {
			s.log.Error("could not delete mirror", "err", err)
			return false
		}
		s.log.Info("mirror deleted", "name", item.Name, "address", item.Address)
		return true

	case servernet.ActionSetMOTD:
		return s.processSetMOTD(ctx, raw)

	case servernet.ActionRequest, servernet.ActionHello:
		var item servernet.SyncItem
		_ = json.Unmarshal(raw, &item)
		if action == servernet.ActionHello {
			// A hello means a new peer; ask for its state in return.
			e.Broadcast.SendTo(ctx, servernet.ActionRequest,
				[]any{map[string]any{"from": e.Self.Address}}, s.ip)
		}
		s.pushState(ctx, item.Fragment)
		return true

	case servernet.ActionRequestLogFrom:
		var item servernet.LogRequestItem
		if err := json.Unmarshal(raw, &item); err != nil || item.From == "" {
			s.log.Error("malformed log routing item")
			return false
		}
		lines := item.Lines
		if lines <= 0 {
			lines = 10
		}
		e.Broadcast.SendTo(ctx, servernet.ActionRequestLog,
			[]any{map[string]any{"lines": lines}}, item.From)
		return true

	case servernet.ActionRequestLog:
		var item servernet.LogRequestItem
		_ = json.Unmarshal(raw, &item)
		lines := item.Lines
		if lines <= 0 {
			lines = 10
		}
		if lines > 100 {
			lines = 100
		}
		tail, err := tailFile(e.Cfg.Current().LogFile, lines)
		if err != nil {
			s.log.Error("could not read log tail", "err", err)
			return false
		}
		data := make([]any, len(tail))
		for i, line := range tail {
			data[i] = line
		}
		e.Broadcast.SendTo(ctx, servernet.ActionSendLog, data, s.ip)
		return true

	case servernet.ActionSendLog:
		var line string
		if err := json.Unmarshal(raw, &line); err != nil {
			s.log.Error("malformed log line item")
			return false
		}
		s.logLines = append(s.logLines, line)
		return true

	case servernet.ActionReload:
		var item servernet.ReloadItem
		_ = json.Unmarshal(raw, &item)
		s.reloadLevel = item.Level()
		s.log.Info("reload requested", "level", s.reloadLevel)
		return true

	case servernet.ActionPing:
		// Lifesign was refreshed at admission; nothing else to do.
		return true

	case servernet.ActionGetServers, servernet.ActionGetBanlist,
		servernet.ActionGetMOTD, servernet.ActionGetMOTDExpires, servernet.ActionGetMirrors:
		return s.processRead(ctx, action)
	}

	s.log.Error("unknown action refused", "action", action)
	if s.kind == KindAdmin {
		e.errorMsg(s.conn, "Unknown action: "+action)
	}
	return false
}

// processServer applies one mesh server announce. Partial updates only
// touch the fields the sender included.
func (s *netSession) processServer(ctx context.Context, origin string, raw json.RawMessage) bool {
	e := s.env

	var item servernet.ServerUpdate
	if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
		s.log.Error("malformed server item")
		return false
	}

	rec, err := store.NewRecord(ctx, e.Store, item.ID, e.Cfg.Current().MaxPlayers)
	if err != nil {
		s.log.Error("could not open server record", "id", item.ID, "err", err)
		return false
	}
	// A partial update for a server we never saw announced has nothing to
	// attach to; drop the placeholder row again.
	if rec.IsNew() && (item.IP == nil || item.Port == nil) {
		if err := rec.Forget(ctx); err != nil {
			s.log.Error("could not drop placeholder row", "id", item.ID, "err", err)
		}
		return true
	}

	sets := []func() error{
		func() error { return rec.SetRemote(ctx, 1) },
	}
	if item.IP != nil {
		sets = append(sets, func() error { return rec.SetIP(ctx, *item.IP) })
	}
	if item.Port != nil {
		sets = append(sets, func() error { return rec.SetPort(ctx, *item.Port) })
	}
	if item.Created != nil {
		sets = append(sets, func() error { return rec.SetCreated(ctx, *item.Created) })
	}
	if item.Private != nil {
		sets = append(sets, func() error { return rec.SetPrivate(ctx, *item.Private) })
	}
	if item.PlusOnly != nil {
		sets = append(sets, func() error { return rec.SetPlusOnly(ctx, *item.PlusOnly) })
	}
	if item.Version != nil {
		sets = append(sets, func() error { return rec.SetVersion(ctx, *item.Version) })
	}
	if item.Mode != nil {
		sets = append(sets, func() error { return rec.SetMode(ctx, *item.Mode) })
	}
	if item.Players != nil {
		sets = append(sets, func() error { return rec.SetPlayers(ctx, *item.Players) })
	}
	if item.Max != nil {
		sets = append(sets, func() error { return rec.SetMax(ctx, *item.Max) })
	}
	if item.Name != nil {
		sets = append(sets, func() error { return rec.SetName(ctx, *item.Name) })
	}
	if item.Prefer != nil {
		sets = append(sets, func() error { return rec.SetPrefer(ctx, *item.Prefer) })
	}
	switch {
	case item.Origin != nil:
		sets = append(sets, func() error { return rec.SetOrigin(ctx, *item.Origin) })
	case rec.IsNew():
		sets = append(sets, func() error { return rec.SetOrigin(ctx, origin) })
	}

	for _, set := range sets {
		if err := set(); err != nil {
			s.log.Error("could not apply server announce", "id", item.ID, "err", err)
			return false
		}
	}
	return true
}

// motdExpiryLayout is the wire format for an explicit motd expiry;
// defaultMOTDLifetime applies when none is given or it does not parse.
const (
	motdExpiryLayout    = "02-01-2006 15:04"
	defaultMOTDLifetime = 3 * 24 * time.Hour
)

func (s *netSession) processSetMOTD(ctx context.Context, raw json.RawMessage) bool {
	e := s.env

	var item servernet.MOTDItem
	if err := json.Unmarshal(raw, &item); err != nil || item.Updated == 0 {
		s.log.Error("malformed motd item")
		return false
	}

	current, err := e.Store.Setting(ctx, "motd-updated")
	if err != nil {
		s.log.Error("could not read motd timestamp", "err", err)
		return false
	}
	currentTS, _ := strconv.ParseInt(current, 10, 64)
	if item.Updated <= currentTS {
		s.log.Info("stale motd update ignored", "theirs", item.Updated, "ours", currentTS)
		return false
	}

	now := time.Now()
	expires := now.Add(defaultMOTDLifetime).Unix()
	if item.Expires != "" {
		if t, err := time.ParseInLocation(motdExpiryLayout, item.Expires, time.Local); err == nil {
			expires = t.Unix()
		}
	}

	for _, set := range []struct{ item, value string }{
		{"motd", item.MOTD},
		{"motd-updated", strconv.FormatInt(now.Unix(), 10)},
		{"motd-expires", strconv.FormatInt(expires, 10)},
	} {
		if err := e.Store.SetSetting(ctx, set.item, set.value); err != nil {
			s.log.Error("could not store motd", "err", err)
			return false
		}
	}
	s.log.Info("motd updated")
	return true
}

// statePush is one outbound message of a state sync.
type statePush struct {
	action string
	data   []any
}

// pushState sends this daemon's state, or the requested fragment of it,
// to the requesting peer.
func (s *netSession) pushState(ctx context.Context, fragment string) {
	for _, p := range s.statePushes(ctx, fragment) {
		s.env.Broadcast.SendTo(ctx, p.action, p.data, s.ip)
	}
}

// statePushes assembles the messages answering a sync request. An empty
// fragment pushes everything a new peer needs, the mirror set included.
func (s *netSession) statePushes(ctx context.Context, fragment string) []statePush {
	e := s.env
	e.cleanup(ctx)

	var pushes []statePush

	if fragment == "" || fragment == "servers" {
		rows, err := e.Store.LocalOccupiedServers(ctx, e.Self.Address)
		if err != nil {
			s.log.Error("could not load local servers for sync", "err", err)
		} else if len(rows) > 0 {
			data := make([]any, len(rows))
			for i, r := range rows {
				data[i] = servernet.ServerPayload(r)
			}
			pushes = append(pushes, statePush{servernet.ActionServer, data})
		}
	}

	if fragment == "" || fragment == "banlist" {
		entries, err := e.Store.BanlistEntries(ctx)
		if err != nil {
			s.log.Error("could not load banlist for sync", "err", err)
		} else if len(entries) > 0 {
			data := make([]any, len(entries))
			for i, entry := range entries {
				data[i] = servernet.BanlistPayload(entry)
			}
			pushes = append(pushes, statePush{servernet.ActionAddBanlist, data})
		}
	}

	if fragment == "" || fragment == "mirrors" {
		mirrors, err := e.Store.Mirrors(ctx)
		if err != nil {
			s.log.Error("could not load mirrors for sync", "err", err)
		} else if len(mirrors) > 0 {
			data := make([]any, len(mirrors))
			for i, m := range mirrors {
				data[i] = servernet.MirrorPayload(m)
			}
			pushes = append(pushes, statePush{servernet.ActionAddMirror, data})
		}
	}

	if fragment == "" || fragment == "motd" {
		motd, err := e.Store.Setting(ctx, "motd")
		if err != nil {
			s.log.Error("could not load motd for sync", "err", err)
			return pushes
		}
		updated, err := e.Store.Setting(ctx, "motd-updated")
		if err != nil {
			s.log.Error("could not load motd timestamp for sync", "err", err)
			return pushes
		}
		updatedTS, _ := strconv.ParseInt(updated, 10, 64)
		if motd != "" {
			pushes = append(pushes, statePush{servernet.ActionSetMOTD,
				[]any{map[string]any{"motd": motd, "motd-updated": updatedTS}}})
		}
	}
	return pushes
}

// processRead answers one of the admin read actions with JSON on the
// same connection.
func (s *netSession) processRead(ctx context.Context, action string) bool {
	e := s.env
	if s.kind != KindAdmin {
		s.log.Warn("read action refused outside admin channel", "action", action)
		return false
	}

	var reply any
	switch action {
	case servernet.ActionGetServers:
		rows, err := e.Store.AllServers(ctx)
		if err != nil {
			s.log.Error("could not load servers", "err", err)
			return false
		}
		payloads := make([]map[string]any, len(rows))
		for i, r := range rows {
			payloads[i] = servernet.ServerPayload(r)
		}
		reply = payloads

	case servernet.ActionGetBanlist:
		entries, err := e.Store.BanlistEntries(ctx)
		if err != nil {
			s.log.Error("could not load banlist", "err", err)
			return false
		}
		payloads := make([]map[string]any, len(entries))
		for i, entry := range entries {
			payloads[i] = servernet.BanlistPayload(entry)
		}
		reply = payloads

	case servernet.ActionGetMirrors:
		mirrors, err := e.Store.Mirrors(ctx)
		if err != nil {
			s.log.Error("could not load mirrors", "err", err)
			return false
		}
		payloads := make([]map[string]any, len(mirrors))
		for i, m := range mirrors {
			payloads[i] = servernet.MirrorPayload(m)
		}
		reply = payloads

	case servernet.ActionGetMOTD:
		motd, err := e.currentMOTD(ctx)
		if err != nil {
			s.log.Error("could not load motd", "err", err)
			return false
		}
		reply = motd

	case servernet.ActionGetMOTDExpires:
		expires, err := e.Store.Setting(ctx, "motd-expires")
		if err != nil {
			s.log.Error("could not load motd expiry", "err", err)
			return false
		}
		reply = expires
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("could not encode reply", "action", action, "err", err)
		return false
	}
	_, _ = s.conn.Write(payload)
	return true
}

// saveReceivedLog writes a log tail received from a peer to a local file.
func (s *netSession) saveReceivedLog(origin string) {
	name := fmt.Sprintf("log-%s-%d.log", strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return '_'
	}, origin), time.Now().Unix())

	if err := os.WriteFile(name, []byte(strings.Join(s.logLines, "\n")+"\n"), 0o644); err != nil {
		s.log.Error("could not save received log", "file", name, "err", err)
		return
	}
	s.log.Info("received log saved", "file", name, "lines", len(s.logLines))
}

// tailFile returns the last n lines of a file.
func tailFile(path string, n int) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
