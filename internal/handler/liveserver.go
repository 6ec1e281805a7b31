package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

const (
	// helloSize is the fixed length of the initial announce payload.
	helloSize = 42

	// helloTimeout bounds the wait for the initial announce; listedTimeout
	// is the idle window between updates once the server is listed. Game
	// servers send a player-count heartbeat well within it.
	helloTimeout  = 10 * time.Second
	listedTimeout = 32 * time.Second
)

// Opcodes a listed server may send to update its entry.
const (
	opPlayers  = 0x00
	opMode     = 0x01
	opName     = 0x02
	opMax      = 0x03
	opPrivate  = 0x04
	opPlusOnly = 0x05
)

// ServeLiveServer handles one game server's listing session. The
// connection doubles as the liveness signal: the entry exists exactly as
// long as the connection does.
func (e *Env) ServeLiveServer(ctx context.Context, conn net.Conn, ip string) {
	cfg := e.Cfg.Current()
	key := conn.RemoteAddr().String()
	log := e.Log.With("key", key)

	rec, err := store.NewRecord(ctx, e.Store, key, cfg.MaxPlayers)
	if err != nil {
		log.Error("could not create server record", "err", err)
		e.errorMsg(conn, "Internal server error")
		return
	}

	defer func() {
		e.errorMsg(conn, "Forgetting server and delisting")
		payload := servernet.ServerPayload(rec.Row())
		if err := rec.Forget(ctx); err != nil {
			log.Error("could not forget server", "err", err)
		}
		e.Broadcast.Broadcast(ctx, servernet.ActionDelist, []any{payload}, nil, nil)
		log.Info("server delisted")
	}()

	listed := false
	probed := false
	timeout := helloTimeout
	buf := make([]byte, 1024)

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if !listed {
					e.errorMsg(conn, "Timeout waiting for server data")
					return
				}
				if probed {
					log.Info("no reply to liveness probe")
					return
				}
				// A single zero byte; a live peer answers before the next
				// read times out.
				if _, werr := conn.Write([]byte{0}); werr != nil {
					log.Info("liveness probe failed", "err", werr)
					return
				}
				probed = true
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Info("connection lost", "err", err)
			}
			return
		}
		probed = false

		// Bans can land mid-session; re-check on every message.
		banned, berr := e.Store.Banned(ctx, ip)
		if berr != nil {
			log.Error("banlist check failed", "err", berr)
			return
		}
		if banned {
			e.errorMsg(conn, "You are banned from this server list")
			return
		}

		data := buf[:n]
		if !listed {
			if n != helloSize {
				e.errorMsg(conn, "Invalid data received")
				return
			}
			if !e.register(ctx, conn, rec, ip, data, cfg.MaxServers, log) {
				return
			}
			listed = true
			timeout = listedTimeout
		} else if !e.applyUpdate(ctx, conn, rec, ip, data) {
			return
		}

		if delta := rec.FlushUpdates(); len(delta) > 1 {
			e.Broadcast.Broadcast(ctx, servernet.ActionServer, []any{delta}, nil, nil)
		}

		if cfg.Microsleep > 0 {
			time.Sleep(time.Duration(cfg.Microsleep))
		}
	}
}

// register decodes the 42-byte announce and fills the record. Reports
// whether the session may continue.
func (e *Env) register(ctx context.Context, conn net.Conn, rec *store.Record, ip string, data []byte, maxServers int, log *slog.Logger) bool {
	port := int(binary.LittleEndian.Uint16(data[0:2]))

	nameRaw := data[2:35]
	if i := bytes.IndexByte(nameRaw, 0); i >= 0 {
		nameRaw = nameRaw[:i]
	}

	players := int(data[35])
	maxPlayers := int(data[36])
	flags := data[37]
	version := decodeVersion(data[38:42])

	whitelisted, err := e.Store.Whitelisted(ctx, ip)
	if err != nil {
		log.Error("whitelist check failed", "err", err)
		e.errorMsg(conn, "Internal server error")
		return false
	}
	if !whitelisted {
		// The row for this connection already exists but has no IP yet, so
		// the count covers the IP's other listings.
		count, err := e.Store.CountServersByIP(ctx, ip)
		if err != nil {
			log.Error("listing count failed", "err", err)
			e.errorMsg(conn, "Internal server error")
			return false
		}
		if count >= maxServers {
			e.errorMsg(conn, "Too many servers listed from your IP")
			return false
		}
	}

	already, err := e.Store.ServerListed(ctx, ip, port)
	if err != nil {
		log.Error("duplicate listing check failed", "err", err)
		e.errorMsg(conn, "Internal server error")
		return false
	}
	if already {
		e.errorMsg(conn, "A server from your IP is already listed on that port")
		return false
	}

	name, err := e.Store.ValidateName(ctx, string(nameRaw), ip, "Server on "+ip)
	if err != nil {
		log.Error("name validation failed", "err", err)
		e.errorMsg(conn, "Internal server error")
		return false
	}

	for _, set := range []func() error{
		func() error { return rec.SetIP(ctx, ip) },
		func() error { return rec.SetPort(ctx, port) },
		func() error { return rec.SetName(ctx, name) },
		func() error { return rec.SetPlayers(ctx, players) },
		func() error { return rec.SetMax(ctx, maxPlayers) },
		func() error { return rec.SetPrivate(ctx, int(flags & 1)) },
		func() error { return rec.SetMode(ctx, decodeMode(int(flags>>1)&31)) },
		func() error { return rec.SetPlusOnly(ctx, int(flags>>7)&1) },
		func() error { return rec.SetVersion(ctx, version) },
		func() error { return rec.SetOrigin(ctx, e.Self.Address) },
	} {
		if err := set(); err != nil {
			log.Error("could not store server listing", "err", err)
			e.errorMsg(conn, "Internal server error")
			return false
		}
	}

	log.Info("server listed", "name", name, "ip", ip, "port", port, "version", version)
	return true
}

// applyUpdate handles one post-announce update message. Reports whether
// the session may continue; malformed payloads terminate it.
func (e *Env) applyUpdate(ctx context.Context, conn net.Conn, rec *store.Record, ip string, data []byte) bool {
	var err error
	switch {
	case len(data) == 2 && data[0] == opPlayers:
		err = rec.SetPlayers(ctx, int(data[1]))
	case len(data) == 2 && data[0] == opMode:
		err = rec.SetMode(ctx, decodeMode(int(data[1])))
	case len(data) >= 2 && data[0] == opName:
		raw := data[1:]
		if len(raw) > 32 {
			raw = raw[:32]
		}
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		var name string
		name, err = e.Store.ValidateName(ctx, string(raw), ip, "Server on "+ip)
		if err == nil {
			err = rec.SetName(ctx, name)
		}
	case len(data) == 2 && data[0] == opMax:
		err = rec.SetMax(ctx, int(data[1]))
	case len(data) == 2 && data[0] == opPrivate:
		err = rec.SetPrivate(ctx, int(data[1]))
	case len(data) == 2 && data[0] == opPlusOnly:
		err = rec.SetPlusOnly(ctx, int(data[1]))
	default:
		e.errorMsg(conn, "Invalid data received")
		return false
	}

	if err != nil {
		e.Log.Error("could not apply server update", "key", rec.ID(), "err", err)
		e.errorMsg(conn, "Internal server error")
		return false
	}
	return true
}
