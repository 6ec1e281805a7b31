// Package handler contains the per-port connection handlers: the
// live-server session protocol, the client-facing list emitters and the
// mesh/admin JSON processor.
package handler

import (
	"context"
	"log/slog"
	"net"
	"time"

	"j2lsnek/internal/config"
	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

// Identity is what this daemon knows about itself.
type Identity struct {
	// Address is the daemon's name on the mesh, used as origin tag.
	Address string
	// IP is the daemon's public IP.
	IP string
	// Started is when the daemon booted.
	Started time.Time
}

// Env is the shared context handed to every handler: logger, store handle,
// self-identity, broadcaster and the supervisor's reload endpoint. It
// replaces any global daemon state.
type Env struct {
	Log       *slog.Logger
	Store     *store.Store
	Cfg       *config.Manager
	Self      Identity
	Broadcast *servernet.Broadcaster

	// Reload receives reload levels requested over the admin channel; the
	// supervisor inspects it after the handler completes.
	Reload chan<- int
}

// guruPrefix precedes every human-readable protocol error sent to a peer.
const guruPrefix = `/!\ GURU MEDITATION /!\ `

// msg writes an ASCII text message to the connection. Write errors are
// swallowed; the connection is torn down by the caller anyway.
func (e *Env) msg(conn net.Conn, s string) {
	_, _ = conn.Write([]byte(s))
}

// errorMsg sends a protocol error line to the peer.
func (e *Env) errorMsg(conn net.Conn, reason string) {
	e.msg(conn, guruPrefix+reason)
}

// ack sends the standard acknowledgement used by the admin channel.
func (e *Env) ack(conn net.Conn) {
	e.msg(conn, "ACK")
}

// cleanup evicts stale mirrored rows. Not critical, but runs before
// user-facing reads so clients never see dead servers.
func (e *Env) cleanup(ctx context.Context) {
	cfg := e.Cfg.Current()
	if err := e.Store.CleanupStale(ctx, time.Duration(cfg.Timeout), time.Now().Unix()); err != nil {
		e.Log.Error("stale server cleanup failed", "err", err)
	}
}
