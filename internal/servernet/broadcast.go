package servernet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"j2lsnek/internal/store"
)

// sendTimeout bounds connect plus write for one outbound message.
const sendTimeout = 5 * time.Second

// Broadcaster fans JSON messages out to peer mirrors. Each recipient gets
// its own short-lived goroutine; delivery is fire-and-forget and failures
// are never fatal.
type Broadcaster struct {
	log    *slog.Logger
	store  *store.Store
	origin string // envelope origin tag (daemon address)
	selfIP string // never send to ourselves
}

// NewBroadcaster returns a broadcaster tagged with this daemon's identity.
func NewBroadcaster(log *slog.Logger, st *store.Store, origin, selfIP string) *Broadcaster {
	return &Broadcaster{log: log, store: st, origin: origin, selfIP: selfIP}
}

// Broadcast sends an action with payload items to the given recipients,
// or to every known mirror when recipients is nil. Addresses in ignore are
// skipped, as are loopback and the daemon's own IP, which would only feed
// messages back to us.
func (b *Broadcaster) Broadcast(ctx context.Context, action string, data []any, recipients, ignore []string) {
	payload, err := Marshal(action, data, b.origin)
	if err != nil {
		b.log.Error("could not encode broadcast", "action", action, "err", err)
		return
	}

	if recipients == nil {
		recipients, err = b.store.MirrorAddresses(ctx)
		if err != nil {
			b.log.Error("could not load mirror set for broadcast", "action", action, "err", err)
			return
		}
	}

	skip := map[string]bool{"localhost": true, "127.0.0.1": true, b.selfIP: true}
	for _, addr := range ignore {
		skip[addr] = true
	}

	for _, addr := range recipients {
		if skip[addr] {
			continue
		}
		go b.send(addr, action, payload)
	}
}

// SendTo sends an action to exactly one recipient.
func (b *Broadcaster) SendTo(ctx context.Context, action string, data []any, recipient string) {
	b.Broadcast(ctx, action, data, []string{recipient}, nil)
}

func (b *Broadcaster) send(addr, action string, payload []byte) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(Port)), sendTimeout)
	if err != nil {
		b.logSendError(addr, action, err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(payload); err != nil {
		b.logSendError(addr, action, err)
		return
	}
	b.log.Debug("sent mesh message", "mirror", addr, "action", action)
}

func (b *Broadcaster) logSendError(addr, action string, err error) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		b.log.Error("mirror address does not seem to be valid", "mirror", addr, "action", action, "err", err)
		return
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		b.log.Info("timeout while sending to mirror", "mirror", addr, "action", action)
	case errors.Is(err, syscall.ECONNREFUSED):
		b.log.Info("mirror refused connection, likely not listening", "mirror", addr, "action", action)
	default:
		b.log.Info("could not send to mirror", "mirror", addr, "action", action, "err", err)
	}
}
