// Package prober verifies locally listed game servers over UDP. Servers
// that answer the query get a sort preference boost and their privacy
// flag corrected; servers that do not lose the boost. This keeps servers
// that are actually reachable from the internet at the top of the list.
package prober

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"j2lsnek/internal/config"
	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"
)

const (
	// interval is the pacing between probes; one server is probed per tick.
	interval = 10 * time.Second

	// pingStaleAfter is how old a server's last probe must be before it is
	// due again, in seconds.
	pingStaleAfter = 300

	// replyWindow bounds the wait for the UDP reply.
	replyWindow = 5 * time.Second
)

// Prober periodically pings locally listed servers.
type Prober struct {
	Log       *slog.Logger
	Store     *store.Store
	Cfg       *config.Manager
	Origin    string
	Broadcast *servernet.Broadcaster
}

// Run probes servers until ctx is canceled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probeNext(ctx)
		}
	}
}

// probeNext probes the local server with the oldest stale probe time, if
// any is due.
func (p *Prober) probeNext(ctx context.Context) {
	cutoff := time.Now().Unix() - pingStaleAfter
	row, err := p.Store.ProbeCandidate(ctx, p.Origin, cutoff)
	if errors.Is(err, store.ErrServerUnknown) {
		return
	}
	if err != nil {
		p.Log.Error("could not pick probe candidate", "err", err)
		return
	}

	rec, err := store.LoadRecord(ctx, p.Store, row.ID, p.Cfg.Current().MaxPlayers)
	if err != nil {
		// The server may have delisted between query and load.
		return
	}

	alive, private := p.probe(row.IP, row.Port)
	if err := rec.SetLastPing(ctx, time.Now().Unix()); err != nil {
		p.Log.Error("could not record probe time", "id", row.ID, "err", err)
		return
	}

	if alive {
		if err := rec.SetPrivate(ctx, private); err != nil {
			p.Log.Error("could not update privacy flag", "id", row.ID, "err", err)
		}
		if err := rec.SetPrefer(ctx, 1); err != nil {
			p.Log.Error("could not set preference", "id", row.ID, "err", err)
		}
		if err := rec.Ping(ctx); err != nil {
			p.Log.Error("could not refresh lifesign", "id", row.ID, "err", err)
		}
	} else {
		p.Log.Info("server did not answer probe", "id", row.ID, "ip", row.IP, "port", row.Port)
		if err := rec.SetPrefer(ctx, 0); err != nil {
			p.Log.Error("could not clear preference", "id", row.ID, "err", err)
		}
	}

	if delta := rec.FlushUpdates(); len(delta) > 1 && p.Broadcast != nil {
		p.Broadcast.Broadcast(ctx, servernet.ActionServer, []any{delta}, nil, nil)
	}
}

// probe sends the query datagram to the game port and decodes the reply.
// Returns whether the server answered and, if so, its privacy flag.
func (p *Prober) probe(ip string, port int) (alive bool, private int) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(ip, strconv.Itoa(port)), replyWindow)
	if err != nil {
		return false, 0
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(replyWindow))
	if _, err := conn.Write(queryPacket()); err != nil {
		return false, 0
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil || n <= 8 {
		return false, 0
	}
	return true, int(buf[8]>>5) & 1
}

// queryPacket builds the game's UDP query datagram: two checksum bytes
// followed by the query id and the client version tag.
func queryPacket() []byte {
	pkt := []byte{0x79, 0x79, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x32, 0x34, 0x20, 0x20}
	pkt[0], pkt[1] = checksum(pkt[2:])
	return pkt
}

// checksum is the game protocol's rolling checksum over the packet body.
func checksum(body []byte) (byte, byte) {
	x, y := 1, 1
	for _, b := range body {
		x = (x + int(b)) % 251
		y = (y + x) % 251
	}
	return byte(x), byte(y)
}
