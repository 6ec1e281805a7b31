package handler

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// advertisements are prepended to the binary list so vanilla clients,
// which the binary port exists for, learn where to get the mod that
// unlocks the full list. The reserved addresses never route anywhere.
var advertisements = []struct {
	ip   string
	port int
	name string
}{
	{"192.0.2.0", 80, "                 Note: to see more servers,"},
	{"192.0.2.1", 80, "          please download JJ2+ from jj2.plus"},
	{"192.0.2.2", 80, "                                            "},
}

// ServeASCIIList emits the plain-text server list and closes.
func (e *Env) ServeASCIIList(ctx context.Context, conn net.Conn, ip string) {
	e.cleanup(ctx)

	rows, err := e.Store.ServersForList(ctx)
	if err != nil {
		e.Log.Error("could not load server list", "err", err)
		return
	}

	now := time.Now().Unix()
	var b strings.Builder
	for _, r := range rows {
		locality := "local"
		if r.Remote != 0 {
			locality = "mirror"
		}
		visibility := "public"
		if r.Private != 0 {
			visibility = "private"
		}
		fmt.Fprintf(&b, "%s:%d %s %s %s %-6.6s %d [%d/%d] %s\r\n",
			r.IP, r.Port, locality, visibility, r.Mode, r.Version,
			now-r.Created, r.Players, r.Max, r.Name)
	}
	e.msg(conn, b.String())
}

// ServeBinaryList emits the legacy binary server list and closes. The
// payload is a fixed header followed by one variable-length entry per
// server: length byte, IP with reversed octet order, little-endian port,
// then the name.
func (e *Env) ServeBinaryList(ctx context.Context, conn net.Conn, ip string) {
	e.cleanup(ctx)

	rows, err := e.Store.ServersForBinaryList(ctx)
	if err != nil {
		e.Log.Error("could not load binary server list", "err", err)
		return
	}

	buf := []byte{0x07, 'L', 'I', 'S', 'T', 0x01, 0x01}
	for _, ad := range advertisements {
		buf = appendBinaryEntry(buf, ad.ip, ad.port, ad.name)
	}
	for _, r := range rows {
		buf = appendBinaryEntry(buf, r.IP, r.Port, r.Name)
	}
	_, _ = conn.Write(buf)
}

// appendBinaryEntry appends one list entry, or nothing when the stored IP
// does not parse as IPv4.
func appendBinaryEntry(buf []byte, ip string, port int, name string) []byte {
	addr := net.ParseIP(ip)
	if addr = addr.To4(); addr == nil {
		return buf
	}
	buf = append(buf, byte(len(name)+7))
	buf = append(buf, addr[3], addr[2], addr[1], addr[0])
	buf = append(buf, byte(port&0xFF), byte(port>>8))
	return append(buf, name...)
}

// mirrorInactiveAfter is how long a mirror may stay silent before the
// stats page marks it inactive.
const mirrorInactiveAfter = 600

// ServeStats emits a human-readable status summary and closes.
func (e *Env) ServeStats(ctx context.Context, conn net.Conn, ip string) {
	e.cleanup(ctx)
	cfg := e.Cfg.Current()
	now := time.Now().Unix()

	active, err := e.Store.ActiveServers(ctx)
	if err != nil {
		e.Log.Error("could not load stats", "err", err)
		return
	}
	players := 0
	for _, r := range active {
		players += r.Players
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This is j2lsnek v%s on %s\r\n", cfg.Version, e.Self.Address)
	fmt.Fprintf(&b, "Uptime: %s\r\n\r\n", fancyTime(now-e.Self.Started.Unix()))
	fmt.Fprintf(&b, "Servers listed: %d\r\n", len(active))
	fmt.Fprintf(&b, "Players online: %d\r\n\r\n", players)

	mirrors, err := e.Store.Mirrors(ctx)
	if err != nil {
		e.Log.Error("could not load mirror list for stats", "err", err)
		return
	}
	if len(mirrors) > 0 {
		b.WriteString("Mirrors:\r\n")
		for _, m := range mirrors {
			note := ""
			if m.Lifesign < now-mirrorInactiveAfter {
				note = " (inactive)"
			}
			fmt.Fprintf(&b, " - %s (%s)%s\r\n", m.Name, m.Address, note)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("Source: https://github.com/stijnstijn/j2lsnek\r\n")

	e.msg(conn, b.String())
}

// ServeMOTD emits the message of the day, or nothing when it is unset or
// expired, and closes.
func (e *Env) ServeMOTD(ctx context.Context, conn net.Conn, ip string) {
	motd, err := e.currentMOTD(ctx)
	if err != nil {
		e.Log.Error("could not load motd", "err", err)
		return
	}
	if motd == "" {
		return
	}
	e.msg(conn, motd+"\n")
}

// currentMOTD returns the message of the day, or the empty string when it
// is unset or past its expiry.
func (e *Env) currentMOTD(ctx context.Context) (string, error) {
	motd, err := e.Store.Setting(ctx, "motd")
	if err != nil {
		return "", err
	}
	expires, err := e.Store.Setting(ctx, "motd-expires")
	if err != nil {
		return "", err
	}
	if ts, err := strconv.ParseInt(expires, 10, 64); err == nil && ts > 0 && time.Now().Unix() > ts {
		return "", nil
	}
	return motd, nil
}
