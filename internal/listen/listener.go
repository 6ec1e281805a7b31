// Package listen runs one accept loop per service port. The listener
// performs admission (banlist, rate limit, handler cap) and hands each
// accepted connection to a port-specific handler in its own goroutine.
package listen

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"j2lsnek/internal/store"
)

// acceptQuantum bounds a single Accept call so the loop observes a halt
// request within this window.
const acceptQuantum = 5 * time.Second

// bindRetryFor and bindRetryEvery govern how long a listener keeps trying
// to claim a port that is still in TIME_WAIT from a previous run.
const (
	bindRetryFor   = 5 * time.Minute
	bindRetryEvery = 5 * time.Second
)

// HandlerFunc processes one accepted connection. The listener closes the
// connection when the handler returns.
type HandlerFunc func(ctx context.Context, conn net.Conn, ip string)

// Listener owns one service port.
type Listener struct {
	Port    int
	Handler HandlerFunc
	Log     *slog.Logger
	Store   *store.Store
	Limiter *RateLimiter

	// TLSConfig, when set, wraps every accepted connection in a server-side
	// TLS session (the admin port).
	TLSConfig *tls.Config

	// LoopbackOnly binds the port to 127.0.0.1 instead of all interfaces.
	LoopbackOnly bool

	// MaxHandlers bounds simultaneous in-flight handlers; connections
	// beyond it are refused like rate-limited ones.
	MaxHandlers int

	// Microsleep paces the accept loop between connections.
	Microsleep time.Duration

	active atomic.Int64
}

// Run binds the port and accepts connections until ctx is canceled. A
// port that cannot be bound within the retry budget downgrades to
// unavailable: Run returns an error and the rest of the daemon keeps
// going.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := l.bind(ctx)
	if err != nil {
		l.Log.Error("port is unavailable, not listening", "port", l.Port, "err", err)
		return err
	}
	defer ln.Close()
	l.Log.Info("listening", "port", l.Port)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			l.Log.Info("listener stopping", "port", l.Port)
			return nil
		}

		_ = ln.SetDeadline(time.Now().Add(acceptQuantum))
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			l.Log.Error("accept failed", "port", l.Port, "err", err)
			continue
		}

		ip := remoteIP(conn)
		if !l.admit(ctx, conn, ip) {
			continue
		}

		if l.TLSConfig != nil {
			conn = tls.Server(conn, l.TLSConfig)
		}

		wg.Add(1)
		l.active.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer l.active.Add(-1)
			defer c.Close()
			l.Handler(ctx, c, ip)
		}(conn)

		if l.Microsleep > 0 {
			time.Sleep(l.Microsleep)
		}
	}
}

// bind claims the port, retrying while the OS still holds it.
func (l *Listener) bind(ctx context.Context) (*net.TCPListener, error) {
	host := ""
	if l.LoopbackOnly {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(l.Port))

	deadline := time.Now().Add(bindRetryFor)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln.(*net.TCPListener), nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}
		l.Log.Info("could not open port yet, retrying", "port", l.Port, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bindRetryEvery):
		}
	}
}

// admit applies banlist, rate-limit and handler-cap checks. A refused
// connection is closed without reading from it.
func (l *Listener) admit(ctx context.Context, conn net.Conn, ip string) bool {
	whitelisted, err := l.Store.Whitelisted(ctx, ip)
	if err != nil {
		l.Log.Error("whitelist check failed", "port", l.Port, "ip", ip, "err", err)
		conn.Close()
		return false
	}

	if !whitelisted {
		banned, err := l.Store.Banned(ctx, ip)
		if err != nil {
			l.Log.Error("banlist check failed", "port", l.Port, "ip", ip, "err", err)
			conn.Close()
			return false
		}
		if banned {
			l.Log.Warn("connection attempt matches banlist, refused", "port", l.Port, "ip", ip)
			conn.Close()
			return false
		}

		now := time.Now()
		if !l.Limiter.Allow(ip, now) {
			l.Log.Warn("rate limit hit, throttled", "port", l.Port, "ip", ip)
			conn.Close()
			return false
		}
		l.Limiter.Prune(now)
	}

	if l.MaxHandlers > 0 && l.active.Load() >= int64(l.MaxHandlers) {
		l.Log.Warn("handler cap reached, refused", "port", l.Port, "ip", ip)
		conn.Close()
		return false
	}
	return true
}

// ActiveHandlers reports the number of in-flight connection handlers.
func (l *Listener) ActiveHandlers() int {
	return int(l.active.Load())
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
