package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"j2lsnek/internal/config"
	"j2lsnek/internal/handler"
	"j2lsnek/internal/httpapi"
	"j2lsnek/internal/listen"
	"j2lsnek/internal/prober"
	"j2lsnek/internal/servernet"
	"j2lsnek/internal/store"

	"golang.org/x/sync/errgroup"
)

// Service ports. The mesh port lives in servernet; the rest are only
// referenced here.
const (
	portBinaryList = 10053
	portLiveServer = 10054
	portStats      = 10055
	portASCIIList  = 10057
	portMOTD       = 10058
	portAdmin      = 10059
)

const (
	// meshPingEvery keeps our mirror lifesign fresh on peers.
	meshPingEvery = 120 * time.Second

	// meshResyncEvery re-requests the server fragment from all peers, in
	// case a broadcast was lost.
	meshResyncEvery = 900 * time.Second
)

// daemon wires the store, the listeners, the prober and the mesh
// housekeeping together and supervises their lifecycle.
type daemon struct {
	log *slog.Logger
	cfg *config.Manager

	// restart asks for a process re-exec after shutdown.
	restart bool
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg.Current()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	address, selfIP := discoverIdentity(d.log)
	d.log.Info("daemon identity", "address", address, "ip", selfIP)

	// A restart broke all listing connections, so start from a clean list.
	if err := st.Reset(ctx, address); err != nil {
		return err
	}
	if err := st.SeedMasterMirror(ctx, selfIP); err != nil {
		d.log.Error("could not seed master mirror", "err", err)
	}

	reload := make(chan int, 1)
	bc := servernet.NewBroadcaster(d.log, st, address, selfIP)
	env := &handler.Env{
		Log:       d.log,
		Store:     st,
		Cfg:       d.cfg,
		Self:      handler.Identity{Address: address, IP: selfIP, Started: time.Now()},
		Broadcast: bc,
		Reload:    reload,
	}

	// Ask the mesh for its state so we catch up on what we missed.
	bc.Broadcast(ctx, servernet.ActionRequest,
		[]any{map[string]any{"from": address}}, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	services := []struct {
		port         int
		fn           listen.HandlerFunc
		loopbackOnly bool
	}{
		{portBinaryList, env.ServeBinaryList, false},
		{portLiveServer, env.ServeLiveServer, false},
		{portStats, env.ServeStats, false},
		{servernet.Port, env.ServeMesh, false},
		{portASCIIList, env.ServeASCIIList, false},
		{portMOTD, env.ServeMOTD, false},
	}
	for _, svc := range services {
		l := &listen.Listener{
			Port:         svc.port,
			Handler:      svc.fn,
			Log:          d.log,
			Store:        st,
			Limiter:      listen.NewRateLimiter(cfg.TicksMax, cfg.TicksDecay, time.Duration(cfg.TicksMaxAge)),
			LoopbackOnly: svc.loopbackOnly,
			MaxHandlers:  cfg.MaxHandlers,
			Microsleep:   time.Duration(cfg.Microsleep),
		}
		g.Go(func() error {
			// A port that never binds downgrades to unavailable; the rest of
			// the daemon keeps running.
			_ = l.Run(gctx)
			return nil
		})
	}

	if cfg.CanAuth() {
		tlsCfg, err := adminTLSConfig(cfg)
		if err != nil {
			d.log.Error("could not load admin TLS material, admin channel disabled", "err", err)
		} else {
			l := &listen.Listener{
				Port:         portAdmin,
				Handler:      env.ServeAdmin,
				Log:          d.log,
				Store:        st,
				Limiter:      listen.NewRateLimiter(cfg.TicksMax, cfg.TicksDecay, time.Duration(cfg.TicksMaxAge)),
				TLSConfig:    tlsCfg,
				LoopbackOnly: true,
				MaxHandlers:  cfg.MaxHandlers,
				Microsleep:   time.Duration(cfg.Microsleep),
			}
			g.Go(func() error {
				_ = l.Run(gctx)
				return nil
			})
		}
	} else {
		d.log.Warn("no TLS certificate available, admin channel disabled")
	}

	if cfg.HTTPAddr != "" {
		api := httpapi.New(st, env.Self.Started, cfg.Version)
		g.Go(func() error {
			if err := api.Run(gctx, cfg.HTTPAddr); err != nil {
				d.log.Error("http api stopped", "err", err)
			}
			return nil
		})
	}

	p := &prober.Prober{Log: d.log, Store: st, Cfg: d.cfg, Origin: address, Broadcast: bc}
	g.Go(func() error { return p.Run(gctx) })

	g.Go(func() error {
		return d.housekeeping(gctx, bc, address)
	})

	haltCh := watchStdin()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-haltCh:
				d.log.Info("shutdown requested from console")
				cancel()
				return nil
			case level := <-reload:
				switch level {
				case servernet.ReloadConfig:
					if err := d.cfg.Reload(); err != nil {
						d.log.Error("configuration reload failed, keeping old settings", "err", err)
					}
				case servernet.ReloadRestart, servernet.ReloadReexec:
					d.log.Info("restart requested, shutting down")
					d.restart = true
					cancel()
					return nil
				}
			}
		}
	})

	err = g.Wait()

	if d.restart {
		_ = st.Close()
		exe, exeErr := os.Executable()
		if exeErr != nil {
			d.log.Error("could not locate executable for restart", "err", exeErr)
			return err
		}
		d.log.Info("re-executing", "exe", exe)
		if execErr := syscall.Exec(exe, os.Args, os.Environ()); execErr != nil {
			d.log.Error("re-exec failed", "err", execErr)
		}
	}
	return err
}

// housekeeping keeps the mesh warm: periodic pings so peers keep our
// mirror entry alive, and a periodic server-list resync.
func (d *daemon) housekeeping(ctx context.Context, bc *servernet.Broadcaster, address string) error {
	ping := time.NewTicker(meshPingEvery)
	defer ping.Stop()
	resync := time.NewTicker(meshResyncEvery)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			bc.Broadcast(ctx, servernet.ActionPing,
				[]any{map[string]any{"from": address}}, nil, nil)
		case <-resync.C:
			bc.Broadcast(ctx, servernet.ActionRequest,
				[]any{map[string]any{"from": address, "fragment": "servers"}}, nil, nil)
		}
	}
}

// watchStdin returns a channel that closes when "q" is entered on the
// console. The reading goroutine cannot be canceled; it dies with the
// process.
func watchStdin() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "q" {
				close(ch)
				return
			}
		}
	}()
	return ch
}

// discoverIdentity determines the daemon's mesh name and public IP. The
// name is the hostname; the IP comes from an external echo service, with
// the default-route source address as fallback.
func discoverIdentity(log *slog.Logger) (address, ip string) {
	address, err := os.Hostname()
	if err != nil || address == "" {
		address = "localhost"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	if resp, err := client.Get("https://api.ipify.org"); err == nil {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64))
		_ = resp.Body.Close()
		if readErr == nil {
			if candidate := strings.TrimSpace(string(body)); net.ParseIP(candidate) != nil {
				return address, candidate
			}
		}
	}

	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			log.Info("using local route address as own IP, mesh may not reach us", "ip", addr.IP)
			return address, addr.IP.String()
		}
	}

	log.Warn("could not determine own IP, using loopback")
	return address, "127.0.0.1"
}
