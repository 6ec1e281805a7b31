// Package httpapi exposes a read-only HTTP view of the server list for
// web front-ends. It never mutates state; writes go through the admin
// channel.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"j2lsnek/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	started time.Time
	version string
}

// New constructs the Echo app with the status routes.
func New(st *store.Store, started time.Time, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, started: started, version: version}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/servers", s.handleServers)
	s.echo.GET("/api/mirrors", s.handleMirrors)
	s.echo.GET("/api/stats", s.handleStats)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

type serverResponse struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Created  int64  `json:"created"`
	Private  int    `json:"private"`
	PlusOnly int    `json:"plusonly"`
	Remote   int    `json:"remote"`
	Origin   string `json:"origin"`
	Version  string `json:"version"`
	Mode     string `json:"mode"`
	Players  int    `json:"players"`
	Max      int    `json:"max"`
	Name     string `json:"name"`
	Prefer   int    `json:"prefer"`
}

func (s *Server) handleServers(c echo.Context) error {
	rows, err := s.store.ServersForList(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load server list")
	}
	out := make([]serverResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, serverResponse{
			ID: r.ID, IP: r.IP, Port: r.Port, Created: r.Created,
			Private: r.Private, PlusOnly: r.PlusOnly, Remote: r.Remote,
			Origin: r.Origin, Version: r.Version, Mode: r.Mode,
			Players: r.Players, Max: r.Max, Name: r.Name, Prefer: r.Prefer,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type mirrorResponse struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Lifesign int64  `json:"lifesign"`
}

func (s *Server) handleMirrors(c echo.Context) error {
	mirrors, err := s.store.Mirrors(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load mirror list")
	}
	out := make([]mirrorResponse, 0, len(mirrors))
	for _, m := range mirrors {
		out = append(out, mirrorResponse{Name: m.Name, Address: m.Address, Lifesign: m.Lifesign})
	}
	return c.JSON(http.StatusOK, out)
}

type statsResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Servers       int    `json:"servers"`
	Players       int    `json:"players"`
}

func (s *Server) handleStats(c echo.Context) error {
	rows, err := s.store.ActiveServers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load stats")
	}
	players := 0
	for _, r := range rows {
		players += r.Players
	}
	return c.JSON(http.StatusOK, statsResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Servers:       len(rows),
		Players:       players,
	})
}
