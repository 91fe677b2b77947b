package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminAPI is the operator-facing HTTP surface: health, metrics, and a
// read-only view of the connection registry. It never speaks IRC.
type adminAPI struct {
	srv  *Server
	echo *echo.Echo
}

type statusResponse struct {
	Name          string `json:"name"`
	Network       string `json:"network"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	Authenticated int    `json:"authenticated"`
	ListenerCount int    `json:"listener_count"`
}

type connectionResponse struct {
	ID            string   `json:"id"`
	Nick          string   `json:"nick,omitempty"`
	Authenticated bool     `json:"authenticated"`
	Capabilities  []string `json:"capabilities,omitempty"`
	RemoteAddr    string   `json:"remote_addr"`
}

func newAdminAPI(s *Server) *adminAPI {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &adminAPI{srv: s, echo: e}

	e.GET("/healthz", a.healthz)

	api := e.Group("")
	if len(s.cfg.Admin.BearerTokens) > 0 {
		allowed := make(map[string]struct{}, len(s.cfg.Admin.BearerTokens))
		for _, t := range s.cfg.Admin.BearerTokens {
			allowed[t] = struct{}{}
		}
		api.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			_, ok := allowed[key]
			return ok, nil
		}))
	}
	api.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		s.metrics.registry, promhttp.HandlerOpts{})))
	api.GET("/api/status", a.status)
	api.GET("/api/connections", a.connections)

	return a
}

func (a *adminAPI) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.echo.Listener = ln
	log.Printf("Admin API listening on %s", ln.Addr())
	go func() {
		if err := a.echo.Start(""); err != nil && err != http.ErrServerClosed {
			log.Printf("Admin API stopped: %v", err)
		}
	}()
	return nil
}

func (a *adminAPI) stop() error {
	if a.echo.Listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.echo.Shutdown(ctx)
}

func (a *adminAPI) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (a *adminAPI) status(c echo.Context) error {
	live, authed := a.srv.Counts()
	return c.JSON(http.StatusOK, statusResponse{
		Name:          a.srv.cfg.Server.Name,
		Network:       a.srv.cfg.Server.Network,
		UptimeSeconds: int64(time.Since(a.srv.started).Seconds()),
		Connections:   live,
		Authenticated: authed,
		ListenerCount: len(a.srv.ListenAddrs()),
	})
}

func (a *adminAPI) connections(c echo.Context) error {
	conns := a.srv.Connections()
	out := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, connectionResponse{
			ID:            conn.ID(),
			Nick:          conn.Nick(),
			Authenticated: conn.IsAuthenticated(),
			Capabilities:  conn.Capabilities(),
			RemoteAddr:    conn.RemoteAddr().String(),
		})
	}
	return c.JSON(http.StatusOK, out)
}
