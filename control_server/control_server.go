// Package control_server is the admin and distribution-facing HTTP API:
// status snapshots, renew/revoke triggers, account key rollover, and the
// authorized-hosts check the distribution layer consults. It never returns
// private key material.
package control_server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/certcentral/certcentral/gologger"
	"github.com/certcentral/certcentral/scheduler"
	"github.com/certcentral/certcentral/utils"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var logger = gologger.NewLogger()

// Engine is what the API needs from the lifecycle engine.
type Engine interface {
	Snapshots() []scheduler.Snapshot
	SnapshotOf(name string) (scheduler.Snapshot, error)
	RenewNow(name string) error
	Revoke(ctx context.Context, name string, reason int) error
	RotateAccountKey(ctx context.Context, accountID string) error
	AuthorizedFor(name, host string) (bool, error)
}

type Server struct {
	echo   *echo.Echo
	engine Engine
}

func NewServer(engine Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, engine: engine}
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/healthz", s.healthz)
	e.GET("/certificates", s.listCertificates)
	e.GET("/certificates/:name", s.getCertificate)
	e.POST("/certificates/:name/renew", s.renewCertificate)
	e.POST("/certificates/:name/revoke", s.revokeCertificate)
	e.POST("/accounts/:id/rotate-key", s.rotateAccountKey)
	e.GET("/access", s.checkAccess)
	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", utils.Env_ControlPort)
	logger.Info().Str("addr", addr).Msg("starting control server")
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Debug().Msg("shutting down control server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) errorHandler(err error, c echo.Context) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, map[string]string{"error": fmt.Sprintf("%v", httpErr.Message)})
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, scheduler.ErrUnknownCertificate) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		logger.Error().Err(err).Str("path", c.Path()).Msg("error handling control request")
	}
	_ = c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) listCertificates(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Snapshots())
}

func (s *Server) getCertificate(c echo.Context) error {
	snap, err := s.engine.SnapshotOf(c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) renewCertificate(c echo.Context) error {
	name := c.Param("name")
	if err := s.engine.RenewNow(name); err != nil {
		return err
	}
	logger.Info().Str("cert", name).Msg("renewal requested over control surface")
	return c.NoContent(http.StatusAccepted)
}

type revokeRequest struct {
	// RFC 5280 CRLReason code, 0 (unspecified) when absent
	Reason int `json:"reason"`
}

func (s *Server) revokeCertificate(c echo.Context) error {
	name := c.Param("name")
	req := revokeRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid revoke request body")
	}
	if err := s.engine.Revoke(c.Request().Context(), name, req.Reason); err != nil {
		return err
	}
	logger.Info().Str("cert", name).Int("reason", req.Reason).Msg("revocation requested over control surface")
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) rotateAccountKey(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.RotateAccountKey(c.Request().Context(), id); err != nil {
		return err
	}
	logger.Info().Str("account", id).Msg("account key rotated over control surface")
	return c.NoContent(http.StatusAccepted)
}

type accessResponse struct {
	Host       string `json:"host"`
	Cert       string `json:"cert"`
	Authorized bool   `json:"authorized"`
}

// checkAccess is what the distribution layer asks before handing material
// to a host.
func (s *Server) checkAccess(c echo.Context) error {
	host := c.QueryParam("host")
	cert := c.QueryParam("cert")
	if host == "" || cert == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "host and cert query params are required")
	}
	authorized, err := s.engine.AuthorizedFor(cert, host)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accessResponse{Host: host, Cert: cert, Authorized: authorized})
}
