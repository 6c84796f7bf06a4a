// Package admin is the gateway's HTTP side door: health, Prometheus metrics
// and a read-only view of the service registry.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"procmesh/registry"
)

// Server serves the admin endpoints.
type Server struct {
	e      *echo.Echo
	reg    *registry.Registry
	logger *zap.Logger
}

// New builds the admin server. gatherer backs /metrics.
func New(reg *registry.Registry, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		e:      echo.New(),
		reg:    reg,
		logger: logger.With(zap.String("component", "admin")),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError

	s.e.GET("/healthz", s.health)
	s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.e.GET("/services", s.services)
	s.e.GET("/services/:name", s.service)
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("admin server listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type healthResponse struct {
	Status   string   `json:"status"`
	NotReady []string `json:"notReady,omitempty"`
}

// health (GET /healthz) is 200 when every declared service has a ready
// instance, 503 otherwise.
func (s *Server) health(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	for _, name := range s.reg.Names() {
		if !s.reg.Ready(name) {
			resp.NotReady = append(resp.NotReady, name)
		}
	}
	if len(resp.NotReady) > 0 {
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// services (GET /services) lists every service and its instances.
func (s *Server) services(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.Snapshot())
}

// service (GET /services/{name}) reports one service.
func (s *Server) service(c echo.Context) error {
	name := c.Param("name")
	for _, st := range s.reg.Snapshot() {
		if st.Name == name {
			return c.JSON(http.StatusOK, st)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "service "+name+" is not defined")
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := any(http.StatusText(code))
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = he.Message
	} else {
		s.logger.Error("admin request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	if err := c.JSON(code, map[string]any{"message": msg}); err != nil {
		s.logger.Warn("unable to write error response", zap.Error(err))
	}
}
