// Package apiserver exposes the proxyns boundary calls over a local HTTP API.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/diagnostics"
	"github.com/proxyns/proxyns/environment"
	"github.com/proxyns/proxyns/metrics"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/profile"
	"github.com/proxyns/proxyns/session"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// ElevateFunc returns a gateway that runs operations with cred.
type ElevateFunc func(cred *platform.Credential) platform.Gateway

// Services are the components behind the API.
type Services struct {
	Profiles    *profile.Store
	Sessions    *session.Controller
	Probe       *diagnostics.Probe
	Environment *environment.Reconciler
	// Elevate is required for the privilege routes.
	Elevate ElevateFunc
}

// Server is the local HTTP API. It holds at most one privilege credential at a time.
type Server struct {
	svc    Services
	echo   *echo.Echo
	logger *zap.Logger

	mu         sync.Mutex
	credential *platform.Credential
}

func New(svc Services, logger *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		echo:   echo.New(),
		logger: logger.With(zap.String("component", "apiserver")),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.GET("/profiles", s.listProfiles)
	e.GET("/profiles/:name", s.fetchProfile)
	e.PUT("/profiles/:name", s.saveProfile)
	e.DELETE("/profiles/:name", s.deleteProfile)

	e.GET("/namespaces", s.activeNamespaces)
	e.GET("/sessions", s.listSessions)
	e.POST("/sessions/:name", s.createSession)
	e.POST("/sessions/:name/run", s.runCommand)
	e.DELETE("/sessions/:name", s.teardownSession)

	e.GET("/probe/ping", s.ping)
	e.GET("/probe/port", s.port)
	e.GET("/probe/dependencies", s.dependencies)

	e.POST("/environment", s.reconstructEnvironment)

	e.GET("/privilege", s.privilegeStatus)
	e.POST("/privilege", s.acquirePrivilege)
	e.DELETE("/privilege", s.releasePrivilege)
	return s
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on addr until ctx is done. The held credential is released on return.
func (s *Server) Start(ctx context.Context, addr string) error {
	defer s.dropCredential()

	errs := make(chan error, 1)
	go func() {
		errs <- s.echo.Start(addr)
	}()
	s.logger.Info("api server listening", zap.String("address", addr))

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "failed to run api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down api server")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.Is(err, profile.ErrUnsupportedProtocol),
		errors.Is(err, profile.ErrInvalid),
		errors.Is(err, profile.ErrInvalidName),
		errors.Is(err, profile.ErrDecode),
		errors.Is(err, session.ErrInvalidNamespace),
		errors.Is(err, platform.ErrEmptyCredential):
		return http.StatusBadRequest
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, session.ErrNoRecord):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrCredentialReleased):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusOf(err)
	msg := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	if err := c.JSON(code, errorResponse{Error: msg}); err != nil {
		s.logger.Error("failed to write error response", zap.Error(err))
	}
}

// decodeStrict decodes the request body into v rejecting unknown keys. An empty body leaves v untouched.
func decodeStrict(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body: "+err.Error())
	}
	return nil
}

func requireQuery(c echo.Context, names ...string) ([]string, error) {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = c.QueryParam(name)
		if values[i] == "" {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "missing query parameter "+name)
		}
	}
	return values, nil
}
