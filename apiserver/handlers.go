package apiserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/environment"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/profile"
	"github.com/proxyns/proxyns/session"
)

var ErrPrivilegeUnsupported = errors.New("privilege elevation is not configured")

// RunRequest is the body of POST /sessions/:name/run.
type RunRequest struct {
	Command string `json:"command"`
}

// RunResponse is the outcome of a command run in a namespace.
type RunResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// PrivilegeRequest is the body of POST /privilege.
type PrivilegeRequest struct {
	Password string `json:"password"`
}

// PrivilegeResponse reports whether a usable credential is held.
type PrivilegeResponse struct {
	Held bool `json:"held"`
}

// PortResponse is the verdict of a port check.
type PortResponse struct {
	Status string `json:"status"`
}

func (s *Server) listProfiles(c echo.Context) error {
	entries, err := s.svc.Profiles.List()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) fetchProfile(c echo.Context) error {
	name := c.Param("name")
	d, path, err := s.svc.Profiles.Fetch(name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, profile.Entry{Name: name, Filename: profile.FileName(name), Path: path, Descriptor: d})
}

func (s *Server) saveProfile(c echo.Context) error {
	name := c.Param("name")
	var d profile.Descriptor
	if err := decodeStrict(c, &d); err != nil {
		return err
	}
	path, err := s.svc.Profiles.Save(name, d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, profile.Entry{Name: name, Filename: profile.FileName(name), Path: path, Descriptor: d.WithDefaults()})
}

func (s *Server) deleteProfile(c echo.Context) error {
	path, err := s.svc.Profiles.Path(c.Param("name"))
	if err != nil {
		return err
	}
	if err := s.svc.Profiles.Delete(path); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) activeNamespaces(c echo.Context) error {
	namespaces, err := s.sessions().Active(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, namespaces)
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.svc.Sessions.Sessions()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) createSession(c echo.Context) error {
	d, path, err := s.svc.Profiles.Fetch(c.Param("name"))
	if err != nil {
		return err
	}
	rec, err := s.sessions().Setup(c.Request().Context(), path, d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) runCommand(c echo.Context) error {
	var req RunRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	d, _, err := s.svc.Profiles.Fetch(c.Param("name"))
	if err != nil {
		return err
	}
	res, err := s.sessions().Run(c.Request().Context(), d, req.Command)
	if res == nil {
		return err
	}
	resp := RunResponse{ExitCode: res.ExitCode, Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// teardownSession cleans up with the pid query parameter when given, else with the persisted record.
func (s *Server) teardownSession(c echo.Context) error {
	d, _, err := s.svc.Profiles.Fetch(c.Param("name"))
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if pid := c.QueryParam("pid"); pid != "" {
		err = s.sessions().Cleanup(ctx, d, pid)
	} else {
		err = s.sessions().Teardown(ctx, d)
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ping(c echo.Context) error {
	q, err := requireQuery(c, "address")
	if err != nil {
		return err
	}
	latency, err := s.svc.Probe.Ping(c.Request().Context(), q[0])
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, latency)
}

func (s *Server) port(c echo.Context) error {
	q, err := requireQuery(c, "address", "port")
	if err != nil {
		return err
	}
	status, err := s.svc.Probe.Port(c.Request().Context(), q[0], q[1])
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PortResponse{Status: status})
}

func (s *Server) dependencies(c echo.Context) error {
	deps, err := s.svc.Probe.Dependencies(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deps)
}

func (s *Server) reconstructEnvironment(c echo.Context) error {
	snapshot, err := s.environment().Reconstruct(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) privilegeStatus(c echo.Context) error {
	s.mu.Lock()
	held := s.credential != nil && !s.credential.Released()
	s.mu.Unlock()
	return c.JSON(http.StatusOK, PrivilegeResponse{Held: held})
}

func (s *Server) acquirePrivilege(c echo.Context) error {
	if s.svc.Elevate == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, ErrPrivilegeUnsupported.Error())
	}
	var req PrivilegeRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	cred, err := platform.AcquireCredential([]byte(req.Password))
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.credential
	s.credential = cred
	s.mu.Unlock()
	if previous != nil {
		previous.Release()
	}
	s.logger.Info("privilege acquired")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) releasePrivilege(c echo.Context) error {
	s.dropCredential()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) dropCredential() {
	s.mu.Lock()
	cred := s.credential
	s.credential = nil
	s.mu.Unlock()
	if cred != nil {
		cred.Release()
		s.logger.Info("privilege released")
	}
}

// elevated returns the gateway for the held credential, or nil when none is held.
func (s *Server) elevated() platform.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil || s.svc.Elevate == nil {
		return nil
	}
	return s.svc.Elevate(s.credential)
}

func (s *Server) sessions() *session.Controller {
	if gw := s.elevated(); gw != nil {
		return s.svc.Sessions.WithGateway(gw)
	}
	return s.svc.Sessions
}

func (s *Server) environment() *environment.Reconciler {
	if gw := s.elevated(); gw != nil {
		return s.svc.Environment.WithGateway(gw)
	}
	return s.svc.Environment
}
