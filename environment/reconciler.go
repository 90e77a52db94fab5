// Package environment captures the invoking desktop session so privileged subprocesses can interoperate with it.
package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	atomicfs "github.com/proxyns/proxyns/internal/fs"
	"github.com/proxyns/proxyns/platform"
	"go.uber.org/zap"
)

const (
	OpReconstruct = "reconstruct_user_env"

	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600
)

var ErrDecode = errors.New("environment snapshot does not match the expected format")

// Snapshot is the desktop session of the real user behind an elevated invocation.
type Snapshot struct {
	RealUser              string `json:"real_user"`
	RealUID               int    `json:"real_uid"`
	RealHome              string `json:"real_home"`
	XDGRuntimeDir         string `json:"xdg_runtime_dir"`
	PulseServer           string `json:"pulse_server"`
	DBusSessionBusAddress string `json:"dbus_session_bus_address"`
	Display               string `json:"display"`
	XAuthority            string `json:"xauthority"`
	WaylandDisplay        string `json:"wayland_display"`
}

// Reconciler refreshes the persisted snapshot.
type Reconciler struct {
	gateway platform.Gateway
	path    string
	logger  *zap.Logger
}

// NewReconciler returns a reconciler persisting snapshots to path.
func NewReconciler(gw platform.Gateway, path string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		gateway: gw,
		path:    path,
		logger:  logger.With(zap.String("component", "environment")),
	}
}

// WithGateway returns a reconciler writing the same snapshot through gw.
func (r *Reconciler) WithGateway(gw platform.Gateway) *Reconciler {
	shared := *r
	shared.gateway = gw
	return &shared
}

// Path is the snapshot file.
func (r *Reconciler) Path() string {
	return r.path
}

// Reconstruct inspects the desktop session and persists the operation output verbatim. A previous snapshot is left
// untouched when the output cannot be decoded.
func (r *Reconciler) Reconstruct(ctx context.Context) (*Snapshot, error) {
	res, err := r.gateway.Invoke(ctx, OpReconstruct)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke %s", OpReconstruct)
	}
	if err := res.Err(OpReconstruct); err != nil {
		return nil, err
	}

	snapshot, err := decode(res.Stdout)
	if err != nil {
		r.logger.Error("Failed to decode environment", zap.Error(err))
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), dirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", r.path)
	}
	if err := atomicfs.WriteFile(r.path, res.Stdout, filePerm); err != nil {
		return nil, errors.Wrapf(err, "failed to write environment snapshot %s", r.path)
	}
	r.logger.Info("Environment snapshot written", zap.String("path", r.path), zap.String("user", snapshot.RealUser))
	return snapshot, nil
}

// Load reads a snapshot written by Reconstruct.
func Load(path string) (*Snapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read environment snapshot %s", path)
	}
	snapshot, err := decode(content)
	return snapshot, errors.Wrapf(err, "environment snapshot %s", path)
}

func decode(content []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if s.RealUser == "" || s.RealHome == "" {
		return nil, errors.Wrap(ErrDecode, "real_user and real_home are required")
	}
	return &s, nil
}
