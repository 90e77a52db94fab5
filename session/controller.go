// Package session drives the namespace and tunnel lifecycle of a profile through the execution gateway.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/metrics"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/profile"
	"github.com/proxyns/proxyns/protocol"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	// DefaultRunCommand is run when neither the caller nor the profile names a command.
	DefaultRunCommand = "bash"

	defaultActiveCacheTTL = 2 * time.Second
	activeCacheKey        = "active"
)

// ErrDecodeActive is returned when the namespace listing does not match the expected shape.
var ErrDecodeActive = errors.New("namespace listing does not match the expected format")

// Options tune the controller.
type Options struct {
	// RollbackOnLaunchFailure tears the namespace down again when the tunnel launch fails.
	RollbackOnLaunchFailure bool
	// ActiveCacheTTL bounds how long a namespace listing is reused.
	ActiveCacheTTL time.Duration
}

// Process is one process running inside a namespace.
type Process struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Namespace is one live namespace and its processes.
type Namespace struct {
	Name      string    `json:"name"`
	Processes []Process `json:"processes"`
}

// Session is the known state of one namespace, from this process and from its persisted record.
type Session struct {
	Namespace string  `json:"namespace_name"`
	State     State   `json:"state"`
	PID       string  `json:"tunnel_pid,omitempty"`
	Record    *Record `json:"record,omitempty"`
}

// Controller owns the session state of every namespace. Calls for the same namespace are serialized; calls for
// different namespaces run in parallel.
type Controller struct {
	gateway  platform.Gateway
	records  *RecordStore
	registry *registry
	active   *cache.Cache
	opts     Options
	logger   *zap.Logger
}

func NewController(gw platform.Gateway, records *RecordStore, opts Options, logger *zap.Logger) *Controller {
	if opts.ActiveCacheTTL <= 0 {
		opts.ActiveCacheTTL = defaultActiveCacheTTL
	}
	return &Controller{
		gateway:  gw,
		records:  records,
		registry: newRegistry(),
		active:   cache.New(opts.ActiveCacheTTL, 2*opts.ActiveCacheTTL),
		opts:     opts,
		logger:   logger.With(zap.String("component", "session")),
	}
}

// WithGateway returns a controller sharing c's state that invokes operations through gw.
func (c *Controller) WithGateway(gw platform.Gateway) *Controller {
	shared := *c
	shared.gateway = gw
	return &shared
}

// invoke runs inv on behalf of the op holder of e. An operation the caller stopped waiting for keeps e locked
// until it exits.
func (c *Controller) invoke(ctx context.Context, e *entry, inv protocol.Invocation) (*platform.ExecResult, error) {
	res, err := c.gateway.Invoke(ctx, inv.Operation, inv.Args...)
	if err != nil {
		var abandoned *platform.AbandonedError
		if e != nil && errors.As(err, &abandoned) {
			c.logger.Warn("Namespace stays locked until the abandoned operation exits", zap.String("operation", inv.Operation))
			c.registry.hold(e, abandoned.Done)
		}
		return nil, errors.Wrapf(err, "failed to invoke %s", inv.Operation)
	}
	return res, res.Err(inv.Operation)
}

// changed drops the cached listing and refreshes the session gauge.
func (c *Controller) changed() {
	c.active.Delete(activeCacheKey)
	metrics.SetActiveSessions(c.registry.countActive())
}

// Setup creates the namespace of d and launches its tunnel. The returned record is persisted.
//
// A failed launch leaves the namespace standing in NamespaceReady unless RollbackOnLaunchFailure is set.
func (c *Controller) Setup(ctx context.Context, profilePath string, d profile.Descriptor) (*Record, error) {
	d = d.WithDefaults()
	launch, err := protocol.Resolve(d)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	e := c.registry.acquire(d.NamespaceName)
	defer c.registry.release(e)

	logger := c.logger.With(zap.String("namespace", d.NamespaceName), zap.String("protocol", string(d.Protocol)))
	logger.Info("Setting up namespace")

	if _, err := c.invoke(ctx, e, protocol.NamespaceSetup(d)); err != nil {
		logger.Error("Namespace setup failed", zap.Error(err))
		return nil, errors.Wrapf(err, "failed to set up namespace %s", d.NamespaceName)
	}
	c.registry.set(e, NamespaceReady, "")

	res, err := c.invoke(ctx, e, launch.Invocation())
	if err != nil {
		return nil, c.launchFailed(ctx, e, d, logger, errors.Wrapf(err, "failed to launch %s tunnel", d.Protocol))
	}
	pid, err := parsePID(res.Output())
	if err != nil {
		return nil, c.launchFailed(ctx, e, d, logger, errors.Wrapf(err, "failed to launch %s tunnel", d.Protocol))
	}

	// the tunnel is live from here on even if the record cannot be written
	c.registry.set(e, ProxyActive, pid)
	defer c.changed()

	rec := &Record{
		ID:        uuid.NewString(),
		Namespace: d.NamespaceName,
		PID:       pid,
		State:     ProxyActive,
		Protocol:  d.Protocol,
		Profile:   profilePath,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.records.Write(rec); err != nil {
		logger.Error("Failed to persist session record", zap.String("pid", pid), zap.Error(err))
		return nil, err
	}
	logger.Info("Session active", zap.String("pid", pid), zap.String("id", rec.ID))
	return rec, nil
}

func (c *Controller) launchFailed(ctx context.Context, e *entry, d profile.Descriptor, logger *zap.Logger, launchErr error) error {
	logger.Error("Tunnel launch failed", zap.Error(launchErr))
	if !c.opts.RollbackOnLaunchFailure {
		return launchErr
	}
	if errors.Is(launchErr, platform.ErrAbandoned) {
		logger.Warn("Launch still running, skipping rollback")
		return launchErr
	}
	if _, err := c.invoke(ctx, e, protocol.Teardown(d, "")); err != nil {
		logger.Error("Rollback failed, namespace left standing", zap.Error(err))
		return launchErr
	}
	logger.Info("Rolled back namespace")
	c.registry.set(e, TornDown, "")
	c.changed()
	return launchErr
}

// Run executes command inside d's namespace. An empty command falls back to the profile's run_command, then to
// bash. The result is returned whenever the command ran; a non-zero exit also yields an *platform.OperationError.
func (c *Controller) Run(ctx context.Context, d profile.Descriptor, command string) (*platform.ExecResult, error) {
	d = d.WithDefaults()
	if command == "" {
		command = d.RunCommand
	}
	if command == "" {
		command = DefaultRunCommand
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	e := c.registry.acquire(d.NamespaceName)
	defer c.registry.release(e)

	c.logger.Info("Running command in namespace", zap.String("namespace", d.NamespaceName), zap.String("command", command))
	res, err := c.invoke(ctx, e, protocol.RunCommand(d, command))
	if res == nil {
		return nil, err
	}
	return res, errors.Wrapf(err, "command failed in namespace %s", d.NamespaceName)
}

// Cleanup removes d's namespace and stops the tunnel process pid. On success the session record is removed.
func (c *Controller) Cleanup(ctx context.Context, d profile.Descriptor, pid string) error {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	e := c.registry.acquire(d.NamespaceName)
	defer c.registry.release(e)
	return c.cleanup(ctx, e, d, pid)
}

func (c *Controller) cleanup(ctx context.Context, e *entry, d profile.Descriptor, pid string) error {
	logger := c.logger.With(zap.String("namespace", d.NamespaceName), zap.String("pid", pid))
	logger.Info("Tearing down namespace")
	if _, err := c.invoke(ctx, e, protocol.Teardown(d, pid)); err != nil {
		logger.Error("Teardown failed", zap.Error(err))
		return errors.Wrapf(err, "failed to tear down namespace %s", d.NamespaceName)
	}
	c.registry.set(e, TornDown, "")
	c.changed()
	return errors.Wrap(c.records.Remove(d.NamespaceName), "namespace torn down but record not removed")
}

// Teardown cleans up d's namespace with the persisted tunnel pid, or the pid this controller launched when no
// record was written.
func (c *Controller) Teardown(ctx context.Context, d profile.Descriptor) error {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	e := c.registry.acquire(d.NamespaceName)
	defer c.registry.release(e)

	pid := ""
	rec, err := c.records.Load(d.NamespaceName)
	switch {
	case err == nil:
		pid = rec.PID
	case errors.Is(err, ErrNoRecord):
		_, pid, _ = c.registry.lookup(d.NamespaceName)
	default:
		return err
	}
	if pid == "" {
		return errors.Wrapf(ErrNoRecord, "namespace %s", d.NamespaceName)
	}
	return c.cleanup(ctx, e, d, pid)
}

// Record returns the persisted record of namespace.
func (c *Controller) Record(namespace string) (*Record, error) {
	return c.records.Load(namespace)
}

// State returns the state of namespace as seen by this process, falling back to the persisted record.
func (c *Controller) State(namespace string) State {
	if state, _, ok := c.registry.lookup(namespace); ok {
		return state
	}
	if rec, err := c.records.Load(namespace); err == nil {
		return rec.State
	}
	return Uninitialized
}

// Active lists the namespaces that currently exist on the host with their processes.
func (c *Controller) Active(ctx context.Context) ([]Namespace, error) {
	if cached, ok := c.active.Get(activeCacheKey); ok {
		return cloneNamespaces(cached.([]Namespace)), nil
	}
	res, err := c.invoke(ctx, nil, protocol.Invocation{Operation: protocol.OpListNamespaces})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list namespaces")
	}
	namespaces := []Namespace{}
	if out := res.Output(); out != "" {
		if err := json.Unmarshal([]byte(out), &namespaces); err != nil {
			return nil, errors.Wrapf(ErrDecodeActive, "%v", err)
		}
	}
	c.active.SetDefault(activeCacheKey, namespaces)
	return cloneNamespaces(namespaces), nil
}

func cloneNamespaces(in []Namespace) []Namespace {
	out := make([]Namespace, len(in))
	for i, ns := range in {
		out[i] = Namespace{Name: ns.Name, Processes: append([]Process(nil), ns.Processes...)}
	}
	return out
}

// Sessions lists every namespace with a persisted record or a lifecycle call in this process, sorted by name.
// The in-process state wins over a record another process wrote.
func (c *Controller) Sessions() ([]Session, error) {
	records, err := c.records.List()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Session, len(records))
	for _, rec := range records {
		byName[rec.Namespace] = Session{Namespace: rec.Namespace, State: rec.State, PID: rec.PID, Record: rec}
	}
	for name, live := range c.registry.snapshot() {
		if stored, ok := byName[name]; ok {
			live.Record = stored.Record
			if live.PID == "" && live.State == stored.State {
				live.PID = stored.PID
			}
		}
		byName[name] = live
	}

	names := maps.Keys(byName)
	sort.Strings(names)
	sessions := make([]Session, 0, len(names))
	for _, name := range names {
		sessions = append(sessions, byName[name])
	}
	return sessions, nil
}
