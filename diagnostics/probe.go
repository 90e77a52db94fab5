// Package diagnostics runs reachability and host dependency checks through the execution gateway.
package diagnostics

import (
	"bufio"
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	semver "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/platform"
	"go.uber.org/zap"
)

const (
	OpPing         = "ping_test"
	OpPort         = "port_test"
	OpDependencies = "check_dependencies"

	rttPrefix   = "rtt "
	defaultUnit = "ms"
	missing     = "missing"
)

var (
	ErrHostUnreachable = errors.New("host unreachable")
	ErrSemVerParse     = errors.New("error parsing version")
)

// Latency is the average round trip time reported by ping.
type Latency struct {
	Average float64 `json:"average"`
	Unit    string  `json:"unit"`
}

func (l Latency) String() string {
	return strconv.FormatFloat(l.Average, 'f', -1, 64) + " " + l.Unit
}

// Dependency is one host tool and whether its installed version satisfies the configured minimum.
type Dependency struct {
	Name      string `json:"name"`
	Installed string `json:"installed,omitempty"`
	Minimum   string `json:"minimum,omitempty"`
	Missing   bool   `json:"missing"`
	Satisfied bool   `json:"satisfied"`
}

// Probe runs diagnostics. It holds no state beyond its configuration.
type Probe struct {
	gateway  platform.Gateway
	minimums map[string]string
	logger   *zap.Logger
}

// NewProbe returns a probe that checks host tools against minimums, a map of tool name to minimum version.
func NewProbe(gw platform.Gateway, minimums map[string]string, logger *zap.Logger) *Probe {
	return &Probe{
		gateway:  gw,
		minimums: minimums,
		logger:   logger.With(zap.String("component", "diagnostics")),
	}
}

func (p *Probe) invoke(ctx context.Context, operation string, args ...string) (*platform.ExecResult, error) {
	res, err := p.gateway.Invoke(ctx, operation, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke %s", operation)
	}
	return res, nil
}

// Ping measures the average round trip time to address. The ping exit status is not consulted; an output without
// a usable rtt summary, or with an average of zero, is ErrHostUnreachable.
func (p *Probe) Ping(ctx context.Context, address string) (Latency, error) {
	res, err := p.invoke(ctx, OpPing, address)
	if err != nil {
		return Latency{}, err
	}
	latency, ok := parseRTT(string(res.Stdout))
	if !ok || latency.Average == 0 {
		p.logger.Info("Ping found no route", zap.String("address", address), zap.Int("exitCode", res.ExitCode))
		return Latency{}, errors.Wrapf(ErrHostUnreachable, "%s", address)
	}
	return latency, nil
}

// parseRTT reads the average from a "rtt min/avg/max/mdev = a/b/c/d unit" summary line.
func parseRTT(out string) (Latency, bool) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, rttPrefix) {
			continue
		}
		_, summary, found := strings.Cut(line, "=")
		if !found {
			return Latency{}, false
		}
		fields := strings.Fields(summary)
		if len(fields) == 0 {
			return Latency{}, false
		}
		values := strings.Split(fields[0], "/")
		if len(values) < 2 {
			return Latency{}, false
		}
		avg, err := strconv.ParseFloat(values[1], 64)
		if err != nil || math.IsNaN(avg) || math.IsInf(avg, 0) {
			return Latency{}, false
		}
		unit := defaultUnit
		if len(fields) > 1 {
			unit = fields[1]
		}
		return Latency{Average: avg, Unit: unit}, true
	}
	return Latency{}, false
}

// Port checks whether port is reachable on address and returns the tool's verdict phrase.
func (p *Probe) Port(ctx context.Context, address, port string) (string, error) {
	res, err := p.invoke(ctx, OpPort, address, port)
	if err != nil {
		return "", err
	}
	return lastTokens(res.Output(), 3), nil
}

func lastTokens(out string, n int) string {
	tokens := strings.Fields(out)
	if len(tokens) < n {
		return out
	}
	return strings.Join(tokens[len(tokens)-n:], " ")
}

// Dependencies reports every host tool listed by the check operation and every tool with a configured minimum.
func (p *Probe) Dependencies(ctx context.Context) ([]Dependency, error) {
	res, err := p.invoke(ctx, OpDependencies)
	if err != nil {
		return nil, err
	}
	if err := res.Err(OpDependencies); err != nil {
		return nil, err
	}

	installed := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			installed[fields[0]] = missing
		default:
			installed[fields[0]] = fields[1]
		}
	}
	for name := range p.minimums {
		if _, ok := installed[name]; !ok {
			installed[name] = missing
		}
	}

	deps := make([]Dependency, 0, len(installed))
	for name, raw := range installed {
		dep, err := p.check(name, raw)
		if err != nil {
			p.logger.Warn("Unparsable tool version", zap.String("tool", name), zap.String("version", raw), zap.Error(err))
		}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

func (p *Probe) check(name, raw string) (Dependency, error) {
	dep := Dependency{Name: name, Minimum: p.minimums[name]}
	if raw == missing {
		dep.Missing = true
		return dep, nil
	}
	dep.Installed = raw
	if dep.Minimum == "" {
		dep.Satisfied = true
		return dep, nil
	}
	have, err := semver.NewVersion(raw)
	if err != nil {
		return dep, errors.Wrap(ErrSemVerParse, err.Error())
	}
	want, err := semver.NewVersion(dep.Minimum)
	if err != nil {
		return dep, errors.Wrap(ErrSemVerParse, err.Error())
	}
	dep.Satisfied = have.GreaterThanOrEqual(want)
	return dep, nil
}
