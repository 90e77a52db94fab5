// Package protocol maps a profile to the external operations that wire and launch its tunnel.
package protocol

import (
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/profile"
)

// Operation names understood by the definitions file.
const (
	OpSetupNamespace = "setup_namespace"
	OpRunCommand     = "run_command_in_namespace"
	OpCleanup        = "cleanup"
	OpListNamespaces = "list_namespaces"

	OpSOCKS5      = "tun2socks_socks5"
	OpSOCKS4      = "tun2socks_socks4"
	OpHTTP        = "tun2socks_http"
	OpShadowsocks = "tun2socks_shadowsocks"
	OpRelay       = "tun2socks_relay"
	OpDirect      = "tun2socks_direct"
	OpReject      = "tun2socks_reject"
)

// ErrUnsupportedProtocol is returned for a protocol outside the dispatch table.
var ErrUnsupportedProtocol = profile.ErrUnsupportedProtocol

// Invocation is an operation name and its exact positional arguments.
type Invocation struct {
	Operation string
	Args      []string
}

// Target is the namespace side every launch needs.
type Target struct {
	Namespace    string
	TunInterface string
}

// Endpoint is a remote proxy reached from Target.
type Endpoint struct {
	Address string
	Port    string
	Target
}

func (e Endpoint) args() []string {
	return []string{e.Address, e.Port, e.Namespace, e.TunInterface}
}

// Auth is a username and password pair.
type Auth struct {
	Username string
	Password string
}

// Launch starts the tunnel process of one protocol. Implementations carry only the fields their protocol uses.
type Launch interface {
	Protocol() profile.Protocol
	Invocation() Invocation
	launch()
}

type (
	SOCKS5 struct {
		Endpoint
		Auth
	}
	SOCKS4 struct {
		Endpoint
		User string
	}
	HTTP struct {
		Endpoint
	}
	Shadowsocks struct {
		Endpoint
		Auth
	}
	Relay struct {
		Endpoint
		Auth
	}
	Direct struct {
		Target
	}
	Reject struct {
		Target
	}
)

func (SOCKS5) Protocol() profile.Protocol      { return profile.SOCKS5 }
func (SOCKS4) Protocol() profile.Protocol      { return profile.SOCKS4 }
func (HTTP) Protocol() profile.Protocol        { return profile.HTTP }
func (Shadowsocks) Protocol() profile.Protocol { return profile.Shadowsocks }
func (Relay) Protocol() profile.Protocol       { return profile.Relay }
func (Direct) Protocol() profile.Protocol      { return profile.Direct }
func (Reject) Protocol() profile.Protocol      { return profile.Reject }

func (l SOCKS5) Invocation() Invocation {
	return Invocation{Operation: OpSOCKS5, Args: append(l.Endpoint.args(), l.Username, l.Password)}
}

func (l SOCKS4) Invocation() Invocation {
	return Invocation{Operation: OpSOCKS4, Args: append(l.Endpoint.args(), l.User)}
}

func (l HTTP) Invocation() Invocation {
	return Invocation{Operation: OpHTTP, Args: l.Endpoint.args()}
}

func (l Shadowsocks) Invocation() Invocation {
	return Invocation{Operation: OpShadowsocks, Args: append(l.Endpoint.args(), l.Username, l.Password)}
}

func (l Relay) Invocation() Invocation {
	return Invocation{Operation: OpRelay, Args: append(l.Endpoint.args(), l.Username, l.Password)}
}

func (l Direct) Invocation() Invocation {
	return Invocation{Operation: OpDirect, Args: []string{l.Namespace, l.TunInterface}}
}

func (l Reject) Invocation() Invocation {
	return Invocation{Operation: OpReject, Args: []string{l.Namespace, l.TunInterface}}
}

func (SOCKS5) launch()      {}
func (SOCKS4) launch()      {}
func (HTTP) launch()        {}
func (Shadowsocks) launch() {}
func (Relay) launch()       {}
func (Direct) launch()      {}
func (Reject) launch()      {}

// Resolve selects the launch for d's protocol. Fields the protocol does not use are dropped here and never
// reach the gateway.
func Resolve(d profile.Descriptor) (Launch, error) {
	target := Target{Namespace: d.NamespaceName, TunInterface: d.TunInterface}
	endpoint := Endpoint{Address: d.Address, Port: d.Port, Target: target}
	auth := Auth{Username: d.Username, Password: d.Password}

	switch d.Protocol {
	case profile.SOCKS5:
		return SOCKS5{Endpoint: endpoint, Auth: auth}, nil
	case profile.SOCKS4:
		return SOCKS4{Endpoint: endpoint, User: d.Username}, nil
	case profile.HTTP:
		return HTTP{Endpoint: endpoint}, nil
	case profile.Shadowsocks:
		return Shadowsocks{Endpoint: endpoint, Auth: auth}, nil
	case profile.Relay:
		return Relay{Endpoint: endpoint, Auth: auth}, nil
	case profile.Direct:
		return Direct{Target: target}, nil
	case profile.Reject:
		return Reject{Target: target}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%q", d.Protocol)
	}
}

// NamespaceSetup is the protocol independent namespace and veth wiring step.
func NamespaceSetup(d profile.Descriptor) Invocation {
	return Invocation{
		Operation: OpSetupNamespace,
		Args: []string{
			d.Address,
			d.Port,
			d.NamespaceName,
			d.TunInterface,
			d.TunAddress,
			d.VethHostName,
			d.VethNamespaceName,
			d.VethHostAddress,
			d.VethNamespaceAddress,
			d.DNS,
		},
	}
}

// RunCommand executes command inside d's namespace.
func RunCommand(d profile.Descriptor, command string) Invocation {
	return Invocation{Operation: OpRunCommand, Args: []string{d.NamespaceName, command}}
}

// Teardown removes d's namespace and interfaces and stops the tunnel process pid.
func Teardown(d profile.Descriptor, pid string) Invocation {
	return Invocation{Operation: OpCleanup, Args: []string{d.NamespaceName, pid, d.VethHostName}}
}
