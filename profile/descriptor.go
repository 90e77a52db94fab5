package profile

import (
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Protocol is the tunnel protocol of a profile.
type Protocol string

const (
	SOCKS5      Protocol = "socks5"
	SOCKS4      Protocol = "socks4"
	HTTP        Protocol = "http"
	Shadowsocks Protocol = "shadowsocks"
	Relay       Protocol = "relay"
	Direct      Protocol = "direct"
	Reject      Protocol = "reject"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{SOCKS5, SOCKS4, HTTP, Shadowsocks, Relay, Direct, Reject}

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case SOCKS5, SOCKS4, HTTP, Shadowsocks, Relay, Direct, Reject:
		return true
	default:
		return false
	}
}

// HasEndpoint reports whether p dials a remote address and port.
func (p Protocol) HasEndpoint() bool {
	return p != Direct && p != Reject
}

// Default values applied by Save to empty fields.
const (
	DefaultNamespace            = "proxied"
	DefaultTunInterface         = "tun0"
	DefaultTunAddress           = "10.0.0.2"
	DefaultVethHostName         = "veth_host"
	DefaultVethNamespaceName    = "veth_ns"
	DefaultVethHostAddress      = "10.200.1.1"
	DefaultVethNamespaceAddress = "10.200.1.2"
	DefaultDNS                  = "8.8.8.8"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrInvalid             = errors.New("invalid profile")
)

// Descriptor describes one proxy endpoint and the namespace wiring used to reach it.
type Descriptor struct {
	Address              string   `json:"address"`
	Port                 string   `json:"port"`
	Protocol             Protocol `json:"protocol" validate:"required"`
	NamespaceName        string   `json:"namespace_name" validate:"required,nsname"`
	TunInterface         string   `json:"tun_interface" validate:"required,ifname"`
	TunAddress           string   `json:"tun_address" validate:"required,ip|cidr"`
	VethHostName         string   `json:"veth_host_name" validate:"required,ifname"`
	VethNamespaceName    string   `json:"veth_namespace_name" validate:"required,ifname"`
	VethHostAddress      string   `json:"veth_host_address" validate:"required,ip"`
	VethNamespaceAddress string   `json:"veth_namespace_address" validate:"required,ip"`
	DNS                  string   `json:"dns" validate:"required,ip"`
	Username             string   `json:"username,omitempty"`
	Password             string   `json:"password,omitempty"`
	RunCommand           string   `json:"run_command,omitempty"`
}

// WithDefaults returns a copy of d with every empty wiring field set to its default.
func (d Descriptor) WithDefaults() Descriptor {
	fill := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	fill(&d.NamespaceName, DefaultNamespace)
	fill(&d.TunInterface, DefaultTunInterface)
	fill(&d.TunAddress, DefaultTunAddress)
	fill(&d.VethHostName, DefaultVethHostName)
	fill(&d.VethNamespaceName, DefaultVethNamespaceName)
	fill(&d.VethHostAddress, DefaultVethHostAddress)
	fill(&d.VethNamespaceAddress, DefaultVethNamespaceAddress)
	fill(&d.DNS, DefaultDNS)
	return d
}

var (
	// kernel interface names are limited to IFNAMSIZ-1 bytes
	ifnamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,15}$`)
	nsnamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

	validate = newValidator()
)

// ValidNamespaceName reports whether name can be used as a namespace identifier.
func ValidNamespaceName(name string) bool {
	return nsnamePattern.MatchString(name) && name != "." && name != ".."
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("ifname", func(fl validator.FieldLevel) bool {
		return ifnamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("nsname", func(fl validator.FieldLevel) bool {
		return ValidNamespaceName(fl.Field().String())
	})
	v.RegisterStructValidation(endpointValidation, Descriptor{})
	return v
}

// endpointValidation enforces the rules that depend on the protocol.
func endpointValidation(sl validator.StructLevel) {
	d := sl.Current().Interface().(Descriptor)
	if d.Protocol.HasEndpoint() {
		if err := sl.Validator().Var(d.Address, "required,hostname_rfc1123|ip"); err != nil {
			sl.ReportError(d.Address, "Address", "address", "endpoint", "")
		}
		if port, err := strconv.Atoi(d.Port); err != nil || port < 1 || port > 65535 {
			sl.ReportError(d.Port, "Port", "port", "port", "")
		}
	}
	if d.Protocol == Shadowsocks && d.Password == "" {
		sl.ReportError(d.Password, "Password", "password", "required", "")
	}
}

// Validate checks d against the profile invariants. An unknown protocol yields ErrUnsupportedProtocol, any
// other violation ErrInvalid naming the offending fields.
func (d Descriptor) Validate() error {
	if !d.Protocol.Valid() {
		return errors.Wrapf(ErrUnsupportedProtocol, "%q", d.Protocol)
	}
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(ErrInvalid, err.Error())
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
		}
		return errors.Wrapf(ErrInvalid, "bad fields %v", fields)
	}
	return nil
}
