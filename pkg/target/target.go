// Package target describes one addressable endpoint an action can be run
// against. A Target is resolved by the inventory layer and treated as
// read-only by the executor for the lifetime of a dispatch.
package target

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Protocol names understood by the transport registry.
const (
	ProtocolLocal  = "local"
	ProtocolSSH    = "ssh"
	ProtocolDocker = "docker"
)

const defaultSSHPort = 22

type Target struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	Protocol string         `yaml:"protocol" json:"protocol" validate:"required"`
	Host     string         `yaml:"host" json:"host" validate:"required_unless=Protocol local"`
	Port     int            `yaml:"port,omitempty" json:"port,omitempty" validate:"gte=0,lte=65535"`
	User     string         `yaml:"user,omitempty" json:"user,omitempty"`
	Options  map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

var validate = validator.New()

// New builds a validated Target from a URI-ish name such as
// "ssh://deploy@web01:2222" or a bare hostname (protocol defaults to ssh).
func New(uri string) (*Target, error) {
	t := &Target{Name: uri, Protocol: ProtocolSSH}

	rest := uri
	if proto, tail, ok := strings.Cut(uri, "://"); ok {
		t.Protocol = proto
		rest = tail
	}
	if user, tail, ok := strings.Cut(rest, "@"); ok {
		t.User = user
		rest = tail
	}
	if host, port, ok := strings.Cut(rest, ":"); ok {
		t.Host = host
		if _, err := fmt.Sscanf(port, "%d", &t.Port); err != nil {
			return nil, fmt.Errorf("target %q: bad port %q: %w", uri, port, err)
		}
	} else {
		t.Host = rest
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the struct tags and protocol-specific defaults.
func (t *Target) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid target %q: %w", t.Name, err)
	}
	return nil
}

// SafeName is the display name used in results and logs.
func (t *Target) SafeName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Host
}

// Addr returns the dialable host:port, applying the SSH default port.
func (t *Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// Option reads a transport-specific option, second return reports presence.
func (t *Target) Option(key string) (any, bool) {
	if t.Options == nil {
		return nil, false
	}
	v, ok := t.Options[key]
	return v, ok
}

// StringOption reads a transport-specific option as a string, with fallback.
func (t *Target) StringOption(key, fallback string) string {
	if v, ok := t.Option(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// ToData returns the canonical descriptor map for serialization.
func (t *Target) ToData() map[string]any {
	d := map[string]any{
		"name":     t.SafeName(),
		"protocol": t.Protocol,
	}
	if t.Host != "" {
		d["host"] = t.Host
	}
	if t.Port != 0 {
		d["port"] = t.Port
	}
	if t.User != "" {
		d["user"] = t.User
	}
	return d
}
