// Package transport abstracts how actions reach a target: connecting,
// running commands, scripts and tasks, and moving files. Each protocol
// variant implements the same capability set; failures surface as structured
// errors and are converted to failing results above this layer.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/task"
)

// Output carries the raw outcome of one remote invocation. A non-zero exit
// code is data, not an error.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Connection is a live handle for one target. It is owned by exactly one
// unit of work, never shared across targets, and must be closed on every
// exit path.
type Connection interface {
	RunCommand(ctx context.Context, command string) (*Output, error)
	RunScript(ctx context.Context, path string, args []string) (*Output, error)
	RunTask(ctx context.Context, tk *task.Task, params map[string]any) (*Output, error)
	Upload(ctx context.Context, source, destination string) error
	Download(ctx context.Context, source, destination string) error
	Close() error
}

// Transport creates connections for one protocol.
type Transport interface {
	Connect(ctx context.Context, tgt *target.Target) (Connection, error)
}

// SSHConfig carries fleet-wide SSH defaults; per-target options override.
type SSHConfig struct {
	User           string        `yaml:"user" json:"user"`
	PrivateKeyPath string        `yaml:"private_key" json:"private_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// Config is resolved once at startup and threaded into the transport
// constructors. Nothing here is read from ambient process state on the hot
// path.
type Config struct {
	// Shell is the command prefix used to run command strings, e.g.
	// ["/bin/sh", "-c"].
	Shell []string  `yaml:"shell" json:"shell"`
	SSH   SSHConfig `yaml:"ssh" json:"ssh"`
}

// DefaultConfig returns the config used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		Shell: []string{"/bin/sh", "-c"},
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Registry maps protocol names to transports. It acts as the resolver the
// executor consults per target.
type Registry struct {
	transports map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

func (r *Registry) Register(protocol string, tr Transport) {
	r.transports[protocol] = tr
}

func (r *Registry) Resolve(protocol string) (Transport, error) {
	tr, ok := r.transports[protocol]
	if !ok {
		return nil, fmt.Errorf("no transport registered for protocol %q", protocol)
	}
	return tr, nil
}

// DefaultRegistry wires up the built-in protocol variants.
func DefaultRegistry(cfg Config, logger lg.Logger) *Registry {
	if len(cfg.Shell) == 0 {
		cfg.Shell = DefaultConfig().Shell
	}
	if cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = DefaultConfig().SSH.ConnectTimeout
	}
	r := NewRegistry()
	r.Register(target.ProtocolLocal, NewLocal(cfg, logger))
	r.Register(target.ProtocolSSH, NewSSH(cfg, logger))
	r.Register(target.ProtocolDocker, NewDocker(cfg, logger))
	return r
}
