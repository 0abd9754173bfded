package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/result"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/task"
)

// Per-target SSH options, overriding the fleet-wide SSHConfig.
const (
	optPassword   = "password"
	optPrivateKey = "private-key"
)

// SSH connects over the ssh protocol. Session acquisition goes through a
// circuit breaker with exponential backoff, so a flapping sshd does not turn
// every action into an immediate failure.
type SSH struct {
	cfg    Config
	logger lg.Logger
}

func NewSSH(cfg Config, logger lg.Logger) *SSH {
	return &SSH{cfg: cfg, logger: logger}
}

func (s *SSH) Connect(ctx context.Context, tgt *target.Target) (Connection, error) {
	clientCfg, err := s.clientConfig(tgt)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: s.cfg.SSH.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", tgt.Addr())
	if err != nil {
		return nil, classifyConnectErr(ctx, tgt, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, tgt.Addr(), clientCfg)
	if err != nil {
		netConn.Close()
		return nil, classifyConnectErr(ctx, tgt, err)
	}

	client := ssh.NewClient(conn, chans, reqs)
	cbs := gobreaker.Settings{
		Name:    fmt.Sprintf("ssh-%s", tgt.SafeName()),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &sshConn{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(cbs),
		shell:   s.cfg.Shell,
		logger:  s.logger.With(lg.String("target", tgt.SafeName())),
	}, nil
}

func (s *SSH) clientConfig(tgt *target.Target) (*ssh.ClientConfig, error) {
	user := tgt.User
	if user == "" {
		user = s.cfg.SSH.User
	}

	var auth []ssh.AuthMethod
	if password := tgt.StringOption(optPassword, ""); password != "" {
		auth = append(auth, ssh.Password(password))
	}
	keyPath := tgt.StringOption(optPrivateKey, s.cfg.SSH.PrivateKeyPath)
	if keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, result.ConnectError(result.KindAuth, fmt.Errorf("unable to read private key: %w", err))
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, result.ConnectError(result.KindAuth, fmt.Errorf("unable to parse private key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, result.ConnectError(result.KindAuth, fmt.Errorf("no authentication configured for %s", tgt.SafeName()))
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.SSH.ConnectTimeout,
		BannerCallback:  func(string) error { return nil },
	}, nil
}

// classifyConnectErr maps a dial/handshake failure onto the connect error
// taxonomy: timeout, auth, or unreachable.
func classifyConnectErr(ctx context.Context, tgt *target.Target, err error) *result.Error {
	msg := fmt.Errorf("connect to %s: %w", tgt.Addr(), err)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result.ConnectError(result.KindTimeout, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return result.ConnectError(result.KindTimeout, msg)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return result.ConnectError(result.KindAuth, msg)
	}
	return result.ConnectError(result.KindUnreachable, msg)
}

type sshConn struct {
	client  *ssh.Client
	breaker *gobreaker.CircuitBreaker
	shell   []string
	logger  lg.Logger
}

// session opens an SSH session through the circuit breaker, retrying with
// exponential backoff until ctx is done.
func (c *sshConn) session(ctx context.Context) (*ssh.Session, error) {
	var sess *ssh.Session
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.client.NewSession()
		})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		sess = res.(*ssh.Session)
		return nil
	}

	b := backoff.WithContext(sessionBackoff(), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return sess, nil
}

func sessionBackoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// run executes one command line in a fresh session and waits for it,
// honoring ctx cancellation.
func (c *sshConn) run(ctx context.Context, cmdline string, stdin io.Reader) (*Output, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	sess.Stdin = stdin

	c.logger.Debug("running", lg.String("cmdline", cmdline))
	if err := sess.Start(cmdline); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmdline, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				out.ExitCode = exitErr.ExitStatus()
				return out, nil
			}
			var missing *ssh.ExitMissingError
			if errors.As(err, &missing) {
				out.ExitCode = -1
				return out, nil
			}
			return nil, fmt.Errorf("run %q: %w", cmdline, err)
		}
		return out, nil
	}
}

func (c *sshConn) RunCommand(ctx context.Context, command string) (*Output, error) {
	cmdline := command
	if len(c.shell) > 0 {
		parts := append([]string{}, c.shell...)
		parts = append(parts, shellQuote(command))
		cmdline = strings.Join(parts, " ")
	}
	return c.run(ctx, cmdline, nil)
}

func (c *sshConn) RunScript(ctx context.Context, path string, args []string) (*Output, error) {
	remote, err := c.stage(ctx, path)
	if err != nil {
		return nil, err
	}
	defer c.cleanup(remote)

	parts := []string{remote}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return c.run(ctx, strings.Join(parts, " "), nil)
}

func (c *sshConn) RunTask(ctx context.Context, tk *task.Task, params map[string]any) (*Output, error) {
	executable, err := tk.Executable()
	if err != nil {
		return nil, err
	}
	remote, err := c.stage(ctx, executable)
	if err != nil {
		return nil, err
	}
	defer c.cleanup(remote)

	useEnv, useStdin := taskInput(tk)
	var cmdline strings.Builder
	if useEnv {
		for _, kv := range taskEnv(params) {
			k, v, _ := strings.Cut(kv, "=")
			fmt.Fprintf(&cmdline, "%s=%s ", k, shellQuote(v))
		}
	}
	cmdline.WriteString(remote)

	var stdin io.Reader
	if useStdin {
		stdin = taskStdin(params)
	}
	return c.run(ctx, cmdline.String(), stdin)
}

// stage uploads a local executable to a unique temp path and marks it
// runnable.
func (c *sshConn) stage(ctx context.Context, path string) (string, error) {
	remote := fmt.Sprintf("/tmp/fleetexec-%s-%s", uuid.New().String()[:8], filepath.Base(path))
	if err := c.Upload(ctx, path, remote); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "chmod +x "+shellQuote(remote), nil); err != nil {
		return "", err
	}
	return remote, nil
}

func (c *sshConn) cleanup(remote string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.run(ctx, "rm -f "+shellQuote(remote), nil); err != nil {
		c.logger.Warn("failed to remove staged file", lg.String("path", remote), lg.Err(err))
	}
}

func (c *sshConn) Upload(ctx context.Context, source, destination string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer src.Close()

	out, err := c.run(ctx, "cat > "+shellQuote(destination), src)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("upload to %s failed: %s", destination, bytes.TrimSpace(out.Stderr))
	}
	return nil
}

func (c *sshConn) Download(ctx context.Context, source, destination string) error {
	out, err := c.run(ctx, "cat "+shellQuote(source), nil)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("download of %s failed: %s", source, bytes.TrimSpace(out.Stderr))
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}
	return os.WriteFile(destination, out.Stdout, 0644)
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
