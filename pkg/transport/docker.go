package transport

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/result"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/task"
)

const optContainer = "container"

// Docker runs actions inside a container through the docker CLI on this
// machine. The container name comes from the target host or the "container"
// option.
type Docker struct {
	shell  []string
	logger lg.Logger
}

func NewDocker(cfg Config, logger lg.Logger) *Docker {
	return &Docker{shell: cfg.Shell, logger: logger}
}

func (d *Docker) Connect(ctx context.Context, tgt *target.Target) (Connection, error) {
	container := tgt.StringOption(optContainer, tgt.Host)
	if container == "" {
		return nil, result.ConnectError(result.KindUnreachable,
			fmt.Errorf("target %s names no container", tgt.SafeName()))
	}

	out, err := runProcess(ctx, []string{"docker", "inspect", "--format", "{{.State.Running}}", container}, nil, nil)
	if err != nil {
		return nil, result.ConnectError(result.KindUnreachable,
			fmt.Errorf("docker inspect %s: %w", container, err))
	}
	if out.ExitCode != 0 || strings.TrimSpace(string(out.Stdout)) != "true" {
		return nil, result.ConnectError(result.KindUnreachable,
			fmt.Errorf("container %s is not running: %s", container, strings.TrimSpace(string(out.Stderr))))
	}

	return &dockerConn{
		container: container,
		shell:     d.shell,
		logger:    d.logger.With(lg.String("container", container)),
	}, nil
}

type dockerConn struct {
	container string
	shell     []string
	logger    lg.Logger
}

func (c *dockerConn) exec(ctx context.Context, stdin io.Reader, env []string, argv ...string) (*Output, error) {
	cmd := []string{"docker", "exec"}
	if stdin != nil {
		cmd = append(cmd, "-i")
	}
	for _, kv := range env {
		cmd = append(cmd, "-e", kv)
	}
	cmd = append(cmd, c.container)
	cmd = append(cmd, argv...)
	return runProcess(ctx, cmd, stdin, nil)
}

func (c *dockerConn) RunCommand(ctx context.Context, command string) (*Output, error) {
	c.logger.Debug("running command", lg.String("command", command))
	return c.exec(ctx, nil, nil, append(c.shell, command)...)
}

func (c *dockerConn) RunScript(ctx context.Context, path string, args []string) (*Output, error) {
	remote, err := c.stage(ctx, path)
	if err != nil {
		return nil, err
	}
	defer c.remove(remote)
	return c.exec(ctx, nil, nil, append([]string{remote}, args...)...)
}

func (c *dockerConn) RunTask(ctx context.Context, tk *task.Task, params map[string]any) (*Output, error) {
	executable, err := tk.Executable()
	if err != nil {
		return nil, err
	}
	remote, err := c.stage(ctx, executable)
	if err != nil {
		return nil, err
	}
	defer c.remove(remote)

	useEnv, useStdin := taskInput(tk)
	var env []string
	var stdin io.Reader
	if useEnv {
		env = taskEnv(params)
	}
	if useStdin {
		stdin = taskStdin(params)
	}
	return c.exec(ctx, stdin, env, remote)
}

func (c *dockerConn) stage(ctx context.Context, path string) (string, error) {
	remote := filepath.Join("/tmp", "fleetexec-"+filepath.Base(path))
	if err := c.Upload(ctx, path, remote); err != nil {
		return "", err
	}
	if out, err := c.exec(ctx, nil, nil, "chmod", "+x", remote); err != nil {
		return "", err
	} else if out.ExitCode != 0 {
		return "", fmt.Errorf("chmod %s: %s", remote, strings.TrimSpace(string(out.Stderr)))
	}
	return remote, nil
}

func (c *dockerConn) remove(remote string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.exec(ctx, nil, nil, "rm", "-f", remote); err != nil {
		c.logger.Warn("failed to remove staged file", lg.String("path", remote), lg.Err(err))
	}
}

func (c *dockerConn) cp(ctx context.Context, from, to string) error {
	out, err := runProcess(ctx, []string{"docker", "cp", from, to}, nil, nil)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("docker cp %s %s: %s", from, to, strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}

func (c *dockerConn) Upload(ctx context.Context, source, destination string) error {
	return c.cp(ctx, source, c.container+":"+destination)
}

func (c *dockerConn) Download(ctx context.Context, source, destination string) error {
	return c.cp(ctx, c.container+":"+source, destination)
}

func (c *dockerConn) Close() error { return nil }
