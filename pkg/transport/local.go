package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/task"
)

// Local runs actions on the machine fleetexec itself runs on. Upload and
// download degenerate to file copies.
type Local struct {
	shell  []string
	logger lg.Logger
}

func NewLocal(cfg Config, logger lg.Logger) *Local {
	return &Local{shell: cfg.Shell, logger: logger}
}

func (l *Local) Connect(_ context.Context, tgt *target.Target) (Connection, error) {
	return &localConn{shell: l.shell, logger: l.logger.With(lg.String("target", tgt.SafeName()))}, nil
}

type localConn struct {
	shell  []string
	logger lg.Logger
}

func (c *localConn) RunCommand(ctx context.Context, command string) (*Output, error) {
	c.logger.Debug("running command", lg.String("command", command))
	return runProcess(ctx, append(c.shell, command), nil, nil)
}

func (c *localConn) RunScript(ctx context.Context, path string, args []string) (*Output, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path %s: %w", path, err)
	}
	return runProcess(ctx, append([]string{abs}, args...), nil, nil)
}

func (c *localConn) RunTask(ctx context.Context, tk *task.Task, params map[string]any) (*Output, error) {
	executable, err := tk.Executable()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(executable)
	if err != nil {
		return nil, fmt.Errorf("task file %s: %w", executable, err)
	}

	useEnv, useStdin := taskInput(tk)
	var env []string
	var stdin io.Reader
	if useEnv {
		env = taskEnv(params)
	}
	if useStdin {
		stdin = taskStdin(params)
	}
	c.logger.Debug("running task", lg.String("task", tk.Name))
	return runProcess(ctx, []string{abs}, stdin, env)
}

func (c *localConn) Upload(ctx context.Context, source, destination string) error {
	return copyFile(ctx, source, destination)
}

func (c *localConn) Download(ctx context.Context, source, destination string) error {
	return copyFile(ctx, source, destination)
}

func (c *localConn) Close() error { return nil }

func copyFile(ctx context.Context, source, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", source, err)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}
	dst, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", destination, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", source, destination, err)
	}
	return nil
}
