package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"

	"github.com/opsforge/fleetexec/pkg/task"
)

// runProcess executes argv on the local machine and captures its output.
// Used by the local and container variants. Exit status is reported as data;
// only failures to run the process at all come back as errors.
func runProcess(ctx context.Context, argv []string, stdin io.Reader, env []string) (*Output, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = stdin
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, fmt.Errorf("exec %s: %w", argv[0], err)
	}
	return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0}, nil
}

// taskEnv renders task parameters as PT_-prefixed environment entries.
// Non-string values are encoded as JSON, matching what task authors expect
// from the original tooling.
func taskEnv(params map[string]any) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("PT_%s=%s", k, paramString(params[k])))
	}
	return env
}

func paramString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// taskStdin renders task parameters as the JSON document written to the
// task's stdin.
func taskStdin(params map[string]any) io.Reader {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte("{}")
	}
	return bytes.NewReader(b)
}

// taskInput splits a task's input method into its two delivery channels.
func taskInput(tk *task.Task) (useEnv, useStdin bool) {
	switch tk.InputMethod() {
	case task.InputEnvironment:
		return true, false
	case task.InputStdin:
		return false, true
	default:
		return true, true
	}
}

// shellQuote wraps s for safe interpolation into a POSIX shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
