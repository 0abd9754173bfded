// Package result normalizes the outcome of one action against one target
// into a single shape, and serializes it safely for external consumers.
package result

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsforge/fleetexec/pkg/target"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Action tags recorded on results.
const (
	ActionCommand   = "command"
	ActionScript    = "script"
	ActionTask      = "task"
	ActionUpload    = "upload"
	ActionDownload  = "download"
	ActionMessage   = "message"
	ActionError     = "error"
	ActionPlanError = "plan_error"
)

// Result is one outcome for one (target, action) pair. It is created by the
// constructor matching the action kind and immutable afterwards.
type Result struct {
	Target *target.Target
	Action string
	Object string
	Value  map[string]any
	Err    *Error
}

// ForCommand normalizes a remote command's output.
func ForCommand(t *target.Target, command, stdout, stderr string, exitCode int, elapsed time.Duration) *Result {
	value := map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
		"action":    ActionCommand,
		"command":   command,
	}
	attachElapsed(value, elapsed)
	return &Result{Target: t, Action: ActionCommand, Object: command, Value: value}
}

// ForScript normalizes a script run; the value is command-shaped.
func ForScript(t *target.Target, path, stdout, stderr string, exitCode int, elapsed time.Duration) *Result {
	value := map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
		"action":    ActionScript,
		"script":    path,
	}
	attachElapsed(value, elapsed)
	return &Result{Target: t, Action: ActionScript, Object: path, Value: value}
}

// ForTask normalizes a task run. Stdout that parses as a JSON object becomes
// the value itself; anything else is kept raw under _output. stderr and
// exit_code are always added, and _task records the task name.
func ForTask(t *target.Target, taskName, stdout, stderr string, exitCode int, elapsed time.Duration) *Result {
	var value map[string]any
	var parsed map[string]any
	if err := json.Unmarshal([]byte(stdout), &parsed); err == nil && parsed != nil {
		value = parsed
	} else {
		value = map[string]any{"_output": stdout}
	}
	value["stderr"] = stderr
	value["exit_code"] = exitCode
	value["_task"] = taskName
	attachElapsed(value, elapsed)
	return &Result{Target: t, Action: ActionTask, Object: taskName, Value: value}
}

// ForUpload records a completed file upload.
func ForUpload(t *target.Target, source, destination string, elapsed time.Duration) *Result {
	value := map[string]any{
		"action": ActionUpload,
		"path":   destination,
		"src":    source,
	}
	attachElapsed(value, elapsed)
	return &Result{Target: t, Action: ActionUpload, Object: destination, Value: value}
}

// ForDownload records a completed file download.
func ForDownload(t *target.Target, source, destination string, elapsed time.Duration) *Result {
	value := map[string]any{
		"action": ActionDownload,
		"path":   source,
		"dest":   destination,
	}
	attachElapsed(value, elapsed)
	return &Result{Target: t, Action: ActionDownload, Object: source, Value: value}
}

// ForMessage records a message that involved no target-side execution.
func ForMessage(t *target.Target, text string) *Result {
	value := map[string]any{
		"action":  ActionMessage,
		"message": text,
	}
	return &Result{Target: t, Action: ActionMessage, Object: text, Value: value}
}

// ForError converts a connection or transport failure into a failing Result.
func ForError(t *target.Target, err *Error) *Result {
	return errResult(t, ActionError, err)
}

// ForPlanError converts a failure raised by the orchestration layer above a
// single action into a failing Result.
func ForPlanError(t *target.Target, err *Error) *Result {
	return errResult(t, ActionPlanError, err)
}

func errResult(t *target.Target, action string, err *Error) *Result {
	value := map[string]any{
		"action": action,
		"object": err.Msg,
		"status": StatusFailure,
	}
	for k, v := range err.DetailsMap() {
		value[k] = v
	}
	return &Result{Target: t, Action: action, Object: err.Msg, Value: value, Err: err}
}

func attachElapsed(value map[string]any, elapsed time.Duration) {
	if elapsed > 0 {
		value["elapsed_time"] = elapsed.Seconds()
	}
}

// Status derives success or failure. An embedded _error map with a status
// outside {success, failure} is a contract violation by the producer and is
// returned as an *InvalidStatusError rather than being coerced.
func (r *Result) Status() (string, error) {
	if r.Err != nil {
		return StatusFailure, nil
	}
	raw, ok := r.Value["_error"]
	if !ok {
		return StatusSuccess, nil
	}
	em, ok := raw.(map[string]any)
	if !ok {
		return "", &InvalidStatusError{Status: raw}
	}
	switch st := em["status"]; st {
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusFailure:
		return StatusFailure, nil
	default:
		return "", &InvalidStatusError{Status: st}
	}
}

// Ok reports plain success; an invalid embedded status counts as not ok and
// is surfaced through Status when the caller needs the fault.
func (r *Result) Ok() bool {
	st, err := r.Status()
	return err == nil && st == StatusSuccess
}

// Cause returns the structured error behind a failing result: the stored
// error if present, else one reconstructed from the _error map.
func (r *Result) Cause() *Error {
	if r.Err != nil {
		return r.Err
	}
	raw, ok := r.Value["_error"]
	if !ok {
		return nil
	}
	em, ok := raw.(map[string]any)
	if !ok {
		return &Error{Kind: KindTransport, Msg: fmt.Sprintf("%v", raw)}
	}
	e := &Error{}
	if msg, ok := em["msg"].(string); ok {
		e.Msg = msg
	}
	if kind, ok := em["kind"].(string); ok {
		e.Kind = kind
	}
	if details, ok := em["details"].(map[string]any); ok {
		e.Details = details
	}
	if e.Msg == "" {
		// reconstruction failed, wrap the raw map
		return &Error{Kind: KindTransport, Msg: fmt.Sprintf("%v", em), Details: em}
	}
	return e
}

// ToData produces the canonical serializable map. The value tree goes
// through SafeValue, so the output never contains cycles, raw error objects,
// or invalid text bytes. Status computation may still fault on corrupt data.
func (r *Result) ToData() (map[string]any, error) {
	st, err := r.Status()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"target": r.Target.SafeName(),
		"action": r.Action,
		"object": r.Object,
		"status": st,
		"value":  SafeValue(r.Value),
	}, nil
}
