package result

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetexec/pkg/target"
)

func testTarget(t *testing.T) *target.Target {
	t.Helper()
	return &target.Target{Name: "web01", Protocol: target.ProtocolSSH, Host: "web01.example.com"}
}

func TestForCommand(t *testing.T) {
	r := ForCommand(testTarget(t), "uptime", "up 3 days\n", "", 0, 1500*time.Millisecond)

	assert.Equal(t, ActionCommand, r.Action)
	assert.Equal(t, "uptime", r.Object)
	assert.Equal(t, "up 3 days\n", r.Value["stdout"])
	assert.Equal(t, 0, r.Value["exit_code"])
	assert.Equal(t, "uptime", r.Value["command"])
	assert.Equal(t, 1.5, r.Value["elapsed_time"])

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st)
	assert.Nil(t, r.Cause())
}

func TestForCommandNonZeroExitIsData(t *testing.T) {
	r := ForCommand(testTarget(t), "false", "", "", 1, 0)

	// a non-zero exit is reported as data, not as an error
	assert.Nil(t, r.Err)
	assert.Equal(t, 1, r.Value["exit_code"])
	_, hasElapsed := r.Value["elapsed_time"]
	assert.False(t, hasElapsed)

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st)
}

func TestForTaskNormalization(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		check  func(t *testing.T, value map[string]any)
	}{
		{
			name:   "json object stdout",
			stdout: `{"a":1}`,
			check: func(t *testing.T, value map[string]any) {
				assert.Equal(t, float64(1), value["a"])
				assert.NotContains(t, value, "_output")
			},
		},
		{
			name:   "non-json stdout",
			stdout: "not json",
			check: func(t *testing.T, value map[string]any) {
				assert.Equal(t, "not json", value["_output"])
			},
		},
		{
			name:   "json array stdout falls back to raw",
			stdout: `[1,2,3]`,
			check: func(t *testing.T, value map[string]any) {
				assert.Equal(t, `[1,2,3]`, value["_output"])
			},
		},
		{
			name:   "json scalar stdout falls back to raw",
			stdout: `42`,
			check: func(t *testing.T, value map[string]any) {
				assert.Equal(t, `42`, value["_output"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ForTask(testTarget(t), "facts", tt.stdout, "warn", 0, 0)
			assert.Equal(t, "warn", r.Value["stderr"])
			assert.Equal(t, 0, r.Value["exit_code"])
			assert.Equal(t, "facts", r.Value["_task"])
			tt.check(t, r.Value)
		})
	}
}

func TestForUploadAndDownload(t *testing.T) {
	up := ForUpload(testTarget(t), "/local/app.tgz", "/opt/app.tgz", time.Second)
	assert.Equal(t, ActionUpload, up.Action)
	assert.Equal(t, "/opt/app.tgz", up.Value["path"])
	assert.Equal(t, "/local/app.tgz", up.Value["src"])

	down := ForDownload(testTarget(t), "/var/log/syslog", "/tmp/syslog", time.Second)
	assert.Equal(t, ActionDownload, down.Action)
	assert.Equal(t, "/var/log/syslog", down.Value["path"])
	assert.Equal(t, "/tmp/syslog", down.Value["dest"])
}

func TestForMessage(t *testing.T) {
	r := ForMessage(testTarget(t), "skipping maintenance window")
	assert.Equal(t, ActionMessage, r.Action)
	assert.Equal(t, "skipping maintenance window", r.Value["message"])
	assert.True(t, r.Ok())
}

func TestForError(t *testing.T) {
	cause := ConnectError(KindUnreachable, assert.AnError).WithDetails(map[string]any{"host": "web01"})
	r := ForError(testTarget(t), cause)

	assert.Equal(t, ActionError, r.Action)
	assert.Equal(t, cause.Msg, r.Object)
	assert.Equal(t, StatusFailure, r.Value["status"])
	assert.Equal(t, "web01", r.Value["host"])

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, st)
	assert.Equal(t, cause.Msg, r.Cause().Msg)
}

func TestForPlanError(t *testing.T) {
	r := ForPlanError(testTarget(t), NewError(KindPlan, "aggregate failed"))
	assert.Equal(t, ActionPlanError, r.Action)
	assert.Equal(t, StatusFailure, r.Value["status"])
}

func TestStatusFromEmbeddedError(t *testing.T) {
	r := ForTask(testTarget(t), "deploy", `{"_error":{"kind":"task/failed","msg":"boom","status":"failure"}}`, "", 2, 0)

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, st)

	cause := r.Cause()
	require.NotNil(t, cause)
	assert.Equal(t, "boom", cause.Msg)
	assert.Equal(t, "task/failed", cause.Kind)
}

func TestStatusEmbeddedSuccess(t *testing.T) {
	r := ForTask(testTarget(t), "deploy", `{"_error":{"status":"success"}}`, "", 0, 0)
	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st)
}

func TestStatusBogusEmbeddedStatus(t *testing.T) {
	r := ForTask(testTarget(t), "deploy", `{"_error":{"status":"bogus"}}`, "", 0, 0)

	_, err := r.Status()
	var inv *InvalidStatusError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "bogus", inv.Status)

	_, err = r.ToData()
	assert.Error(t, err)
}

func TestStatusNonMapEmbeddedError(t *testing.T) {
	r := ForTask(testTarget(t), "deploy", `{"_error":"oops"}`, "", 0, 0)
	_, err := r.Status()
	var inv *InvalidStatusError
	assert.ErrorAs(t, err, &inv)
}

func TestCauseReconstructionFallback(t *testing.T) {
	// an _error map without a msg field cannot be reconstructed; the raw
	// map is wrapped instead
	r := ForTask(testTarget(t), "deploy", `{"_error":{"status":"failure","code":7}}`, "", 1, 0)
	cause := r.Cause()
	require.NotNil(t, cause)
	assert.NotEmpty(t, cause.Msg)
	assert.Contains(t, cause.Details, "code")
}

func TestToData(t *testing.T) {
	r := ForCommand(testTarget(t), "hostname", "web01\n", "", 0, 0)
	d, err := r.ToData()
	require.NoError(t, err)

	assert.Equal(t, "web01", d["target"])
	assert.Equal(t, ActionCommand, d["action"])
	assert.Equal(t, "hostname", d["object"])
	assert.Equal(t, StatusSuccess, d["status"])
	value, ok := d["value"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "web01\n", value["stdout"])
}
