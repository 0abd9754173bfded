package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetexec/pkg/target"
)

func namedTarget(name string) *target.Target {
	return &target.Target{Name: name, Protocol: target.ProtocolSSH, Host: name}
}

func TestSetCountsAndFailures(t *testing.T) {
	set := NewSet([]*Result{
		ForCommand(namedTarget("a"), "true", "", "", 0, 0),
		ForError(namedTarget("b"), NewError(KindUnreachable, "no route")),
		ForCommand(namedTarget("c"), "true", "", "", 0, 0),
	})

	ok, failed, err := set.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)

	allOk, err := set.Ok()
	require.NoError(t, err)
	assert.False(t, allOk)

	failures, err := set.Failures()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, failures.Targets())
}

func TestSetPreservesOrder(t *testing.T) {
	set := NewSet([]*Result{
		ForCommand(namedTarget("z"), "true", "", "", 0, 0),
		ForCommand(namedTarget("a"), "true", "", "", 0, 0),
		ForCommand(namedTarget("m"), "true", "", "", 0, 0),
	})
	assert.Equal(t, []string{"z", "a", "m"}, set.Targets())

	data, err := set.ToData()
	require.NoError(t, err)
	require.Len(t, data, 3)
	assert.Equal(t, "z", data[0]["target"])
	assert.Equal(t, "m", data[2]["target"])
}

func TestSetCountsSurfacesCorruptStatus(t *testing.T) {
	set := NewSet([]*Result{
		ForTask(namedTarget("a"), "t", `{"_error":{"status":"maybe"}}`, "", 0, 0),
	})
	_, _, err := set.Counts()
	var inv *InvalidStatusError
	assert.ErrorAs(t, err, &inv)

	_, err = set.ToData()
	assert.Error(t, err)
}

func TestSetFilter(t *testing.T) {
	set := NewSet([]*Result{
		ForCommand(namedTarget("a"), "x", "", "", 0, 0),
		ForUpload(namedTarget("b"), "s", "d", 0),
	})
	uploads := set.Filter(func(r *Result) bool { return r.Action == ActionUpload })
	assert.Equal(t, 1, uploads.Len())
	assert.Equal(t, []string{"b"}, uploads.Targets())
}
