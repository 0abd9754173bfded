package executor

import (
	"github.com/opsforge/fleetexec/pkg/result"
	"github.com/opsforge/fleetexec/pkg/task"
)

// Action is the operation requested for a dispatch. Exactly one variant is
// passed per Dispatch call; the variant determines which connection method
// runs and which result constructor applies.
type Action interface {
	Kind() string
	Object() string
}

// Command runs a shell command string.
type Command struct {
	Command string
}

func (a Command) Kind() string   { return result.ActionCommand }
func (a Command) Object() string { return a.Command }

// Script uploads and runs a local script file.
type Script struct {
	Path string
	Args []string
}

func (a Script) Kind() string   { return result.ActionScript }
func (a Script) Object() string { return a.Path }

// Task runs a task descriptor with parameters.
type Task struct {
	Task   *task.Task
	Params map[string]any
}

func (a Task) Kind() string   { return result.ActionTask }
func (a Task) Object() string { return a.Task.Name }

// Upload copies a local file to the target.
type Upload struct {
	Source      string
	Destination string
}

func (a Upload) Kind() string   { return result.ActionUpload }
func (a Upload) Object() string { return a.Destination }

// Download copies a file from the target to a local path.
type Download struct {
	Source      string
	Destination string
}

func (a Download) Kind() string   { return result.ActionDownload }
func (a Download) Object() string { return a.Source }

// Message emits a message result without touching the target.
type Message struct {
	Text string
}

func (a Message) Kind() string   { return result.ActionMessage }
func (a Message) Object() string { return a.Text }
