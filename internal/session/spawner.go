package session

import (
	"context"
	"io"
)

// SpawnSpec describes the child process to start.
type SpawnSpec struct {
	Command []string
	Dir     string
	Env     []string // full environment, KEY=VALUE
	Rows    uint16
	Cols    uint16
}

// Process is a running child attached to a terminal.
//
// Read returns the child's output and fails once the child has gone away.
// Write delivers input. Terminate asks the child to stop; Kill forces it.
// Wait blocks until the child exits and returns its exit code.
type Process interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Terminate() error
	Kill() error
	Wait() (int, error)
	Pid() int
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}
