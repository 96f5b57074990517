// Package sessiontest provides a scripted Spawner for tests that need
// sessions without real child processes.
package sessiontest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"ptyhive/internal/session"
)

// Process is a fake child. The test plays its output with Emit and ends it
// with Exit; input written by the session is captured.
type Process struct {
	pid    int
	outR   *io.PipeReader
	outW   *io.PipeWriter
	exited chan struct{}

	ignoreTerm bool

	mu         sync.Mutex
	input      bytes.Buffer
	rows, cols uint16
	code       int
	terminated bool
	killed     bool
	exitOnce   sync.Once
}

func newProcess(pid int, spec session.SpawnSpec, ignoreTerm bool) *Process {
	r, w := io.Pipe()
	return &Process{
		pid:        pid,
		outR:       r,
		outW:       w,
		exited:     make(chan struct{}),
		ignoreTerm: ignoreTerm,
		rows:       spec.Rows,
		cols:       spec.Cols,
	}
}

// Emit hands s to the session's reader and returns once it has been read.
func (p *Process) Emit(s string) {
	_, _ = p.outW.Write([]byte(s))
}

// Exit makes the child go away with code. Only the first call counts.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
		_ = p.outW.Close()
	})
}

// Input returns everything written to the child so far.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the current terminal size.
func (p *Process) Size() (rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.exited:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *Process) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows, p.cols = rows, cols
	return nil
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.Exit(143)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(137)
	return nil
}

func (p *Process) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *Process) Close() error { return p.outR.Close() }

func (p *Process) Pid() int { return p.pid }

// Spawner hands out fake processes.
type Spawner struct {
	mu         sync.Mutex
	procs      []*Process
	specs      []session.SpawnSpec
	err        error
	ignoreTerm bool
}

// Spawn implements session.Spawner.
func (s *Spawner) Spawn(_ context.Context, spec session.SpawnSpec) (session.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newProcess(1000+len(s.procs)+1, spec, s.ignoreTerm)
	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)
	return p, nil
}

// FailWith makes later spawns fail with err; nil restores success.
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// IgnoreTerm makes later processes ignore Terminate, so only Kill ends them.
func (s *Spawner) IgnoreTerm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreTerm = true
}

// Count returns how many processes were spawned.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recently spawned process.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

// LastSpec returns the spec of the most recent spawn.
func (s *Spawner) LastSpec() session.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[len(s.specs)-1]
}
