package session

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ptyhive/internal/classify"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateClosed State = "closed"
)

// Config describes a session to create.
type Config struct {
	WorkDir string            `json:"workDir"`
	Command []string          `json:"command,omitempty"` // empty runs the configured shell
	Env     map[string]string `json:"env,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Label   string            `json:"label,omitempty"`
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	State       State     `json:"state"`
	WorkDir     string    `json:"workDir"`
	Command     []string  `json:"command"`
	Pid         int       `json:"pid"`
	Rows        uint16    `json:"rows"`
	Cols        uint16    `json:"cols"`
	CreatedAt   time.Time `json:"createdAt"`
	BytesIn     uint64    `json:"bytesIn"`
	BytesOut    uint64    `json:"bytesOut"`
	Offset      uint64    `json:"offset"`
	Subscribers int       `json:"subscribers"`
}

// OutputEventType distinguishes output chunks from lifecycle notifications.
type OutputEventType string

const (
	EventData   OutputEventType = "data"
	EventIdle   OutputEventType = "idle"
	EventExit   OutputEventType = "exit"
	EventClosed OutputEventType = "closed"
	EventLagged OutputEventType = "lagged"
)

// OutputEvent is one item of a session's output stream.
//
// Offset is the ring offset of Data's first byte for data events, the
// offset to resume from for lagged events, and the final offset for exit
// and closed events.
type OutputEvent struct {
	SessionID string           `json:"sessionId"`
	Type      OutputEventType  `json:"type"`
	Offset    uint64           `json:"offset"`
	Data      []byte           `json:"data,omitempty"`
	Events    []classify.Event `json:"events,omitempty"`
	ExitCode  int              `json:"exitCode,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Terminal reports whether the event ends the stream.
func (e OutputEvent) Terminal() bool {
	switch e.Type {
	case EventExit, EventClosed, EventLagged:
		return true
	}
	return false
}

const (
	readBufSize = 32 * 1024
	// idleTailBytes is how much recent output the silence check looks at.
	idleTailBytes = 4096
	// exitCollectTimeout bounds how long a reader that hit EOF waits for the
	// exit status before reporting the exit without it.
	exitCollectTimeout = 2 * time.Second
)

// counters are manager-wide totals updated by every session.
type counters struct {
	spawned      atomic.Uint64
	failed       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// managedSession owns one child process and everything derived from its
// output. The reader goroutine is the only writer of the ring buffer.
type managedSession struct {
	id        string
	label     string
	workDir   string
	command   []string
	createdAt time.Time

	proc       Process
	ring       *RingBuffer
	bcast      *broadcaster
	classifier *classify.Classifier
	store      *classify.Store
	totals     *counters
	log        *slog.Logger

	idleDelay  time.Duration
	closeGrace time.Duration
	idle       *time.Timer

	mu     sync.Mutex // serializes control operations
	resume chan struct{}

	paused   atomic.Bool
	rows     atomic.Uint32
	cols     atomic.Uint32
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	exitCode atomic.Int64

	closeOnce sync.Once
	done      chan struct{} // closed when the session starts closing
	exited    chan struct{} // closed once the child has been reaped
	onClosed  func(*managedSession)
}

func newManagedSession(id string, cfg Config, proc Process, m *Manager) *managedSession {
	ms := &managedSession{
		id:         id,
		label:      cfg.Label,
		workDir:    cfg.WorkDir,
		command:    cfg.Command,
		createdAt:  time.Now().UTC(),
		proc:       proc,
		ring:       NewRingBuffer(m.ringSize),
		bcast:      newBroadcaster(m.backlog),
		classifier: classify.NewClassifier(m.patterns),
		store:      m.patterns,
		totals:     &m.counters,
		log:        m.log.With("session", id),
		idleDelay:  m.idleDelay,
		closeGrace: m.closeGrace,
		resume:     make(chan struct{}),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		onClosed:   m.release,
	}
	close(ms.resume)
	ms.rows.Store(uint32(cfg.Rows))
	ms.cols.Store(uint32(cfg.Cols))
	ms.exitCode.Store(-1)
	return ms
}

func (ms *managedSession) start() {
	if ms.idleDelay > 0 {
		ms.idle = time.AfterFunc(ms.idleDelay, ms.checkIdle)
		ms.idle.Stop()
	}
	go ms.waitLoop()
	go ms.readLoop()
}

// readLoop drains the child until it goes away or the session closes.
func (ms *managedSession) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		if !ms.waitResumed() {
			return
		}

		n, err := ms.proc.Read(buf)
		if n > 0 {
			ms.handleOutput(buf[:n])
		}
		if err != nil {
			select {
			case <-ms.done:
				return
			default:
			}
			ms.log.Debug("output stream ended", "error", err)

			timer := time.NewTimer(exitCollectTimeout)
			select {
			case <-ms.exited:
			case <-ms.done:
			case <-timer.C:
			}
			timer.Stop()
			ms.finish(false)
			return
		}
	}
}

// waitResumed blocks while the session is paused. It returns false once
// the session is closing.
func (ms *managedSession) waitResumed() bool {
	ms.mu.Lock()
	resume := ms.resume
	ms.mu.Unlock()

	select {
	case <-ms.done:
		return false
	default:
	}
	select {
	case <-resume:
		return true
	case <-ms.done:
		return false
	}
}

func (ms *managedSession) handleOutput(p []byte) {
	offset := ms.ring.Write(p)
	ms.bytesOut.Add(uint64(len(p)))
	ms.totals.bytesRead.Add(uint64(len(p)))

	events := ms.classifier.Classify(p)
	for _, ev := range events {
		if ev.Kind == classify.KindAPIError || ev.Kind == classify.KindRateLimit {
			ms.log.Info("classified output", "kind", ev.Kind, "pattern", ev.PatternName)
		}
	}

	ms.bcast.publish(OutputEvent{
		SessionID: ms.id,
		Type:      EventData,
		Offset:    offset,
		Data:      bytes.Clone(p),
		Events:    events,
		Timestamp: time.Now().UTC(),
	})

	if ms.idle != nil {
		ms.idle.Reset(ms.idleDelay)
	}
}

// checkIdle runs once output has been quiet for idleDelay.
func (ms *managedSession) checkIdle() {
	select {
	case <-ms.done:
		return
	default:
	}

	tail, offset := ms.ring.Last(idleTailBytes)
	ev, ok := ms.store.Patterns().DetectWaiting(string(tail))
	if !ok {
		return
	}
	// Output that arrived since the snapshot restarts the timer instead.
	if !ms.bcast.publishAt(OutputEvent{
		SessionID: ms.id,
		Type:      EventIdle,
		Offset:    offset,
		Events:    []classify.Event{ev},
		Timestamp: time.Now().UTC(),
	}, offset) {
		return
	}
	ms.log.Debug("session waiting for input", "detector", ev.Detector)
}

func (ms *managedSession) waitLoop() {
	code, err := ms.proc.Wait()
	if err != nil {
		ms.log.Warn("wait for child", "error", err)
	}
	ms.exitCode.Store(int64(code))
	close(ms.exited)
}

// finish performs the transition to closed exactly once. requested is true
// for an explicit close and false when the child went away by itself.
func (ms *managedSession) finish(requested bool) {
	ms.closeOnce.Do(func() {
		close(ms.done)
		if ms.idle != nil {
			ms.idle.Stop()
		}

		exited := false
		select {
		case <-ms.exited:
			exited = true
		default:
		}
		if !exited {
			if err := ms.proc.Terminate(); err != nil {
				ms.log.Warn("terminate child", "error", err)
			}
			go ms.escalate()
		}
		if err := ms.proc.Close(); err != nil {
			ms.log.Debug("close pty", "error", err)
		}

		final := OutputEvent{
			SessionID: ms.id,
			Type:      EventClosed,
			Offset:    ms.ring.CurrentOffset(),
			ExitCode:  -1,
			Timestamp: time.Now().UTC(),
		}
		if !requested {
			final.Type = EventExit
			final.ExitCode = int(ms.exitCode.Load())
		}
		ms.bcast.finish(final)
		ms.ring.Release()

		ms.log.Info("session closed", "type", final.Type, "exit_code", final.ExitCode)
		if ms.onClosed != nil {
			ms.onClosed(ms)
		}
	})
}

// escalate kills the child if it outlives the grace period.
func (ms *managedSession) escalate() {
	timer := time.NewTimer(ms.closeGrace)
	defer timer.Stop()

	select {
	case <-ms.exited:
	case <-timer.C:
		ms.log.Warn("child ignored SIGTERM, killing", "grace", ms.closeGrace)
		if err := ms.proc.Kill(); err != nil {
			ms.log.Warn("kill child", "error", err)
		}
	}
}

func (ms *managedSession) isClosed() bool {
	select {
	case <-ms.done:
		return true
	default:
		return false
	}
}

func (ms *managedSession) write(p []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.isClosed() {
		return ErrClosed
	}
	n, err := ms.proc.Write(p)
	ms.bytesIn.Add(uint64(n))
	ms.totals.bytesWritten.Add(uint64(n))
	if err != nil {
		if ms.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (ms *managedSession) resize(rows, cols uint16) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.isClosed() {
		return ErrClosed
	}
	if err := ms.proc.Resize(rows, cols); err != nil {
		return err
	}
	ms.rows.Store(uint32(rows))
	ms.cols.Store(uint32(cols))
	return nil
}

func (ms *managedSession) pause() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.isClosed() {
		return ErrClosed
	}
	if ms.paused.Load() {
		return nil
	}
	ms.resume = make(chan struct{})
	ms.paused.Store(true)
	return nil
}

func (ms *managedSession) unpause() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.isClosed() {
		return ErrClosed
	}
	if !ms.paused.Load() {
		return nil
	}
	close(ms.resume)
	ms.paused.Store(false)
	return nil
}

func (ms *managedSession) state() State {
	switch {
	case ms.isClosed():
		return StateClosed
	case ms.paused.Load():
		return StatePaused
	default:
		return StateActive
	}
}

func (ms *managedSession) info() Info {
	return Info{
		ID:          ms.id,
		Label:       ms.label,
		State:       ms.state(),
		WorkDir:     ms.workDir,
		Command:     ms.command,
		Pid:         ms.proc.Pid(),
		Rows:        uint16(ms.rows.Load()),
		Cols:        uint16(ms.cols.Load()),
		CreatedAt:   ms.createdAt,
		BytesIn:     ms.bytesIn.Load(),
		BytesOut:    ms.bytesOut.Load(),
		Offset:      ms.ring.CurrentOffset(),
		Subscribers: ms.bcast.count(),
	}
}
