package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ptyhive/internal/classify"
)

const (
	DefaultMaxSessions     = 10
	DefaultIdlePromptDelay = 1500 * time.Millisecond
	DefaultCloseGrace      = 5 * time.Second
	DefaultTombstoneTTL    = 10 * time.Minute
	DefaultRows            = 24
	DefaultCols            = 80
	defaultShell           = "/bin/sh"
)

// Stats is the admission picture.
type Stats struct {
	Active    int `json:"active"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// Metrics are lifetime totals across all sessions.
type Metrics struct {
	Spawned      uint64 `json:"spawned"`
	Failed       uint64 `json:"failed"`
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
	BytesTotal   uint64 `json:"bytesTotal"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner sets how child processes are started.
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithPatterns sets the classifier patterns shared by all sessions.
func WithPatterns(store *classify.Store) Option {
	return func(m *Manager) { m.patterns = store }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRingBufferSize sets each session's history size in bytes.
func WithRingBufferSize(n int) Option {
	return func(m *Manager) { m.ringSize = n }
}

// WithSubscriberBacklog sets how many events a subscriber may fall behind
// before it is dropped.
func WithSubscriberBacklog(n int) Option {
	return func(m *Manager) { m.backlog = n }
}

// WithIdlePromptDelay sets how long output must be quiet before the
// session is checked for a pending prompt. Zero disables the check.
func WithIdlePromptDelay(d time.Duration) Option {
	return func(m *Manager) { m.idleDelay = d }
}

// WithCloseGrace sets how long a child may take to exit after SIGTERM
// before it is killed.
func WithCloseGrace(d time.Duration) Option {
	return func(m *Manager) { m.closeGrace = d }
}

// WithShell sets the command run when a Config has none.
func WithShell(shell string) Option {
	return func(m *Manager) { m.shell = shell }
}

// WithTombstoneTTL sets how long closed ids are remembered.
func WithTombstoneTTL(d time.Duration) Option {
	return func(m *Manager) { m.tombstoneTTL = d }
}

// WithTracer sets the tracer used for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager manages the lifecycle of terminal sessions.
//
// The table lock only guards the map. Admission uses an atomic counter so
// concurrent Create and Close calls can never over-admit, and per-session
// work runs under each session's own lock.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*managedSession
	maxSessions int
	active      atomic.Int64
	counters    counters

	// Closed ids, so late callers learn ErrClosed instead of ErrNotFound.
	tombstones *gocache.Cache

	spawner      Spawner
	patterns     *classify.Store
	log          *slog.Logger
	tracer       trace.Tracer
	ringSize     int
	backlog      int
	idleDelay    time.Duration
	closeGrace   time.Duration
	shell        string
	tombstoneTTL time.Duration
}

// NewManager creates a new session manager admitting up to maxSessions
// concurrent sessions.
func NewManager(maxSessions int, opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*managedSession),
		maxSessions:  maxSessions,
		ringSize:     DefaultRingBufferSize,
		backlog:      DefaultSubscriberBacklog,
		idleDelay:    DefaultIdlePromptDelay,
		closeGrace:   DefaultCloseGrace,
		tombstoneTTL: DefaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spawner == nil {
		m.spawner = PTYSpawner{}
	}
	if m.patterns == nil {
		m.patterns = classify.DefaultStore()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("ptyhive/session")
	}
	if m.shell == "" {
		m.shell = os.Getenv("SHELL")
	}
	if m.shell == "" {
		m.shell = defaultShell
	}
	m.tombstones = gocache.New(m.tombstoneTTL, 2*m.tombstoneTTL)
	return m
}

// Create spawns a new session. It returns once the child is running;
// output may not have arrived yet.
func (m *Manager) Create(ctx context.Context, cfg Config) (info Info, err error) {
	ctx, span := m.tracer.Start(ctx, "session.create",
		trace.WithAttributes(attribute.String("session.workdir", cfg.WorkDir)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("session.id", info.ID))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if !m.reserve() {
		return Info{}, fmt.Errorf("%w (%d)", ErrCapacityExceeded, m.maxSessions)
	}

	ms, err := m.spawn(ctx, cfg)
	if err != nil {
		m.active.Add(-1)
		m.counters.failed.Add(1)
		return Info{}, err
	}

	m.mu.Lock()
	m.sessions[ms.id] = ms
	m.mu.Unlock()
	m.counters.spawned.Add(1)

	ms.start()
	m.log.Info("session created", "session", ms.id, "label", ms.label, "pid", ms.proc.Pid(), "workdir", ms.workDir)
	return ms.info(), nil
}

// reserve takes an admission slot if one is free.
func (m *Manager) reserve() bool {
	for {
		n := m.active.Load()
		if n >= int64(m.maxSessions) {
			return false
		}
		if m.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (m *Manager) spawn(ctx context.Context, cfg Config) (*managedSession, error) {
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		cfg.WorkDir = wd
	}
	fi, err := os.Stat(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory does not exist: %s", ErrSpawnFailed, cfg.WorkDir)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: path is not a directory: %s", ErrSpawnFailed, cfg.WorkDir)
	}

	if len(cfg.Command) == 0 {
		cfg.Command = []string{m.shell}
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}

	proc, err := m.spawner.Spawn(ctx, SpawnSpec{
		Command: cfg.Command,
		Dir:     cfg.WorkDir,
		Env:     buildEnv(os.Environ(), cfg.Env),
		Rows:    cfg.Rows,
		Cols:    cfg.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	return newManagedSession(uuid.New().String(), cfg, proc, m), nil
}

// buildEnv layers overrides on top of base. TERM defaults to a colour
// terminal unless set explicitly.
func buildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := overrides[key]; ok || key == "TERM" {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	if _, ok := overrides["TERM"]; !ok {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

// lookup finds a live session. Recently closed ids report ErrClosed.
func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()

	if ok {
		return ms, nil
	}
	if _, closed := m.tombstones.Get(id); closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// release is called by a session once it has closed.
func (m *Manager) release(ms *managedSession) {
	m.mu.Lock()
	_, ok := m.sessions[ms.id]
	delete(m.sessions, ms.id)
	m.mu.Unlock()

	if ok {
		m.tombstones.SetDefault(ms.id, ms.info())
		m.active.Add(-1)
	}
}

// Get returns a summary of a session.
func (m *Manager) Get(id string) (Info, error) {
	ms, err := m.lookup(id)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			if v, ok := m.tombstones.Get(id); ok {
				return v.(Info), nil
			}
		}
		return Info{}, err
	}
	return ms.info(), nil
}

// List returns all live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(all))
	for _, ms := range all {
		result = append(result, ms.info())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Write sends raw bytes to a session's input. No newline is added.
func (m *Manager) Write(id string, data []byte) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := ms.write(data); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Resize changes a session's terminal size.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid size %dx%d", rows, cols)
	}
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := ms.resize(rows, cols); err != nil {
		return fmt.Errorf("resize %s: %w", id, err)
	}
	return nil
}

// Pause stops draining a session's output. The child keeps running.
func (m *Manager) Pause(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	return ms.pause()
}

// Resume undoes Pause.
func (m *Manager) Resume(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	return ms.unpause()
}

// Close terminates a session. It returns once the child has been
// signalled. Closing an already closed session succeeds.
func (m *Manager) Close(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "session.close",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	ms, err := m.lookup(id)
	if errors.Is(err, ErrClosed) {
		span.SetStatus(codes.Ok, "already closed")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	ms.finish(true)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe attaches a live consumer to a session's output. Output
// written before the returned Subscription's Start offset is available
// through ReadFrom. The subscription ends when ctx is cancelled, when
// Close is called on it, or after its terminal event.
func (m *Manager) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.bcast.subscribe(ctx, id), nil
}

// ReadFrom returns buffered output since offset and the next offset.
func (m *Manager) ReadFrom(id string, offset uint64) ([]byte, uint64, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	return ms.ring.ReadFrom(offset)
}

// Tail returns up to the last n buffered bytes and the next offset.
func (m *Manager) Tail(id string, n int) ([]byte, uint64, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	data, next := ms.ring.Last(n)
	return data, next, nil
}

// Waiting reports whether the session's most recent output line looks
// like a prompt waiting for input.
func (m *Manager) Waiting(id string) (classify.Event, bool, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return classify.Event{}, false, err
	}
	ev, ok := ms.classifier.Waiting()
	return ev, ok, nil
}

// Stats returns the admission counters.
func (m *Manager) Stats() Stats {
	active := int(m.active.Load())
	return Stats{
		Active:    active,
		Max:       m.maxSessions,
		Available: max(m.maxSessions-active, 0),
	}
}

// Metrics returns lifetime totals.
func (m *Manager) Metrics() Metrics {
	read := m.counters.bytesRead.Load()
	written := m.counters.bytesWritten.Load()
	return Metrics{
		Spawned:      m.counters.spawned.Load(),
		Failed:       m.counters.failed.Load(),
		BytesRead:    read,
		BytesWritten: written,
		BytesTotal:   read + written,
	}
}

// Shutdown closes every session concurrently and waits until each child
// has exited or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	var wg conc.WaitGroup
	for _, ms := range all {
		wg.Go(func() {
			ms.finish(true)
			select {
			case <-ms.exited:
			case <-ctx.Done():
			}
		})
	}
	wg.Wait()

	m.log.Info("sessions shut down", "count", len(all))
	return ctx.Err()
}
