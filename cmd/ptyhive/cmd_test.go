package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ptyhive/internal/classify"
	"ptyhive/internal/config"
	"ptyhive/internal/realtime"
	"ptyhive/internal/session"
	"ptyhive/internal/session/sessiontest"
)

type backend struct {
	ts  *httptest.Server
	rt  *realtime.Server
	mgr *session.Manager
	fs  *sessiontest.Spawner
}

func newBackend(t *testing.T, opts ...realtime.Option) *backend {
	t.Helper()
	fs := &sessiontest.Spawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(4,
		session.WithSpawner(fs),
		session.WithLogger(logger),
		session.WithIdlePromptDelay(0),
		session.WithCloseGrace(50*time.Millisecond),
		session.WithShell("/bin/sh"),
	)
	rt := realtime.New(mgr, append([]realtime.Option{realtime.WithLogger(logger)}, opts...)...)
	ts := httptest.NewServer(rt.Handler())
	t.Cleanup(func() {
		rt.Close()
		ts.Close()
		_ = mgr.Shutdown(t.Context())
	})
	return &backend{ts: ts, rt: rt, mgr: mgr, fs: fs}
}

func (b *backend) create(t *testing.T, label string) session.Info {
	t.Helper()
	info, err := b.mgr.Create(t.Context(), session.Config{WorkDir: t.TempDir(), Label: label})
	require.NoError(t, err)
	return info
}

// runCmd runs the CLI with args and returns its stdout.
func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PTYHIVE_LOG_LEVEL", "error")
	t.Setenv("PORT", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		name   string
		scheme string
		addr   string
		want   string
	}{
		{"wildcard host", "http", ":8420", "http://localhost:8420"},
		{"ipv4 any", "ws", "0.0.0.0:9000", "ws://localhost:9000"},
		{"ipv6 any", "http", "[::]:9000", "http://localhost:9000"},
		{"named host", "ws", "example.com:80", "ws://example.com:80"},
		{"full url", "ws", "http://10.0.0.2:8420/", "ws://10.0.0.2:8420"},
		{"secure url for ws", "ws", "https://hive.example.com", "wss://hive.example.com"},
		{"secure url for http", "http", "wss://hive.example.com/base", "https://hive.example.com/base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := serverURL(tt.scheme, tt.addr)
			require.NoError(t, err)
			require.Equal(t, tt.want, u.String())
		})
	}

	_, err := serverURL("http", "no-port")
	require.Error(t, err)
}

func TestPrintSessions(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSessions(&out, nil, time.Now()))
	require.Equal(t, "no sessions\n", out.String())

	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	out.Reset()
	require.NoError(t, printSessions(&out, []session.Info{{
		ID:        "abc",
		Label:     "build",
		State:     session.StateActive,
		Pid:       42,
		Rows:      24,
		Cols:      80,
		CreatedAt: now.Add(-90 * time.Second),
		Offset:    1234,
		Command:   []string{"make", "test"},
	}}, now))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"ID", "LABEL", "STATE", "PID", "SIZE", "AGE", "OUTPUT", "COMMAND"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"abc", "build", "active", "42", "80x24", "1m30s", "1234", "make", "test"}, strings.Fields(lines[1]))
}

func TestSessionsCommand(t *testing.T) {
	b := newBackend(t)
	info := b.create(t, "build")

	out, err := runCmd(t, "", "sessions", "--server", b.ts.URL)
	require.NoError(t, err)
	require.Contains(t, out, info.ID)
	require.Contains(t, out, "build")

	out, err = runCmd(t, "", "sessions", "--server", b.ts.URL, "--json")
	require.NoError(t, err)
	var infos []session.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	require.Equal(t, info.ID, infos[0].ID)
}

func TestSessionsCommandToken(t *testing.T) {
	b := newBackend(t, realtime.WithAuthorizer(realtime.TokenAuthorizer{Token: "s3cret"}))

	_, err := runCmd(t, "", "sessions", "--server", b.ts.URL)
	require.ErrorContains(t, err, "401")

	out, err := runCmd(t, "", "sessions", "--server", b.ts.URL, "--token", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "no sessions\n", out)
}

func TestClassifyCommand(t *testing.T) {
	input := `{"type":"error","error":{"type":"overloaded_error"}}` + "\n" +
		"Invalid API key · Please run /login\n" +
		"Rate limit reached, retry after 30s\n" +
		"Do you want to proceed? (y/n) "

	out, err := runCmd(t, input, "classify", "--chunk", "7")
	require.NoError(t, err)

	var got []classifiedEvent
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var ev classifiedEvent
		require.NoError(t, dec.Decode(&ev))
		got = append(got, ev)
	}
	require.Len(t, got, 5)

	require.Equal(t, "overloaded", got[0].Event.PatternName)
	require.Equal(t, "transient", got[0].Tier)
	require.Equal(t, "1s", got[0].RetryDelay)

	require.Equal(t, "auth_error", got[1].Event.PatternName)
	require.Equal(t, "permanent", got[1].Tier)
	require.Empty(t, got[1].RetryDelay)

	require.Equal(t, "rate_limit_retry", got[2].Event.PatternName)
	require.Equal(t, "transient", got[2].Tier)
	require.Equal(t, "30s", got[2].RetryDelay)

	// The prompt is reported while it waits, then again as the final state.
	require.Equal(t, classify.KindQuestion, got[3].Event.Kind)
	require.False(t, got[3].Waiting)
	require.True(t, got[4].Waiting)
	require.Equal(t, "silence/yes_no", got[4].Event.Detector)
	require.Equal(t, uint64(len(input)), got[4].Offset)

	require.Less(t, got[0].Offset, got[1].Offset)
	require.Less(t, got[1].Offset, got[2].Offset)
}

func TestClassifyCommandCatalog(t *testing.T) {
	path := t.TempDir() + "/catalog.yaml"
	require.NoError(t, os.WriteFile(path, []byte("prompts:\n  - name: ship\n    pattern: '^Ship it\\?$'\n"), 0o600))

	out, err := runCmd(t, "Ship it?\n", "classify", "--catalog", path)
	require.NoError(t, err)
	require.Contains(t, out, `"detector":"ship"`)

	_, err = runCmd(t, "", "classify", "--catalog", t.TempDir()+"/missing.yaml")
	require.Error(t, err)
}

func newTestAttacher(t *testing.T, b *backend, id, input string, out io.Writer) *attacher {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Addr = b.ts.URL
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	return newAttacher(cfg, id, strings.NewReader(input), out, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAttachUntilExit(t *testing.T) {
	b := newBackend(t)
	info := b.create(t, "shell")
	proc := b.fs.Last()
	proc.Emit("hello\r\n")

	var out syncBuffer
	a := newTestAttacher(t, b, info.ID, "ls\n", &out)
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(t.Context()) }()

	require.Eventually(t, func() bool { return proc.Input() == "ls\n" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "hello") }, time.Second, 5*time.Millisecond)
	proc.Exit(2)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not return after the session exited")
	}
	require.Contains(t, out.String(), "session exit")
	require.Contains(t, out.String(), "code 2")
}

func TestAttachNoReplay(t *testing.T) {
	b := newBackend(t)
	info := b.create(t, "shell")
	proc := b.fs.Last()
	proc.Emit("old output\r\n")

	var out syncBuffer
	a := newTestAttacher(t, b, info.ID, "", &out)
	a.replay = false
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(t.Context()) }()

	require.Eventually(t, func() bool {
		got, err := b.mgr.Get(info.ID)
		return err == nil && got.Subscribers == 1
	}, time.Second, 5*time.Millisecond)
	proc.Emit("new output\r\n")
	proc.Exit(0)

	require.NoError(t, <-errCh)
	require.Contains(t, out.String(), "new output")
	require.NotContains(t, out.String(), "old output")
}

func TestAttachUnknownSession(t *testing.T) {
	b := newBackend(t)

	a := newTestAttacher(t, b, "nope", "", io.Discard)
	err := a.run(t.Context())
	require.ErrorContains(t, err, "SESSION_NOT_FOUND")
}

func TestAttachReconnectsAndResumes(t *testing.T) {
	b := newBackend(t)
	info := b.create(t, "shell")
	proc := b.fs.Last()
	proc.Emit("first\r\n")

	var out syncBuffer
	a := newTestAttacher(t, b, info.ID, "", &out)
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(t.Context()) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "first") }, time.Second, 5*time.Millisecond)

	// Drop every websocket; the session keeps running.
	b.rt.Close()
	proc.Emit("second\r\n")

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "second") }, 2*time.Second, 5*time.Millisecond)
	proc.Exit(0)
	require.NoError(t, <-errCh)

	require.Equal(t, 1, strings.Count(out.String(), "first"))
	require.Equal(t, 1, strings.Count(out.String(), "second"))
}
