package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"ptyhive/internal/config"
	"ptyhive/internal/protocol"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

const writeTimeout = 10 * time.Second

func newAttachCmd(opts *rootOptions) *cobra.Command {
	var noReplay bool

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a session (detach with Ctrl-])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags(), clientFlags)
			if err != nil {
				return err
			}

			a := newAttacher(cfg, args[0], os.Stdin, cmd.OutOrStdout(), stderrLogger(cfg.Log.Level))
			a.replay = !noReplay

			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw mode: %w", err)
				}
				defer term.Restore(fd, state)
				a.tty = fd
			}
			return a.run(cmd.Context())
		},
	}

	cmd.Flags().String("server", "", "server address or URL (default server.addr)")
	cmd.Flags().String("token", "", "bearer token")
	cmd.Flags().BoolVar(&noReplay, "no-replay", false, "skip buffered output and show only new output")

	return cmd
}

// attacher mirrors one session onto a local terminal and reconnects with
// backoff when the connection drops, resuming from the last offset seen.
type attacher struct {
	cfg       config.Config
	sessionID string
	in        io.Reader
	out       io.Writer
	log       *slog.Logger
	replay    bool
	tty       int // -1 when stdin is not a terminal

	input     chan []byte
	detach    chan struct{}
	startOnce sync.Once
}

func newAttacher(cfg config.Config, sessionID string, in io.Reader, out io.Writer, log *slog.Logger) *attacher {
	return &attacher{
		cfg:       cfg,
		sessionID: sessionID,
		in:        in,
		out:       out,
		log:       log,
		replay:    true,
		tty:       -1,
		input:     make(chan []byte),
		detach:    make(chan struct{}),
	}
}

// fatalError marks errors that reconnecting cannot fix.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

func (a *attacher) run(ctx context.Context) error {
	a.startOnce.Do(func() { go a.readInput() })

	var offset *uint64
	if a.replay {
		zero := uint64(0)
		offset = &zero
	}

	for attempt := 0; ; attempt++ {
		next, connected, err := a.attach(ctx, offset)
		var fe *fatalError
		if errors.As(err, &fe) {
			return fe.err
		}
		if err == nil {
			return nil
		}
		if next != nil {
			offset = next
		}
		if connected {
			attempt = 0
		}

		a.log.Warn("connection lost, reconnecting", "error", err, "retry_in", a.cfg.Retry.Delay(attempt))
		if err := a.cfg.Retry.Wait(ctx, attempt); err != nil {
			return nil
		}
	}
}

// readInput forwards local keystrokes until EOF or the detach key.
func (a *attacher) readInput() {
	buf := make([]byte, 4096)
	for {
		n, err := a.in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 && a.tty >= 0 {
				if i > 0 {
					a.input <- bytes.Clone(chunk[:i])
				}
				close(a.detach)
				return
			}
			a.input <- bytes.Clone(chunk)
		}
		if err != nil {
			return
		}
	}
}

// attach runs one connection. It returns a nil error when the session
// ended or the user detached, and the offset to resume from otherwise.
func (a *attacher) attach(ctx context.Context, offset *uint64) (next *uint64, connected bool, err error) {
	u, err := serverURL("ws", a.cfg.Server.Addr)
	if err != nil {
		return nil, false, fatal("%w", err)
	}
	u.Path += "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), authHeader(a.cfg))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, false, fatal("%s: %s", u.Redacted(), resp.Status)
		}
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer conn.Close()

	var wmu sync.Mutex
	send := func(msgType string, payload any) error {
		msg, err := protocol.NewMessage(protocol.JSON, msgType, payload)
		if err != nil {
			return err
		}
		data, err := protocol.JSON.Encode(msg)
		if err != nil {
			return err
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(protocol.TypeSessionSubscribe, protocol.SessionSubscribePayload{
		SessionID: a.sessionID,
		Offset:    offset,
	}); err != nil {
		return offset, true, err
	}
	a.sendSize(send)

	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	connDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.pump(send, connDone, conn)
	}()
	defer func() {
		close(connDone)
		<-writerDone
	}()

	var last *uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.detach:
				return nil, true, nil
			default:
			}
			if ctx.Err() != nil {
				return nil, true, nil
			}
			if last == nil {
				last = offset
			}
			return last, true, err
		}

		msg, err := protocol.JSON.Decode(data)
		if err != nil {
			a.log.Debug("undecodable frame", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeSessionOutput:
			var p protocol.SessionOutputPayload
			if err := protocol.JSON.Unmarshal(msg.Payload, &p); err != nil || p.SessionID != a.sessionID {
				continue
			}
			if _, err := a.out.Write(p.Data); err != nil {
				return nil, true, fatal("write output: %w", err)
			}
			end := p.Offset + uint64(len(p.Data))
			last = &end

		case protocol.TypeSessionLagged:
			var p protocol.SessionLaggedPayload
			if err := protocol.JSON.Unmarshal(msg.Payload, &p); err != nil || p.SessionID != a.sessionID {
				continue
			}
			a.log.Debug("fell behind, catching up", "offset", p.Offset)
			resume := p.Offset
			if err := send(protocol.TypeSessionSubscribe, protocol.SessionSubscribePayload{
				SessionID: a.sessionID,
				Offset:    &resume,
			}); err != nil {
				return &resume, true, err
			}

		case protocol.TypeSessionTerminated:
			var p protocol.SessionTerminatedPayload
			if err := protocol.JSON.Unmarshal(msg.Payload, &p); err != nil || p.SessionID != a.sessionID {
				continue
			}
			fmt.Fprintf(a.out, "\r\n[ptyhive: session %s (%s, code %d)]\r\n", p.Reason, a.sessionID, p.ExitCode)
			return nil, true, nil

		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = protocol.JSON.Unmarshal(msg.Payload, &p)
			switch p.Code {
			case protocol.ErrOffsetExpired:
				// Part of the history is gone; continue with live output.
				fmt.Fprint(a.out, "\r\n[ptyhive: earlier output no longer buffered]\r\n")
				if err := send(protocol.TypeSessionSubscribe, protocol.SessionSubscribePayload{SessionID: a.sessionID}); err != nil {
					return nil, true, err
				}
			case protocol.ErrSessionNotFound, protocol.ErrSessionTerminated, protocol.ErrUnauthorized:
				return nil, true, fatal("%s: %s", p.Code, p.Message)
			default:
				a.log.Warn("server error", "code", p.Code, "message", p.Message)
			}
		}
	}
}

// pump sends keystrokes and terminal size changes until the connection
// ends. On detach it closes conn so the reader returns.
func (a *attacher) pump(send func(string, any) error, connDone <-chan struct{}, conn *websocket.Conn) {
	winch := make(chan os.Signal, 1)
	if a.tty >= 0 {
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
	}

	for {
		select {
		case <-connDone:
			return
		case <-a.detach:
			_ = send(protocol.TypeSessionUnsubscribe, protocol.SessionIDPayload{SessionID: a.sessionID})
			conn.Close()
			return
		case data := <-a.input:
			if err := send(protocol.TypeSessionWrite, protocol.SessionWritePayload{
				SessionID: a.sessionID,
				Data:      data,
			}); err != nil {
				return
			}
		case <-winch:
			a.sendSize(send)
		}
	}
}

func (a *attacher) sendSize(send func(string, any) error) {
	if a.tty < 0 {
		return
	}
	cols, rows, err := term.GetSize(a.tty)
	if err != nil || rows <= 0 || cols <= 0 {
		return
	}
	_ = send(protocol.TypeSessionResize, protocol.SessionResizePayload{
		SessionID: a.sessionID,
		Rows:      uint16(rows),
		Cols:      uint16(cols),
	})
}
