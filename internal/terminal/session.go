package terminal

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const killGracePeriod = 3 * time.Second

// Session is one shell running under a PTY with a server-side screen
// model. All mutable state is guarded by mu; the pump goroutine is the
// only reader of the PTY.
type Session struct {
	id       string
	cwd      string
	name     string
	streamID uint32

	svc *Service
	bus bus.EventBus
	log *logger.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	pty         ptyHandle
	term        vt10x.Terminal
	cols        int
	rows        int
	scrollback  []string
	maxScroll   int
	partial     []byte
	offset      uint64
	subscribers int
	sized       bool
	dead        bool
	exitCode    int
	killTimer   *time.Timer
	done        chan struct{}
}

// ID returns the terminal identifier.
func (s *Session) ID() string { return s.id }

// StreamID returns the binary multiplex stream key for this terminal.
func (s *Session) StreamID() uint32 { return s.streamID }

// Info returns the directory entry for the terminal.
func (s *Session) Info() protocol.TerminalInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() protocol.TerminalInfo {
	return protocol.TerminalInfo{
		ID:   s.id,
		Cwd:  s.cwd,
		Name: s.name,
		Rows: s.rows,
		Cols: s.cols,
	}
}

// Snapshot builds the full screen state: grid, scrollback, and cursor.
func (s *Session) Snapshot() protocol.TerminalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() protocol.TerminalState {
	grid := make([][]protocol.Cell, s.rows)
	for row := 0; row < s.rows; row++ {
		cells := make([]protocol.Cell, s.cols)
		for col := 0; col < s.cols; col++ {
			cells[col] = convertGlyph(s.term.Cell(col, row))
		}
		grid[row] = cells
	}

	cur := s.term.Cursor()
	cursor := protocol.CursorState{
		Row:     clamp(cur.Y, 0, s.rows-1),
		Col:     clamp(cur.X, 0, s.cols-1),
		Visible: s.term.CursorVisible() && !s.dead,
	}

	sb := make([]string, len(s.scrollback))
	copy(sb, s.scrollback)

	return protocol.TerminalState{
		TerminalInfo: s.infoLocked(),
		Grid:         grid,
		Scrollback:   sb,
		Cursor:       cursor,
		StreamID:     s.streamID,
	}
}

// Offset returns the total number of output bytes produced so far. New
// subscribers use it as the base offset for subsequent raw frames.
func (s *Session) Offset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Alive reports whether the shell process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Input writes keystrokes to the PTY.
func (s *Session) Input(data []byte) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return apperr.Validationf("terminal is not running")
	}
	h := s.pty
	s.mu.Unlock()

	if _, err := h.Write(data); err != nil {
		return apperr.Wrap(apperr.ProviderFailure, err, "terminal write failed")
	}
	return nil
}

// Resize changes the PTY and screen model dimensions and pushes a fresh
// snapshot to subscribers.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return apperr.Validationf("terminal size must be positive")
	}

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return apperr.Validationf("terminal is not running")
	}
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		s.mu.Unlock()
		return apperr.Wrap(apperr.ProviderFailure, err, "terminal resize failed")
	}
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
	s.sized = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
	return nil
}

// ApplyViewportHint resizes to a subscriber's viewport, but only while
// the terminal still has its default size.
func (s *Session) ApplyViewportHint(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	sized := s.sized || s.dead
	s.mu.Unlock()
	if sized {
		return
	}
	_ = s.Resize(cols, rows)
}

// Signal delivers a named signal to the shell's process group.
func (s *Session) Signal(name string) error {
	sig, err := signalByName(name)
	if err != nil {
		return apperr.Validationf("unknown signal %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return apperr.Validationf("terminal is not running")
	}
	if err := signalGroup(s.cmd.Process.Pid, sig); err != nil {
		return apperr.Wrap(apperr.ProviderFailure, err, "terminal signal failed")
	}
	return nil
}

// Kill terminates the shell: SIGTERM first, SIGKILL after a grace
// period if the process ignores it.
func (s *Session) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killLocked()
}

func (s *Session) killLocked() error {
	if s.dead || s.killTimer != nil {
		return nil
	}

	term, err := signalByName("TERM")
	if err != nil {
		return err
	}
	pid := s.cmd.Process.Pid
	if err := signalGroup(pid, term); err != nil {
		s.log.Warn("terminal SIGTERM failed", zap.Error(err))
	}

	s.killTimer = time.AfterFunc(killGracePeriod, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dead {
			return
		}
		kill, err := signalByName("KILL")
		if err != nil {
			return
		}
		if err := signalGroup(pid, kill); err != nil {
			s.log.Warn("terminal SIGKILL failed", zap.Error(err))
		}
	})
	return nil
}

// Attach registers a subscriber for this terminal's output.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers++
}

// Detach removes a subscriber. A dead terminal with no subscribers left
// is evicted from the registry.
func (s *Session) Detach() {
	s.mu.Lock()
	s.subscribers--
	evict := s.dead && s.subscribers <= 0
	s.mu.Unlock()

	if evict {
		s.svc.evict(s)
	}
}

// pump drains the PTY, feeds the screen model, and fans output out over
// the bus. Runs until the shell exits or the PTY closes.
func (s *Session) pump() {
	defer close(s.done)

	buf := make([]byte, 8192)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.consume(buf[:n])
		}
		if err != nil {
			break
		}
	}

	s.finish()
}

// consume applies one chunk of PTY output: screen model, scrollback,
// and the raw event for live subscribers.
func (s *Session) consume(data []byte) {
	s.mu.Lock()
	_, _ = s.term.Write(data)
	base := s.offset
	s.offset += uint64(len(data))
	s.appendScrollbackLocked(data)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	chunk := make([]byte, len(data))
	copy(chunk, data)

	ev := bus.NewEvent("terminal_output", "terminal", map[string]interface{}{
		"terminalId": s.id,
		"streamId":   s.streamID,
		"offset":     base,
		"data":       chunk,
	})
	if err := s.bus.Publish(context.Background(), events.BuildTerminalOutputSubject(s.id), ev); err != nil {
		s.log.Warn("failed to publish terminal output", zap.Error(err))
	}
	s.publishState(snap)
}

// appendScrollbackLocked assembles completed lines out of the raw
// stream, strips escape sequences, and bounds the ring.
func (s *Session) appendScrollbackLocked(data []byte) {
	s.partial = append(s.partial, data...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := stripControl(s.partial[:idx])
		s.partial = s.partial[idx+1:]
		s.scrollback = append(s.scrollback, line)
	}
	if excess := len(s.scrollback) - s.maxScroll; excess > 0 {
		s.scrollback = s.scrollback[excess:]
	}
	// Keep the partial buffer from growing without bound on streams
	// that never emit a newline.
	if len(s.partial) > 64*1024 {
		s.partial = s.partial[len(s.partial)-64*1024:]
	}
}

// finish reaps the shell process and announces the exit.
func (s *Session) finish() {
	code := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	_ = s.pty.Close()

	s.mu.Lock()
	s.dead = true
	s.exitCode = code
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	evict := s.subscribers <= 0
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("terminal exited", zap.Int("exit_code", code))

	exitEv := bus.NewEvent("terminal_exit", "terminal", map[string]interface{}{
		"terminalId": s.id,
		"exitCode":   code,
	})
	if err := s.bus.Publish(context.Background(), events.BuildTerminalExitSubject(s.id), exitEv); err != nil {
		s.log.Warn("failed to publish terminal exit", zap.Error(err))
	}
	s.publishState(snap)

	if evict {
		s.svc.evict(s)
	}
}

func (s *Session) publishState(snap protocol.TerminalState) {
	ev := bus.NewEvent("terminal_state", "terminal", map[string]interface{}{
		"state": snap,
	})
	if err := s.bus.Publish(context.Background(), events.BuildTerminalStateSubject(s.id), ev); err != nil {
		s.log.Warn("failed to publish terminal state", zap.Error(err))
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// spawn starts the login shell under a fresh PTY and begins pumping.
func (s *Session) spawn() error {
	shell, args := loginShell()
	cmd := exec.Command(shell, args...)
	cmd.Dir = s.cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	handle, err := startPTY(cmd, s.cols, s.rows)
	if err != nil {
		return apperr.Wrap(apperr.ProviderFailure, err, "failed to start shell")
	}

	s.cmd = cmd
	s.pty = handle
	s.term = vt10x.New(vt10x.WithSize(s.cols, s.rows))
	s.done = make(chan struct{})

	go s.pump()
	return nil
}
