package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
)

// stderrRingSize is the number of recent stderr lines kept for error
// context when a provider dies.
const stderrRingSize = 50

// termGrace is how long Shutdown waits after SIGTERM before killing the
// process group.
const termGrace = 3 * time.Second

// Proc supervises a provider subprocess: stdio pipes, a stderr ring for
// diagnostics, and group-wide termination. Providers like opencode Spawn
// whole trees (npx -> sh -> node), so every signal targets the group.
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *logger.Logger

	stderrMu   sync.Mutex
	stderrRing []string

	wg   sync.WaitGroup
	done chan struct{}

	exitMu  sync.Mutex
	exitErr error
}

// Spawn starts bin with args in cwd, in its own process group.
//
// exec.Command is used deliberately instead of CommandContext: the
// caller's request context must not tear down a long-lived provider.
func Spawn(bin string, args []string, cwd string, env []string, log *logger.Logger) (*Proc, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	setProcGroup(cmd)

	p := &Proc{
		cmd:  cmd,
		log:  log.WithFields(zap.String("bin", bin)),
		done: make(chan struct{}),
	}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.ProviderFailure, err, "start %s", bin)
	}
	p.log.Debug("provider process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", args))

	p.wg.Add(2)
	go p.readStderr(stderr)
	go p.waitForExit()

	return p, nil
}

// Stdin returns the subprocess stdin pipe.
func (p *Proc) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the subprocess stdout pipe.
func (p *Proc) Stdout() io.ReadCloser { return p.stdout }

// Done is closed once the subprocess has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// ExitErr reports the wait error after Done is closed.
func (p *Proc) ExitErr() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

// Signal delivers sig to the whole process group.
func (p *Proc) Signal(sig os.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if err := signalProcessGroup(p.cmd.Process.Pid, sig); err != nil {
		p.log.Debug("signal process group failed, signaling process", zap.Error(err))
		_ = p.cmd.Process.Signal(sig)
	}
}

// Shutdown closes stdin to let a well-behaved provider exit on EOF, then
// escalates SIGTERM and finally SIGKILL against the process group. The
// context bounds the final wait.
func (p *Proc) Shutdown(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	p.terminate()

	select {
	case <-p.done:
		return nil
	case <-time.After(termGrace):
	case <-ctx.Done():
	}

	p.Kill()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate sends SIGTERM to the process group.
func (p *Proc) terminate() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	p.log.Debug("terminating provider process group", zap.Int("pgid", pid))
	if err := terminateProcessGroup(pid); err != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
}

// Kill forcefully kills the process group, falling back to the single
// process when the group kill fails.
func (p *Proc) Kill() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := killProcessGroup(pid); err != nil {
		p.log.Debug("kill process group failed, killing process", zap.Error(err))
		_ = p.cmd.Process.Kill()
	}
}

func (p *Proc) readStderr(r io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())
		p.log.Debug("provider stderr", zap.String("line", line))

		p.stderrMu.Lock()
		if len(p.stderrRing) >= stderrRingSize {
			p.stderrRing = p.stderrRing[1:]
		}
		p.stderrRing = append(p.stderrRing, line)
		p.stderrMu.Unlock()
	}
}

func (p *Proc) waitForExit() {
	defer p.wg.Done()
	defer close(p.done)

	err := p.cmd.Wait()
	p.exitMu.Lock()
	p.exitErr = err
	p.exitMu.Unlock()

	if err != nil {
		p.log.Warn("provider process exited",
			zap.Error(err),
			zap.Strings("recent_stderr", p.RecentStderr()))
	} else {
		p.log.Debug("provider process exited cleanly")
	}
}

// RecentStderr returns a copy of the stderr ring.
func (p *Proc) RecentStderr() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrRing))
	copy(out, p.stderrRing)
	return out
}

// FailureError wraps a provider fault with the stderr tail so the
// surfaced error explains what the subprocess was complaining about.
func (p *Proc) FailureError(msg string, err error) error {
	if tail := p.RecentStderr(); len(tail) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(tail, "; "))
	}
	return apperr.Wrap(apperr.ProviderFailure, err, "%s", msg)
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}
