// Package terminal hosts PTY-backed shells with a server-side screen
// model. Terminals are keyed by working directory and name; the first
// listing of a directory creates its initial shell, and dead terminals
// linger only until the last subscriber detaches.
package terminal

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const terminalNamePrefix = "Terminal "

// Service is the terminal registry.
type Service struct {
	cfg config.TerminalConfig
	bus bus.EventBus
	log *logger.Logger

	mu         sync.Mutex
	byID       map[string]*Session
	closed     bool
	nextStream uint32
}

// NewService creates the registry. Defaults fill in any unset config
// dimensions.
func NewService(cfg config.TerminalConfig, eventBus bus.EventBus, log *logger.Logger) *Service {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 120
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 40
	}
	if cfg.ScrollbackLines <= 0 {
		cfg.ScrollbackLines = 1000
	}
	return &Service{
		cfg:  cfg,
		bus:  eventBus,
		log:  log.WithFields(zap.String("component", "terminal")),
		byID: map[string]*Session{},
	}
}

// List returns the terminals for a working directory, spawning the
// initial "Terminal 1" when the directory has none.
func (s *Service) List(cwd string) ([]protocol.TerminalInfo, error) {
	if !filepath.IsAbs(cwd) {
		return nil, apperr.Validationf("cwd must be an absolute path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperr.Validationf("terminal service is shut down")
	}

	sessions := s.forCwdLocked(cwd)
	if len(sessions) == 0 {
		sess, err := s.spawnLocked(cwd, terminalNamePrefix+"1", 0, 0)
		if err != nil {
			return nil, err
		}
		sessions = []*Session{sess}
	}

	infos := make([]protocol.TerminalInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Create spawns an additional terminal in cwd. An empty name takes the
// next free "Terminal N" slot; zero dimensions take the defaults.
func (s *Service) Create(cwd, name string, cols, rows int) (protocol.TerminalInfo, error) {
	if !filepath.IsAbs(cwd) {
		return protocol.TerminalInfo{}, apperr.Validationf("cwd must be an absolute path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.TerminalInfo{}, apperr.Validationf("terminal service is shut down")
	}

	if name == "" {
		name = s.nextNameLocked(cwd)
	} else {
		for _, sess := range s.forCwdLocked(cwd) {
			if sess.name == name {
				return protocol.TerminalInfo{}, apperr.Validationf("terminal %q already exists in %s", name, cwd)
			}
		}
	}

	sess, err := s.spawnLocked(cwd, name, cols, rows)
	if err != nil {
		return protocol.TerminalInfo{}, err
	}
	return sess.Info(), nil
}

// Get looks up a live or lingering terminal by id.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, apperr.NotFoundf("Terminal not found")
	}
	return sess, nil
}

// Input routes a send_terminal_input payload to the terminal.
func (s *Service) Input(id string, kind protocol.TerminalInputType, data string, cols, rows int, signal string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	switch kind {
	case protocol.TerminalInputData:
		return sess.Input([]byte(data))
	case protocol.TerminalInputResize:
		return sess.Resize(cols, rows)
	case protocol.TerminalInputSignal:
		return sess.Signal(signal)
	default:
		return apperr.Validationf("unknown terminal input type %q", kind)
	}
}

// Kill terminates a terminal's shell. The session stays resolvable
// until its subscribers detach.
func (s *Service) Kill(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	return sess.Kill()
}

// Close kills every terminal and waits for their shells to be reaped.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Kill(); err != nil {
			s.log.Warn("terminal kill on shutdown failed",
				zap.String("terminal_id", sess.ID()), zap.Error(err))
		}
	}
	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) forCwdLocked(cwd string) []*Session {
	var out []*Session
	for _, sess := range s.byID {
		if sess.cwd == cwd {
			out = append(out, sess)
		}
	}
	return out
}

// nextNameLocked finds the highest "Terminal N" in cwd and takes N+1.
func (s *Service) nextNameLocked(cwd string) string {
	max := 0
	for _, sess := range s.forCwdLocked(cwd) {
		rest, ok := strings.CutPrefix(sess.name, terminalNamePrefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%d", terminalNamePrefix, max+1)
}

func (s *Service) spawnLocked(cwd, name string, cols, rows int) (*Session, error) {
	sized := cols > 0 && rows > 0
	if cols <= 0 {
		cols = s.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = s.cfg.DefaultRows
	}
	id := uuid.New().String()
	sess := &Session{
		id:        id,
		cwd:       cwd,
		name:      name,
		streamID:  atomic.AddUint32(&s.nextStream, 1),
		svc:       s,
		bus:       s.bus,
		log:       s.log.WithFields(zap.String("terminal_id", id), zap.String("name", name)),
		cols:      cols,
		rows:      rows,
		sized:     sized,
		maxScroll: s.cfg.ScrollbackLines,
	}
	if err := sess.spawn(); err != nil {
		return nil, err
	}
	s.byID[id] = sess
	s.log.Info("terminal spawned", zap.String("terminal_id", id),
		zap.String("cwd", cwd), zap.String("name", name))
	return sess, nil
}

// evict removes a dead terminal once nothing observes it.
func (s *Service) evict(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[sess.id]; ok && cur == sess {
		delete(s.byID, sess.id)
		s.log.Info("terminal evicted", zap.String("terminal_id", sess.id))
	}
}
