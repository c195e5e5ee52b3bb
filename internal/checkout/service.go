// Package checkout watches git working copies and computes their dirty
// state: per-file diffs with hunks, branch divergence, and pull request
// status. Watches are refcounted per (cwd, mode) so any number of
// subscribers share one filesystem watcher.
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Service is the checkout watch registry.
type Service struct {
	cfg config.CheckoutConfig
	bus bus.EventBus
	log *logger.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	closed   bool
}

// NewService creates the registry with config-tuned debounce and poll
// intervals.
func NewService(cfg config.CheckoutConfig, eventBus bus.EventBus, log *logger.Logger) *Service {
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 300
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 3
	}
	return &Service{
		cfg:      cfg,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "checkout")),
		watchers: map[string]*watcher{},
	}
}

// WatchID derives the stable identifier for a (cwd, mode) watch. The
// hash keeps filesystem paths out of bus subjects.
func WatchID(cwd string, mode protocol.DiffMode) string {
	sum := sha256.Sum256([]byte(cwd + "\x00" + string(mode)))
	return hex.EncodeToString(sum[:8])
}

// Subscribe starts (or joins) the watch for a working copy and returns
// the watch id plus the current diff so the subscriber never needs a
// separate priming query.
func (s *Service) Subscribe(ctx context.Context, cwd string, mode protocol.DiffMode) (string, []protocol.FileDiff, error) {
	if mode == "" {
		mode = protocol.DiffUncommitted
	}
	if mode != protocol.DiffUncommitted && mode != protocol.DiffCommittedVsBase {
		return "", nil, apperr.Validationf("unknown diff mode %q", mode)
	}
	if _, err := runGit(ctx, cwd, "rev-parse", "--git-dir"); err != nil {
		return "", nil, apperr.Validationf("%s is not a git working copy", cwd)
	}

	files, err := ComputeDiff(ctx, cwd, mode)
	if err != nil {
		return "", nil, err
	}

	id := WatchID(cwd, mode)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", nil, apperr.Validationf("checkout service is shut down")
	}

	if w, ok := s.watchers[id]; ok {
		w.refs++
		return id, files, nil
	}

	w, err := newWatcher(id, cwd, mode, s.cfg.Debounce(), s.cfg.PollInterval(), s.bus, s.log)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.HostFatal, err, "failed to start filesystem watcher")
	}
	w.refs = 1
	w.lastFiles = files
	s.watchers[id] = w
	go w.run()

	s.log.Info("checkout watch started", zap.String("watch_id", id),
		zap.String("cwd", cwd), zap.String("mode", string(mode)))
	return id, files, nil
}

// Unsubscribe drops one reference; the watcher stops when the last
// subscriber leaves.
func (s *Service) Unsubscribe(watchID string) error {
	s.mu.Lock()
	w, ok := s.watchers[watchID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFoundf("unknown checkout watch")
	}
	w.refs--
	var stopping *watcher
	if w.refs <= 0 {
		delete(s.watchers, watchID)
		stopping = w
	}
	s.mu.Unlock()

	if stopping != nil {
		stopping.stop()
		s.log.Info("checkout watch stopped", zap.String("watch_id", watchID))
	}
	return nil
}

// Status reports the working copy summary for checkout_status.
func (s *Service) Status(ctx context.Context, cwd string) (protocol.CheckoutStatus, error) {
	return Status(ctx, cwd)
}

// PRStatus reports the current branch's pull request for
// checkout_pr_status.
func (s *Service) PRStatus(ctx context.Context, cwd string) (protocol.PRStatus, error) {
	return PRStatus(ctx, cwd)
}

// Close stops every watcher.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	watchers := make([]*watcher, 0, len(s.watchers))
	for id, w := range s.watchers {
		watchers = append(watchers, w)
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
}

