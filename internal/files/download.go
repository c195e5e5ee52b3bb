package files

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const downloadTokenTTL = 5 * time.Minute

type grant struct {
	path      string
	size      int64
	expiresAt time.Time
}

// Downloads issues and redeems time-limited file download tokens. The
// bytes themselves travel over the multiplex file channel; the token is
// the stream key.
type Downloads struct {
	mu     sync.Mutex
	grants map[string]grant
	now    func() time.Time
}

// NewDownloads creates an empty token registry.
func NewDownloads() *Downloads {
	return &Downloads{
		grants: map[string]grant{},
		now:    time.Now,
	}
}

// Issue registers a download grant for a regular file.
func (d *Downloads) Issue(path string) (protocol.DownloadToken, error) {
	if !filepath.IsAbs(path) {
		return protocol.DownloadToken{}, apperr.Validationf("path must be absolute")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.DownloadToken{}, apperr.NotFoundf("no such file: %s", path)
		}
		return protocol.DownloadToken{}, apperr.Wrap(apperr.Validation, err, "cannot stat file")
	}
	if info.IsDir() {
		return protocol.DownloadToken{}, apperr.Validationf("%s is a directory", path)
	}

	token := uuid.New().String()
	expires := d.now().Add(downloadTokenTTL)

	d.mu.Lock()
	d.pruneLocked()
	d.grants[token] = grant{path: path, size: info.Size(), expiresAt: expires}
	d.mu.Unlock()

	return protocol.DownloadToken{
		Token:     token,
		Path:      path,
		Size:      info.Size(),
		ExpiresAt: expires.UnixMilli(),
	}, nil
}

// Open redeems a token and opens the file for streaming. The grant is
// consumed, one transfer per token.
func (d *Downloads) Open(token string) (*os.File, int64, error) {
	d.mu.Lock()
	g, ok := d.grants[token]
	if ok {
		delete(d.grants, token)
	}
	d.mu.Unlock()

	if !ok || d.now().After(g.expiresAt) {
		return nil, 0, apperr.NotFoundf("unknown or expired download token")
	}

	f, err := os.Open(g.path)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.NotFound, err, "file vanished before download")
	}
	return f, g.size, nil
}

func (d *Downloads) pruneLocked() {
	now := d.now()
	for t, g := range d.grants {
		if now.After(g.expiresAt) {
			delete(d.grants, t)
		}
	}
}
