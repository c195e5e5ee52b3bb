// Package files serves filesystem browsing, time-limited download
// tokens for the multiplex file channel, and syntax-highlighted diffs.
package files

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Explore lists one directory level: directories first, each group in
// lexicographic order.
func Explore(path string) ([]protocol.FileEntry, error) {
	if !filepath.IsAbs(path) {
		return nil, apperr.Validationf("path must be absolute")
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("no such directory: %s", path)
		}
		return nil, apperr.Wrap(apperr.Validation, err, "cannot read directory")
	}

	out := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		fe := protocol.FileEntry{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			IsDir: e.IsDir(),
		}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				fe.Size = info.Size()
			}
		}
		out = append(out, fe)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
