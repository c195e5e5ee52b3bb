// Package home manages the host's state directory ($PASEO_HOME, default
// ~/.paseo): the stable server identifier, the agents and models
// subdirectories, and the daemon log and config file locations.
package home

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// serverIDLength is the length of the url-safe server identifier.
const serverIDLength = 12

// Home is a resolved state directory.
type Home struct {
	dir      string
	serverID string
}

// Resolve locates the state directory, creating it and its subdirectories
// on first boot. PASEO_HOME overrides the default ~/.paseo.
func Resolve() (*Home, error) {
	dir := os.Getenv("PASEO_HOME")
	if dir == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user home: %w", err)
		}
		dir = filepath.Join(userHome, ".paseo")
	}
	return ResolveAt(dir)
}

// ResolveAt initializes the state directory at an explicit path.
func ResolveAt(dir string) (*Home, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving home path: %w", err)
	}
	for _, sub := range []string{"", "agents", "models"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	h := &Home{dir: abs}
	if err := h.loadOrCreateServerID(); err != nil {
		return nil, err
	}
	return h, nil
}

// loadOrCreateServerID reads server-id, generating and persisting one on
// first boot. The identifier stays stable across restarts.
func (h *Home) loadOrCreateServerID() error {
	path := filepath.Join(h.dir, "server-id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) == serverIDLength {
			h.serverID = id
			return nil
		}
		// Malformed file: regenerate rather than boot with a bad identity.
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading server-id: %w", err)
	}

	id, err := newServerID()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing server-id: %w", err)
	}
	h.serverID = id
	return nil
}

// newServerID generates a 12-char url-safe identifier.
func newServerID() (string, error) {
	buf := make([]byte, 9) // 9 bytes -> 12 base64url chars
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating server-id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Dir returns the state directory path.
func (h *Home) Dir() string { return h.dir }

// ServerID returns the stable host identifier.
func (h *Home) ServerID() string { return h.serverID }

// AgentsDir returns the directory holding agent snapshots and timeline
// shards.
func (h *Home) AgentsDir() string { return filepath.Join(h.dir, "agents") }

// ConfigPath returns the config.json path (the file may not exist).
func (h *Home) ConfigPath() string { return filepath.Join(h.dir, "config.json") }

// DaemonLogPath returns the daemon.log path.
func (h *Home) DaemonLogPath() string { return filepath.Join(h.dir, "daemon.log") }

// StateDBPath returns the default sqlite database path.
func (h *Home) StateDBPath() string { return filepath.Join(h.AgentsDir(), "state.db") }
