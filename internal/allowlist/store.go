package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const snapshotFile = "allowed_users.json"

// store serializes snapshot writes under a dedicated lock. Writes are atomic:
// a temp file in the same directory is renamed over the snapshot.
type store struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

func newStore(dir string, log *slog.Logger) *store {
	return &store{dir: dir, log: log}
}

func (s *store) path() string {
	return filepath.Join(s.dir, snapshotFile)
}

func (s *store) load() []User {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to read allowlist snapshot", "path", s.path(), "err", err)
		}
		return nil
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		s.log.Warn("malformed allowlist snapshot ignored", "path", s.path(), "err", err)
		return nil
	}
	return users
}

func (s *store) save(users []User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, snapshotFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
