package store

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"go.uber.org/zap"
)

// Open selects the backend once at startup. It probes the embedded SQLite
// engine by opening the database and applying the schema; on failure it
// warns and falls back to the flat-file JSON store in the same directory.
// There is no runtime migration between backends.
func Open(dataDir string, log *zap.Logger) (Storer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "resonance.db")
	s, err := NewSQLiteStoreWithDSN(FileDSN(dbPath))
	if err == nil {
		log.Debug("sqlite backend selected", zap.String("path", dbPath))
		return s, nil
	}

	log.Warn("sqlite unavailable, falling back to flat-file store",
		zap.String("dir", dataDir), zap.Error(err))

	fs := osfs.NewFS()
	fsDir, fsErr := fs.FromOSPath(dataDir)
	if fsErr != nil {
		fsDir = strings.TrimPrefix(filepath.ToSlash(dataDir), "/")
	}

	var opts []JSONOption
	lock := flock.New(filepath.Join(dataDir, ".resonance.lock"))
	if locked, lockErr := lock.TryLock(); lockErr == nil && locked {
		opts = append(opts, WithLock(lock))
	} else {
		log.Warn("advisory lock unavailable, concurrent writers may lose updates",
			zap.Error(lockErr))
	}

	var root hackpadfs.FS = fs
	return NewJSONStore(root, path.Clean(fsDir), opts...)
}
