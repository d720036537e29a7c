package sandbox

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/engine"
)

// CacheRoot is the host directory holding a repository's shared caches:
// <home>/caches/<hash>, where hash is derived from the repository path.
// Every run against the same repository mounts the same directories.
func CacheRoot(home, repo string) string {
	abs, err := filepath.Abs(repo)
	if err != nil {
		abs = repo
	}
	sum := blake3.Sum256([]byte(abs))
	return filepath.Join(home, config.CacheDir, hex.EncodeToString(sum[:8]))
}

// cacheMounts creates the cache directories if needed and returns them as
// read-write mounts. Concurrent access from several containers is left to
// the cache tools' own file locking.
func cacheMounts(home, repo string, caches []config.CacheMount) ([]engine.Mount, error) {
	if len(caches) == 0 {
		return nil, nil
	}
	root := CacheRoot(home, repo)
	mounts := make([]engine.Mount, 0, len(caches))
	for _, c := range caches {
		dir := filepath.Join(root, c.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
		mounts = append(mounts, engine.Mount{Source: dir, Target: c.ContainerPath})
	}
	return mounts, nil
}
