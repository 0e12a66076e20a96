package worker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// acquireScratch creates the chunk-private scratch directory and returns it
// with a cleanup func the caller defers on every exit path. A pre-existing
// directory from an earlier attempt of the same chunk is removed first, so
// re-invoking with identical parameters overwrites rather than appends.
func acquireScratch(root, renderID string, chunkIndex int) (string, func(), error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "renderfarm", fmt.Sprintf("%s-chunk-%05d", renderID, chunkIndex))
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove scratch dir")
		} else {
			log.Debug().Str("dir", dir).Msg("Scratch dir removed")
		}
	}
	return dir, cleanup, nil
}

// scratchUsage summarises the scratch directory's file count and total bytes
// for the diagnostic field of ErrorInfo.
func scratchUsage(dir string) string {
	var files int
	var bytes int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		files++
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		return nil
	})
	return fmt.Sprintf("scratch: %d files, %d bytes", files, bytes)
}
