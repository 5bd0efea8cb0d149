package engine

import (
	"fmt"

	"github.com/hupe1980/caskdb/internal/fs"
)

// syncDir syncs a directory so that created, renamed and removed segment
// files survive a crash.
func syncDir(fsys fs.FileSystem, dir string) error {
	if err := fs.SyncDir(fsys, dir); err != nil {
		return fmt.Errorf("%w: sync directory %s: %w", ErrIO, dir, err)
	}
	return nil
}
