// Package stash implements the content-addressed on-disk store of output
// artifacts, adapted from please's src/cache/dir_cache.go promotion
// strategy (write then os.Rename into place, treat "already there" as
// success).
package stash

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/core"
)

var log = logging.MustGetLogger("stash")

// A Stash is a directory tree rooted at Dir, fanned out two levels deep by
// output hash to keep individual directories small.
type Stash struct {
	Dir string
}

// New returns a Stash rooted at dir. dir is created if it doesn't exist.
func New(dir string) (*Stash, error) {
	if err := os.MkdirAll(dir, core.DirPermissions); err != nil {
		return nil, fmt.Errorf("stash: creating root %s: %w", dir, err)
	}
	return &Stash{Dir: dir}, nil
}

// OutputPath is a pure path computation; it never touches disk.
func (s *Stash) OutputPath(h core.Hash) string {
	a, b := h.Fanout()
	return filepath.Join(s.Dir, a, b)
}

// Exists reports whether h already has an entry in the stash.
func (s *Stash) Exists(h core.Hash) bool {
	_, err := os.Lstat(s.OutputPath(h))
	return err == nil
}

// Promote moves the artifact at scratchOutputPath into place at h's output
// path. If the destination already exists - because of a concurrent or
// prior promotion - the existing entry is left untouched and the new one is
// silently discarded; this is not an error, since two successful builds of
// the same content always hash to the same output path.
func (s *Stash) Promote(scratchOutputPath string, h core.Hash) error {
	dest := s.OutputPath(h)
	if err := os.MkdirAll(filepath.Dir(dest), core.DirPermissions); err != nil {
		return fmt.Errorf("stash: preparing fanout directory for %s: %w", h, err)
	}
	if s.Exists(h) {
		log.Debug("stash: %s already present, discarding our copy", h)
		if rmErr := os.RemoveAll(scratchOutputPath); rmErr != nil {
			log.Warning("stash: failed to discard redundant artifact %s: %s", scratchOutputPath, rmErr)
		}
		return nil
	}

	// Renaming directly onto dest is atomic when it succeeds. When dest
	// doesn't yet exist, use a uuid-suffixed temporary name first so two
	// processes racing to promote the same hash never stomp on each
	// other's half-renamed state; then the final rename onto dest is a
	// single atomic step exactly as in the single-artifact case.
	tmp := dest + ".tmp-" + uuid.NewString()
	if err := os.Rename(scratchOutputPath, tmp); err != nil {
		return fmt.Errorf("stash: staging %s: %w", h, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		if s.Exists(h) {
			log.Debug("stash: %s already promoted by someone else, discarding our copy", h)
			if rmErr := os.RemoveAll(tmp); rmErr != nil {
				log.Warning("stash: failed to discard redundant artifact %s: %s", tmp, rmErr)
			}
			return nil
		}
		return fmt.Errorf("stash: promoting %s: %w", h, err)
	}
	return nil
}
