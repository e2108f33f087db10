// Package scratch allocates and populates the isolated per-build working
// directories a rule's build script runs in, adapted from please's
// build.prepareDirectories/prepareSources and src/fs/copy.go.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/core"
	"github.com/thought-machine/snowflake/internal/fsutil"
)

var log = logging.MustGetLogger("scratch")

// A Manager allocates scratch directories under Dir, fanned out two levels
// deep by build hash - the same fanout the Stash uses, which is what lets
// the Evaluator's fixed "../../../" dependency-path prefix work (see the
// design notes' resolution of the dependency-path-prefix open question).
type Manager struct {
	Dir string
	// CopyTool is the external recursive-copy utility (config's CopyTool
	// / SNOWFLAKE_COPY) used to materialize OnDiskCopy and OnDiskLink
	// sources.
	CopyTool string
}

// New returns a Manager rooted at dir, using copyTool to materialize
// OnDiskCopy/OnDiskLink sources. dir is made absolute and created if it
// doesn't exist; an empty copyTool defaults to "cp".
func New(dir, copyTool string) (*Manager, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("scratch: resolving root %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, core.DirPermissions); err != nil {
		return nil, fmt.Errorf("scratch: creating root %s: %w", dir, err)
	}
	if copyTool == "" {
		copyTool = "cp"
	}
	return &Manager{Dir: dir, CopyTool: copyTool}, nil
}

// Path is a pure path computation for the scratch directory of buildHash.
func (m *Manager) Path(buildHash core.Hash) string {
	a, b := buildHash.Fanout()
	return filepath.Join(m.Dir, a, b)
}

// Prepare removes any stale directory for buildHash, recreates it, and
// materializes every source into it. Returns the scratch directory's
// absolute path.
func (m *Manager) Prepare(buildHash core.Hash, sources map[string]core.Source) (string, error) {
	dir := m.Path(buildHash)

	// Lstat + RemoveAll rather than following into the directory: if a
	// prior attempt left a symlink at this path (shouldn't happen, but
	// defend against it) we remove the link itself, never its target.
	if _, err := os.Lstat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("scratch: clearing stale directory %s: %w", dir, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("scratch: checking %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, core.DirPermissions); err != nil {
		return "", fmt.Errorf("scratch: creating %s: %w", dir, err)
	}

	for name, source := range sources {
		dest := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dest), core.DirPermissions); err != nil {
			return "", fmt.Errorf("scratch: creating directories for %q: %w", name, err)
		}
		if err := materialize(dest, source, m.CopyTool); err != nil {
			return "", fmt.Errorf("scratch: materializing %q: %w", name, err)
		}
		if name == core.BuildScriptName {
			if err := os.Chmod(dest, 0755); err != nil {
				return "", fmt.Errorf("scratch: marking %q executable: %w", name, err)
			}
		}
	}
	return dir, nil
}

func materialize(dest string, source core.Source, copyTool string) error {
	switch source.Kind {
	case core.Inline:
		return os.WriteFile(dest, source.Bytes, 0644)
	case core.OnDiskCopy:
		return fsutil.RecursiveCopy(copyTool, source.Path, dest)
	case core.OnDiskLink:
		return fsutil.RecursiveLink(copyTool, source.Path, dest)
	default:
		return fmt.Errorf("unknown source kind %v", source.Kind)
	}
}
