// Package hash implements snowflake's three digests - a rule's sources
// hash, its build hash, and an artifact's output hash. All three share one
// framing scheme (explicit length prefixes on every variable-length field)
// so that distinct inputs can never collide on the same byte stream,
// following the same procedural, running-hash.Hash style as please's
// src/fs/hash.go and src/build/incrementality.go, generalized to be
// injective.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	gohash "hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/xattr"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/core"
)

var log = logging.MustGetLogger("hash")

// Tag bytes identifying the kind of thing a digest covers. These are part
// of the framed stream so that, for example, an empty directory and an
// empty file never hash the same.
const (
	kindFile    byte = 1
	kindDir     byte = 2
	kindSymlink byte = 3
)

// xattrName* are the attributes snowflake stores memoized digests under,
// the same trick as please's PathHasher. Sources and outputs use separate
// attributes because they digest a path differently: output hashing
// preserves the executable bit, sources hashing doesn't (see hashSourceFile
// vs hashFile).
const (
	xattrNameOutput = "user.snowflake_hash"
	xattrNameSource = "user.snowflake_source_hash"
)

// NewSHA256 is the default digest algorithm.
func NewSHA256() gohash.Hash { return sha256.New() }

// A Hasher computes sources/build/output hashes for a single root directory.
// The digest algorithm is fixed for the lifetime of a Hasher (and should be
// fixed for the lifetime of a stash/cache on disk - see the design notes on
// why mixing algorithms is unsafe).
type Hasher struct {
	// NewDigest constructs a fresh hash.Hash of the chosen algorithm.
	NewDigest func() gohash.Hash
	// root is used to make memoized xattr lookups relative, exactly as
	// PathHasher.ensureRelative does.
	root string
	// storeXattrs enables the best-effort xattr memoization. It should be
	// false for anything reading from user-controlled or third-party trees.
	storeXattrs bool
}

// New returns a Hasher using newDigest (e.g. hash.NewSHA256 or hash.NewBLAKE3)
// rooted at root.
func New(newDigest func() gohash.Hash, root string, storeXattrs bool) *Hasher {
	return &Hasher{NewDigest: newDigest, root: root, storeXattrs: storeXattrs}
}

func writeFramed(w io.Writer, b []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// SourcesHash canonicalizes a sources mapping and returns its digest. It is
// a pure function of the mapping: Inline(x), OnDiskCopy(p) where p has
// content x, and OnDiskLink(p) where p has content x all contribute an
// identical framed record for that name, since both on-disk cases and the
// inline case digest only the kind tag and content - never file mode.
func (h *Hasher) SourcesHash(sources map[string]core.Source) (core.Hash, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	digest := h.NewDigest()
	for _, name := range names {
		source := sources[name]
		kind, contentDigest, err := h.hashSource(source)
		if err != nil {
			return core.Hash{}, fmt.Errorf("hash: reading source %q: %w", name, err)
		}
		if err := writeFramed(digest, []byte(name)); err != nil {
			return core.Hash{}, err
		}
		if err := writeFramed(digest, []byte{kind}); err != nil {
			return core.Hash{}, err
		}
		if err := writeFramed(digest, contentDigest[:]); err != nil {
			return core.Hash{}, err
		}
	}
	return sum(digest), nil
}

// hashSource returns the materialized kind (file/dir/symlink) and content
// digest of a single Source, independent of how it's fetched. On-disk
// sources are walked with hashSourcePath, not hashPath: sources hashing
// never looks at the executable bit, so Inline(x) and OnDiskCopy/Link(p)
// with p's content equal to x produce the same digest regardless of p's
// mode bits - only OutputHash cares about the executable bit.
func (h *Hasher) hashSource(source core.Source) (byte, core.Hash, error) {
	switch source.Kind {
	case core.Inline:
		return kindFile, h.hashInline(source.Bytes), nil
	case core.OnDiskCopy, core.OnDiskLink:
		return h.hashSourcePath(source.Path)
	default:
		return 0, core.Hash{}, fmt.Errorf("unknown source kind %v", source.Kind)
	}
}

// hashInline digests literal bytes as if they were a regular file: kind tag
// plus content, nothing else.
func (h *Hasher) hashInline(b []byte) core.Hash {
	d := h.NewDigest()
	d.Write([]byte{kindFile})
	d.Write(b)
	return sum(d)
}

// hashSourcePath computes the (kind, digest) pair for a path being
// consumed as a rule source, recursing into directories. Files are
// digested by kind tag and content only (see hashSourceFile) so that an
// on-disk file hashes identically to an Inline source with the same
// bytes, whatever its mode bits happen to be; this is a separate walk
// from hashPath, which OutputHash uses and which does fold the
// executable bit in.
func (h *Hasher) hashSourcePath(path string) (byte, core.Hash, error) {
	if h.storeXattrs {
		if cached, ok := h.readXattr(path, xattrNameSource); ok {
			return kindFile, cached, nil
		}
	}
	info, err := os.Lstat(path)
	if err != nil {
		return 0, core.Hash{}, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return 0, core.Hash{}, err
		}
		d := h.NewDigest()
		d.Write([]byte{kindSymlink})
		d.Write([]byte(target))
		return kindSymlink, sum(d), nil
	case info.IsDir():
		digest, err := h.hashSourceDir(path)
		return kindDir, digest, err
	default:
		digest, err := h.hashSourceFile(path)
		if err == nil && h.storeXattrs {
			h.writeXattr(path, xattrNameSource, digest)
		}
		return kindFile, digest, err
	}
}

// hashSourceDir walks a directory in sorted name order, framing (name,
// kind, digest-of-child) for each entry, using hashSourcePath throughout.
func (h *Hasher) hashSourceDir(path string) (core.Hash, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return core.Hash{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	digest := h.NewDigest()
	for _, name := range names {
		childKind, childDigest, err := h.hashSourcePath(filepath.Join(path, name))
		if err != nil {
			return core.Hash{}, err
		}
		writeFramed(digest, []byte(name))
		writeFramed(digest, []byte{childKind})
		writeFramed(digest, childDigest[:])
	}
	return sum(digest), nil
}

// hashSourceFile digests a kind tag plus the file's bytes - no mode bits,
// unlike hashFile - so it matches hashInline exactly for equal content.
func (h *Hasher) hashSourceFile(path string) (core.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Hash{}, err
	}
	defer f.Close()
	d := h.NewDigest()
	d.Write([]byte{kindFile})
	if _, err := io.Copy(d, f); err != nil {
		return core.Hash{}, err
	}
	return sum(d), nil
}

// BuildHash digests sourcesHash concatenated with each dependency output
// hash in the given order, with length framing between fields. Reordering
// the dependencies changes the result, since order is part of a rule's
// identity.
func (h *Hasher) BuildHash(sourcesHash core.Hash, depOutputHashes []core.Hash) core.Hash {
	digest := h.NewDigest()
	writeFramed(digest, sourcesHash[:])
	for _, dep := range depOutputHashes {
		writeFramed(digest, dep[:])
	}
	return sum(digest)
}

// OutputHash digests the artifact at path: a tagged prefix plus bytes for a
// regular file, a framed walk of sorted entries for a directory, or the
// link target for a symlink. The executable bit is preserved; all other
// mode bits, timestamps and ownership are ignored.
func (h *Hasher) OutputHash(path string) (core.Hash, error) {
	_, digest, err := h.hashPath(path)
	return digest, err
}

// hashPath computes the (kind, digest) pair for whatever is at path,
// recursing into directories and folding in the executable bit for
// regular files. OutputHash is its only caller; sources hashing uses the
// separate hashSourcePath walk instead, which leaves the executable bit
// out (see hashSource).
func (h *Hasher) hashPath(path string) (byte, core.Hash, error) {
	if h.storeXattrs {
		if cached, ok := h.readXattr(path, xattrNameOutput); ok {
			return kindFile, cached, nil
		}
	}
	info, err := os.Lstat(path)
	if err != nil {
		return 0, core.Hash{}, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return 0, core.Hash{}, err
		}
		d := h.NewDigest()
		d.Write([]byte{kindSymlink})
		d.Write([]byte(target))
		return kindSymlink, sum(d), nil
	case info.IsDir():
		digest, err := h.hashDir(path)
		return kindDir, digest, err
	default:
		digest, err := h.hashFile(path, info.Mode())
		if err == nil && h.storeXattrs {
			h.writeXattr(path, xattrNameOutput, digest)
		}
		return kindFile, digest, err
	}
}

// hashDir walks a directory in sorted name order, framing (name, kind,
// digest-of-child) for each entry.
func (h *Hasher) hashDir(path string) (core.Hash, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return core.Hash{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	digest := h.NewDigest()
	for _, name := range names {
		childKind, childDigest, err := h.hashPath(filepath.Join(path, name))
		if err != nil {
			return core.Hash{}, err
		}
		writeFramed(digest, []byte(name))
		writeFramed(digest, []byte{childKind})
		writeFramed(digest, childDigest[:])
	}
	return sum(digest), nil
}

// hashFile digests a tagged prefix (kind + executable bit) plus the file's
// bytes.
func (h *Hasher) hashFile(path string, mode os.FileMode) (core.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Hash{}, err
	}
	defer f.Close()
	d := h.NewDigest()
	d.Write([]byte{kindFile, executableByte(mode)})
	if _, err := io.Copy(d, f); err != nil {
		return core.Hash{}, err
	}
	return sum(d), nil
}

func executableByte(mode os.FileMode) byte {
	if mode&0111 != 0 {
		return 1
	}
	return 0
}

func sum(d gohash.Hash) core.Hash {
	var out core.Hash
	copy(out[:], d.Sum(nil))
	return out
}

// relative renders path relative to the Hasher's root for log messages,
// mirroring PathHasher.ensureRelative's use in please's debug logging.
func (h *Hasher) relative(path string) string {
	if strings.HasPrefix(path, h.root) {
		return strings.TrimLeft(strings.TrimPrefix(path, h.root), "/")
	}
	return path
}

// readXattr is a best-effort memoized lookup, mirroring PathHasher.hash's
// use of xattr.LGet: if it's absent or unsupported we just recompute. name
// selects which of the two memoized digests (source or output) to read.
func (h *Hasher) readXattr(path, name string) (core.Hash, bool) {
	b, err := xattr.LGet(path, name)
	if err != nil || len(b) != core.Size {
		return core.Hash{}, false
	}
	var out core.Hash
	copy(out[:], b)
	return out, true
}

// writeXattr is best-effort only; failures (unsupported filesystem, read-only
// mount) are logged at debug level and otherwise ignored, same as please.
func (h *Hasher) writeXattr(path, name string, digest core.Hash) {
	if err := xattr.LSet(path, name, digest[:]); err != nil {
		log.Debug("hash: could not store xattr on %s: %s", h.relative(path), err)
	}
}
