// Package core holds the data types shared by every other package in
// snowflake: rules, sources and the opaque hash identifiers that give a
// rule its stable identity.
package core

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// DirPermissions is the mode used whenever snowflake creates a directory.
const DirPermissions = 0775

// Size is the fixed width, in bytes, of every Hash. Both of our supported
// digest algorithms (SHA-256, BLAKE3) produce 32-byte sums by default, so a
// single fixed-size array can represent any of the three hash flavours a
// rule carries (sources hash, build hash, output hash).
const Size = 32

// A Hash is an opaque fixed-width identifier. Depending on context it is a
// sources hash, a build hash or an output hash; the type itself doesn't
// distinguish between them, only the operation that produced it does.
type Hash [Size]byte

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if this is the zero-value hash, i.e. not yet computed.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Fanout returns the two path components snowflake uses to bound directory
// sizes: the first byte of the hash (two hex characters) and the remainder.
func (h Hash) Fanout() (string, string) {
	s := h.String()
	return s[0:2], s[2:]
}

// HashFromHex parses a hex-encoded hash, as stored in the cache and written
// by the Hasher. Returns an error if the string isn't exactly Size bytes
// once decoded.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("core: invalid hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("core: invalid hash %q: expected %d bytes, got %d", s, Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// SourceKind distinguishes the three ways a Source's bytes can be supplied.
type SourceKind int

const (
	// Inline is literal file content carried directly on the Rule.
	Inline SourceKind = iota
	// OnDiskCopy names a path on the host filesystem materialized by
	// recursive copy.
	OnDiskCopy
	// OnDiskLink names a path on the host filesystem materialized by
	// recursive hard link. Faster, but aliases the source and the stash -
	// see the "dangerous hard-link sources" note in the design notes.
	OnDiskLink
)

func (k SourceKind) String() string {
	switch k {
	case Inline:
		return "inline"
	case OnDiskCopy:
		return "copy"
	case OnDiskLink:
		return "link"
	default:
		return "unknown"
	}
}

// A Source is a tagged variant describing the content of a single named
// input to a rule.
type Source struct {
	Kind SourceKind
	// Bytes is populated when Kind == Inline.
	Bytes []byte
	// Path is populated when Kind == OnDiskCopy or Kind == OnDiskLink.
	Path string
}

// NewInlineSource returns a Source carrying literal bytes.
func NewInlineSource(b []byte) Source {
	return Source{Kind: Inline, Bytes: b}
}

// NewOnDiskCopySource returns a Source materialized by recursive copy.
func NewOnDiskCopySource(path string) Source {
	return Source{Kind: OnDiskCopy, Path: path}
}

// NewOnDiskLinkSource returns a Source materialized by recursive hard link.
func NewOnDiskLinkSource(path string) Source {
	return Source{Kind: OnDiskLink, Path: path}
}

// BuildScriptName is the name a source must have for ScratchManager to
// mark it executable; it is also the name the Runner invokes.
const BuildScriptName = "snowflake-build"

// OutputName is the name the Runner expects the build script to have
// written its result to, inside the scratch directory.
const OutputName = "snowflake-output"

// LogName is the name of the file the Runner redirects the build script's
// combined stdout/stderr into.
const LogName = "snowflake-log"

// A Rule is an immutable declaration of how to build one artifact: a name
// (informative only), an ordered list of dependency rules, and a mapping
// from logical source name to Source. Rules form a DAG; the caller must
// not introduce cycles.
//
// Rule memoizes its three hashes (sources, build, output) the first time
// each is computed, so repeated queries within one process never redo the
// underlying work - this is what makes "at most one build per build-hash"
// hold within a process.
type Rule struct {
	Name    string
	Deps    []*Rule
	Sources map[string]Source

	mu          sync.Mutex
	sourcesHash *Hash
	buildHash   *Hash
	outputHash  *Hash
}

// NewRule constructs a Rule. deps is the ordered list of dependency rules;
// reordering it produces a different build hash, since dependency order
// feeds BuildHash's framing directly.
func NewRule(name string, deps []*Rule, sources map[string]Source) *Rule {
	return &Rule{Name: name, Deps: deps, Sources: sources}
}

// String returns a human-readable identifier: the rule's name, plus a short
// prefix of its output hash if one has been computed yet.
func (r *Rule) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputHash != nil {
		return fmt.Sprintf("%s#%s", r.Name, r.outputHash.String()[:8])
	}
	return r.Name
}

// MemoSourcesHash returns the memoized sources hash, if any has been set.
func (r *Rule) MemoSourcesHash() (Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourcesHash == nil {
		return Hash{}, false
	}
	return *r.sourcesHash, true
}

// SetSourcesHash memoizes the sources hash for this rule. Calling it twice
// with different values is a programming error; we keep the first.
func (r *Rule) SetSourcesHash(h Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourcesHash == nil {
		r.sourcesHash = &h
	}
}

// MemoBuildHash returns the memoized build hash, if any has been set.
func (r *Rule) MemoBuildHash() (Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildHash == nil {
		return Hash{}, false
	}
	return *r.buildHash, true
}

// SetBuildHash memoizes the build hash for this rule.
func (r *Rule) SetBuildHash(h Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildHash == nil {
		r.buildHash = &h
	}
}

// MemoOutputHash returns the memoized output hash, if any has been set.
func (r *Rule) MemoOutputHash() (Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputHash == nil {
		return Hash{}, false
	}
	return *r.outputHash, true
}

// SetOutputHash memoizes the output hash for this rule.
func (r *Rule) SetOutputHash(h Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputHash == nil {
		r.outputHash = &h
	}
}
