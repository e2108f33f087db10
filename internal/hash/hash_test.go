package hash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/snowflake/internal/core"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	return New(NewSHA256, t.TempDir(), false)
}

func TestSourcesHashInlineDeterministic(t *testing.T) {
	h := newTestHasher(t)
	sources := map[string]core.Source{
		"a.txt": core.NewInlineSource([]byte("hello")),
		"b.txt": core.NewInlineSource([]byte("world")),
	}
	h1, err := h.SourcesHash(sources)
	require.NoError(t, err)
	h2, err := h.SourcesHash(sources)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestSourcesHashOrderIndependentOfMapIteration(t *testing.T) {
	h := newTestHasher(t)
	a := map[string]core.Source{
		"a.txt": core.NewInlineSource([]byte("1")),
		"b.txt": core.NewInlineSource([]byte("2")),
	}
	b := map[string]core.Source{
		"b.txt": core.NewInlineSource([]byte("2")),
		"a.txt": core.NewInlineSource([]byte("1")),
	}
	ha, err := h.SourcesHash(a)
	require.NoError(t, err)
	hb, err := h.SourcesHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "sources hash must not depend on map iteration order")
}

func TestSourcesHashDiffersOnContent(t *testing.T) {
	h := newTestHasher(t)
	a := map[string]core.Source{"a.txt": core.NewInlineSource([]byte("1"))}
	b := map[string]core.Source{"a.txt": core.NewInlineSource([]byte("2"))}
	ha, err := h.SourcesHash(a)
	require.NoError(t, err)
	hb, err := h.SourcesHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestSourcesHashCopyEqualsLink(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(p, []byte("same content"), 0644))

	h := newTestHasher(t)
	copySources := map[string]core.Source{"f": core.NewOnDiskCopySource(p)}
	linkSources := map[string]core.Source{"f": core.NewOnDiskLinkSource(p)}

	hc, err := h.SourcesHash(copySources)
	require.NoError(t, err)
	hl, err := h.SourcesHash(linkSources)
	require.NoError(t, err)
	assert.Equal(t, hc, hl, "OnDiskCopy and OnDiskLink of the same content must hash equally")
}

func TestSourcesHashInlineEqualsOnDiskWithSameBytes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(p, []byte("identical"), 0644))

	h := newTestHasher(t)
	inline := map[string]core.Source{"f": core.NewInlineSource([]byte("identical"))}
	onDisk := map[string]core.Source{"f": core.NewOnDiskCopySource(p)}

	hi, err := h.SourcesHash(inline)
	require.NoError(t, err)
	hd, err := h.SourcesHash(onDisk)
	require.NoError(t, err)
	assert.Equal(t, hi, hd)
}

func TestBuildHashSensitiveToDependencyOrder(t *testing.T) {
	h := newTestHasher(t)
	sourcesHash, err := h.SourcesHash(map[string]core.Source{"x": core.NewInlineSource([]byte("x"))})
	require.NoError(t, err)

	var depA, depB core.Hash
	depA[0] = 1
	depB[0] = 2

	ab := h.BuildHash(sourcesHash, []core.Hash{depA, depB})
	ba := h.BuildHash(sourcesHash, []core.Hash{depB, depA})
	assert.NotEqual(t, ab, ba)
}

func TestOutputHashFileContentIdentity(t *testing.T) {
	h := newTestHasher(t)
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one")
	p2 := filepath.Join(dir, "two")
	require.NoError(t, os.WriteFile(p1, []byte("payload"), 0644))
	require.NoError(t, os.WriteFile(p2, []byte("payload"), 0644))

	h1, err := h.OutputHash(p1)
	require.NoError(t, err)
	h2, err := h.OutputHash(p2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestOutputHashDirectoryStructure(t *testing.T) {
	h := newTestHasher(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	for _, dir := range []string{dirA, dirB} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644))
	}

	ha, err := h.OutputHash(dirA)
	require.NoError(t, err)
	hb, err := h.OutputHash(dirB)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestOutputHashPreservesExecutableBit(t *testing.T) {
	h := newTestHasher(t)
	dir := t.TempDir()
	executable := filepath.Join(dir, "bin")
	plain := filepath.Join(dir, "bin2")
	require.NoError(t, os.WriteFile(executable, []byte("same"), 0755))
	require.NoError(t, os.WriteFile(plain, []byte("same"), 0644))

	he, err := h.OutputHash(executable)
	require.NoError(t, err)
	hp, err := h.OutputHash(plain)
	require.NoError(t, err)
	assert.NotEqual(t, he, hp, "executable bit must affect the output hash")
}

func TestOutputHashIgnoresModTime(t *testing.T) {
	h := newTestHasher(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("content"), 0644))
	h1, err := h.OutputHash(p)
	require.NoError(t, err)

	future := time.Now().Add(48 * time.Hour)
	require.NoError(t, os.Chtimes(p, future, future))
	h2, err := h.OutputHash(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
