package evaluator

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/snowflake/internal/cache"
	"github.com/thought-machine/snowflake/internal/core"
	"github.com/thought-machine/snowflake/internal/hash"
	"github.com/thought-machine/snowflake/internal/journal"
	"github.com/thought-machine/snowflake/internal/runner"
	"github.com/thought-machine/snowflake/internal/scratch"
	"github.com/thought-machine/snowflake/internal/stash"
)

// countingRunner wraps a real Runner and counts invocations, for proving
// a shared dependency is only ever built once per process.
type countingRunner struct {
	*runner.Runner
	invocations int64
}

func (r *countingRunner) Run(scratchDir string, depPaths []string) (runner.Result, error) {
	atomic.AddInt64(&r.invocations, 1)
	return r.Runner.Run(scratchDir, depPaths)
}

type harness struct {
	eval   *Evaluator
	runner *countingRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := hash.New(hash.NewSHA256, root, false)
	c, err := cache.New(filepath.Join(root, "cache"))
	require.NoError(t, err)
	s, err := scratch.New(filepath.Join(root, "scratch"), "cp")
	require.NoError(t, err)
	st, err := stash.New(filepath.Join(root, "stash"))
	require.NoError(t, err)
	realRunner, err := runner.New("sh")
	require.NoError(t, err)
	cr := &countingRunner{Runner: realRunner}
	j, err := journal.Open(filepath.Join(root, "journal"))
	require.NoError(t, err)

	return &harness{
		eval: &Evaluator{
			Hasher:   h,
			Cache:    c,
			Scratch:  s,
			Runner:   cr,
			Stash:    st,
			Journal:  j,
			inFlight: make(map[core.Hash]*buildOnce),
		},
		runner: cr,
	}
}

func echoRule(name, content string) *core.Rule {
	return core.NewRule(name, nil, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\necho " + content + " > " + core.OutputName + "\n")),
	})
}

func TestInlineEchoScenario(t *testing.T) {
	h := newHarness(t)
	rule := echoRule("echo-hello", "hello")

	outputHash, err := h.eval.Evaluate(rule)
	require.NoError(t, err)

	b, err := os.ReadFile(h.eval.Stash.OutputPath(outputHash))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestSecondEvaluationIsCached(t *testing.T) {
	h := newHarness(t)
	rule := echoRule("echo-hello", "hello")

	first, err := h.eval.Evaluate(rule)
	require.NoError(t, err)

	equalRule := echoRule("echo-hello", "hello")
	second, err := h.eval.Evaluate(equalRule)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDependencyThreading(t *testing.T) {
	h := newHarness(t)
	dep := core.NewRule("dep", nil, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\necho -n 1 > " + core.OutputName + "\n")),
	})
	parent := core.NewRule("parent", []*core.Rule{dep}, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\ncat \"$1\" > " + core.OutputName + "\n")),
	})

	outputHash, err := h.eval.Evaluate(parent)
	require.NoError(t, err)

	inline := core.NewRule("inline-one", nil, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\necho -n 1 > " + core.OutputName + "\n")),
	})
	inlineHash, err := h.eval.Evaluate(inline)
	require.NoError(t, err)

	assert.Equal(t, inlineHash, outputHash)
}

func TestDependencyOrderChangesBuildHashButNotNecessarilyOutputHash(t *testing.T) {
	h := newHarness(t)
	a := echoRule("a", "x")
	b := echoRule("b", "y")

	sourcesHash, err := h.eval.Hasher.SourcesHash(map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\ntrue\n")),
	})
	require.NoError(t, err)

	outA, err := h.eval.Evaluate(a)
	require.NoError(t, err)
	outB, err := h.eval.Evaluate(b)
	require.NoError(t, err)

	buildHash1 := h.eval.Hasher.BuildHash(sourcesHash, []core.Hash{outA, outB})
	buildHash2 := h.eval.Hasher.BuildHash(sourcesHash, []core.Hash{outB, outA})
	assert.NotEqual(t, buildHash1, buildHash2)
}

func TestFailureSurfacesLogsAndFailsRule(t *testing.T) {
	h := newHarness(t)
	rule := core.NewRule("boom", nil, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\necho boom >&2\nexit 1\n")),
	})

	_, err := h.eval.Evaluate(rule)
	require.Error(t, err)
	var scriptErr *BuildScriptFailedError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, 1, scriptErr.ExitCode)
	assert.Contains(t, scriptErr.LogTail, "boom")
}

func TestDiamondDependencyBuildsSharedRuleOnce(t *testing.T) {
	root := t.TempDir()
	hasher := hash.New(hash.NewSHA256, root, false)
	c, err := cache.New(filepath.Join(root, "cache"))
	require.NoError(t, err)
	sc, err := scratch.New(filepath.Join(root, "scratch"), "cp")
	require.NoError(t, err)
	st, err := stash.New(filepath.Join(root, "stash"))
	require.NoError(t, err)
	realRunner, err := runner.New("sh")
	require.NoError(t, err)
	cr := &countingRunner{Runner: realRunner}

	eval := &Evaluator{
		Hasher:   hasher,
		Cache:    c,
		Scratch:  sc,
		Runner:   cr,
		Stash:    st,
		inFlight: make(map[core.Hash]*buildOnce),
	}

	d := echoRule("d", "expensive")
	b := core.NewRule("b", []*core.Rule{d}, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\ncat \"$1\" > " + core.OutputName + "\n")),
	})
	cRule := core.NewRule("c", []*core.Rule{d}, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\ncp \"$1\" " + core.OutputName + "\n")),
	})
	a := core.NewRule("a", []*core.Rule{b, cRule}, map[string]core.Source{
		core.BuildScriptName: core.NewInlineSource([]byte("#!/bin/sh\ncat \"$1\" \"$2\" > " + core.OutputName + "\n")),
	})

	_, err = eval.Evaluate(a)
	require.NoError(t, err)
	assert.EqualValues(t, 4, atomic.LoadInt64(&cr.invocations), "diamond DAG A<-{B,C}, B<-D, C<-D must invoke the runner exactly 4 times, not 5")
}

func TestLinkSourceHashesSameAsCopySource(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("content"), 0644))

	copyHash, err := h.eval.Hasher.SourcesHash(map[string]core.Source{
		"x": core.NewOnDiskCopySource(filepath.Join(dir, "x")),
	})
	require.NoError(t, err)
	linkHash, err := h.eval.Hasher.SourcesHash(map[string]core.Source{
		"x": core.NewOnDiskLinkSource(filepath.Join(dir, "x")),
	})
	require.NoError(t, err)
	assert.Equal(t, copyHash, linkHash)
}
