// Package evaluator implements the recursive, memoized rule-evaluation
// algorithm: the dependency-ordered walk that composes a sources hash and
// dependency output hashes into a build hash, consults the cache, and on
// miss drives the scratch manager, runner and stash to produce and persist
// an artifact. Its control flow is adapted from please's
// src/build/build_step.go buildTarget, and its memoized hash fields
// generalize src/build/incrementality.go's single RuleHash field to the
// three hashes (sources, build, output) a rule carries here.
package evaluator

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/cache"
	"github.com/thought-machine/snowflake/internal/core"
	"github.com/thought-machine/snowflake/internal/hash"
	"github.com/thought-machine/snowflake/internal/journal"
	"github.com/thought-machine/snowflake/internal/runner"
	"github.com/thought-machine/snowflake/internal/scratch"
	"github.com/thought-machine/snowflake/internal/stash"
)

var log = logging.MustGetLogger("evaluator")

// MetricsRecorder is the narrow interface the evaluator needs from
// internal/metrics; left as an interface so tests can evaluate without
// pulling in Prometheus.
type MetricsRecorder interface {
	ObserveBuild(outcome string, d time.Duration)
}

// ScriptRunner is the narrow interface the evaluator needs from
// internal/runner, kept as an interface so tests can wrap *runner.Runner
// to count invocations (e.g. to prove a shared dependency is only ever
// built once per process, however many rules depend on it).
type ScriptRunner interface {
	Run(scratchDir string, depPaths []string) (runner.Result, error)
}

// An Evaluator ties together every other component to implement
// Evaluate(rule) -> output hash. One Evaluator should be shared by every
// rule in a single evaluation run, since the at-most-one-build-per-
// build-hash guarantee is scoped to it.
type Evaluator struct {
	Hasher  *hash.Hasher
	Cache   *cache.Cache
	Scratch *scratch.Manager
	Runner  ScriptRunner
	Stash   *stash.Stash
	Journal *journal.Journal // nil disables journaling
	Metrics MetricsRecorder  // nil disables metrics

	mu       sync.Mutex
	inFlight map[core.Hash]*buildOnce
}

// buildOnce guarantees a single build-hash is ever actually built within
// this Evaluator's lifetime, even if reached via two distinct *core.Rule
// objects that happen to compute the same build hash (the common case -
// a shared dependency pointer reused across the DAG - is already covered
// by Rule's own memoization; this is the belt-and-suspenders case).
type buildOnce struct {
	once sync.Once
	hash core.Hash
	err  error
}

// New constructs an Evaluator from its component parts. Any of Journal or
// Metrics may be nil.
func New(h *hash.Hasher, c *cache.Cache, s *scratch.Manager, r ScriptRunner, st *stash.Stash, j *journal.Journal, m MetricsRecorder) *Evaluator {
	return &Evaluator{
		Hasher:   h,
		Cache:    c,
		Scratch:  s,
		Runner:   r,
		Stash:    st,
		Journal:  j,
		Metrics:  m,
		inFlight: make(map[core.Hash]*buildOnce),
	}
}

// Evaluate returns rule's output hash, building it if necessary. Recursion
// on rule.Deps happens before this rule's own build hash can be computed,
// which is what forces dependency-first ordering without any separate
// scheduler.
func (e *Evaluator) Evaluate(rule *core.Rule) (core.Hash, error) {
	if h, ok := rule.MemoOutputHash(); ok {
		return h, nil
	}

	sourcesHash, ok := rule.MemoSourcesHash()
	if !ok {
		h, err := e.Hasher.SourcesHash(rule.Sources)
		if err != nil {
			return core.Hash{}, &SourceUnreadableError{Rule: rule.Name, Err: err}
		}
		rule.SetSourcesHash(h)
		sourcesHash = h
	}

	depOutputHashes := make([]core.Hash, len(rule.Deps))
	for i, dep := range rule.Deps {
		h, err := e.Evaluate(dep)
		if err != nil {
			return core.Hash{}, err
		}
		depOutputHashes[i] = h
	}

	buildHash, ok := rule.MemoBuildHash()
	if !ok {
		buildHash = e.Hasher.BuildHash(sourcesHash, depOutputHashes)
		rule.SetBuildHash(buildHash)
	}

	entry := e.claim(buildHash)
	entry.once.Do(func() {
		entry.hash, entry.err = e.build(rule, buildHash, depOutputHashes)
	})
	if entry.err != nil {
		return core.Hash{}, entry.err
	}
	rule.SetOutputHash(entry.hash)
	return entry.hash, nil
}

// claim returns the single buildOnce tracking buildHash, creating it if
// this is the first rule to reach that hash.
func (e *Evaluator) claim(buildHash core.Hash) *buildOnce {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.inFlight[buildHash]
	if !ok {
		entry = &buildOnce{}
		e.inFlight[buildHash] = entry
	}
	return entry
}

// build consults the cache for a single build hash and, on a miss, prepares
// a scratch directory, invokes the runner, hashes and stashes the result,
// and persists the build-hash to output-hash mapping.
// depOutputHashes is used only to construct dependency paths; the
// dependencies themselves are already fully built by the time this runs.
func (e *Evaluator) build(rule *core.Rule, buildHash core.Hash, depOutputHashes []core.Hash) (core.Hash, error) {
	start := time.Now()

	if outputHash, ok, err := e.Cache.Get(buildHash); err != nil {
		return core.Hash{}, &CacheIOError{Rule: rule.Name, Err: err}
	} else if ok {
		e.recordOutcome(journal.BuildRecord{
			Name: rule.Name, BuildHash: buildHash, OutputHash: outputHash,
			Start: start, Outcome: journal.Cached,
		})
		return outputHash, nil
	}

	depPaths := make([]string, len(depOutputHashes))
	for i, depHash := range depOutputHashes {
		a, b := depHash.Fanout()
		depPaths[i] = filepath.Join("..", "..", "..", "stash", a, b)
	}

	scratchDir, err := e.Scratch.Prepare(buildHash, rule.Sources)
	if err != nil {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &ScratchSetupFailedError{Rule: rule.Name, Err: err})
	}

	result, err := e.Runner.Run(scratchDir, depPaths)
	if err != nil {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &RunnerError{Rule: rule.Name, Err: err})
	}

	if result.ExitCode != 0 {
		logTail, _ := runner.ReadLog(result.LogPath)
		for _, line := range logTail {
			log.Error("%s: %s", rule.Name, line)
		}
		buildErr := &BuildScriptFailedError{Rule: rule.Name, ExitCode: result.ExitCode, LogTail: logTail}
		return core.Hash{}, e.journalFailure(rule, buildHash, start, buildErr)
	}

	if result.OutputPath == "" {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &OutputMissingError{Rule: rule.Name})
	}

	outputHash, err := e.Hasher.OutputHash(result.OutputPath)
	if err != nil {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &SourceUnreadableError{Rule: rule.Name, Err: err})
	}

	if err := e.Stash.Promote(result.OutputPath, outputHash); err != nil {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &PromotionFailedError{Rule: rule.Name, Err: err})
	}

	if err := e.Cache.Set(buildHash, outputHash); err != nil {
		return core.Hash{}, e.journalFailure(rule, buildHash, start, &CacheIOError{Rule: rule.Name, Err: err})
	}

	e.recordOutcome(journal.BuildRecord{
		Name: rule.Name, BuildHash: buildHash, OutputHash: outputHash,
		Start: start, Duration: time.Since(start), Outcome: journal.Success,
	})
	return outputHash, nil
}

// journalFailure records a failed outcome and returns an error describing
// the failure: just buildErr normally, or buildErr combined with the
// journal-write error via multierror when the journal itself also failed,
// the same pattern build_step.go uses to combine a build error with a
// failed cleanup (src/build/build_step.go:758).
func (e *Evaluator) journalFailure(rule *core.Rule, buildHash core.Hash, start time.Time, buildErr error) error {
	if err := e.recordOutcome(journal.BuildRecord{
		Name: rule.Name, BuildHash: buildHash,
		Start: start, Duration: time.Since(start), Outcome: journal.Failed,
	}); err != nil {
		return multierror.Append(buildErr, err)
	}
	return buildErr
}

func (e *Evaluator) recordOutcome(r journal.BuildRecord) error {
	if e.Metrics != nil {
		e.Metrics.ObserveBuild(r.Outcome.String(), r.Duration)
	}
	if e.Journal == nil {
		return nil
	}
	return e.Journal.Record(r)
}
