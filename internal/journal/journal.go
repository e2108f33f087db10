// Package journal records an append-only history of build outcomes. It is
// write-mostly and diagnostic only: the engine itself never reads its own
// journal back. The record shape is adapted from please's src/core/state.go
// build-result bookkeeping; the on-disk encoding follows
// src/build/incrementality.go's use of encoding/gob for simple,
// versioned-by-struct persisted state.
package journal

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/core"
)

var log = logging.MustGetLogger("journal")

// Outcome classifies how a rule evaluation concluded.
type Outcome int

const (
	// Cached means the build hash already had a cache entry.
	Cached Outcome = iota
	// Success means the runner was invoked and produced an artifact.
	Success
	// Failed means the cache missed and the rule could not be built.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Cached:
		return "cached"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// A BuildRecord is one row of the journal, describing how a single rule
// evaluation concluded.
type BuildRecord struct {
	Name       string
	BuildHash  core.Hash
	OutputHash core.Hash // zero value if Outcome == Failed
	Start      time.Time
	Duration   time.Duration // zero if Outcome == Cached
	Outcome    Outcome
}

// Summary renders a one-line human-readable description of the record,
// using go-humanize for durations and times, mirroring the kind of
// summary please's dir_cache.go logs after a cache write.
func (r BuildRecord) Summary() string {
	switch r.Outcome {
	case Cached:
		return fmt.Sprintf("%s: cached (build %s)", r.Name, r.BuildHash.String()[:12])
	case Success:
		return fmt.Sprintf("%s: built in %s, output %s", r.Name,
			humanize.RelTime(r.Start, r.Start.Add(r.Duration), "", ""), r.OutputHash.String()[:12])
	default:
		return fmt.Sprintf("%s: failed after %s", r.Name, humanize.RelTime(r.Start, r.Start.Add(r.Duration), "", ""))
	}
}

// A Journal appends BuildRecords to a single file, gob-encoded back to
// back. It is safe for concurrent use by a single process.
type Journal struct {
	mu  sync.Mutex
	f   *os.File
	enc *gob.Encoder
}

// Open opens (creating if necessary) the journal file at path for
// appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	return &Journal{f: f, enc: gob.NewEncoder(f)}, nil
}

// Record appends a BuildRecord. Failures here are diagnostic-layer only:
// the evaluator ignores a returned error on the cached and success paths,
// and on the failure path attaches it to the build error it returns.
func (j *Journal) Record(r BuildRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(&r); err != nil {
		return fmt.Errorf("journal: appending record for %s: %w", r.Name, err)
	}
	return nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.f.Close()
}

// ReadAll reads every record from the journal file at path, in append
// order. It is for diagnostics only; the evaluator never reads the journal
// back.
func ReadAll(path string) ([]BuildRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var records []BuildRecord
	for {
		var r BuildRecord
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("journal: decoding %s: %w", path, err)
		}
		records = append(records, r)
	}
	return records, nil
}
