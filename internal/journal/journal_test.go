package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/snowflake/internal/core"
)

func TestRecordThenReadAllRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := Open(path)
	require.NoError(t, err)

	r1 := BuildRecord{Name: "a", Outcome: Success, Start: time.Unix(100, 0), Duration: time.Second}
	r2 := BuildRecord{Name: "b", Outcome: Cached, Start: time.Unix(200, 0)}
	require.NoError(t, j.Record(r1))
	require.NoError(t, j.Record(r2))
	require.NoError(t, j.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Name)
	assert.Equal(t, Success, records[0].Outcome)
	assert.Equal(t, "b", records[1].Name)
	assert.Equal(t, Cached, records[1].Outcome)
}

func TestReadAllMissingFileIsEmptyNotError(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "cached", Cached.String())
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestSummaryDoesNotPanicForAnyOutcome(t *testing.T) {
	for _, o := range []Outcome{Cached, Success, Failed} {
		r := BuildRecord{Name: "x", BuildHash: core.Hash{1}, OutputHash: core.Hash{2}, Outcome: o, Start: time.Unix(0, 0)}
		assert.NotEmpty(t, r.Summary())
	}
}
