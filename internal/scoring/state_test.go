package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")

	s := NewState()
	s.LearnedPatterns = []Pattern{{
		ID:           "PTN-1",
		Type:         "extreme_income_mismatch",
		Occurrences:  7,
		Precision:    0.95,
		Recall:       0.85,
		DiscoveredAt: time.Now().UTC().Truncate(time.Second),
	}}
	s.ModelWeights = map[string]float64{"amount_rules": 0.25}
	s.PerformanceStats = PerformanceStats{TotalCasesProcessed: 42, P95ProcessingTimeMs: 80}

	require.NoError(t, SaveState(path, s))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, s.LearnedPatterns, loaded.LearnedPatterns)
	assert.Equal(t, s.ModelWeights, loaded.ModelWeights)
	assert.Equal(t, s.PerformanceStats, loaded.PerformanceStats)
	assert.False(t, loaded.LastUpdated.IsZero())
}

func TestLoadStateMissingFileStartsCold(t *testing.T) {
	loaded, err := LoadState(filepath.Join(t.TempDir(), "absent.bin"))
	require.NoError(t, err)
	assert.NotNil(t, loaded.LearnedPatterns)
	assert.NotNil(t, loaded.ModelWeights)
	assert.Empty(t, loaded.LearnedPatterns)
}

func TestLoadStateCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("not gob"), 0o644))

	_, err := LoadState(path)
	assert.Error(t, err)
}
