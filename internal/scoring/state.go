package scoring

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// PerformanceStats is the processing-time summary persisted in snapshots
// and served by the ops endpoint.
type PerformanceStats struct {
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	P50ProcessingTimeMs float64 `json:"p50_processing_time_ms"`
	P95ProcessingTimeMs float64 `json:"p95_processing_time_ms"`
	P99ProcessingTimeMs float64 `json:"p99_processing_time_ms"`
	MaxProcessingTimeMs float64 `json:"max_processing_time_ms"`
	TotalCasesProcessed int     `json:"total_cases_processed"`
}

// State is the engine's learned state, snapshotted across restarts. All
// fields are always initialized, never nil.
type State struct {
	LearnedPatterns  []Pattern
	ModelWeights     map[string]float64
	PerformanceStats PerformanceStats
	LastUpdated      time.Time
}

// NewState returns an empty, fully-initialized state.
func NewState() State {
	return State{
		LearnedPatterns: []Pattern{},
		ModelWeights:    map[string]float64{},
	}
}

// SaveState writes the snapshot atomically (temp file + rename).
func SaveState(path string, s State) error {
	s.LastUpdated = time.Now().UTC()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}

	if err := gob.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	log.Info().Str("path", path).Int("patterns", len(s.LearnedPatterns)).Msg("Engine state saved")
	return nil
}

// LoadState reads a snapshot. A missing file is not an error: the engine
// starts cold with empty state.
func LoadState(path string) (State, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("No prior engine state, starting cold")
		return NewState(), nil
	}
	if err != nil {
		return NewState(), fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	var s State
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return NewState(), fmt.Errorf("failed to decode state: %w", err)
	}
	if s.LearnedPatterns == nil {
		s.LearnedPatterns = []Pattern{}
	}
	if s.ModelWeights == nil {
		s.ModelWeights = map[string]float64{}
	}

	log.Info().Str("path", path).Int("patterns", len(s.LearnedPatterns)).
		Time("lastUpdated", s.LastUpdated).Msg("Engine state restored")
	return s, nil
}
