package scoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/models"
)

const (
	caseHistorySize       = 10000
	minPatternOccurrences = 5
)

// CaseRecord is the slice of a finished case kept for pattern mining.
type CaseRecord struct {
	CaseID    string
	Decision  string
	Features  features.Map
	Timestamp time.Time
}

// Pattern is a discovered fraud signature.
type Pattern struct {
	ID               string            `json:"patternId"`
	Type             string            `json:"patternType"`
	FeatureSignature map[string]string `json:"featureSignature"`
	Occurrences      int               `json:"occurrences"`
	Precision        float64           `json:"precision"`
	Recall           float64           `json:"recall"`
	DiscoveredAt     time.Time         `json:"discoveredAt"`
	LastSeen         time.Time         `json:"lastSeen"`
}

// signaturePredicate partitions blocked cases for mining.
type signaturePredicate struct {
	patternType string
	signature   map[string]string
	match       func(features.Map) bool
}

var miningPredicates = []signaturePredicate{
	{
		patternType: "extreme_income_mismatch",
		signature:   map[string]string{"amount_income_ratio": "> 10"},
		match:       func(f features.Map) bool { return f["amount_income_ratio"] > 10 },
	},
	{
		patternType: "deposit_structuring",
		signature:   map[string]string{"is_structuring": "= 1"},
		match:       func(f features.Map) bool { return f["is_structuring"] == 1 },
	},
	{
		patternType: "anonymized_network_cluster",
		signature:   map[string]string{"ip_anonymity_score": "> 0.5"},
		match:       func(f features.Map) bool { return f["ip_anonymity_score"] > 0.5 },
	},
}

// PatternDiscovery mines the recent case history for recurring fraud
// signatures. Cases accumulate in a bounded ring; Mine clusters the blocked
// ones and emits a pattern per signature with enough support.
type PatternDiscovery struct {
	interval time.Duration

	mu         sync.Mutex
	cases      []CaseRecord
	next       int
	filled     bool
	discovered []Pattern
	lastMined  time.Time
}

func NewPatternDiscovery(interval time.Duration) *PatternDiscovery {
	return &PatternDiscovery{
		interval: interval,
		cases:    make([]CaseRecord, caseHistorySize),
	}
}

// Record appends a finished case to the ring, evicting the oldest when full.
func (p *PatternDiscovery) Record(c CaseRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cases[p.next] = c
	p.next++
	if p.next == len(p.cases) {
		p.next = 0
		p.filled = true
	}
}

// CaseCount reports how many cases are currently retained.
func (p *PatternDiscovery) CaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filled {
		return len(p.cases)
	}
	return p.next
}

// MaybeMine runs a mining round if the discovery interval has elapsed.
func (p *PatternDiscovery) MaybeMine(now time.Time) []Pattern {
	p.mu.Lock()
	due := now.Sub(p.lastMined) >= p.interval
	p.mu.Unlock()

	if !due {
		return nil
	}
	return p.Mine(now)
}

// Mine clusters blocked cases by signature predicate and emits new patterns
// for partitions with at least minPatternOccurrences cases. Already-known
// pattern types only refresh their LastSeen.
func (p *PatternDiscovery) Mine(now time.Time) []Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastMined = now

	var blocked []CaseRecord
	n := p.next
	if p.filled {
		n = len(p.cases)
	}
	for i := 0; i < n; i++ {
		if p.cases[i].Decision == models.DecisionAutoBlocked {
			blocked = append(blocked, p.cases[i])
		}
	}

	if len(blocked) < minPatternOccurrences {
		return nil
	}

	log.Info().Int("blocked", len(blocked)).Msg("Mining case history for fraud patterns")

	known := make(map[string]int, len(p.discovered))
	for i, d := range p.discovered {
		known[d.Type] = i
	}

	var fresh []Pattern
	for _, pred := range miningPredicates {
		count := 0
		for _, c := range blocked {
			if pred.match(c.Features) {
				count++
			}
		}
		if count < minPatternOccurrences {
			continue
		}

		if i, ok := known[pred.patternType]; ok {
			p.discovered[i].Occurrences = count
			p.discovered[i].LastSeen = now
			continue
		}

		pattern := Pattern{
			ID:               "PTN-" + uuid.NewString(),
			Type:             pred.patternType,
			FeatureSignature: pred.signature,
			Occurrences:      count,
			// provisional until enough verified outcomes accumulate
			Precision:    0.95,
			Recall:       0.85,
			DiscoveredAt: now,
			LastSeen:     now,
		}
		p.discovered = append(p.discovered, pattern)
		fresh = append(fresh, pattern)
		log.Info().Str("patternType", pattern.Type).Int("occurrences", count).
			Msg("New fraud pattern discovered")
	}

	return fresh
}

// Discovered returns a copy of all patterns found so far.
func (p *PatternDiscovery) Discovered() []Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pattern, len(p.discovered))
	copy(out, p.discovered)
	return out
}

// RestorePatterns seeds the discovered set from a state snapshot.
func (p *PatternDiscovery) RestorePatterns(patterns []Pattern) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discovered = append([]Pattern(nil), patterns...)
}
