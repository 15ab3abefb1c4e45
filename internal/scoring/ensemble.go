package scoring

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/internal/features"
)

// feedbackBatchSize is how many verified cases accumulate before a weight
// update round.
const feedbackBatchSize = 100

// ruleGroup is a weighted set of predicates over the feature vector. The
// group contributes max(fired predicates) * weight.
type ruleGroup struct {
	name   string
	weight float64
	rules  []func(features.Map) float64
}

// GradientEnsemble is the fast scoring layer: five weighted rule groups
// whose normalized sum is the ML score. Deterministic and allocation-light
// so it can run on every case.
type GradientEnsemble struct {
	groups []ruleGroup

	mu     sync.Mutex
	buffer []VerifiedCase
}

// VerifiedCase is a human-verified outcome fed back for online learning.
type VerifiedCase struct {
	CaseID   string
	Decision string
	WasFraud bool
	Features features.Map
}

func NewGradientEnsemble() *GradientEnsemble {
	return &GradientEnsemble{groups: defaultRuleGroups()}
}

func defaultRuleGroups() []ruleGroup {
	return []ruleGroup{
		{
			name:   "amount_rules",
			weight: 0.25,
			rules: []func(features.Map) float64{
				func(f features.Map) float64 {
					if f["amount_income_ratio"] > 15 {
						return 0.9
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["amount_income_ratio"] > 10 {
						return 0.7
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["amount_income_ratio"] > 5 {
						return 0.5
					}
					return 0
				},
			},
		},
		{
			name:   "velocity_rules",
			weight: 0.20,
			rules: []func(features.Map) float64{
				func(f features.Map) float64 {
					if f["is_very_new"] == 1 && f["amount_raw"] > 5000 {
						return 0.95
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["is_new_account"] == 1 && f["amount_raw"] > 10000 {
						return 0.85
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["transactions_per_day"] > 10 {
						return 0.6
					}
					return 0
				},
			},
		},
		{
			name:   "network_rules",
			weight: 0.20,
			rules: []func(features.Map) float64{
				func(f features.Map) float64 {
					if f["network_risk_score"] > 0.7 {
						return 0.8
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["device_user_count"] > 5 {
						return 0.6
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["shared_device"] == 1 && f["shared_ip"] == 1 {
						return 0.5
					}
					return 0
				},
			},
		},
		{
			name:   "geo_rules",
			weight: 0.20,
			rules: []func(features.Map) float64{
				func(f features.Map) float64 {
					if f["ip_is_sanctioned"] == 1 {
						return 1.0
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["ip_is_high_risk"] == 1 && f["ip_is_tor"] == 1 {
						return 0.8
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["ip_anonymity_score"] > 0.5 {
						return 0.6
					}
					return 0
				},
			},
		},
		{
			name:   "identity_rules",
			weight: 0.15,
			rules: []func(features.Map) float64{
				func(f features.Map) float64 {
					if f["doc_risk"] > 0.6 {
						return 0.7
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["risk_level_high"] == 1 {
						return 0.5
					}
					return 0
				},
				func(f features.Map) float64 {
					if f["employment_risk"] > 0.5 {
						return 0.4
					}
					return 0
				},
			},
		},
	}
}

// Predict scores the feature vector. The score is the weighted mean of fired
// group maxima, normalized by the weights of the groups that fired, so a
// single saturated group can still push the score toward 1. A vector firing
// no rules scores 0.
func (e *GradientEnsemble) Predict(f features.Map) (float64, []string) {
	var weightedSum, firedWeight float64
	for _, g := range e.groups {
		best := 0.0
		for _, rule := range g.rules {
			if s := rule(f); s > best {
				best = s
			}
		}
		if best > 0 {
			weightedSum += best * g.weight
			firedWeight += g.weight
		}
	}

	score := 0.0
	if firedWeight > 0 {
		score = weightedSum / firedWeight
	}

	return score, topRiskFactors(f, score)
}

// topRiskFactors names the features that pushed a suspicious score. Empty
// for scores at or below 0.5.
func topRiskFactors(f features.Map, score float64) []string {
	if score <= 0.5 {
		return nil
	}

	var factors []string
	if f["amount_income_ratio"] > 5 {
		factors = append(factors, "high_income_ratio")
	}
	if f["ip_is_sanctioned"] == 1 {
		factors = append(factors, "sanctioned_country")
	}
	if f["ip_anonymity_score"] > 0.5 {
		factors = append(factors, "anonymous_connection")
	}
	if f["is_new_account"] == 1 {
		factors = append(factors, "new_account")
	}
	if f["network_risk_score"] > 0.6 {
		factors = append(factors, "shared_resources")
	}
	return factors
}

// GroupWeights snapshots the current rule-group weights for persistence.
func (e *GradientEnsemble) GroupWeights() map[string]float64 {
	weights := make(map[string]float64, len(e.groups))
	for _, g := range e.groups {
		weights[g.name] = g.weight
	}
	return weights
}

// RestoreWeights applies persisted group weights. Unknown names are ignored.
// Call before the pool starts; Predict reads weights without locking.
func (e *GradientEnsemble) RestoreWeights(weights map[string]float64) {
	for i := range e.groups {
		if w, ok := weights[e.groups[i].name]; ok && w > 0 {
			e.groups[i].weight = w
		}
	}
}

// LearnFromFeedback buffers a verified case; a full buffer triggers a weight
// update round and drains.
func (e *GradientEnsemble) LearnFromFeedback(c VerifiedCase) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, c)
	if len(e.buffer) < feedbackBatchSize {
		return
	}

	log.Info().Int("cases", len(e.buffer)).Msg("Updating ensemble weights from verified cases")
	// TODO: reweight groups by per-group precision over the drained batch
	e.buffer = e.buffer[:0]
}

// PendingFeedback reports buffered, not-yet-applied verified cases.
func (e *GradientEnsemble) PendingFeedback() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}
