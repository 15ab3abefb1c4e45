package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/fraud-investigator/internal/features"
)

func cleanVector() features.Map {
	// small amount, healthy income, old account, clean IP, good document
	return features.Map{
		"amount_raw":          50,
		"amount_income_ratio": 0.01,
		"doc_risk":            0.05,
		"employment_risk":     0.1,
	}
}

func hostileVector() features.Map {
	// huge amount vs income, sanctioned Tor exit, brand-new account
	return features.Map{
		"amount_raw":          200000,
		"amount_income_ratio": 200,
		"is_very_new":         1,
		"is_new_account":      1,
		"ip_is_sanctioned":    1,
		"ip_is_tor":           1,
		"ip_is_high_risk":     1,
		"ip_anonymity_score":  0.5,
		"doc_risk":            0.5,
	}
}

func TestEnsembleCleanTransactionScoresLow(t *testing.T) {
	e := NewGradientEnsemble()
	score, factors := e.Predict(cleanVector())
	assert.Less(t, score, 0.20)
	assert.Zero(t, score)
	assert.Empty(t, factors)
}

func TestEnsembleHostileTransactionScoresHigh(t *testing.T) {
	e := NewGradientEnsemble()
	score, factors := e.Predict(hostileVector())
	assert.Greater(t, score, 0.80)
	assert.LessOrEqual(t, score, 1.0)
	assert.Contains(t, factors, "high_income_ratio")
	assert.Contains(t, factors, "sanctioned_country")
	assert.Contains(t, factors, "new_account")
}

func TestEnsembleSingleGroupNormalization(t *testing.T) {
	// only the geo group fires, at its maximum: normalization by fired
	// weight must let it dominate instead of drowning in silent groups
	e := NewGradientEnsemble()
	score, _ := e.Predict(features.Map{"ip_is_sanctioned": 1})
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestEnsembleGroupTakesMaxPredicate(t *testing.T) {
	// ratio 20 fires all three amount predicates; only the strongest counts
	e := NewGradientEnsemble()
	score, _ := e.Predict(features.Map{"amount_income_ratio": 20})
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestEnsembleWeightedMeanAcrossGroups(t *testing.T) {
	e := NewGradientEnsemble()
	// amount group 0.5 (w .25), identity group 0.7 (w .15)
	score, _ := e.Predict(features.Map{
		"amount_income_ratio": 6,
		"doc_risk":            0.7,
	})
	want := (0.5*0.25 + 0.7*0.15) / (0.25 + 0.15)
	assert.InDelta(t, want, score, 1e-9)
}

func TestEnsembleVelocityRulePaths(t *testing.T) {
	e := NewGradientEnsemble()

	score, _ := e.Predict(features.Map{"is_very_new": 1, "amount_raw": 6000})
	assert.InDelta(t, 0.95, score, 1e-9)

	score, _ = e.Predict(features.Map{"transactions_per_day": 11})
	assert.InDelta(t, 0.6, score, 1e-9)
}

func TestEnsembleRiskFactorsOnlyAboveHalf(t *testing.T) {
	e := NewGradientEnsemble()
	// sanctioned alone scores 1.0; shared resources also listed when high
	_, factors := e.Predict(features.Map{
		"ip_is_sanctioned":   1,
		"network_risk_score": 0.7,
	})
	assert.Contains(t, factors, "sanctioned_country")
	assert.Contains(t, factors, "shared_resources")

	// low-score prediction carries no factors even with flagged features
	score, factors := e.Predict(features.Map{"employment_risk": 0.6, "is_new_account": 1})
	assert.LessOrEqual(t, score, 0.5)
	assert.Empty(t, factors)
}

func TestEnsembleFeedbackBufferDrainsAtBatchSize(t *testing.T) {
	e := NewGradientEnsemble()
	for i := 0; i < feedbackBatchSize-1; i++ {
		e.LearnFromFeedback(VerifiedCase{CaseID: "c", WasFraud: true})
	}
	assert.Equal(t, feedbackBatchSize-1, e.PendingFeedback())

	e.LearnFromFeedback(VerifiedCase{CaseID: "c", WasFraud: true})
	assert.Zero(t, e.PendingFeedback())
}
