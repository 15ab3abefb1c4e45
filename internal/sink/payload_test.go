package sink

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/models"
	"github.com/enterprise/fraud-investigator/internal/scoring"
)

func float64Ptr(v float64) *float64 { return &v }

func fastPathResult() *scoring.Result {
	return &scoring.Result{
		CaseID:         "case-1",
		Decision:       models.DecisionAutoApproved,
		Confidence:     0.03,
		Features:       features.Map{"amount_income_ratio": 0.01},
		FeatureCount:   67,
		MLScore:        0.03,
		SkippedLayers:  []string{"layer3", "layer4", "layer5"},
		ProcessingTime: 12 * time.Millisecond,
		Timestamp:      time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC),
	}
}

func deepPathResult() *scoring.Result {
	return &scoring.Result{
		CaseID:         "case-2",
		Decision:       models.DecisionHumanReview,
		Confidence:     0.5,
		Features:       features.Map{"amount_income_ratio": 8, "transactions_per_day": 12},
		FeatureCount:   67,
		MLScore:        0.55,
		TopRiskFactors: []string{"high_income_ratio", "anonymous_connection"},
		RingScore:      float64Ptr(0.7),
		ConnectedUsers: []string{"u2", "u3", "u4"},
		AnomalyScore:   float64Ptr(0.4),
		Anomalies:      []string{"rapid_escalation"},
		CombinedScore:  float64Ptr(0.55),
		LLMInvoked:     true,
		Reasoning:      "Borderline income mismatch",
		ProcessingTime: 80 * time.Millisecond,
		Timestamp:      time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildPayloadFastPathNullsDeepLayers(t *testing.T) {
	p := BuildPayload(fastPathResult(), &models.Transaction{})

	assert.Equal(t, models.StatusAutoApproved, p.Status)
	assert.Equal(t, "AI_INVESTIGATION", p.TriggeredBy)
	assert.Equal(t, []string{"rule_based", "ml_models"}, p.InvestigationLayers)
	assert.Nil(t, p.AISignals.GraphAnalysis)
	assert.Nil(t, p.AISignals.AnomalyDetection)
	assert.Nil(t, p.AISignals.LLMReasoning)
	assert.Nil(t, p.NetworkFlags.FraudRing)
	assert.Nil(t, p.FraudRingID)
	assert.Empty(t, p.RelatedAccounts)
	assert.Equal(t, "APPROVE: Clean transaction with no risk indicators.", p.AIRecommendations)

	// skipped layers must serialize as JSON null, not {}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	signals := decoded["aiSignals"].(map[string]interface{})
	assert.Nil(t, signals["graph_analysis"])
	assert.Nil(t, signals["llm_reasoning"])
}

func TestBuildPayloadDeepPath(t *testing.T) {
	p := BuildPayload(deepPathResult(), &models.Transaction{
		IPProfile: models.IPProfile{IsVPN: true, CountryCode: "NL"},
	})

	assert.Equal(t, models.StatusUnderInvestigation, p.Status)
	assert.Equal(t,
		[]string{"rule_based", "ml_models", "graph_analysis", "pattern_detection", "llm_reasoning"},
		p.InvestigationLayers)

	require.NotNil(t, p.AISignals.GraphAnalysis)
	assert.True(t, p.AISignals.GraphAnalysis.FraudRingDetected)
	assert.Equal(t, 3, p.AISignals.GraphAnalysis.ConnectedUsersCount)

	require.NotNil(t, p.AISignals.LLMReasoning)
	assert.Equal(t, "Borderline income mismatch", p.AISignals.LLMReasoning.Recommendation)

	require.NotNil(t, p.FraudRingID)
	assert.Equal(t, "RING-DETECTED-70", *p.FraudRingID)
	assert.Equal(t, []string{"u2", "u3", "u4"}, p.RelatedAccounts)

	assert.True(t, p.BehavioralFlags.Velocity.IsHighVelocity)
	assert.True(t, p.BehavioralFlags.Velocity.RapidEscalation)
	assert.True(t, p.BehavioralFlags.Amount.IsOverIncome)
	assert.True(t, p.NetworkFlags.Anonymization.IsVPN)
	assert.Equal(t, "NL", p.NetworkFlags.GeographicRisk.Country)
	assert.Equal(t, "UNKNOWN", p.NetworkFlags.GeographicRisk.CountryName)
}

func TestBuildPayloadReasoningJoinsParts(t *testing.T) {
	p := BuildPayload(deepPathResult(), &models.Transaction{})

	assert.Contains(t, p.AIReasoning, "Decision: human_review (Confidence: 50.0%)")
	assert.Contains(t, p.AIReasoning, "Key risk factors: high_income_ratio, anonymous_connection")
	assert.Contains(t, p.AIReasoning, "ML risk score: 55.0%")
	assert.Contains(t, p.AIReasoning, "Fraud ring analysis: 70.0% probability, 3 connected users")
	assert.Contains(t, p.AIReasoning, "Detected patterns: rapid_escalation")
	assert.Contains(t, p.AIReasoning, "Borderline income mismatch")
	assert.Len(t, strings.Split(p.AIReasoning, " | "), 6)
}

func TestBuildPayloadHumanReviewRecommendations(t *testing.T) {
	p := BuildPayload(deepPathResult(), &models.Transaction{})

	assert.Contains(t, p.AIRecommendations, "Requires human analyst review.")
	assert.Contains(t, p.AIRecommendations, "Investigate potential fraud ring connection.")
	assert.Contains(t, p.AIRecommendations, "Verify source of funds and income documentation.")
	assert.Contains(t, p.AIRecommendations, "Investigate use of VPN/TOR")
}

func TestBuildPayloadBlockRecommendationTiers(t *testing.T) {
	r := fastPathResult()
	r.Decision = models.DecisionAutoBlocked
	r.Confidence = 0.97
	p := BuildPayload(r, &models.Transaction{})
	assert.Contains(t, p.AIRecommendations, "IMMEDIATE_BLOCK")

	r.Confidence = 0.85
	p = BuildPayload(r, &models.Transaction{})
	assert.Contains(t, p.AIRecommendations, "BLOCK_WITH_REVIEW")
	assert.Equal(t, models.StatusAutoBlocked, p.Status)
}

func TestBuildPayloadRelatedAccountsCapped(t *testing.T) {
	r := deepPathResult()
	r.ConnectedUsers = nil
	for i := 0; i < 15; i++ {
		r.ConnectedUsers = append(r.ConnectedUsers, "u")
	}
	p := BuildPayload(r, &models.Transaction{})
	assert.Len(t, p.RelatedAccounts, 10)
}

func TestBuildPayloadDegradedAnnotation(t *testing.T) {
	r := fastPathResult()
	r.Decision = models.DecisionHumanReview
	r.Confidence = 0.5
	r.Annotations = []string{scoring.AnnotationDegradedInputs, scoring.AnnotationLayerUnavailable}

	p := BuildPayload(r, &models.Transaction{})
	assert.True(t, p.AISignals.LayerUnavailable)
	assert.Equal(t, models.StatusUnderInvestigation, p.Status)
	assert.Contains(t, p.DetectionSignals.Annotations, "degraded_inputs")
}
