package sink

import (
	"fmt"
	"strings"
	"time"

	"github.com/enterprise/fraud-investigator/internal/models"
	"github.com/enterprise/fraud-investigator/internal/scoring"
)

const (
	triggeredBy  = "AI_INVESTIGATION"
	modelVersion = "production-v1-2026"
)

// Payload is the verdict document POSTed to the case-management sink. Nil
// sub-objects under aiSignals and networkFlags encode skipped layers.
type Payload struct {
	CaseID              string           `json:"caseId"`
	Status              string           `json:"status"`
	ConfidenceScore     float64          `json:"confidenceScore"`
	FraudProbability    float64          `json:"fraudProbability"`
	TriggeredBy         string           `json:"triggeredBy"`
	DetectionSignals    DetectionSignals `json:"detectionSignals"`
	AISignals           AISignals        `json:"aiSignals"`
	IdentityFlags       IdentityFlags    `json:"identityFlags"`
	BehavioralFlags     BehavioralFlags  `json:"behavioralFlags"`
	NetworkFlags        NetworkFlags     `json:"networkFlags"`
	AIReasoning         string           `json:"aiReasoning"`
	AIRecommendations   string           `json:"aiRecommendations"`
	InvestigationLayers []string         `json:"investigationLayers"`
	ProcessingTimeMs    int              `json:"processingTimeMs"`
	FraudRingID         *string          `json:"fraudRingId,omitempty"`
	RelatedAccounts     []string         `json:"relatedAccounts,omitempty"`
}

type DetectionSignals struct {
	Layer1FeatureCount int      `json:"layer1_feature_count"`
	Layer2MLScore      float64  `json:"layer2_ml_score"`
	Layer3RingScore    float64  `json:"layer3_ring_score"`
	Layer4AnomalyScore float64  `json:"layer4_anomaly_score"`
	CombinedScore      float64  `json:"combined_score"`
	FinalScore         float64  `json:"final_score"`
	TopRiskFactors     []string `json:"top_risk_factors"`
	DetectedAnomalies  []string `json:"detected_anomalies"`
	ProcessingTimeMs   int      `json:"processing_time_ms"`
	LayersExecuted     []string `json:"layers_executed"`
	SkippedLayers      []string `json:"skipped_layers"`
	Layer5Invoked      bool     `json:"layer5_invoked"`
	Annotations        []string `json:"annotations,omitempty"`
	ModelVersion       string   `json:"model_version"`
	Timestamp          string   `json:"timestamp"`
}

type AISignals struct {
	FeatureExtraction FeatureExtractionSignal `json:"feature_extraction"`
	MLAnalysis        MLAnalysisSignal        `json:"ml_analysis"`
	GraphAnalysis     *GraphAnalysisSignal    `json:"graph_analysis"`
	AnomalyDetection  *AnomalySignal          `json:"anomaly_detection"`
	LLMReasoning      *LLMSignal              `json:"llm_reasoning"`
	LayerUnavailable  bool                    `json:"layer_unavailable"`
}

type FeatureExtractionSignal struct {
	TotalFeatures int                `json:"total_features"`
	KeyFeatures   map[string]float64 `json:"key_features"`
}

type MLAnalysisSignal struct {
	Score             float64  `json:"score"`
	Decision          string   `json:"decision"`
	FeatureImportance []string `json:"feature_importance"`
}

type GraphAnalysisSignal struct {
	Executed            bool    `json:"executed"`
	RingProbability     float64 `json:"ring_probability"`
	ConnectedUsersCount int     `json:"connected_users_count"`
	FraudRingDetected   bool    `json:"fraud_ring_detected"`
}

type AnomalySignal struct {
	Executed          bool     `json:"executed"`
	AnomalyScore      float64  `json:"anomaly_score"`
	DetectedPatterns  []string `json:"detected_patterns"`
	BehaviorDeviation bool     `json:"behavior_deviation"`
}

type LLMSignal struct {
	Executed       bool    `json:"executed"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

type IdentityFlags struct {
	RiskLevel           string  `json:"risk_level"`
	KYCStatus           string  `json:"kyc_status"`
	KYCVerified         bool    `json:"kyc_verified"`
	DocumentVerified    bool    `json:"document_verified"`
	DocumentConfidence  float64 `json:"document_confidence"`
	DocumentForged      bool    `json:"document_forged"`
	DocumentAIGenerated bool    `json:"document_ai_generated"`
	EmploymentStatus    string  `json:"employment_status"`
	SourceOfFunds       string  `json:"source_of_funds"`
	AccountAgeDays      float64 `json:"account_age_days"`
	IsNewAccount        bool    `json:"is_new_account"`
}

type BehavioralFlags struct {
	Velocity         VelocityFlags `json:"velocity_indicators"`
	Temporal         TemporalFlags `json:"temporal_patterns"`
	Amount           AmountFlags   `json:"amount_patterns"`
	DetectedPatterns []string      `json:"detected_patterns"`
}

type VelocityFlags struct {
	TransactionsPerDay     float64 `json:"transactions_per_day"`
	IsHighVelocity         bool    `json:"is_high_velocity"`
	DepositWithdrawalRatio float64 `json:"deposit_withdrawal_ratio"`
	RapidEscalation        bool    `json:"rapid_escalation"`
}

type TemporalFlags struct {
	IsNightTransaction bool    `json:"is_night_transaction"`
	IsWeekend          bool    `json:"is_weekend"`
	IsBusinessHours    bool    `json:"is_business_hours"`
	TransactionHour    float64 `json:"transaction_hour"`
}

type AmountFlags struct {
	AmountIncomeRatio   float64 `json:"amount_income_ratio"`
	IsOverIncome        bool    `json:"is_over_income"`
	IsExtremeOverIncome bool    `json:"is_extreme_over_income"`
	AmountZScore        float64 `json:"amount_zscore"`
	IsAnomalousAmount   bool    `json:"is_anomalous_amount"`
}

type NetworkFlags struct {
	DeviceSharing  DeviceSharingFlags  `json:"device_sharing"`
	IPSharing      IPSharingFlags      `json:"ip_sharing"`
	Anonymization  AnonymizationFlags  `json:"anonymization"`
	GeographicRisk GeographicRiskFlags `json:"geographic_risk"`
	FraudRing      *FraudRingFlags     `json:"fraud_ring"`
}

type DeviceSharingFlags struct {
	DeviceUserCount float64 `json:"device_user_count"`
	IsSharedDevice  bool    `json:"is_shared_device"`
	DeviceRiskRatio float64 `json:"device_risk_ratio"`
	IsEmulator      bool    `json:"is_emulator"`
}

type IPSharingFlags struct {
	IPUserCount float64 `json:"ip_user_count"`
	IsSharedIP  bool    `json:"is_shared_ip"`
	IPRiskScore float64 `json:"ip_risk_score"`
}

type AnonymizationFlags struct {
	IsVPN          bool    `json:"is_vpn"`
	IsTor          bool    `json:"is_tor"`
	IsProxy        bool    `json:"is_proxy"`
	IsDatacenter   bool    `json:"is_datacenter"`
	AnonymityScore float64 `json:"anonymity_score"`
}

type GeographicRiskFlags struct {
	IsSanctionedCountry bool   `json:"is_sanctioned_country"`
	IsHighRiskCountry   bool   `json:"is_high_risk_country"`
	Country             string `json:"country"`
	CountryName         string `json:"country_name"`
}

type FraudRingFlags struct {
	RingProbability float64 `json:"ring_probability"`
	ConnectedUsers  int     `json:"connected_users"`
	SuspectedRing   bool    `json:"suspected_ring"`
}

// BuildPayload assembles the sink document from a finished investigation.
func BuildPayload(r *scoring.Result, tx *models.Transaction) Payload {
	f := r.Features

	ringScore := 0.0
	if r.RingScore != nil {
		ringScore = *r.RingScore
	}
	anomalyScore := 0.0
	if r.AnomalyScore != nil {
		anomalyScore = *r.AnomalyScore
	}
	combined := 0.0
	if r.CombinedScore != nil {
		combined = *r.CombinedScore
	}

	p := Payload{
		CaseID:           r.CaseID,
		Status:           mapStatus(r.Decision),
		ConfidenceScore:  r.Confidence,
		FraudProbability: r.Confidence,
		TriggeredBy:      triggeredBy,
		DetectionSignals: DetectionSignals{
			Layer1FeatureCount: r.FeatureCount,
			Layer2MLScore:      r.MLScore,
			Layer3RingScore:    ringScore,
			Layer4AnomalyScore: anomalyScore,
			CombinedScore:      combined,
			FinalScore:         r.Confidence,
			TopRiskFactors:     emptyIfNil(r.TopRiskFactors),
			DetectedAnomalies:  emptyIfNil(r.Anomalies),
			ProcessingTimeMs:   int(r.ProcessingTime.Milliseconds()),
			LayersExecuted:     investigationLayers(r),
			SkippedLayers:      emptyIfNil(r.SkippedLayers),
			Layer5Invoked:      r.LLMInvoked,
			Annotations:        r.Annotations,
			ModelVersion:       modelVersion,
			Timestamp:          r.Timestamp.Format(time.RFC3339),
		},
		AISignals:           buildAISignals(r, f),
		IdentityFlags:       buildIdentityFlags(tx, f),
		BehavioralFlags:     buildBehavioralFlags(r, f),
		NetworkFlags:        buildNetworkFlags(r, tx, f, ringScore),
		AIReasoning:         buildReasoning(r),
		AIRecommendations:   buildRecommendations(r, ringScore),
		InvestigationLayers: investigationLayers(r),
		ProcessingTimeMs:    int(r.ProcessingTime.Milliseconds()),
	}

	if ringScore > 0.6 {
		id := fmt.Sprintf("RING-DETECTED-%d", int(ringScore*100))
		p.FraudRingID = &id
	}
	if len(r.ConnectedUsers) > 0 {
		n := len(r.ConnectedUsers)
		if n > 10 {
			n = 10
		}
		p.RelatedAccounts = r.ConnectedUsers[:n]
	}

	return p
}

func mapStatus(decision string) string {
	if decision == models.DecisionHumanReview {
		return models.StatusUnderInvestigation
	}
	return decision
}

// investigationLayers lists which cascade layers ran, in order.
func investigationLayers(r *scoring.Result) []string {
	layers := []string{models.LayerRuleBased, models.LayerMLModels}
	if r.RingScore != nil {
		layers = append(layers, models.LayerGraphAnalysis)
	}
	if r.AnomalyScore != nil {
		layers = append(layers, models.LayerPatternDetection)
	}
	if r.LLMInvoked {
		layers = append(layers, models.LayerLLMReasoning)
	}
	return layers
}

func buildAISignals(r *scoring.Result, f map[string]float64) AISignals {
	mlDecision := "GRAY_AREA"
	switch {
	case r.MLScore > 0.8:
		mlDecision = "BLOCKED"
	case r.MLScore < 0.2:
		mlDecision = "APPROVED"
	}

	s := AISignals{
		FeatureExtraction: FeatureExtractionSignal{
			TotalFeatures: r.FeatureCount,
			KeyFeatures: map[string]float64{
				"amount_income_ratio": f["amount_income_ratio"],
				"account_age_days":    f["account_age_days"],
				"network_risk_score":  f["network_risk_score"],
				"ip_anonymity_score":  f["ip_anonymity_score"],
				"doc_risk":            f["doc_risk"],
			},
		},
		MLAnalysis: MLAnalysisSignal{
			Score:             r.MLScore,
			Decision:          mlDecision,
			FeatureImportance: emptyIfNil(r.TopRiskFactors),
		},
		LayerUnavailable: contains(r.Annotations, scoring.AnnotationLayerUnavailable),
	}

	if r.RingScore != nil {
		s.GraphAnalysis = &GraphAnalysisSignal{
			Executed:            true,
			RingProbability:     *r.RingScore,
			ConnectedUsersCount: len(r.ConnectedUsers),
			FraudRingDetected:   *r.RingScore > 0.6,
		}
	}
	if r.AnomalyScore != nil {
		s.AnomalyDetection = &AnomalySignal{
			Executed:          true,
			AnomalyScore:      *r.AnomalyScore,
			DetectedPatterns:  emptyIfNil(r.Anomalies),
			BehaviorDeviation: *r.AnomalyScore > 0.5,
		}
	}
	if r.LLMInvoked {
		s.LLMReasoning = &LLMSignal{
			Executed:       true,
			Recommendation: r.Reasoning,
			Confidence:     r.Confidence,
		}
	}
	return s
}

func buildIdentityFlags(tx *models.Transaction, f map[string]float64) IdentityFlags {
	user := tx.UserProfile
	doc := tx.DocumentProfile
	return IdentityFlags{
		RiskLevel:           orUnknown(user.RiskLevel),
		KYCStatus:           orUnknown(user.KYCStatus),
		KYCVerified:         user.KYCStatus == "VERIFIED",
		DocumentVerified:    doc.VerificationStatus == "PASSED",
		DocumentConfidence:  doc.ConfidenceScore,
		DocumentForged:      doc.Forged,
		DocumentAIGenerated: doc.AIGenerated,
		EmploymentStatus:    orUnknown(user.EmploymentStatus),
		SourceOfFunds:       orUnknown(user.SourceOfFunds),
		AccountAgeDays:      f["account_age_days"],
		IsNewAccount:        f["is_new_account"] == 1,
	}
}

func buildBehavioralFlags(r *scoring.Result, f map[string]float64) BehavioralFlags {
	return BehavioralFlags{
		Velocity: VelocityFlags{
			TransactionsPerDay:     f["transactions_per_day"],
			IsHighVelocity:         f["transactions_per_day"] > 10,
			DepositWithdrawalRatio: f["deposit_withdrawal_ratio"],
			RapidEscalation:        contains(r.Anomalies, "rapid_escalation"),
		},
		Temporal: TemporalFlags{
			IsNightTransaction: f["is_night"] == 1,
			IsWeekend:          f["is_weekend"] == 1,
			IsBusinessHours:    f["is_business_hours"] == 1,
			TransactionHour:    f["txn_hour"],
		},
		Amount: AmountFlags{
			AmountIncomeRatio:   f["amount_income_ratio"],
			IsOverIncome:        f["amount_income_ratio"] > 5,
			IsExtremeOverIncome: f["amount_income_ratio"] > 15,
			AmountZScore:        f["amount_zscore"],
			IsAnomalousAmount:   f["amount_zscore"] > 2.0,
		},
		DetectedPatterns: emptyIfNil(r.Anomalies),
	}
}

func buildNetworkFlags(r *scoring.Result, tx *models.Transaction, f map[string]float64, ringScore float64) NetworkFlags {
	n := NetworkFlags{
		DeviceSharing: DeviceSharingFlags{
			DeviceUserCount: f["device_user_count"],
			IsSharedDevice:  f["shared_device"] == 1,
			DeviceRiskRatio: f["device_risk_ratio"],
			IsEmulator:      tx.DeviceProfile.IsEmulator,
		},
		IPSharing: IPSharingFlags{
			IPUserCount: f["ip_user_count"],
			IsSharedIP:  f["shared_ip"] == 1,
			IPRiskScore: tx.IPProfile.RiskScore,
		},
		Anonymization: AnonymizationFlags{
			IsVPN:          tx.IPProfile.IsVPN,
			IsTor:          tx.IPProfile.IsTor,
			IsProxy:        tx.IPProfile.IsProxy,
			IsDatacenter:   tx.IPProfile.IsDatacenter,
			AnonymityScore: f["ip_anonymity_score"],
		},
		GeographicRisk: GeographicRiskFlags{
			IsSanctionedCountry: tx.IPProfile.IsSanctionedCountry,
			IsHighRiskCountry:   tx.IPProfile.IsHighRiskCountry,
			Country:             orUnknown(tx.IPProfile.CountryCode),
			CountryName:         orUnknown(tx.IPProfile.CountryName),
		},
	}

	if r.RingScore != nil {
		n.FraudRing = &FraudRingFlags{
			RingProbability: ringScore,
			ConnectedUsers:  len(r.ConnectedUsers),
			SuspectedRing:   ringScore > 0.6,
		}
	}
	return n
}

// buildReasoning joins the layer findings into the analyst-facing summary.
func buildReasoning(r *scoring.Result) string {
	parts := []string{
		fmt.Sprintf("Decision: %s (Confidence: %.1f%%)", r.Decision, r.Confidence*100),
	}

	if len(r.TopRiskFactors) > 0 {
		n := len(r.TopRiskFactors)
		if n > 3 {
			n = 3
		}
		parts = append(parts, "Key risk factors: "+strings.Join(r.TopRiskFactors[:n], ", "))
	}

	parts = append(parts, fmt.Sprintf("ML risk score: %.1f%%", r.MLScore*100))

	if r.RingScore != nil && *r.RingScore > 0 {
		parts = append(parts, fmt.Sprintf("Fraud ring analysis: %.1f%% probability, %d connected users",
			*r.RingScore*100, len(r.ConnectedUsers)))
	}

	if len(r.Anomalies) > 0 {
		n := len(r.Anomalies)
		if n > 2 {
			n = 2
		}
		parts = append(parts, "Detected patterns: "+strings.Join(r.Anomalies[:n], ", "))
	}

	if r.Reasoning != "" {
		parts = append(parts, r.Reasoning)
	}

	return strings.Join(parts, " | ")
}

// buildRecommendations maps the verdict to an actionable next step for the
// case-management UI.
func buildRecommendations(r *scoring.Result, ringScore float64) string {
	switch r.Decision {
	case models.DecisionAutoBlocked:
		if r.Confidence > 0.95 {
			return "IMMEDIATE_BLOCK: High confidence fraud detection. Block account and notify compliance team."
		}
		return "BLOCK_WITH_REVIEW: Strong fraud indicators. Block transaction and flag for analyst review."

	case models.DecisionAutoApproved:
		if r.Confidence < 0.05 {
			return "APPROVE: Clean transaction with no risk indicators."
		}
		return "APPROVE_WITH_MONITORING: Low risk but continue monitoring user activity."

	case models.DecisionHumanReview:
		recs := []string{"Requires human analyst review."}
		if ringScore > 0.5 {
			recs = append(recs, "Investigate potential fraud ring connection.")
		}
		if len(r.Anomalies) > 0 {
			n := len(r.Anomalies)
			if n > 2 {
				n = 2
			}
			recs = append(recs, "Examine unusual patterns: "+strings.Join(r.Anomalies[:n], ", ")+".")
		}
		if contains(r.TopRiskFactors, "high_income_ratio") {
			recs = append(recs, "Verify source of funds and income documentation.")
		}
		if contains(r.TopRiskFactors, "anonymous_connection") {
			recs = append(recs, "Investigate use of VPN/TOR and request additional verification.")
		}
		return strings.Join(recs, " ")
	}

	return r.Decision
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func contains(s []string, want string) bool {
	for _, v := range s {
		if v == want {
			return true
		}
	}
	return false
}
