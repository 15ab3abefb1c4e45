package models

import (
	"encoding/json"
	"time"
)

// Decision values emitted by the investigation engine.
const (
	DecisionAutoApproved = "auto_approved"
	DecisionAutoBlocked  = "auto_blocked"
	DecisionHumanReview  = "human_review"
)

// Sink status values. human_review maps to under_investigation on publish.
const (
	StatusAutoApproved       = "auto_approved"
	StatusAutoBlocked        = "auto_blocked"
	StatusUnderInvestigation = "under_investigation"
)

// Investigation layer names reported in the verdict payload.
const (
	LayerRuleBased        = "rule_based"
	LayerMLModels         = "ml_models"
	LayerGraphAnalysis    = "graph_analysis"
	LayerPatternDetection = "pattern_detection"
	LayerLLMReasoning     = "llm_reasoning"
)

// TransactionType enum values
const (
	TxTypeDeposit    = "DEPOSIT"
	TxTypeWithdrawal = "WITHDRAWAL"
	TxTypeTrade      = "TRADE"
)

// RiskLevel enum values (user profiles and connected-user rows)
const (
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"
)

// UserProfile is the read-only user snapshot embedded in a transaction event.
type UserProfile struct {
	Email                 string  `json:"email"`
	FullName              string  `json:"fullName"`
	DeclaredMonthlyIncome float64 `json:"declaredMonthlyIncome"`
	AccountCreatedAt      string  `json:"accountCreatedAt"`
	CreatedAt             string  `json:"createdAt"`
	RiskLevel             string  `json:"riskLevel"`
	KYCStatus             string  `json:"kycStatus"`
	EmploymentStatus      string  `json:"employmentStatus"`
	SourceOfFunds         string  `json:"sourceOfFunds"`
	TransactionCount      int     `json:"transactionCount"`
	TotalDeposits         float64 `json:"totalDeposits"`
	TotalWithdrawals      float64 `json:"totalWithdrawals"`
}

// IPProfile carries IP reputation flags resolved upstream.
type IPProfile struct {
	IsVPN               bool    `json:"isVpn"`
	IsTor               bool    `json:"isTor"`
	IsProxy             bool    `json:"isProxy"`
	IsDatacenter        bool    `json:"isDatacenter"`
	IsAnonymous         bool    `json:"isAnonymous"`
	IsSanctionedCountry bool    `json:"isSanctionedCountry"`
	IsHighRiskCountry   bool    `json:"isHighRiskCountry"`
	RiskScore           float64 `json:"riskScore"`
	TotalUsers          int     `json:"totalUsers"`
	FlaggedUsers        int     `json:"flaggedUsers"`
	CountryCode         string  `json:"countryCode"`
	CountryName         string  `json:"countryName"`
}

// DeviceProfile carries device fingerprint data resolved upstream.
type DeviceProfile struct {
	IsEmulator        bool `json:"isEmulator"`
	TotalUsersCount   int  `json:"totalUsersCount"`
	FlaggedUsersCount int  `json:"flaggedUsersCount"`
}

// DocumentProfile carries identity-document verification results.
type DocumentProfile struct {
	VerificationStatus string  `json:"verificationStatus"`
	DocumentScore      float64 `json:"documentScore"`
	ConfidenceScore    float64 `json:"confidenceScore"`
	FaceMatch          bool    `json:"faceMatch"`
	Forged             bool    `json:"forged"`
	AIGenerated        bool    `json:"aiGenerated"`
}

// Transaction is the immutable input event decoded from a stream entry.
type Transaction struct {
	TransactionID   string          `json:"transactionId"`
	UserID          string          `json:"userId"`
	Timestamp       time.Time       `json:"timestamp"`
	Amount          float64         `json:"amount"`
	Currency        string          `json:"currency"`
	TransactionType string          `json:"transactionType"`
	PaymentMethod   string          `json:"paymentMethod"`
	PaymentProvider string          `json:"paymentProvider"`
	IPAddress       string          `json:"ipAddress"`
	DeviceID        string          `json:"deviceId"`
	CountryCode     string          `json:"countryCode"`
	UserProfile     UserProfile     `json:"userProfile"`
	IPProfile       IPProfile       `json:"ipProfile"`
	DeviceProfile   DeviceProfile   `json:"deviceProfile"`
	DocumentProfile DocumentProfile `json:"documentProfile"`
}

// DecodeTransaction parses the event_data JSON of a stream entry.
func DecodeTransaction(raw string) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// AccountCreationTime returns the parsed account creation timestamp, falling
// back from accountCreatedAt to createdAt. ok is false when neither parses.
func (u UserProfile) AccountCreationTime() (time.Time, bool) {
	for _, raw := range []string{u.AccountCreatedAt, u.CreatedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
