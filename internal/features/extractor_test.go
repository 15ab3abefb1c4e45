package features

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/models"
)

type stubStore struct {
	velocity    history.VelocityMetrics
	device      history.DeviceHistory
	ip          history.IPHistory
	escalation  history.EscalationResult
	structuring history.StructuringResult
	fraud       history.FraudHistory

	velocityErr error
	deviceErr   error
}

func (s *stubStore) Velocity(context.Context, string) (history.VelocityMetrics, error) {
	return s.velocity, s.velocityErr
}
func (s *stubStore) DeviceHistory(context.Context, string) (history.DeviceHistory, error) {
	return s.device, s.deviceErr
}
func (s *stubStore) IPHistory(context.Context, string) (history.IPHistory, error) {
	return s.ip, nil
}
func (s *stubStore) DetectEscalation(context.Context, string, float64) (history.EscalationResult, error) {
	return s.escalation, nil
}
func (s *stubStore) DetectStructuring(context.Context, string, float64) (history.StructuringResult, error) {
	return s.structuring, nil
}
func (s *stubStore) UserFraudHistory(context.Context, string) (history.FraudHistory, error) {
	return s.fraud, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func baseTx() *models.Transaction {
	return &models.Transaction{
		TransactionID: "tx-1",
		UserID:        "user-1",
		Amount:        12000,
		DeviceID:      "dev-1",
		IPAddress:     "10.0.0.1",
		UserProfile: models.UserProfile{
			Email:                 "a@b.c",
			FullName:              "Ada Lovelace",
			DeclaredMonthlyIncome: 1000,
			RiskLevel:             models.RiskLevelHigh,
			KYCStatus:             "VERIFIED",
			EmploymentStatus:      "UNEMPLOYED",
			SourceOfFunds:         "OTHER",
		},
		IPProfile: models.IPProfile{
			IsVPN: true, IsTor: true, RiskScore: 0.9,
			IsSanctionedCountry: true,
		},
		DeviceProfile:   models.DeviceProfile{TotalUsersCount: 10, FlaggedUsersCount: 4},
		DocumentProfile: models.DocumentProfile{VerificationStatus: "VERIFIED", DocumentScore: 0.2, ConfidenceScore: 0.9},
	}
}

func TestExtractorFullVector(t *testing.T) {
	store := &stubStore{
		velocity: history.VelocityMetrics{
			TxnLast24h: 4, TxnLast7d: 9, TxnLast30d: 20,
			DepositsLast24h: 5000, TotalTxns: 40, TotalDeposits: 80000,
			TotalWithdrawals: 20000, AvgAmount30d: 2000, StddevAmount30d: 500,
		},
		device:      history.DeviceHistory{UniqueUsers: 6, FlagRate: 0.5},
		ip:          history.IPHistory{UniqueUsers: 8, FlagRate: 0.25},
		escalation:  history.EscalationResult{IsEscalating: true, EscalationRatio: 40},
		structuring: history.StructuringResult{IsStructuring: false, Similar48h: 1},
		fraud:       history.FraudHistory{HasHistory: true, ConfirmedCases: 2},
	}

	e := NewExtractor(store)
	// Wednesday 03:00 UTC
	e.now = fixedClock(time.Date(2026, 8, 19, 3, 0, 0, 0, time.UTC))

	res := e.Extract(context.Background(), baseTx())
	require.Empty(t, res.Degraded)
	m := res.Features

	assert.Len(t, m, len(Keys))
	for _, k := range Keys {
		_, ok := m[k]
		assert.True(t, ok, "missing feature %s", k)
	}

	assert.InDelta(t, 12.0, m["amount_income_ratio"], 1e-9)
	assert.InDelta(t, 4.0, m["deposit_withdrawal_ratio"], 1e-9)
	assert.InDelta(t, 2000.0, m["avg_transaction_size"], 1e-9)
	assert.InDelta(t, 20.0, m["amount_zscore"], 1e-9)
	assert.InDelta(t, 0.7, m["network_risk_score"], 1e-9) // (6+8)/20
	assert.Equal(t, 1.0, m["is_multi_device_ip"])
	assert.Equal(t, 1.0, m["shared_device"])
	assert.Equal(t, 1.0, m["shared_ip"])
	assert.Equal(t, 1.0, m["is_escalating"])
	assert.InDelta(t, 10.0, m["escalation_ratio"], 1e-9) // clipped
	assert.Equal(t, 1.0, m["is_night"])
	assert.Equal(t, 0.0, m["is_weekend"])
	assert.Equal(t, 0.0, m["is_business_hours"])
	assert.InDelta(t, 0.7, m["employment_risk"], 1e-9)
	assert.InDelta(t, 0.6, m["source_of_funds_risk"], 1e-9)
	assert.Equal(t, 1.0, m["risk_level_high"])
	assert.InDelta(t, 0.4, m["device_risk_ratio"], 1e-9)
	assert.InDelta(t, 0.5, m["ip_anonymity_score"], 1e-9) // vpn+tor of 4 flags
	assert.Equal(t, 1.0, m["ip_is_sanctioned"])
	assert.InDelta(t, 0.8, m["doc_risk"], 1e-9)
	assert.Equal(t, 1.0, m["doc_low_quality"])
	assert.Equal(t, 1.0, m["has_fraud_history"])
	assert.InDelta(t, 2.0, m["confirmed_fraud_cases"], 1e-9)

	// account has no creation timestamp: established-account default
	assert.InDelta(t, 1000.0, m["account_age_hours"], 1e-9)
	assert.Equal(t, 0.0, m["is_new_account"])
	// 40 txns over ~41.7 days
	assert.InDelta(t, 40.0/(1000.0/24), m["transactions_per_day"], 1e-9)
}

func TestExtractorDegradedQueriesZeroFill(t *testing.T) {
	store := &stubStore{
		velocityErr: history.ErrStorageTimeout,
		deviceErr:   errors.New("connection refused"),
		ip:          history.IPHistory{UniqueUsers: 2},
	}

	e := NewExtractor(store)
	e.now = fixedClock(time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC))

	res := e.Extract(context.Background(), baseTx())
	assert.ElementsMatch(t, []string{"velocity", "device_history"}, res.Degraded)

	m := res.Features
	assert.Zero(t, m["transactions_last_24h"])
	assert.Zero(t, m["total_transactions"])
	assert.Zero(t, m["device_user_count"])
	assert.Equal(t, 0.0, m["shared_device"])
	// unaffected queries still contribute
	assert.Equal(t, 1.0, m["shared_ip"])
}

func TestExtractorNewAccountFlags(t *testing.T) {
	e := NewExtractor(&stubStore{})
	now := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	e.now = fixedClock(now)

	tx := baseTx()
	tx.UserProfile.AccountCreatedAt = now.Add(-30 * time.Minute).Format(time.RFC3339)

	m := e.Extract(context.Background(), tx).Features
	assert.Equal(t, 1.0, m["is_new_account"])
	assert.Equal(t, 1.0, m["is_very_new"])
	assert.InDelta(t, 0.5, m["account_age_hours"], 1e-6)
}

func TestExtractorNeutralDocumentDefaults(t *testing.T) {
	e := NewExtractor(&stubStore{})
	e.now = fixedClock(time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC))

	tx := baseTx()
	tx.DocumentProfile = models.DocumentProfile{}

	m := e.Extract(context.Background(), tx).Features
	assert.InDelta(t, 0.5, m["doc_score"], 1e-9)
	assert.InDelta(t, 0.5, m["doc_risk"], 1e-9)
	assert.Equal(t, 0.0, m["doc_low_quality"])
}

func TestMapNormalize(t *testing.T) {
	m := Map{"a": 1.5, "b": math.Inf(1), "c": math.NaN()}
	m.Normalize()
	assert.Equal(t, 0.0, m["c"])
	assert.Equal(t, 0.0, m["b"])
	assert.Equal(t, 1.5, m["a"])
}
