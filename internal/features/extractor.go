package features

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/models"
)

// HistoryReader is the slice of the historical datastore the extractor needs.
type HistoryReader interface {
	Velocity(ctx context.Context, userID string) (history.VelocityMetrics, error)
	DeviceHistory(ctx context.Context, deviceID string) (history.DeviceHistory, error)
	IPHistory(ctx context.Context, ipAddress string) (history.IPHistory, error)
	DetectEscalation(ctx context.Context, userID string, currentAmount float64) (history.EscalationResult, error)
	DetectStructuring(ctx context.Context, userID string, currentAmount float64) (history.StructuringResult, error)
	UserFraudHistory(ctx context.Context, userID string) (history.FraudHistory, error)
}

// Result carries the feature vector plus the names of datastore queries that
// failed and were zero-filled.
type Result struct {
	Features Map
	Degraded []string
}

// Extractor builds the feature vector for a case, fanning the historical
// queries out in parallel. A failed query zero-fills its features rather than
// failing the case.
type Extractor struct {
	store HistoryReader
	now   func() time.Time
}

func NewExtractor(store HistoryReader) *Extractor {
	return &Extractor{store: store, now: time.Now}
}

func (e *Extractor) Extract(ctx context.Context, tx *models.Transaction) Result {
	start := e.now()
	m := make(Map, len(Keys))

	amount := tx.Amount
	income := tx.UserProfile.DeclaredMonthlyIncome

	m["amount_raw"] = amount
	m["amount_log"] = math.Log1p(amount)
	m["amount_income_ratio"] = amount / math.Max(income, 1)

	// Historical queries run concurrently; each carries its own deadline.
	var (
		wg          sync.WaitGroup
		velocity    history.VelocityMetrics
		device      history.DeviceHistory
		ip          history.IPHistory
		escalation  history.EscalationResult
		structuring history.StructuringResult
		fraudHist   history.FraudHistory

		mu       sync.Mutex
		degraded []string
	)

	fail := func(name string, err error) {
		mu.Lock()
		degraded = append(degraded, name)
		mu.Unlock()
		log.Warn().Err(err).Str("query", name).Msg("History query degraded, zero-filling features")
	}

	wg.Add(6)
	go func() {
		defer wg.Done()
		var err error
		if velocity, err = e.store.Velocity(ctx, tx.UserID); err != nil {
			fail("velocity", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if device, err = e.store.DeviceHistory(ctx, tx.DeviceID); err != nil {
			fail("device_history", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if ip, err = e.store.IPHistory(ctx, tx.IPAddress); err != nil {
			fail("ip_history", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if escalation, err = e.store.DetectEscalation(ctx, tx.UserID, amount); err != nil {
			fail("escalation", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if structuring, err = e.store.DetectStructuring(ctx, tx.UserID, amount); err != nil {
			fail("structuring", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if fraudHist, err = e.store.UserFraudHistory(ctx, tx.UserID); err != nil {
			fail("fraud_history", err)
		}
	}()
	wg.Wait()

	ageHours := e.accountAgeHours(tx.UserProfile)

	m["transactions_last_24h"] = float64(velocity.TxnLast24h)
	m["deposits_last_24h"] = velocity.DepositsLast24h
	m["withdrawals_last_24h"] = velocity.WithdrawalsLast24h
	m["transactions_last_7d"] = float64(velocity.TxnLast7d)
	m["deposits_last_7d"] = velocity.DepositsLast7d
	m["transactions_last_30d"] = float64(velocity.TxnLast30d)
	m["total_transactions"] = float64(velocity.TotalTxns)
	m["total_deposits"] = velocity.TotalDeposits
	m["total_withdrawals"] = velocity.TotalWithdrawals
	m["deposit_withdrawal_ratio"] = velocity.TotalDeposits / math.Max(velocity.TotalWithdrawals, 1)
	m["avg_transaction_size"] = velocity.TotalDeposits / math.Max(float64(velocity.TotalTxns), 1)
	m["transactions_per_day"] = float64(velocity.TotalTxns) / math.Max(ageHours/24, 1)
	m["amount_vs_avg"] = amount / math.Max(velocity.AvgAmount30d, 1)
	if velocity.StddevAmount30d > 0 {
		m["amount_zscore"] = math.Abs((amount - velocity.AvgAmount30d) / velocity.StddevAmount30d)
	} else {
		m["amount_zscore"] = 0
	}

	e.temporal(m, ageHours)

	m["device_user_count"] = float64(device.UniqueUsers)
	m["device_flag_rate"] = device.FlagRate
	m["shared_device"] = boolFeature(device.UniqueUsers > 1)
	m["ip_user_count"] = float64(ip.UniqueUsers)
	m["ip_flag_rate"] = ip.FlagRate
	m["shared_ip"] = boolFeature(ip.UniqueUsers > 1)
	m["network_risk_score"] = math.Min(float64(device.UniqueUsers+ip.UniqueUsers)/20, 1.0)
	m["is_multi_device_ip"] = boolFeature(device.UniqueUsers > 3 && ip.UniqueUsers > 3)

	m["is_escalating"] = boolFeature(escalation.IsEscalating)
	m["escalation_ratio"] = math.Min(escalation.EscalationRatio, 10.0)
	m["is_structuring"] = boolFeature(structuring.IsStructuring)
	m["similar_txns_48h"] = float64(structuring.Similar48h)

	user := tx.UserProfile
	m["employment_risk"] = employmentRisk(user.EmploymentStatus)
	m["source_of_funds_risk"] = sourceOfFundsRisk(user.SourceOfFunds)
	m["kyc_status_score"] = boolFeature(user.KYCStatus == "VERIFIED")
	m["has_verified_email"] = boolFeature(user.Email != "")
	m["has_full_name"] = boolFeature(user.FullName != "")
	m["risk_level_high"] = boolFeature(user.RiskLevel == models.RiskLevelHigh)
	m["risk_level_medium"] = boolFeature(user.RiskLevel == models.RiskLevelMedium)

	dev := tx.DeviceProfile
	m["device_total_users"] = math.Max(float64(dev.TotalUsersCount), 1)
	m["device_flagged_users"] = float64(dev.FlaggedUsersCount)
	m["device_is_emulator"] = boolFeature(dev.IsEmulator)
	m["device_risk_ratio"] = float64(dev.FlaggedUsersCount) / math.Max(float64(dev.TotalUsersCount), 1)

	ipp := tx.IPProfile
	m["ip_is_vpn"] = boolFeature(ipp.IsVPN)
	m["ip_is_tor"] = boolFeature(ipp.IsTor)
	m["ip_is_proxy"] = boolFeature(ipp.IsProxy)
	m["ip_is_datacenter"] = boolFeature(ipp.IsDatacenter)
	m["ip_is_anonymous"] = boolFeature(ipp.IsAnonymous)
	m["ip_is_sanctioned"] = boolFeature(ipp.IsSanctionedCountry)
	m["ip_is_high_risk"] = boolFeature(ipp.IsHighRiskCountry)
	m["ip_risk_score"] = ipp.RiskScore
	m["ip_total_users"] = math.Max(float64(ipp.TotalUsers), 1)
	m["ip_flagged_users"] = float64(ipp.FlaggedUsers)
	m["ip_anonymity_score"] = (boolFeature(ipp.IsVPN) + boolFeature(ipp.IsTor) +
		boolFeature(ipp.IsProxy) + boolFeature(ipp.IsDatacenter)) / 4

	doc := tx.DocumentProfile
	docScore := doc.DocumentScore
	docConfidence := doc.ConfidenceScore
	if doc.VerificationStatus == "" && docScore == 0 && docConfidence == 0 {
		// no document on file: neutral midpoint
		docScore, docConfidence = 0.5, 0.5
	}
	m["doc_score"] = docScore
	m["doc_confidence"] = docConfidence
	m["doc_risk"] = 1.0 - docScore
	m["doc_low_quality"] = boolFeature(docScore < 0.5)

	m["has_fraud_history"] = boolFeature(fraudHist.HasHistory)
	m["confirmed_fraud_cases"] = float64(fraudHist.ConfirmedCases)

	m.Normalize()

	log.Debug().
		Int("features", len(m)).
		Int("degraded", len(degraded)).
		Dur("elapsed", e.now().Sub(start)).
		Msg("Feature extraction complete")

	return Result{Features: m, Degraded: degraded}
}

// accountAgeHours parses the profile's creation timestamp; absent or
// unparseable timestamps default to 1000h (an established account).
func (e *Extractor) accountAgeHours(user models.UserProfile) float64 {
	created, ok := user.AccountCreationTime()
	if !ok {
		return 1000
	}
	return e.now().UTC().Sub(created).Hours()
}

func (e *Extractor) temporal(m Map, ageHours float64) {
	now := e.now().UTC()

	m["account_age_hours"] = ageHours
	m["account_age_days"] = ageHours / 24
	m["account_age_log"] = math.Log1p(ageHours)
	m["is_new_account"] = boolFeature(ageHours < 24)
	m["is_very_new"] = boolFeature(ageHours < 1)
	m["txn_hour"] = float64(now.Hour())
	m["txn_day_of_week"] = float64((int(now.Weekday()) + 6) % 7) // Monday = 0
	m["is_weekend"] = boolFeature(now.Weekday() == time.Saturday || now.Weekday() == time.Sunday)
	m["is_night"] = boolFeature(now.Hour() >= 22 || now.Hour() <= 6)
	m["is_business_hours"] = boolFeature(now.Hour() >= 9 && now.Hour() <= 17)
}

func employmentRisk(status string) float64 {
	switch status {
	case "UNEMPLOYED":
		return 0.7
	case "STUDENT":
		return 0.5
	case "SELF_EMPLOYED":
		return 0.3
	case "EMPLOYED":
		return 0.1
	case "RETIRED":
		return 0.2
	default:
		return 0.5
	}
}

func sourceOfFundsRisk(source string) float64 {
	switch source {
	case "SALARY":
		return 0.1
	case "BUSINESS":
		return 0.2
	case "INVESTMENT":
		return 0.3
	case "INHERITANCE":
		return 0.4
	case "OTHER":
		return 0.6
	default:
		return 0.5
	}
}
