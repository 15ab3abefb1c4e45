package features

import "math"

// Map is the flat feature vector produced for a case. Keys are stable and
// documented in Keys; downstream layers read them by name.
type Map map[string]float64

// Keys lists every feature the extractor emits, grouped the way the layers
// consume them.
var Keys = []string{
	// amount
	"amount_raw", "amount_log", "amount_income_ratio",
	// velocity (historical datastore)
	"transactions_last_24h", "deposits_last_24h", "withdrawals_last_24h",
	"transactions_last_7d", "deposits_last_7d", "transactions_last_30d",
	"total_transactions", "total_deposits", "total_withdrawals",
	"deposit_withdrawal_ratio", "avg_transaction_size", "transactions_per_day",
	"amount_vs_avg", "amount_zscore",
	// temporal
	"account_age_hours", "account_age_days", "account_age_log",
	"is_new_account", "is_very_new",
	"txn_hour", "txn_day_of_week", "is_weekend", "is_night", "is_business_hours",
	// network (historical datastore)
	"device_user_count", "device_flag_rate", "shared_device",
	"ip_user_count", "ip_flag_rate", "shared_ip",
	"network_risk_score", "is_multi_device_ip",
	// sequence patterns (historical datastore)
	"is_escalating", "escalation_ratio", "is_structuring", "similar_txns_48h",
	// behavioral
	"employment_risk", "source_of_funds_risk", "kyc_status_score",
	// identity
	"has_verified_email", "has_full_name", "risk_level_high", "risk_level_medium",
	// device fingerprint
	"device_total_users", "device_flagged_users", "device_is_emulator", "device_risk_ratio",
	// geo / IP reputation
	"ip_is_vpn", "ip_is_tor", "ip_is_proxy", "ip_is_datacenter", "ip_is_anonymous",
	"ip_is_sanctioned", "ip_is_high_risk", "ip_risk_score",
	"ip_total_users", "ip_flagged_users", "ip_anonymity_score",
	// document verification
	"doc_score", "doc_confidence", "doc_risk", "doc_low_quality",
	// fraud history (historical datastore)
	"has_fraud_history", "confirmed_fraud_cases",
}

// Normalize replaces non-finite values in place so a degenerate input can
// never poison downstream scoring.
func (m Map) Normalize() {
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			m[k] = 0
		}
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
