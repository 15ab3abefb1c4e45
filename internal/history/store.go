package history

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/enterprise/fraud-investigator/configs"
)

// VelocityMetrics aggregates a user's transaction velocity over several
// windows. Zero-valued with a nil LastTransactionAt for unseen users.
type VelocityMetrics struct {
	TxnLast24h         int
	DepositsLast24h    float64
	WithdrawalsLast24h float64
	TxnLast7d          int
	DepositsLast7d     float64
	TxnLast30d         int
	AvgAmount30d       float64
	StddevAmount30d    float64
	TotalTxns          int
	TotalDeposits      float64
	TotalWithdrawals   float64
	LastTransactionAt  *time.Time
}

// DeviceHistory summarizes 90 days of activity seen on a device.
type DeviceHistory struct {
	UniqueUsers int
	UniqueIPs   int
	TotalTxns   int
	FlaggedTxns int
	FlagRate    float64
}

// IPHistory summarizes 90 days of activity seen from an IP address.
type IPHistory struct {
	UniqueUsers   int
	UniqueDevices int
	TotalTxns     int
	FlaggedTxns   int
	FlagRate      float64
	LastSeen      *time.Time
}

// EscalationResult reports whether the user's recent amounts form a rapid
// escalation sequence ending at the current amount.
type EscalationResult struct {
	IsEscalating    bool
	EscalationRatio float64
	TxnCount        int
}

// StructuringResult reports deposits clustered just below the $10k
// reporting threshold.
type StructuringResult struct {
	IsStructuring  bool
	Similar48h     int
	TotalAmount48h float64
}

// ConnectedUser is one user linked to the caller via a shared device or IP.
type ConnectedUser struct {
	UserID          string
	ConnectionTypes []string
	Strength        int
	RiskLevel       string
}

// ConnectedUsers holds the fraud-ring candidate set for a user.
type ConnectedUsers struct {
	Users         []ConnectedUser
	HighRiskCount int
}

// CoordinatedTiming reports shared hour-bucket activity across a user set.
type CoordinatedTiming struct {
	IsCoordinated      bool
	CoordinatedWindows int
	RingSize           int
}

// FraudHistory summarizes a user's prior fraud cases.
type FraudHistory struct {
	TotalCases     int
	ConfirmedCases int
	HasHistory     bool
	LastCaseAt     *time.Time
	FraudTypes     []string
}

// SimilarPattern is a confirmed fraud pattern referencing the user.
type SimilarPattern struct {
	PatternID   string
	PatternName string
	PatternType string
	Description string
	RiskScore   float64
}

// Store exposes read-only queries against the historical datastore. Every
// query runs under the configured per-query timeout so a slow datastore
// cannot stall the worker pool.
type Store struct {
	db      *Database
	timeout time.Duration
}

// NewStore creates a history store over the given pool.
func NewStore(db *Database, cfg configs.DatabaseConfig) *Store {
	return &Store{db: db, timeout: cfg.QueryTimeout}
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Velocity returns the velocity metrics for a user. Unseen users get the
// empty shape (all zeros, nil last-transaction time).
func (s *Store) Velocity(ctx context.Context, userID string) (VelocityMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours') AS txn_last_24h,
			COALESCE(SUM(amount) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours' AND transaction_type = 'DEPOSIT'), 0) AS deposits_last_24h,
			COALESCE(SUM(amount) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours' AND transaction_type = 'WITHDRAWAL'), 0) AS withdrawals_last_24h,
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '7 days') AS txn_last_7d,
			COALESCE(SUM(amount) FILTER (WHERE created_at >= NOW() - INTERVAL '7 days' AND transaction_type = 'DEPOSIT'), 0) AS deposits_last_7d,
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '30 days') AS txn_last_30d,
			COALESCE(AVG(amount) FILTER (WHERE created_at >= NOW() - INTERVAL '30 days'), 0) AS avg_amount_30d,
			COALESCE(STDDEV(amount) FILTER (WHERE created_at >= NOW() - INTERVAL '30 days'), 0) AS stddev_amount_30d,
			COUNT(*) AS total_transactions,
			COALESCE(SUM(amount) FILTER (WHERE transaction_type = 'DEPOSIT'), 0) AS total_deposits,
			COALESCE(SUM(amount) FILTER (WHERE transaction_type = 'WITHDRAWAL'), 0) AS total_withdrawals,
			MAX(created_at) AS last_transaction_at
		FROM transactions
		WHERE user_id = $1
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var m VelocityMetrics
	err := s.db.Pool.QueryRow(ctx, query, userID).Scan(
		&m.TxnLast24h,
		&m.DepositsLast24h,
		&m.WithdrawalsLast24h,
		&m.TxnLast7d,
		&m.DepositsLast7d,
		&m.TxnLast30d,
		&m.AvgAmount30d,
		&m.StddevAmount30d,
		&m.TotalTxns,
		&m.TotalDeposits,
		&m.TotalWithdrawals,
		&m.LastTransactionAt,
	)
	if err != nil {
		return VelocityMetrics{}, classify(err)
	}
	return m, nil
}

// DeviceHistory returns 90-day aggregates for a device. A transaction is
// flagged when its velocity or amount-anomaly flag was set.
func (s *Store) DeviceHistory(ctx context.Context, deviceID string) (DeviceHistory, error) {
	query := `
		SELECT
			COUNT(DISTINCT user_id) AS unique_users,
			COUNT(DISTINCT ip_address) AS unique_ips,
			COUNT(*) AS total_transactions,
			COALESCE(SUM(CASE WHEN velocity_flag OR amount_anomaly_flag THEN 1 ELSE 0 END), 0) AS flagged_transactions
		FROM transactions
		WHERE device_id = $1
		  AND created_at >= NOW() - INTERVAL '90 days'
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var h DeviceHistory
	err := s.db.Pool.QueryRow(ctx, query, deviceID).Scan(
		&h.UniqueUsers, &h.UniqueIPs, &h.TotalTxns, &h.FlaggedTxns,
	)
	if err != nil {
		return DeviceHistory{}, classify(err)
	}
	h.FlagRate = flagRate(h.FlaggedTxns, h.TotalTxns)
	return h, nil
}

// IPHistory returns 90-day aggregates for an IP address.
func (s *Store) IPHistory(ctx context.Context, ipAddress string) (IPHistory, error) {
	query := `
		SELECT
			COUNT(DISTINCT user_id) AS unique_users,
			COUNT(DISTINCT device_id) AS unique_devices,
			COUNT(*) AS total_transactions,
			COALESCE(SUM(CASE WHEN velocity_flag OR amount_anomaly_flag THEN 1 ELSE 0 END), 0) AS flagged_transactions,
			MAX(created_at) AS last_seen
		FROM transactions
		WHERE ip_address = $1
		  AND created_at >= NOW() - INTERVAL '90 days'
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var h IPHistory
	err := s.db.Pool.QueryRow(ctx, query, ipAddress).Scan(
		&h.UniqueUsers, &h.UniqueDevices, &h.TotalTxns, &h.FlaggedTxns, &h.LastSeen,
	)
	if err != nil {
		return IPHistory{}, classify(err)
	}
	h.FlagRate = flagRate(h.FlaggedTxns, h.TotalTxns)
	return h, nil
}

// DetectEscalation checks whether the user's last-7-day amounts, with the
// current amount appended, form a rapidly escalating sequence.
func (s *Store) DetectEscalation(ctx context.Context, userID string, currentAmount float64) (EscalationResult, error) {
	query := `
		SELECT amount
		FROM transactions
		WHERE user_id = $1
		  AND created_at >= NOW() - INTERVAL '7 days'
		ORDER BY created_at ASC
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return EscalationResult{}, classify(err)
	}
	defer rows.Close()

	var amounts []float64
	for rows.Next() {
		var amount float64
		if err := rows.Scan(&amount); err != nil {
			return EscalationResult{}, classify(err)
		}
		amounts = append(amounts, amount)
	}
	if err := rows.Err(); err != nil {
		return EscalationResult{}, classify(err)
	}

	return EvaluateEscalation(amounts, currentAmount), nil
}

// EvaluateEscalation applies the escalation rule to a chronological amount
// sequence: escalating iff every step grows by at least ~25%
// (a[i] < a[i+1]*0.8) after appending the current amount. Fewer than two
// prior amounts never escalate.
func EvaluateEscalation(prior []float64, currentAmount float64) EscalationResult {
	if len(prior) < 2 {
		return EscalationResult{}
	}

	amounts := make([]float64, 0, len(prior)+1)
	amounts = append(amounts, prior...)
	amounts = append(amounts, currentAmount)

	escalating := true
	for i := 0; i < len(amounts)-1; i++ {
		if !(amounts[i] < amounts[i+1]*0.8) {
			escalating = false
			break
		}
	}

	ratio := 0.0
	if amounts[0] > 0 {
		ratio = currentAmount / amounts[0]
	}

	return EscalationResult{
		IsEscalating:    escalating,
		EscalationRatio: ratio,
		TxnCount:        len(prior),
	}
}

// DetectStructuring counts last-48h deposits in the [9500, 9999] band and
// applies the structuring rule against the current amount.
func (s *Store) DetectStructuring(ctx context.Context, userID string, currentAmount float64) (StructuringResult, error) {
	query := `
		SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total_amount
		FROM transactions
		WHERE user_id = $1
		  AND created_at >= NOW() - INTERVAL '48 hours'
		  AND amount BETWEEN 9500 AND 9999
		  AND transaction_type = 'DEPOSIT'
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int
	var total float64
	if err := s.db.Pool.QueryRow(ctx, query, userID).Scan(&count, &total); err != nil {
		return StructuringResult{}, classify(err)
	}

	r := EvaluateStructuring(count, currentAmount)
	r.TotalAmount48h = total
	return r, nil
}

// EvaluateStructuring applies the structuring rule: three or more similar
// deposits in 48h and the current amount itself just below the threshold.
func EvaluateStructuring(similar48h int, currentAmount float64) StructuringResult {
	return StructuringResult{
		IsStructuring: similar48h >= 3 && currentAmount >= 9500 && currentAmount <= 9999,
		Similar48h:    similar48h,
	}
}

// ConnectedUsers returns up to 20 users sharing a device or IP with the
// caller over 90 days, strongest connections first, each annotated with its
// current risk level.
func (s *Store) ConnectedUsers(ctx context.Context, userID, deviceID, ipAddress string) (ConnectedUsers, error) {
	query := `
		WITH user_connections AS (
			SELECT DISTINCT
				t2.user_id,
				'shared_device' AS connection_type,
				COUNT(*) OVER (PARTITION BY t2.user_id) AS connection_strength
			FROM transactions t1
			JOIN transactions t2 ON t1.device_id = t2.device_id
			WHERE t1.user_id = $1
			  AND t2.user_id != $1
			  AND t2.created_at >= NOW() - INTERVAL '90 days'

			UNION ALL

			SELECT DISTINCT
				t2.user_id,
				'shared_ip' AS connection_type,
				COUNT(*) OVER (PARTITION BY t2.user_id) AS connection_strength
			FROM transactions t1
			JOIN transactions t2 ON t1.ip_address = t2.ip_address
			WHERE t1.user_id = $1
			  AND t2.user_id != $1
			  AND t2.created_at >= NOW() - INTERVAL '90 days'
		)
		SELECT
			user_id,
			ARRAY_AGG(DISTINCT connection_type) AS connection_types,
			SUM(connection_strength) AS total_strength
		FROM user_connections
		GROUP BY user_id
		ORDER BY total_strength DESC
		LIMIT 20
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return ConnectedUsers{}, classify(err)
	}
	defer rows.Close()

	var result ConnectedUsers
	for rows.Next() {
		var u ConnectedUser
		if err := rows.Scan(&u.UserID, pq.Array(&u.ConnectionTypes), &u.Strength); err != nil {
			return ConnectedUsers{}, classify(err)
		}
		u.RiskLevel = "LOW"
		result.Users = append(result.Users, u)
	}
	if err := rows.Err(); err != nil {
		return ConnectedUsers{}, classify(err)
	}

	if len(result.Users) == 0 {
		return result, nil
	}

	ids := make([]string, len(result.Users))
	for i, u := range result.Users {
		ids[i] = u.UserID
	}

	riskQuery := `
		SELECT user_id, risk_level
		FROM users
		WHERE user_id = ANY($1)
		  AND risk_level IN ('HIGH', 'MEDIUM')
	`

	riskRows, err := s.db.Pool.Query(ctx, riskQuery, pq.Array(ids))
	if err != nil {
		return ConnectedUsers{}, classify(err)
	}
	defer riskRows.Close()

	levels := make(map[string]string)
	for riskRows.Next() {
		var id, level string
		if err := riskRows.Scan(&id, &level); err != nil {
			return ConnectedUsers{}, classify(err)
		}
		levels[id] = level
	}
	if err := riskRows.Err(); err != nil {
		return ConnectedUsers{}, classify(err)
	}

	for i := range result.Users {
		if level, ok := levels[result.Users[i].UserID]; ok {
			result.Users[i].RiskLevel = level
		}
		if result.Users[i].RiskLevel == "HIGH" {
			result.HighRiskCount++
		}
	}

	return result, nil
}

// CoordinatedTiming buckets the given users' last-7-day transactions by hour
// and reports buckets where at least min(3, len(userIDs)) distinct users
// were active.
func (s *Store) CoordinatedTiming(ctx context.Context, userIDs []string) (CoordinatedTiming, error) {
	if len(userIDs) < 2 {
		return CoordinatedTiming{RingSize: len(userIDs)}, nil
	}

	query := `
		SELECT user_id, DATE_TRUNC('hour', created_at) AS hour_bucket
		FROM transactions
		WHERE user_id = ANY($1)
		  AND created_at >= NOW() - INTERVAL '7 days'
		GROUP BY user_id, hour_bucket
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.Pool.Query(ctx, query, pq.Array(userIDs))
	if err != nil {
		return CoordinatedTiming{}, classify(err)
	}
	defer rows.Close()

	buckets := make(map[time.Time]map[string]struct{})
	for rows.Next() {
		var userID string
		var bucket time.Time
		if err := rows.Scan(&userID, &bucket); err != nil {
			return CoordinatedTiming{}, classify(err)
		}
		if buckets[bucket] == nil {
			buckets[bucket] = make(map[string]struct{})
		}
		buckets[bucket][userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return CoordinatedTiming{}, classify(err)
	}

	threshold := len(userIDs)
	if threshold > 3 {
		threshold = 3
	}

	coordinated := 0
	for _, users := range buckets {
		if len(users) >= threshold {
			coordinated++
		}
	}

	return CoordinatedTiming{
		IsCoordinated:      coordinated > 0,
		CoordinatedWindows: coordinated,
		RingSize:           len(userIDs),
	}, nil
}

// UserFraudHistory returns the user's prior case counts from the
// historical-cases table.
func (s *Store) UserFraudHistory(ctx context.Context, userID string) (FraudHistory, error) {
	query := `
		SELECT
			COUNT(*) AS total_cases,
			COALESCE(SUM(CASE WHEN is_confirmed_fraud THEN 1 ELSE 0 END), 0) AS confirmed_fraud_cases,
			MAX(created_at) AS last_case_at,
			COALESCE(ARRAY_AGG(fraud_type) FILTER (WHERE is_confirmed_fraud), '{}') AS fraud_types
		FROM historical_fraud_cases
		WHERE user_id = $1
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var h FraudHistory
	err := s.db.Pool.QueryRow(ctx, query, userID).Scan(
		&h.TotalCases, &h.ConfirmedCases, &h.LastCaseAt, pq.Array(&h.FraudTypes),
	)
	if err != nil {
		return FraudHistory{}, classify(err)
	}
	h.HasHistory = h.ConfirmedCases > 0
	return h, nil
}

// SimilarPatterns returns up to 5 confirmed patterns referencing the user.
func (s *Store) SimilarPatterns(ctx context.Context, userID string) ([]SimilarPattern, error) {
	query := `
		SELECT pattern_id, pattern_name, pattern_type, description, estimated_risk_score
		FROM fraud_patterns
		WHERE status = 'CONFIRMED'
		  AND $1 = ANY(sample_user_ids)
		ORDER BY estimated_risk_score DESC
		LIMIT 5
	`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var patterns []SimilarPattern
	for rows.Next() {
		var p SimilarPattern
		if err := rows.Scan(&p.PatternID, &p.PatternName, &p.PatternType, &p.Description, &p.RiskScore); err != nil {
			return nil, classify(err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return patterns, nil
}

func flagRate(flagged, total int) float64 {
	if total < 1 {
		total = 1
	}
	return float64(flagged) / float64(total)
}
