package scoring

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/enterprise/fraud-investigator/internal/features"
)

// sequenceDim is the projected feature vector compared across a user's
// recent transactions.
const sequenceDim = 6

// sequenceLen caps how many recent transactions are kept per user.
const sequenceLen = 10

var sequenceKeys = [sequenceDim]string{
	"amount_log", "amount_income_ratio", "account_age_log",
	"ip_anonymity_score", "network_risk_score", "doc_risk",
}

type vector [sequenceDim]float64

// userSequence is a FIFO of a user's recent projected vectors.
type userSequence struct {
	mu      sync.Mutex
	vectors []vector
}

// AnomalyResult names the behavioral anomalies found in a case.
type AnomalyResult struct {
	Score     float64
	Anomalies []string
}

// AnomalyDetector compares each transaction against the user's recent
// behavior and a small library of known fraud signatures. Per-user sequences
// live in an LRU so memory stays bounded across the user population.
type AnomalyDetector struct {
	sequences *lru.Cache[string, *userSequence]
	patterns  []fraudSignature
}

type fraudSignature struct {
	name string
	sig  vector
}

func NewAnomalyDetector(cacheSize int) (*AnomalyDetector, error) {
	cache, err := lru.New[string, *userSequence](cacheSize)
	if err != nil {
		return nil, err
	}
	return &AnomalyDetector{
		sequences: cache,
		patterns: []fraudSignature{
			{"rapid_escalation", vector{5.0, 15.0, 0.5, 0.7, 0.6, 0.6}},
			{"structuring", vector{3.0, 9.9, 1.0, 0.3, 0.4, 0.2}},
			{"account_takeover", vector{4.0, 10.0, 3.0, 0.8, 0.7, 0.5}},
		},
	}, nil
}

// Detect appends the case to the user's sequence and scores it: +0.4 for a
// sudden deviation from the user's own history, +0.3 per matched fraud
// signature, clipped to 1.0.
func (d *AnomalyDetector) Detect(userID string, f features.Map) AnomalyResult {
	v := project(f)

	seq, ok := d.sequences.Get(userID)
	if !ok {
		seq = &userSequence{}
		d.sequences.Add(userID, seq)
	}

	seq.mu.Lock()
	seq.vectors = append(seq.vectors, v)
	if len(seq.vectors) > sequenceLen {
		seq.vectors = seq.vectors[1:]
	}
	deviation := sequenceDeviation(seq.vectors)
	seq.mu.Unlock()

	var result AnomalyResult
	if deviation > 0.7 {
		result.Anomalies = append(result.Anomalies, "sudden_behavior_change")
		result.Score += 0.4
	}

	for _, p := range d.patterns {
		if distance(v, p.sig) < 2.0 {
			result.Anomalies = append(result.Anomalies, p.name)
			result.Score += 0.3
		}
	}

	if result.Score > 1.0 {
		result.Score = 1.0
	}
	return result
}

// TrackedUsers reports how many user sequences are currently cached.
func (d *AnomalyDetector) TrackedUsers() int {
	return d.sequences.Len()
}

func project(f features.Map) vector {
	var v vector
	for i, k := range sequenceKeys {
		v[i] = f[k]
	}
	return v
}

// sequenceDeviation is the distance between the latest vector and the mean
// of the prior ones, scaled into [0, 1]. Needs at least one prior vector.
func sequenceDeviation(vectors []vector) float64 {
	if len(vectors) < 2 {
		return 0
	}

	var mean vector
	prior := vectors[:len(vectors)-1]
	for _, v := range prior {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(prior))
	}

	d := distance(vectors[len(vectors)-1], mean)
	return math.Min(d/10, 1.0)
}

func distance(a, b vector) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
