package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/models"
)

func blockedCase(id string, f features.Map) CaseRecord {
	return CaseRecord{CaseID: id, Decision: models.DecisionAutoBlocked, Features: f}
}

func TestPatternDiscoveryEmitsAfterEnoughSupport(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)

	for i := 0; i < minPatternOccurrences; i++ {
		p.Record(blockedCase(fmt.Sprintf("c%d", i), features.Map{"amount_income_ratio": 12}))
	}

	found := p.Mine(time.Now())
	require.Len(t, found, 1)
	assert.Equal(t, "extreme_income_mismatch", found[0].Type)
	assert.Equal(t, minPatternOccurrences, found[0].Occurrences)
	assert.InDelta(t, 0.95, found[0].Precision, 1e-9)
	assert.InDelta(t, 0.85, found[0].Recall, 1e-9)
	assert.NotEmpty(t, found[0].ID)
}

func TestPatternDiscoveryIgnoresApprovedCases(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)

	for i := 0; i < 20; i++ {
		p.Record(CaseRecord{
			CaseID:   fmt.Sprintf("c%d", i),
			Decision: models.DecisionAutoApproved,
			Features: features.Map{"amount_income_ratio": 12},
		})
	}
	assert.Empty(t, p.Mine(time.Now()))
}

func TestPatternDiscoveryDoesNotReEmitKnownTypes(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)

	for i := 0; i < 10; i++ {
		p.Record(blockedCase(fmt.Sprintf("c%d", i), features.Map{"is_structuring": 1}))
	}
	first := p.Mine(time.Now())
	require.Len(t, first, 1)
	assert.Equal(t, "deposit_structuring", first[0].Type)

	// second round refreshes the known pattern instead of duplicating it
	assert.Empty(t, p.Mine(time.Now()))
	assert.Len(t, p.Discovered(), 1)
}

func TestPatternDiscoveryMultipleSignatures(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)

	for i := 0; i < 6; i++ {
		p.Record(blockedCase(fmt.Sprintf("a%d", i), features.Map{
			"amount_income_ratio": 15,
			"ip_anonymity_score":  0.75,
		}))
	}

	found := p.Mine(time.Now())
	types := make([]string, len(found))
	for i, f := range found {
		types[i] = f.Type
	}
	assert.ElementsMatch(t, []string{"extreme_income_mismatch", "anonymized_network_cluster"}, types)
}

func TestPatternDiscoveryRingBounded(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)

	for i := 0; i < caseHistorySize+500; i++ {
		p.Record(blockedCase(fmt.Sprintf("c%d", i), features.Map{}))
	}
	assert.Equal(t, caseHistorySize, p.CaseCount())
}

func TestPatternDiscoveryMaybeMineHonorsInterval(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)
	for i := 0; i < 6; i++ {
		p.Record(blockedCase(fmt.Sprintf("c%d", i), features.Map{"amount_income_ratio": 12}))
	}

	now := time.Now()
	require.NotEmpty(t, p.MaybeMine(now)) // first round: interval elapsed since zero time

	for i := 0; i < 6; i++ {
		p.Record(blockedCase(fmt.Sprintf("d%d", i), features.Map{"is_structuring": 1}))
	}
	assert.Nil(t, p.MaybeMine(now.Add(10*time.Second)))
	assert.NotEmpty(t, p.MaybeMine(now.Add(301*time.Second)))
}

func TestPatternRestore(t *testing.T) {
	p := NewPatternDiscovery(300 * time.Second)
	p.RestorePatterns([]Pattern{{ID: "PTN-1", Type: "deposit_structuring"}})
	assert.Len(t, p.Discovered(), 1)

	// restored types are treated as known by subsequent mining
	for i := 0; i < 6; i++ {
		p.Record(blockedCase(fmt.Sprintf("c%d", i), features.Map{"is_structuring": 1}))
	}
	assert.Empty(t, p.Mine(time.Now()))
}
