package scoring

import (
	"context"

	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/models"
)

// ReasonInput is everything the reasoning layer sees about a borderline
// case.
type ReasonInput struct {
	CaseID       string
	Transaction  *models.Transaction
	Features     features.Map
	MLScore      float64
	RingScore    float64
	AnomalyScore float64
	KeyFlags     []string
}

// ReasonOutput is the reasoning layer's verdict. Recommendation uses the
// engine decision constants.
type ReasonOutput struct {
	Recommendation string
	Reasoning      string
	Confidence     float64
}

// Reasoner resolves borderline cases that the deterministic layers could
// not. Failures fall back to human review.
type Reasoner interface {
	Reason(ctx context.Context, in ReasonInput) (ReasonOutput, error)
}
