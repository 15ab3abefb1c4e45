package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/models"
)

// Annotation values carried on a result.
const (
	AnnotationDegradedInputs   = "degraded_inputs"
	AnnotationLayerUnavailable = "layer_unavailable"
)

// Layer names as reported in SkippedLayers.
const (
	layerGraph   = "layer3"
	layerAnomaly = "layer4"
	layerLLM     = "layer5"
)

// Extractor is the feature layer as the orchestrator sees it.
type Extractor interface {
	Extract(ctx context.Context, tx *models.Transaction) features.Result
}

// PatternReader looks up confirmed fraud patterns referencing a user. Used
// to enrich the reasoning-layer context for borderline cases.
type PatternReader interface {
	SimilarPatterns(ctx context.Context, userID string) ([]history.SimilarPattern, error)
}

// Result is the full outcome of one investigation. Nil score pointers mean
// the corresponding layer never ran.
type Result struct {
	CaseID         string
	Decision       string
	Confidence     float64
	Features       features.Map
	FeatureCount   int
	MLScore        float64
	TopRiskFactors []string
	RingScore      *float64
	ConnectedUsers []string
	AnomalyScore   *float64
	Anomalies      []string
	CombinedScore  *float64
	LLMInvoked     bool
	Reasoning      string
	SkippedLayers  []string
	Annotations    []string
	ProcessingTime time.Duration
	Timestamp      time.Time
}

// Orchestrator runs the five-layer cascade with short-circuit gates: cheap
// layers always run, expensive ones only when the cheaper ones are
// uncertain.
type Orchestrator struct {
	cfg       configs.EngineConfig
	extractor Extractor
	ensemble  *GradientEnsemble
	graph     *GraphAnalyzer
	anomaly   *AnomalyDetector
	reasoner  Reasoner
	patterns  PatternReader
	discovery *PatternDiscovery
}

func NewOrchestrator(
	cfg configs.EngineConfig,
	extractor Extractor,
	ensemble *GradientEnsemble,
	graph *GraphAnalyzer,
	anomaly *AnomalyDetector,
	reasoner Reasoner,
	patterns PatternReader,
	discovery *PatternDiscovery,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		extractor: extractor,
		ensemble:  ensemble,
		graph:     graph,
		anomaly:   anomaly,
		reasoner:  reasoner,
		patterns:  patterns,
		discovery: discovery,
	}
}

// Investigate runs the cascade for one case. It always returns a verdict:
// layer failures degrade to neutral results or route to human review, never
// to an aborted case.
func (o *Orchestrator) Investigate(ctx context.Context, caseID string, tx *models.Transaction) *Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CaseTimeout)
	defer cancel()

	extracted := o.extractor.Extract(ctx, tx)
	f := extracted.Features

	mlScore, riskFactors := o.ensemble.Predict(f)

	r := &Result{
		CaseID:         caseID,
		Features:       f,
		FeatureCount:   len(f),
		MLScore:        mlScore,
		TopRiskFactors: riskFactors,
		Timestamp:      start.UTC(),
	}

	// Degraded history reads mean the score rests on zero-filled inputs.
	// Never auto-decide under that uncertainty.
	if len(extracted.Degraded) > 0 {
		r.Decision = models.DecisionHumanReview
		r.Confidence = 0.5
		r.Reasoning = "Historical data unavailable, deferring to human review"
		r.Annotations = append(r.Annotations, AnnotationDegradedInputs, AnnotationLayerUnavailable)
		r.SkippedLayers = []string{layerGraph, layerAnomaly, layerLLM}
		o.finish(r, start)
		return r
	}

	// Gate after the fast layer: obvious cases skip the expensive layers.
	if mlScore > o.cfg.GrayAreaMax {
		r.Decision = models.DecisionAutoBlocked
		r.Confidence = mlScore
		r.Reasoning = "High ML confidence - obvious fraud pattern"
		r.SkippedLayers = []string{layerGraph, layerAnomaly, layerLLM}
		o.finish(r, start)
		return r
	}
	if mlScore < o.cfg.GrayAreaMin {
		r.Decision = models.DecisionAutoApproved
		r.Confidence = mlScore
		r.Reasoning = "Low ML confidence - clean transaction"
		r.SkippedLayers = []string{layerGraph, layerAnomaly, layerLLM}
		o.finish(r, start)
		return r
	}

	log.Info().Str("caseId", caseID).Float64("mlScore", mlScore).
		Msg("Gray area detected, activating deep layers")

	var (
		wg      sync.WaitGroup
		ring    RingAnalysis
		ringErr error
		anomRes AnomalyResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ring, ringErr = o.graph.Analyze(ctx, tx)
	}()
	go func() {
		defer wg.Done()
		anomRes = o.anomaly.Detect(tx.UserID, f)
	}()
	wg.Wait()

	ringScore := ring.Score
	if ringErr != nil {
		ringScore = 0
		r.Annotations = append(r.Annotations, AnnotationLayerUnavailable)
		log.Warn().Err(ringErr).Str("caseId", caseID).Msg("Graph layer unavailable, scoring ring as 0")
	}

	r.RingScore = &ringScore
	r.ConnectedUsers = ring.ConnectedUsers
	r.AnomalyScore = &anomRes.Score
	r.Anomalies = anomRes.Anomalies

	combined := mlScore*0.4 + ringScore*0.3 + anomRes.Score*0.3
	r.CombinedScore = &combined

	if combined >= o.cfg.HumanReviewMin && combined <= o.cfg.HumanReviewMax {
		o.reasonBorderline(ctx, r, tx, mlScore, ringScore, anomRes, combined)
	} else {
		r.Confidence = combined
		switch {
		case combined >= o.cfg.GrayAreaMax:
			r.Decision = models.DecisionAutoBlocked
			r.Reasoning = fmt.Sprintf("Combined analysis indicates fraud (score: %.2f)", combined)
		case combined <= o.cfg.GrayAreaMin:
			r.Decision = models.DecisionAutoApproved
			r.Reasoning = fmt.Sprintf("Combined analysis indicates legitimate (score: %.2f)", combined)
		default:
			r.Decision = models.DecisionHumanReview
			r.Reasoning = fmt.Sprintf("Uncertain case requires human judgment (score: %.2f)", combined)
		}
	}

	o.finish(r, start)
	return r
}

// reasonBorderline runs the reasoning layer for combined scores in the
// human-review band. Any failure becomes the neutral human-review verdict.
func (o *Orchestrator) reasonBorderline(ctx context.Context, r *Result, tx *models.Transaction,
	mlScore, ringScore float64, anomRes AnomalyResult, combined float64) {

	log.Info().Str("caseId", r.CaseID).Float64("combined", combined).
		Msg("Borderline case, activating reasoning layer")

	flags := append(append([]string{}, anomRes.Anomalies...), r.TopRiskFactors...)
	if o.patterns != nil {
		similar, err := o.patterns.SimilarPatterns(ctx, tx.UserID)
		if err != nil {
			log.Warn().Err(err).Str("caseId", r.CaseID).Msg("Pattern lookup failed, reasoning without it")
		}
		for _, p := range similar {
			flags = append(flags, "known_pattern:"+p.PatternType)
		}
	}

	r.LLMInvoked = true
	out, err := o.reasoner.Reason(ctx, ReasonInput{
		CaseID:       r.CaseID,
		Transaction:  tx,
		Features:     r.Features,
		MLScore:      mlScore,
		RingScore:    ringScore,
		AnomalyScore: anomRes.Score,
		KeyFlags:     flags,
	})
	if err != nil {
		log.Error().Err(err).Str("caseId", r.CaseID).Msg("Reasoning layer failed")
		r.Decision = models.DecisionHumanReview
		r.Confidence = 0.5
		r.Reasoning = "LLM analysis failed"
		return
	}

	r.Decision = out.Recommendation
	r.Confidence = out.Confidence
	r.Reasoning = out.Reasoning
}

func (o *Orchestrator) finish(r *Result, start time.Time) {
	r.ProcessingTime = time.Since(start)

	if o.discovery != nil {
		o.discovery.Record(CaseRecord{
			CaseID:    r.CaseID,
			Decision:  r.Decision,
			Features:  r.Features,
			Timestamp: r.Timestamp,
		})
	}

	log.Info().
		Str("caseId", r.CaseID).
		Str("decision", r.Decision).
		Float64("confidence", r.Confidence).
		Dur("elapsed", r.ProcessingTime).
		Msg("Investigation complete")
}
