package llm

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/models"
	"github.com/enterprise/fraud-investigator/internal/scoring"
)

// ErrLLMUnavailable marks reasoning failures: transport errors, open
// breaker, non-2xx responses, or unparseable output.
var ErrLLMUnavailable = errors.New("llm_unavailable")

const systemPrompt = "You are a fraud analyst. Respond only in valid JSON."

// Client calls an OpenAI-compatible chat-completions endpoint for borderline
// cases. Identical contexts hit an in-memory cache instead of the API, and a
// circuit breaker sheds load when the provider misbehaves.
type Client struct {
	cfg     configs.LLMConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *lru.Cache[string, scoring.ReasonOutput]
}

func NewClient(cfg configs.LLMConfig) (*Client, error) {
	cache, err := lru.New[string, scoring.ReasonOutput](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		cache:   cache,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type verdictJSON struct {
	Recommendation string  `json:"recommendation"`
	Reasoning      string  `json:"reasoning"`
	Confidence     float64 `json:"confidence"`
}

// Reason asks the model for a verdict on a borderline case. Errors map to
// ErrLLMUnavailable; the orchestrator falls back to human review.
func (c *Client) Reason(ctx context.Context, in scoring.ReasonInput) (scoring.ReasonOutput, error) {
	caseContext := buildContext(in)

	key, err := contextHash(caseContext)
	if err != nil {
		return scoring.ReasonOutput{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	if cached, ok := c.cache.Get(key); ok {
		log.Debug().Str("caseId", in.CaseID).Msg("Reasoning cache hit")
		return cached, nil
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, caseContext)
	})
	if err != nil {
		return scoring.ReasonOutput{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	out, err := parseVerdict(raw.(string))
	if err != nil {
		return scoring.ReasonOutput{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	c.cache.Add(key, out)
	return out, nil
}

// buildContext projects the case into the compact structure the prompt
// embeds. Maps keep the JSON keys sorted, so equal cases hash equally.
func buildContext(in scoring.ReasonInput) map[string]interface{} {
	return map[string]interface{}{
		"transaction": map[string]interface{}{
			"amount": in.Transaction.Amount,
			"type":   in.Transaction.TransactionType,
		},
		"user": map[string]interface{}{
			"income":             in.Transaction.UserProfile.DeclaredMonthlyIncome,
			"account_age_days":   in.Features["account_age_days"],
			"total_transactions": in.Features["total_transactions"],
		},
		"risk_signals": map[string]interface{}{
			"ml_score":         in.MLScore,
			"ring_probability": in.RingScore,
			"anomaly_score":    in.AnomalyScore,
			"key_flags":        in.KeyFlags,
		},
	}
}

func contextHash(caseContext map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(caseContext)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Client) complete(ctx context.Context, caseContext map[string]interface{}) (string, error) {
	contextJSON, err := json.MarshalIndent(caseContext, "", "  ")
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(`Analyze this borderline fraud case:

%s

This case is in the gray area (40-60%% confidence). Provide:
1. Final recommendation: APPROVE, BLOCK, or HUMAN_REVIEW
2. Reasoning (2 sentences max)
3. Confidence (0-1)

Respond in JSON:
{"recommendation": "...", "reasoning": "...", "confidence": 0.XX}`, contextJSON)

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completions returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// parseVerdict extracts the JSON object from the model output, which may be
// wrapped in prose or code fences.
func parseVerdict(output string) (scoring.ReasonOutput, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return scoring.ReasonOutput{}, errors.New("no JSON object in model output")
	}

	var v verdictJSON
	if err := json.Unmarshal([]byte(output[start:end+1]), &v); err != nil {
		return scoring.ReasonOutput{}, err
	}

	decision, err := mapRecommendation(v.Recommendation)
	if err != nil {
		return scoring.ReasonOutput{}, err
	}

	confidence := v.Confidence
	if confidence < 0 || confidence > 1 {
		confidence = 0.5
	}

	return scoring.ReasonOutput{
		Recommendation: decision,
		Reasoning:      v.Reasoning,
		Confidence:     confidence,
	}, nil
}

func mapRecommendation(raw string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE", "AUTO_APPROVED":
		return models.DecisionAutoApproved, nil
	case "BLOCK", "AUTO_BLOCKED":
		return models.DecisionAutoBlocked, nil
	case "HUMAN_REVIEW", "REVIEW":
		return models.DecisionHumanReview, nil
	default:
		return "", fmt.Errorf("unrecognized recommendation %q", raw)
	}
}
