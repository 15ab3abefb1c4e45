package scoring

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/models"
)

// GraphReader is the slice of the historical datastore the ring analyzer
// needs.
type GraphReader interface {
	ConnectedUsers(ctx context.Context, userID, deviceID, ipAddress string) (history.ConnectedUsers, error)
	CoordinatedTiming(ctx context.Context, userIDs []string) (history.CoordinatedTiming, error)
}

// RingAnalysis is the fraud-ring verdict for one case.
type RingAnalysis struct {
	Score          float64
	ConnectedUsers []string
	HighRiskCount  int
	Coordinated    bool
}

// GraphAnalyzer scores fraud-ring likelihood from shared-infrastructure
// connections and coordinated timing.
type GraphAnalyzer struct {
	store GraphReader
}

func NewGraphAnalyzer(store GraphReader) *GraphAnalyzer {
	return &GraphAnalyzer{store: store}
}

// Analyze computes the ring score. Additive components: connection count
// (+0.5 / +0.3 / +0.1), high-risk connections (+0.4 / +0.2), coordinated
// timing (+0.3), clipped to 1.0. A coordinated-timing query failure drops
// only that component; a connected-users failure fails the layer.
func (g *GraphAnalyzer) Analyze(ctx context.Context, tx *models.Transaction) (RingAnalysis, error) {
	connections, err := g.store.ConnectedUsers(ctx, tx.UserID, tx.DeviceID, tx.IPAddress)
	if err != nil {
		return RingAnalysis{}, err
	}

	users := make([]string, len(connections.Users))
	for i, u := range connections.Users {
		users[i] = u.UserID
	}

	score := 0.0
	switch {
	case len(users) >= 5:
		score += 0.5
	case len(users) >= 3:
		score += 0.3
	case len(users) >= 1:
		score += 0.1
	}

	switch {
	case connections.HighRiskCount >= 2:
		score += 0.4
	case connections.HighRiskCount >= 1:
		score += 0.2
	}

	coordinated := false
	if len(users) >= 2 {
		ring := append([]string{tx.UserID}, users[:min(len(users), 10)]...)
		timing, err := g.store.CoordinatedTiming(ctx, ring)
		if err != nil {
			log.Warn().Err(err).Str("userId", tx.UserID).Msg("Coordinated-timing query degraded")
		} else if timing.IsCoordinated {
			coordinated = true
			score += 0.3
			log.Info().
				Int("windows", timing.CoordinatedWindows).
				Int("ringSize", timing.RingSize).
				Msg("Coordinated timing detected")
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	return RingAnalysis{
		Score:          score,
		ConnectedUsers: users,
		HighRiskCount:  connections.HighRiskCount,
		Coordinated:    coordinated,
	}, nil
}
