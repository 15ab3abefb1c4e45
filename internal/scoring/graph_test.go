package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/models"
)

type stubGraphStore struct {
	connections history.ConnectedUsers
	timing      history.CoordinatedTiming
	connErr     error
	timingErr   error

	timingRing []string
}

func (s *stubGraphStore) ConnectedUsers(context.Context, string, string, string) (history.ConnectedUsers, error) {
	return s.connections, s.connErr
}

func (s *stubGraphStore) CoordinatedTiming(_ context.Context, ids []string) (history.CoordinatedTiming, error) {
	s.timingRing = ids
	return s.timing, s.timingErr
}

func ringUsers(n, highRisk int) history.ConnectedUsers {
	c := history.ConnectedUsers{HighRiskCount: highRisk}
	for i := 0; i < n; i++ {
		c.Users = append(c.Users, history.ConnectedUser{UserID: string(rune('a' + i))})
	}
	return c
}

func graphTx() *models.Transaction {
	return &models.Transaction{UserID: "caller", DeviceID: "d", IPAddress: "ip"}
}

func TestGraphAnalyzerDenseCoordinatedRing(t *testing.T) {
	store := &stubGraphStore{
		connections: ringUsers(6, 2),
		timing:      history.CoordinatedTiming{IsCoordinated: true, CoordinatedWindows: 3},
	}
	g := NewGraphAnalyzer(store)

	r, err := g.Analyze(context.Background(), graphTx())
	require.NoError(t, err)
	// 0.5 connections + 0.4 high risk + 0.3 timing, clipped
	assert.InDelta(t, 1.0, r.Score, 1e-9)
	assert.True(t, r.Coordinated)
	assert.Len(t, r.ConnectedUsers, 6)
	// timing checked over the caller plus connections
	assert.Equal(t, "caller", store.timingRing[0])
	assert.Len(t, store.timingRing, 7)
}

func TestGraphAnalyzerScoreTiers(t *testing.T) {
	cases := []struct {
		users, highRisk int
		want            float64
	}{
		{0, 0, 0.0},
		{1, 0, 0.1},
		{3, 0, 0.3},
		{5, 0, 0.5},
		{3, 1, 0.5},
		{5, 2, 0.9},
	}
	for _, tc := range cases {
		store := &stubGraphStore{connections: ringUsers(tc.users, tc.highRisk)}
		g := NewGraphAnalyzer(store)
		r, err := g.Analyze(context.Background(), graphTx())
		require.NoError(t, err)
		assert.InDelta(t, tc.want, r.Score, 1e-9, "users=%d highRisk=%d", tc.users, tc.highRisk)
	}
}

func TestGraphAnalyzerTimingRingCappedAtTen(t *testing.T) {
	store := &stubGraphStore{connections: ringUsers(15, 0)}
	g := NewGraphAnalyzer(store)

	_, err := g.Analyze(context.Background(), graphTx())
	require.NoError(t, err)
	assert.Len(t, store.timingRing, 11) // caller + first 10
}

func TestGraphAnalyzerSkipsTimingForSparseRings(t *testing.T) {
	store := &stubGraphStore{connections: ringUsers(1, 0)}
	g := NewGraphAnalyzer(store)

	r, err := g.Analyze(context.Background(), graphTx())
	require.NoError(t, err)
	assert.Nil(t, store.timingRing)
	assert.InDelta(t, 0.1, r.Score, 1e-9)
}

func TestGraphAnalyzerTimingFailureDropsOnlyThatComponent(t *testing.T) {
	store := &stubGraphStore{
		connections: ringUsers(5, 0),
		timingErr:   history.ErrStorageTimeout,
	}
	g := NewGraphAnalyzer(store)

	r, err := g.Analyze(context.Background(), graphTx())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.Score, 1e-9)
	assert.False(t, r.Coordinated)
}

func TestGraphAnalyzerConnectionFailureFailsLayer(t *testing.T) {
	store := &stubGraphStore{connErr: errors.New("pool exhausted")}
	g := NewGraphAnalyzer(store)

	_, err := g.Analyze(context.Background(), graphTx())
	assert.Error(t, err)
}
