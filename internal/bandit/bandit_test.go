package bandit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/internal/cache"
)

func newTestRouter(t *testing.T, store *cache.Layer) *Router {
	t.Helper()
	return NewRouter(Config{}, store, zap.NewNop(),
		WithRandSource(rand.NewSource(42)),
		WithClock(clock.NewMock()))
}

func TestRouterDefaultsToUniformPriors(t *testing.T) {
	r := newTestRouter(t, nil)

	arms := r.Snapshot()
	require.Len(t, arms, 4)
	for _, arm := range arms {
		assert.Equal(t, 1.0, arm.Alpha)
		assert.Equal(t, 1.0, arm.Beta)
		assert.Zero(t, arm.TotalPulls)
	}
}

func TestRouterUpdateMovesPosterior(t *testing.T) {
	r := newTestRouter(t, nil)

	r.Update(ArmFastChat, 1.0)
	r.Update(ArmFastChat, 0.5)

	arm := r.Snapshot()[ArmFastChat]
	assert.InDelta(t, 2.5, arm.Alpha, 1e-9)
	assert.InDelta(t, 1.5, arm.Beta, 1e-9)
	assert.Equal(t, int64(2), arm.TotalPulls)
	assert.InDelta(t, 1.5, arm.TotalRewards, 1e-9)
}

func TestRouterUpdateClampsReward(t *testing.T) {
	r := newTestRouter(t, nil)

	r.Update(ArmHybridMode, 5.0)
	r.Update(ArmHybridMode, -3.0)

	arm := r.Snapshot()[ArmHybridMode]
	assert.InDelta(t, 2.0, arm.Alpha, 1e-9) // 1 + 1 + 0
	assert.InDelta(t, 2.0, arm.Beta, 1e-9)  // 1 + 0 + 1
	assert.InDelta(t, 1.0, arm.TotalRewards, 1e-9)
}

func TestRouterUpdateRegistersUnknownArm(t *testing.T) {
	r := newTestRouter(t, nil)

	r.Update("experimental", 1.0)
	arm, ok := r.Snapshot()["experimental"]
	require.True(t, ok)
	assert.InDelta(t, 2.0, arm.Alpha, 1e-9)
}

func TestRouterConvergesToBetterArm(t *testing.T) {
	r := NewRouter(Config{Arms: []string{"good", "bad"}}, nil, zap.NewNop(),
		WithRandSource(rand.NewSource(7)))
	rewardRNG := rand.New(rand.NewSource(11))

	pulls := map[string]int{}
	const rounds = 200
	for i := 0; i < rounds; i++ {
		arm, err := r.SelectArm()
		require.NoError(t, err)
		pulls[arm]++

		// good pays off 90% of the time, bad 30%.
		p := 0.9
		if arm == "bad" {
			p = 0.3
		}
		reward := 0.0
		if rewardRNG.Float64() < p {
			reward = 1.0
		}
		r.Update(arm, reward)
	}

	goodShare := float64(pulls["good"]) / float64(rounds)
	assert.Greater(t, goodShare, 0.8, "good arm share was %.2f", goodShare)
}

func TestRouterExplorationFloorKeepsAllArmsAlive(t *testing.T) {
	r := NewRouter(Config{Arms: []string{"a", "b"}, MinExplorationRate: 0.5}, nil, zap.NewNop(),
		WithRandSource(rand.NewSource(3)))

	// Make "a" overwhelmingly dominant.
	for i := 0; i < 100; i++ {
		r.Update("a", 1.0)
		r.Update("b", 0.0)
	}

	pulls := map[string]int{}
	for i := 0; i < 500; i++ {
		arm, err := r.SelectArm()
		require.NoError(t, err)
		pulls[arm]++
	}
	assert.Greater(t, pulls["b"], 0, "exploration floor should still pull the weak arm")
}

func TestRouterSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := cache.NewLayer(100, nil, zap.NewNop())

	r := newTestRouter(t, store)
	r.Update(ArmSearchAugmented, 1.0)
	r.Update(ArmSearchAugmented, 1.0)
	r.Update(ArmFastChat, 0.0)
	r.Save(ctx)

	restored := newTestRouter(t, store)
	require.True(t, restored.Load(ctx))

	arms := restored.Snapshot()
	assert.InDelta(t, 3.0, arms[ArmSearchAugmented].Alpha, 1e-9)
	assert.InDelta(t, 1.0, arms[ArmSearchAugmented].Beta, 1e-9)
	assert.InDelta(t, 2.0, arms[ArmFastChat].Beta, 1e-9)
	assert.Equal(t, int64(2), arms[ArmSearchAugmented].TotalPulls)
}

func TestRouterLoadResetsCorruptPosterior(t *testing.T) {
	ctx := context.Background()
	store := cache.NewLayer(100, nil, zap.NewNop())

	state := State{
		StartTime:          time.Now(),
		MinExplorationRate: 0.05,
		Arms: map[string]*Arm{
			ArmFastChat: {ArmID: ArmFastChat, Alpha: 0.2, Beta: -1},
		},
	}
	store.SetJSON(ctx, stateKey, state, time.Hour)

	r := newTestRouter(t, store)
	require.True(t, r.Load(ctx))

	arm := r.Snapshot()[ArmFastChat]
	assert.Equal(t, 1.0, arm.Alpha)
	assert.Equal(t, 1.0, arm.Beta)
}

func TestRouterLoadWithoutStateReturnsFalse(t *testing.T) {
	store := cache.NewLayer(100, nil, zap.NewNop())
	r := newTestRouter(t, store)
	assert.False(t, r.Load(context.Background()))
}

func TestSampleBetaStaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 0.5+rng.Float64()*10, 0.5+rng.Float64()*10)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestSampleBetaMeanTracksPosterior(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	var sum float64
	const n = 5000
	for i := 0; i < n; i++ {
		sum += sampleBeta(rng, 8, 2)
	}
	assert.InDelta(t, 0.8, sum/n, 0.02)
}
