package resonance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/resonance/pkg/trigram"
)

func target(intent string, charge float64, tags []string, createdAt time.Time) Target {
	return Target{
		Vector:    trigram.Encode(intent),
		Tags:      tags,
		Charge:    charge,
		CreatedAt: createdAt,
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	tgt := target("find hiking partners", 0.5, []string{"hiking"}, now.Add(-48*time.Hour))
	input := "looking for hiking partners this weekend"
	vec := trigram.Encode(input)

	a := s.Score(input, vec, tgt, now)
	b := s.Score(input, vec, tgt, now)
	assert.Equal(t, a, b)
}

func TestScoreSelfMatchCapped(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	intent := "find consciousness researchers for collaboration"
	tgt := target(intent, 0.7, nil, now.Add(-48*time.Hour))

	res := s.Score(intent, trigram.Encode(intent), tgt, now)

	// cosine 1.0 x multiplier 1.35 caps at 1.0, always entangled.
	assert.InDelta(t, 1.0, res.Details.Cosine, 1e-9)
	assert.InDelta(t, 1.35, res.Details.ChargeMultiplier, 1e-12)
	assert.Equal(t, 1.0, res.Strength)
	assert.Equal(t, TypeEntangled, res.Type)
}

func TestScoreChargeMonotonic(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	input := "learning about distributed systems"
	vec := trigram.Encode(input)

	prev := -1.0
	for _, charge := range []float64{0, 0.1, 0.25, 0.5, 0.7, 0.9, 1.0} {
		tgt := target("distributed systems reading group", charge, nil, now.Add(-48*time.Hour))
		res := s.Score(input, vec, tgt, now)
		assert.GreaterOrEqual(t, res.Strength, prev, "charge %v", charge)
		prev = res.Strength
	}
}

func TestScoreChargeMultiplierCeiling(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	tgt := target("anything", 1.0, nil, now.Add(-48*time.Hour))
	res := s.Score("anything", trigram.Encode("anything"), tgt, now)
	assert.InDelta(t, 1.5, res.Details.ChargeMultiplier, 1e-12)
}

func TestTagBonus(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	input := "I'm working on consciousness research and looking for collaborators"
	vec := trigram.Encode(input)

	// One tag hit: "research" is a substring (inside "research"), while
	// "collaboration" is not a substring of "collaborators".
	tgt := target("unrelated intent", 0, []string{"research", "collaboration"}, now.Add(-48*time.Hour))
	res := s.Score(input, vec, tgt, now)
	assert.InDelta(t, 0.1, res.Details.TagBonus, 1e-12)
	assert.Equal(t, []string{"research"}, res.Details.TagHits)

	// Case-insensitive.
	tgt = target("unrelated intent", 0, []string{"RESEARCH"}, now.Add(-48*time.Hour))
	res = s.Score(input, vec, tgt, now)
	assert.InDelta(t, 0.1, res.Details.TagBonus, 1e-12)

	// Capped at 0.2 despite three hits.
	tgt = target("unrelated intent", 0, []string{"research", "working", "looking"}, now.Add(-48*time.Hour))
	res = s.Score(input, vec, tgt, now)
	assert.InDelta(t, 0.2, res.Details.TagBonus, 1e-12)
	assert.Len(t, res.Details.TagHits, 3)
}

func TestRecencyBonus(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()
	input := "zzz"
	vec := trigram.Encode(input)

	fresh := s.Score(input, vec, target("qqq", 0, nil, now), now)
	assert.InDelta(t, 0.1, fresh.Details.RecencyBonus, 1e-12)

	halfway := s.Score(input, vec, target("qqq", 0, nil, now.Add(-12*time.Hour)), now)
	assert.InDelta(t, 0.05, halfway.Details.RecencyBonus, 1e-9)

	stale := s.Score(input, vec, target("qqq", 0, nil, now.Add(-25*time.Hour)), now)
	assert.Equal(t, 0.0, stale.Details.RecencyBonus)
}

func TestClassifyBoundaries(t *testing.T) {
	s := NewScorer(DefaultParams())

	cases := []struct {
		strength float64
		want     Type
	}{
		{1.0, TypeEntangled},
		{0.8, TypeEntangled},
		{0.79999, TypeStrong},
		{0.6, TypeStrong},
		{0.59999, TypeSubtle},
		{0.4, TypeSubtle},
		{0.39999, TypeFaint},
		{0.2, TypeFaint},
		{0.19999, TypeMinimal},
		{0.0, TypeMinimal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, s.Classify(c.strength), "strength %v", c.strength)
	}
}

func TestConcreteScenario(t *testing.T) {
	s := NewScorer(DefaultParams())
	now := time.Now()

	tgt := target("Find consciousness researchers for collaboration", 0.9,
		[]string{"research", "collaboration"}, now)
	input := "I'm working on consciousness research and looking for collaborators"

	res := s.Score(input, trigram.Encode(input), tgt, now)
	require.Greater(t, res.Strength, 0.4)
	assert.NotEqual(t, TypeMinimal, res.Type)
	assert.NotEqual(t, TypeFaint, res.Type)
}
