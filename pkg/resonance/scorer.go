// Package resonance blends trigram cosine similarity with charge, tag and
// recency adjustments into a final match strength, and classifies that
// strength into ordinal bands.
package resonance

import (
	"strings"
	"time"

	"github.com/kittclouds/resonance/pkg/trigram"
)

// Type is the qualitative band a strength falls into.
type Type string

const (
	TypeEntangled Type = "entangled"
	TypeStrong    Type = "strong"
	TypeSubtle    Type = "subtle"
	TypeFaint     Type = "faint"
	TypeMinimal   Type = "minimal"
)

// Params holds the scoring constants. The defaults are carried over from the
// original tuning for behavioral compatibility; treat them as configuration
// rather than derived values.
type Params struct {
	ChargeSlope     float64       `json:"chargeSlope" yaml:"charge_slope"`
	ChargeCeiling   float64       `json:"chargeCeiling" yaml:"charge_ceiling"`
	TagHitBonus     float64       `json:"tagHitBonus" yaml:"tag_hit_bonus"`
	TagBonusCap     float64       `json:"tagBonusCap" yaml:"tag_bonus_cap"`
	RecencyWindow   time.Duration `json:"recencyWindow" yaml:"recency_window"`
	RecencyBonusMax float64       `json:"recencyBonusMax" yaml:"recency_bonus_max"`

	// StoreFloor is the noise filter: resonances at or below it are discarded.
	StoreFloor float64 `json:"storeFloor" yaml:"store_floor"`
	// Significant marks the strength above which a tendril's lastPulseAt is
	// refreshed.
	Significant float64 `json:"significant" yaml:"significant"`
	// Strong is the default convergence / stats threshold.
	Strong float64 `json:"strong" yaml:"strong"`

	// Band lower bounds, inclusive, strongest first.
	EntangledAt float64 `json:"entangledAt" yaml:"entangled_at"`
	StrongAt    float64 `json:"strongAt" yaml:"strong_at"`
	SubtleAt    float64 `json:"subtleAt" yaml:"subtle_at"`
	FaintAt     float64 `json:"faintAt" yaml:"faint_at"`
}

func DefaultParams() Params {
	return Params{
		ChargeSlope:     0.5,
		ChargeCeiling:   1.5,
		TagHitBonus:     0.1,
		TagBonusCap:     0.2,
		RecencyWindow:   24 * time.Hour,
		RecencyBonusMax: 0.1,
		StoreFloor:      0.1,
		Significant:     0.4,
		Strong:          0.6,
		EntangledAt:     0.8,
		StrongAt:        0.6,
		SubtleAt:        0.4,
		FaintAt:         0.2,
	}
}

// Details breaks down the scoring contributions, retained for
// explainability and never re-read by the engine.
type Details struct {
	Cosine           float64  `json:"cosine"`
	ChargeMultiplier float64  `json:"chargeMultiplier"`
	TagBonus         float64  `json:"tagBonus"`
	TagHits          []string `json:"tagHits,omitempty"`
	RecencyBonus     float64  `json:"recencyBonus"`
}

// Result is a scored match.
type Result struct {
	Strength float64
	Type     Type
	Details  Details
}

// Target is the standing side of a match: an intent's encoded vector plus
// the attributes that adjust its score.
type Target struct {
	Vector    trigram.Vector
	Tags      []string
	Charge    float64
	CreatedAt time.Time
}

// Scorer scores encoded inputs against targets.
type Scorer struct {
	params Params
}

func NewScorer(params Params) *Scorer {
	return &Scorer{params: params}
}

func (s *Scorer) Params() Params {
	return s.params
}

// Score blends cosine similarity with the charge multiplier, tag bonus and
// recency bonus, capping the result at 1.0.
//
// rawInput is the original (un-normalized) pulse text, used for the
// case-insensitive tag substring check.
func (s *Scorer) Score(rawInput string, input trigram.Vector, target Target, now time.Time) Result {
	cos := trigram.Cosine(input, target.Vector)

	mult := 1.0 + target.Charge*s.params.ChargeSlope
	if mult > s.params.ChargeCeiling {
		mult = s.params.ChargeCeiling
	}

	tagBonus, hits := s.tagBonus(rawInput, target.Tags)
	recency := s.recencyBonus(target.CreatedAt, now)

	strength := cos*mult + tagBonus + recency
	if strength > 1.0 {
		strength = 1.0
	}

	return Result{
		Strength: strength,
		Type:     s.Classify(strength),
		Details: Details{
			Cosine:           cos,
			ChargeMultiplier: mult,
			TagBonus:         tagBonus,
			TagHits:          hits,
			RecencyBonus:     recency,
		},
	}
}

// tagBonus counts tags occurring as case-insensitive substrings of the raw
// input. Nested and overlapping tags each count, which rules out an
// Aho-Corasick pass here (its match kinds suppress nested hits).
func (s *Scorer) tagBonus(rawInput string, tags []string) (float64, []string) {
	if len(tags) == 0 {
		return 0, nil
	}

	lowered := strings.ToLower(rawInput)
	var hits []string
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(tag)) {
			hits = append(hits, tag)
		}
	}

	bonus := float64(len(hits)) * s.params.TagHitBonus
	if bonus > s.params.TagBonusCap {
		bonus = s.params.TagBonusCap
	}
	return bonus, hits
}

// recencyBonus decays linearly from RecencyBonusMax at age zero to nothing
// at the window edge.
func (s *Scorer) recencyBonus(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	if age >= s.params.RecencyWindow {
		return 0
	}
	frac := 1.0 - float64(age)/float64(s.params.RecencyWindow)
	return s.params.RecencyBonusMax * frac
}

// Classify maps a strength to its band. Bounds are inclusive.
func (s *Scorer) Classify(strength float64) Type {
	switch {
	case strength >= s.params.EntangledAt:
		return TypeEntangled
	case strength >= s.params.StrongAt:
		return TypeStrong
	case strength >= s.params.SubtleAt:
		return TypeSubtle
	case strength >= s.params.FaintAt:
		return TypeFaint
	default:
		return TypeMinimal
	}
}
