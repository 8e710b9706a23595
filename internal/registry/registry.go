// Package registry orchestrates the resonance engine: registering intents
// (tendrils), scoring incoming text (pulses) against every active intent,
// and the derived read paths (search, convergences, stats).
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kittclouds/resonance/internal/store"
	"github.com/kittclouds/resonance/pkg/resonance"
	"github.com/kittclouds/resonance/pkg/trigram"
)

// DefaultCharge is assumed when the caller supplies no usable charge.
const DefaultCharge = 0.7

// ChargeOptions are the optional attributes of a new tendril. Bad values
// are coerced, never rejected: recording an intent must not fail on input.
type ChargeOptions struct {
	Tags     []string
	Charge   *float64
	Source   string
	Priority string
	Category string
}

// PulseOptions classify a pulse; both fields are caller-defined metadata.
type PulseOptions struct {
	InputType string
	Source    string
}

// Registry is the orchestration layer over a Storer. All methods run to
// completion synchronously; a pulse is O(active tendrils) by design.
type Registry struct {
	store    store.Storer
	scorer   *resonance.Scorer
	profiles *gocache.Cache
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a logger; default is a nop.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithParams overrides the scoring parameters.
func WithParams(p resonance.Params) Option {
	return func(r *Registry) { r.scorer = resonance.NewScorer(p) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given store.
func New(s store.Storer, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		scorer:   resonance.NewScorer(resonance.DefaultParams()),
		profiles: gocache.New(time.Hour, 10*time.Minute),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Params returns the active scoring parameters.
func (r *Registry) Params() resonance.Params {
	return r.scorer.Params()
}

// Charge registers a new tendril. Charge outside [0,1] is clamped; a
// missing charge defaults to DefaultCharge. Duplicate and empty tags are
// dropped, preserving first-seen order.
func (r *Registry) Charge(intent, owner string, opts ChargeOptions) (*store.Tendril, error) {
	t := &store.Tendril{
		ID:        uuid.New().String(),
		Owner:     owner,
		Intent:    intent,
		Tags:      dedupeTags(opts.Tags),
		Charge:    normalizeCharge(opts.Charge),
		Source:    opts.Source,
		Priority:  opts.Priority,
		Category:  opts.Category,
		CreatedAt: r.now().UnixMilli(),
	}

	if err := r.store.InsertTendril(t); err != nil {
		return nil, fmt.Errorf("charge: %w", err)
	}

	r.log.Debug("tendril charged",
		zap.String("id", t.ID), zap.String("owner", owner), zap.Float64("charge", t.Charge))
	return t, nil
}

// Pulse encodes input, scores it against every active tendril, persists the
// pulse with its retained resonances and returns it. Resonances at or below
// the store floor are discarded; resonances above the significance threshold
// refresh the matched tendril's lastPulseAt.
func (r *Registry) Pulse(input string, opts PulseOptions) (*store.Pulse, error) {
	now := r.now()
	inputVec := trigram.Encode(input)

	active, err := r.store.ListTendrils(store.TendrilFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}

	p := &store.Pulse{
		ID:         uuid.New().String(),
		Input:      input,
		InputType:  opts.InputType,
		Source:     opts.Source,
		Timestamp:  now.UnixMilli(),
		Resonances: []store.Resonance{},
	}

	params := r.scorer.Params()
	var touch []string
	for _, t := range active {
		res := r.scorer.Score(input, inputVec, r.profile(t), now)
		if res.Strength <= params.StoreFloor {
			continue
		}
		p.Resonances = append(p.Resonances, store.Resonance{
			TendrilID: t.ID,
			PulseID:   p.ID,
			Strength:  res.Strength,
			Type:      res.Type,
			Details:   res.Details,
		})
		if res.Strength > params.Significant {
			touch = append(touch, t.ID)
		}
	}

	if err := r.store.InsertPulse(p); err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	for _, id := range touch {
		if err := r.store.TouchTendril(id, p.Timestamp); err != nil {
			return nil, fmt.Errorf("pulse: %w", err)
		}
	}

	r.log.Debug("pulse recorded",
		zap.String("id", p.ID),
		zap.Int("scored", len(active)),
		zap.Int("resonances", len(p.Resonances)))
	return p, nil
}

// profile returns the tendril's scoring target, cached because intent and
// tags are immutable after creation.
func (r *Registry) profile(t *store.Tendril) resonance.Target {
	if cached, ok := r.profiles.Get(t.ID); ok {
		return cached.(resonance.Target)
	}
	target := resonance.Target{
		Vector:    trigram.Encode(t.Intent),
		Tags:      t.Tags,
		Charge:    t.Charge,
		CreatedAt: time.UnixMilli(t.CreatedAt),
	}
	r.profiles.Set(t.ID, target, gocache.DefaultExpiration)
	return target
}

// Archive soft-deletes a tendril. Returns false when no active tendril
// matched; archiving twice is a no-op.
func (r *Registry) Archive(tendrilID string) (bool, error) {
	ok, err := r.store.ArchiveTendril(tendrilID, r.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("archive: %w", err)
	}
	if ok {
		r.profiles.Delete(tendrilID)
		r.log.Debug("tendril archived", zap.String("id", tendrilID))
	}
	return ok, nil
}

// Tendrils lists tendrils newest first.
func (r *Registry) Tendrils(f store.TendrilFilter) ([]*store.Tendril, error) {
	return r.store.ListTendrils(f)
}

// Pulses lists pulses newest first.
func (r *Registry) Pulses(f store.PulseFilter) ([]*store.Pulse, error) {
	return r.store.ListPulses(f)
}

// SearchTendrils runs the backend's keyword search over intent and tags.
func (r *Registry) SearchTendrils(query string, limit int) ([]store.SearchHit, error) {
	return r.store.SearchTendrils(query, limit)
}

// Convergence is a pulse whose resonance list crossed the convergence bar.
// Derived on demand, never persisted.
type Convergence struct {
	Pulse     *store.Pulse `json:"pulse"`
	Matched   []string     `json:"matched"` // tendril ids at or above the bar
	Strongest float64      `json:"strongest"`
}

// Convergences returns pulses with at least minTendrils resonances of at
// least minResonance, newest first. Zero arguments take the configured
// defaults; since bounds the scan when non-zero.
func (r *Registry) Convergences(minResonance float64, minTendrils int, since time.Time) ([]Convergence, error) {
	params := r.scorer.Params()
	if minResonance <= 0 {
		minResonance = params.Strong
	}
	if minTendrils <= 0 {
		minTendrils = 2
	}

	filter := store.PulseFilter{MinResonance: minResonance}
	if !since.IsZero() {
		filter.Since = since.UnixMilli()
	}
	pulses, err := r.store.ListPulses(filter)
	if err != nil {
		return nil, fmt.Errorf("convergences: %w", err)
	}

	var out []Convergence
	for _, p := range pulses {
		var matched []string
		strongest := 0.0
		for _, res := range p.Resonances {
			if res.Strength >= minResonance {
				matched = append(matched, res.TendrilID)
				if res.Strength > strongest {
					strongest = res.Strength
				}
			}
		}
		if len(matched) >= minTendrils {
			out = append(out, Convergence{Pulse: p, Matched: matched, Strongest: strongest})
		}
	}
	return out, nil
}

// Stats aggregates counts and averages over the whole store, computed
// freshly on each call.
func (r *Registry) Stats() (*store.Stats, error) {
	params := r.scorer.Params()
	return r.store.Stats(store.StatsParams{
		Now:             r.now().UnixMilli(),
		RecentWindow:    params.RecencyWindow.Milliseconds(),
		StrongThreshold: params.Strong,
		ConvMinStrength: params.Strong,
		ConvMinTendrils: 2,
	})
}

func normalizeCharge(c *float64) float64 {
	if c == nil {
		return DefaultCharge
	}
	v := *c
	if v != v { // NaN
		return DefaultCharge
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
