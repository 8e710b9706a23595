// Package store provides dual-backend persistence for the resonance
// registry: SQLite when the embedded engine initializes, a flat-file JSON
// store otherwise. Both backends expose the same Storer contract.
package store

import "github.com/kittclouds/resonance/pkg/resonance"

// Tendril is a standing intent record. Once archived it never reactivates.
type Tendril struct {
	ID          string   `json:"id"`
	Owner       string   `json:"owner"`
	Intent      string   `json:"intent"`
	Tags        []string `json:"tags"`
	Charge      float64  `json:"charge"`
	Source      string   `json:"source,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Category    string   `json:"category,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	LastPulseAt *int64   `json:"lastPulseAt,omitempty"`
	Archived    bool     `json:"archived"`
	ArchivedAt  *int64   `json:"archivedAt,omitempty"`
}

// Pulse is one matching query event. Its resonance list is computed at
// creation time and never recomputed.
type Pulse struct {
	ID         string      `json:"id"`
	Input      string      `json:"input"`
	InputType  string      `json:"inputType,omitempty"`
	Source     string      `json:"source,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Resonances []Resonance `json:"resonances"`
}

// Resonance is one Tendril x Pulse match result, immutable after creation.
type Resonance struct {
	TendrilID string            `json:"tendrilId"`
	PulseID   string            `json:"pulseId"`
	Strength  float64           `json:"strength"`
	Type      resonance.Type    `json:"type"`
	Details   resonance.Details `json:"details"`
}

// SearchHit annotates a tendril with its search rank. Higher is better on
// both backends; the scale differs (bm25 vs token overlap) and is not
// comparable across backends.
type SearchHit struct {
	Tendril *Tendril `json:"tendril"`
	Rank    float64  `json:"rank"`
}

// TendrilFilter narrows ListTendrils. Zero value lists everything,
// newest first.
type TendrilFilter struct {
	ActiveOnly bool
	Owner      string
	Tags       []string
}

// PulseFilter narrows ListPulses. Zero value lists everything, newest first.
type PulseFilter struct {
	Since        int64   // unix millis, inclusive; 0 means unbounded
	MinResonance float64 // keep pulses with at least one resonance >= this
	TendrilID    string  // keep pulses resonating with this tendril
}

// StatsParams parameterizes the aggregate query so thresholds stay
// configuration owned by the caller.
type StatsParams struct {
	Now             int64 // unix millis
	RecentWindow    int64 // millis, for "recent pulses"
	StrongThreshold float64
	ConvMinStrength float64
	ConvMinTendrils int
}

// Stats is the aggregate snapshot over both entity types.
type Stats struct {
	TotalTendrils     int     `json:"totalTendrils"`
	ActiveTendrils    int     `json:"activeTendrils"`
	AverageCharge     float64 `json:"averageCharge"`
	TotalPulses       int     `json:"totalPulses"`
	RecentPulses      int     `json:"recentPulses"`
	TotalResonances   int     `json:"totalResonances"`
	StrongResonances  int     `json:"strongResonances"`
	AverageResonance  float64 `json:"averageResonance"`
	ConvergenceEvents int     `json:"convergenceEvents"`
}

// Storer is the backend contract. Callers must not observe which backend is
// active except through performance. Lookups report not-found as nil or
// false, never as an error; I/O failures propagate.
type Storer interface {
	// Tendrils
	InsertTendril(t *Tendril) error
	GetTendril(id string) (*Tendril, error)
	ListTendrils(f TendrilFilter) ([]*Tendril, error)
	// ArchiveTendril soft-deletes. Returns false when no active tendril
	// matched the id.
	ArchiveTendril(id string, at int64) (bool, error)
	// TouchTendril refreshes lastPulseAt.
	TouchTendril(id string, at int64) error

	// Pulses. InsertPulse persists the pulse with its embedded resonance
	// list; the relational backend additionally materializes resonance rows.
	InsertPulse(p *Pulse) error
	ListPulses(f PulseFilter) ([]*Pulse, error)

	// SearchTendrils ranks active tendrils against a keyword query over
	// intent and tags.
	SearchTendrils(query string, limit int) ([]SearchHit, error)

	Stats(p StatsParams) (*Stats, error)

	Close() error
}
