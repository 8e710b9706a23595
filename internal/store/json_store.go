// Flat-file fallback backend: two JSON array files held fully in memory
// and rewritten wholesale on every mutation. Queries scan linearly.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/hack-pad/hackpadfs"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

const (
	tendrilsFile = "tendrils.json"
	pulsesFile   = "pulses.json"
)

// JSONStore is the flat-file backend. The in-memory maps are the source of
// truth; files are a write-through serialization. Concurrent writers from
// separate processes race on the whole-file overwrite, which the optional
// advisory lock guards against.
type JSONStore struct {
	mu       sync.RWMutex
	fs       hackpadfs.FS
	dir      string
	tendrils map[string]*Tendril
	pulses   map[string]*Pulse
	lock     *flock.Flock
}

// JSONOption configures a JSONStore.
type JSONOption func(*JSONStore)

// WithLock attaches an already-acquired advisory lock, released on Close.
func WithLock(l *flock.Flock) JSONOption {
	return func(s *JSONStore) { s.lock = l }
}

// NewJSONStore loads both files from fs under dir, creating the directory
// if needed. Missing files mean an empty store.
func NewJSONStore(fs hackpadfs.FS, dir string, opts ...JSONOption) (*JSONStore, error) {
	s := &JSONStore{
		fs:       fs,
		dir:      dir,
		tendrils: make(map[string]*Tendril),
		pulses:   make(map[string]*Pulse),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir != "" && dir != "." {
		if err := hackpadfs.MkdirAll(fs, dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	var tendrils []*Tendril
	if err := s.loadFile(tendrilsFile, &tendrils); err != nil {
		return nil, err
	}
	for _, t := range tendrils {
		s.tendrils[t.ID] = t
	}

	var pulses []*Pulse
	if err := s.loadFile(pulsesFile, &pulses); err != nil {
		return nil, err
	}
	for _, p := range pulses {
		s.pulses[p.ID] = p
	}

	return s, nil
}

func (s *JSONStore) loadFile(name string, dst any) error {
	content, err := hackpadfs.ReadFile(s.fs, s.path(name))
	if err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) path(name string) string {
	if s.dir == "" {
		return name
	}
	return path.Join(s.dir, name)
}

// saveFile rewrites a file atomically: full write to a temp name, then
// rename over the old file.
func (s *JSONStore) saveFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := s.path(name + ".tmp")
	if err := hackpadfs.WriteFullFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := hackpadfs.Rename(s.fs, tmp, s.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) saveTendrils() error {
	list := make([]*Tendril, 0, len(s.tendrils))
	for _, t := range s.tendrils {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
	return s.saveFile(tendrilsFile, list)
}

func (s *JSONStore) savePulses() error {
	list := make([]*Pulse, 0, len(s.pulses))
	for _, p := range s.pulses {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp < list[j].Timestamp
		}
		return list[i].ID < list[j].ID
	})
	return s.saveFile(pulsesFile, list)
}

// Close releases the advisory lock, if held.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

// =============================================================================
// Tendrils
// =============================================================================

func (s *JSONStore) InsertTendril(t *Tendril) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tendrils[t.ID] = copyTendril(t)
	return s.saveTendrils()
}

func (s *JSONStore) GetTendril(id string) (*Tendril, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tendrils[id]; ok {
		return copyTendril(t), nil
	}
	return nil, nil
}

func (s *JSONStore) ListTendrils(f TendrilFilter) ([]*Tendril, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Tendril
	for _, t := range s.tendrils {
		if f.ActiveOnly && t.Archived {
			continue
		}
		if f.Owner != "" && t.Owner != f.Owner {
			continue
		}
		if !hasAllTags(t.Tags, f.Tags) {
			continue
		}
		result = append(result, copyTendril(t))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *JSONStore) ArchiveTendril(id string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tendrils[id]
	if !ok || t.Archived {
		return false, nil
	}
	t.Archived = true
	t.ArchivedAt = &at
	return true, s.saveTendrils()
}

func (s *JSONStore) TouchTendril(id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tendrils[id]
	if !ok {
		return nil
	}
	t.LastPulseAt = &at
	return s.saveTendrils()
}

// =============================================================================
// Pulses
// =============================================================================

func (s *JSONStore) InsertPulse(p *Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pulses[p.ID] = copyPulse(p)
	return s.savePulses()
}

func (s *JSONStore) ListPulses(f PulseFilter) ([]*Pulse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Pulse
	for _, p := range s.pulses {
		if f.Since > 0 && p.Timestamp < f.Since {
			continue
		}
		if f.MinResonance > 0 && !hasResonanceAbove(p, f.MinResonance) {
			continue
		}
		if f.TendrilID != "" && !resonatesWith(p, f.TendrilID) {
			continue
		}
		result = append(result, copyPulse(p))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp > result[j].Timestamp
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// Search
// =============================================================================

// SearchTendrils ranks active tendrils by word overlap with the query: an
// Aho-Corasick automaton over the query tokens scans each tendril's
// intent+tags text in one pass. Rank counts distinct tokens matched, with
// total occurrences as a fractional tiebreak.
func (s *JSONStore) SearchTendrils(query string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := searchTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.StandardMatch,
	})
	ac := builder.Build(tokens)

	var hits []SearchHit
	for _, t := range s.tendrils {
		if t.Archived {
			continue
		}
		blob := strings.ToLower(t.Intent + " " + strings.Join(t.Tags, " "))
		matches := ac.FindAll(blob)
		if len(matches) == 0 {
			continue
		}
		distinct := make(map[int]bool)
		for _, m := range matches {
			distinct[m.Pattern()] = true
		}
		rank := float64(len(distinct)) + float64(len(matches))*0.01
		hits = append(hits, SearchHit{Tendril: copyTendril(t), Rank: rank})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Tendril.CreatedAt > hits[j].Tendril.CreatedAt
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func searchTokens(query string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// =============================================================================
// Stats
// =============================================================================

func (s *JSONStore) Stats(p StatsParams) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	var chargeSum float64
	for _, t := range s.tendrils {
		st.TotalTendrils++
		if !t.Archived {
			st.ActiveTendrils++
			chargeSum += t.Charge
		}
	}
	if st.ActiveTendrils > 0 {
		st.AverageCharge = chargeSum / float64(st.ActiveTendrils)
	}

	since := p.Now - p.RecentWindow
	var strengthSum float64
	for _, pulse := range s.pulses {
		st.TotalPulses++
		if pulse.Timestamp >= since {
			st.RecentPulses++
		}
		converging := 0
		for _, r := range pulse.Resonances {
			st.TotalResonances++
			strengthSum += r.Strength
			if r.Strength >= p.StrongThreshold {
				st.StrongResonances++
			}
			if r.Strength >= p.ConvMinStrength {
				converging++
			}
		}
		if converging >= p.ConvMinTendrils {
			st.ConvergenceEvents++
		}
	}
	if st.TotalResonances > 0 {
		st.AverageResonance = strengthSum / float64(st.TotalResonances)
	}

	return &st, nil
}

// =============================================================================
// Helpers
// =============================================================================

func hasResonanceAbove(p *Pulse, min float64) bool {
	for _, r := range p.Resonances {
		if r.Strength >= min {
			return true
		}
	}
	return false
}

func resonatesWith(p *Pulse, tendrilID string) bool {
	for _, r := range p.Resonances {
		if r.TendrilID == tendrilID {
			return true
		}
	}
	return false
}

// Deep copies keep callers from mutating the in-memory source of truth.

func copyTendril(t *Tendril) *Tendril {
	cp := *t
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	if t.LastPulseAt != nil {
		v := *t.LastPulseAt
		cp.LastPulseAt = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		cp.ArchivedAt = &v
	}
	return &cp
}

func copyPulse(p *Pulse) *Pulse {
	cp := *p
	if p.Resonances != nil {
		cp.Resonances = append([]Resonance(nil), p.Resonances...)
	}
	return &cp
}

// Compile-time interface check
var _ Storer = (*JSONStore)(nil)
