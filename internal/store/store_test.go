package store

import (
	"fmt"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/resonance/pkg/resonance"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Storer
}

// Every test in this file runs against both backends; callers must not be
// able to tell them apart through the Storer contract.
func runTestsForAllStores(t *testing.T, test func(t *testing.T, s Storer)) {
	factories := []storeFactory{
		{
			name: "sqlite",
			new: func(t *testing.T) Storer {
				s, err := NewSQLiteStore()
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "json",
			new: func(t *testing.T) Storer {
				fs, err := mem.NewFS()
				require.NoError(t, err)
				s, err := NewJSONStore(fs, "data")
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			defer s.Close()
			test(t, s)
		})
	}
}

func sampleTendril(id string, createdAt int64) *Tendril {
	return &Tendril{
		ID:        id,
		Owner:     "alice",
		Intent:    "find hiking partners in the cascades",
		Tags:      []string{"hiking", "outdoors"},
		Charge:    0.7,
		Source:    "test",
		CreatedAt: createdAt,
	}
}

func samplePulse(id string, ts int64, resonances []Resonance) *Pulse {
	return &Pulse{
		ID:         id,
		Input:      "looking for people to hike with",
		InputType:  "query",
		Timestamp:  ts,
		Resonances: resonances,
	}
}

func TestTendrilRoundTrip(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		want := sampleTendril("t1", 1000)
		require.NoError(t, s.InsertTendril(want))

		got, err := s.GetTendril("t1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got)

		missing, err := s.GetTendril("nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestListTendrilsFilters(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		a := sampleTendril("a", 1000)
		b := sampleTendril("b", 2000)
		b.Owner = "bob"
		b.Tags = []string{"cooking"}
		c := sampleTendril("c", 3000)
		c.Archived = true
		for _, td := range []*Tendril{a, b, c} {
			require.NoError(t, s.InsertTendril(td))
		}

		all, err := s.ListTendrils(TendrilFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Newest first.
		assert.Equal(t, "c", all[0].ID)
		assert.Equal(t, "b", all[1].ID)
		assert.Equal(t, "a", all[2].ID)

		active, err := s.ListTendrils(TendrilFilter{ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 2)
		for _, td := range active {
			assert.False(t, td.Archived)
		}

		byOwner, err := s.ListTendrils(TendrilFilter{Owner: "bob"})
		require.NoError(t, err)
		require.Len(t, byOwner, 1)
		assert.Equal(t, "b", byOwner[0].ID)

		byTags, err := s.ListTendrils(TendrilFilter{Tags: []string{"HIKING", "outdoors"}})
		require.NoError(t, err)
		require.Len(t, byTags, 2)

		byBoth, err := s.ListTendrils(TendrilFilter{Tags: []string{"hiking", "cooking"}})
		require.NoError(t, err)
		assert.Empty(t, byBoth)
	})
}

func TestArchiveTendril(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		require.NoError(t, s.InsertTendril(sampleTendril("t1", 1000)))

		ok, err := s.ArchiveTendril("t1", 5000)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetTendril("t1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Archived)
		require.NotNil(t, got.ArchivedAt)
		assert.Equal(t, int64(5000), *got.ArchivedAt)

		// Already archived: no-op, reports false.
		ok, err = s.ArchiveTendril("t1", 6000)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err = s.GetTendril("t1")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), *got.ArchivedAt)

		ok, err = s.ArchiveTendril("missing", 5000)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTouchTendril(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		require.NoError(t, s.InsertTendril(sampleTendril("t1", 1000)))

		require.NoError(t, s.TouchTendril("t1", 4242))
		got, err := s.GetTendril("t1")
		require.NoError(t, err)
		require.NotNil(t, got.LastPulseAt)
		assert.Equal(t, int64(4242), *got.LastPulseAt)

		// Touching an unknown id is not an error.
		require.NoError(t, s.TouchTendril("missing", 4242))
	})
}

func TestPulseRoundTrip(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		require.NoError(t, s.InsertTendril(sampleTendril("t1", 1000)))

		want := samplePulse("p1", 2000, []Resonance{{
			TendrilID: "t1",
			PulseID:   "p1",
			Strength:  0.73,
			Type:      resonance.TypeStrong,
			Details: resonance.Details{
				Cosine:           0.5,
				ChargeMultiplier: 1.35,
				TagBonus:         0.1,
				TagHits:          []string{"hiking"},
				RecencyBonus:     0.05,
			},
		}})
		require.NoError(t, s.InsertPulse(want))

		list, err := s.ListPulses(PulseFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, want, list[0])
	})
}

func TestListPulsesFilters(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		require.NoError(t, s.InsertTendril(sampleTendril("t1", 1000)))
		require.NoError(t, s.InsertTendril(sampleTendril("t2", 1000)))

		p1 := samplePulse("p1", 1000, []Resonance{
			{TendrilID: "t1", PulseID: "p1", Strength: 0.3, Type: resonance.TypeFaint},
		})
		p2 := samplePulse("p2", 2000, []Resonance{
			{TendrilID: "t1", PulseID: "p2", Strength: 0.9, Type: resonance.TypeEntangled},
			{TendrilID: "t2", PulseID: "p2", Strength: 0.65, Type: resonance.TypeStrong},
		})
		p3 := samplePulse("p3", 3000, nil)
		for _, p := range []*Pulse{p1, p2, p3} {
			require.NoError(t, s.InsertPulse(p))
		}

		all, err := s.ListPulses(PulseFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Newest first.
		assert.Equal(t, "p3", all[0].ID)
		assert.Equal(t, "p2", all[1].ID)
		assert.Equal(t, "p1", all[2].ID)

		since, err := s.ListPulses(PulseFilter{Since: 2000})
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "p3", since[0].ID)
		assert.Equal(t, "p2", since[1].ID)

		strong, err := s.ListPulses(PulseFilter{MinResonance: 0.6})
		require.NoError(t, err)
		require.Len(t, strong, 1)
		assert.Equal(t, "p2", strong[0].ID)

		byTendril, err := s.ListPulses(PulseFilter{TendrilID: "t2"})
		require.NoError(t, err)
		require.Len(t, byTendril, 1)
		assert.Equal(t, "p2", byTendril[0].ID)
	})
}

func TestSearchTendrils(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		hiking := sampleTendril("hiking", 1000)
		cooking := sampleTendril("cooking", 2000)
		cooking.Intent = "learn thai cooking"
		cooking.Tags = []string{"food"}
		archived := sampleTendril("archived", 3000)
		archived.Archived = true
		for _, td := range []*Tendril{hiking, cooking, archived} {
			require.NoError(t, s.InsertTendril(td))
		}

		hits, err := s.SearchTendrils("hiking", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "hiking", hits[0].Tendril.ID)
		assert.Greater(t, hits[0].Rank, 0.0)

		// Archived tendrils never surface, even on an exact match.
		hits, err = s.SearchTendrils("cascades", 10)
		require.NoError(t, err)
		for _, h := range hits {
			assert.NotEqual(t, "archived", h.Tendril.ID)
		}

		// Tag text is searchable.
		hits, err = s.SearchTendrils("food", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "cooking", hits[0].Tendril.ID)

		hits, err = s.SearchTendrils("", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = s.SearchTendrils("nothing matches qqqq", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestStatsAggregates(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		a := sampleTendril("a", 1000)
		a.Charge = 0.4
		b := sampleTendril("b", 2000)
		b.Charge = 0.8
		c := sampleTendril("c", 3000)
		c.Archived = true
		for _, td := range []*Tendril{a, b, c} {
			require.NoError(t, s.InsertTendril(td))
		}

		p1 := samplePulse("p1", 1000, []Resonance{
			{TendrilID: "a", PulseID: "p1", Strength: 0.7, Type: resonance.TypeStrong},
			{TendrilID: "b", PulseID: "p1", Strength: 0.65, Type: resonance.TypeStrong},
		})
		p2 := samplePulse("p2", 9000, []Resonance{
			{TendrilID: "a", PulseID: "p2", Strength: 0.25, Type: resonance.TypeFaint},
		})
		require.NoError(t, s.InsertPulse(p1))
		require.NoError(t, s.InsertPulse(p2))

		st, err := s.Stats(StatsParams{
			Now:             10000,
			RecentWindow:    2000,
			StrongThreshold: 0.6,
			ConvMinStrength: 0.6,
			ConvMinTendrils: 2,
		})
		require.NoError(t, err)

		assert.Equal(t, 3, st.TotalTendrils)
		assert.Equal(t, 2, st.ActiveTendrils)
		assert.InDelta(t, 0.6, st.AverageCharge, 1e-9)
		assert.Equal(t, 2, st.TotalPulses)
		assert.Equal(t, 1, st.RecentPulses)
		assert.Equal(t, 3, st.TotalResonances)
		assert.Equal(t, 2, st.StrongResonances)
		assert.InDelta(t, (0.7+0.65+0.25)/3, st.AverageResonance, 1e-9)
		assert.Equal(t, 1, st.ConvergenceEvents)
	})
}

func TestStatsEmpty(t *testing.T) {
	runTestsForAllStores(t, func(t *testing.T, s Storer) {
		st, err := s.Stats(StatsParams{Now: 1000, RecentWindow: 500,
			StrongThreshold: 0.6, ConvMinStrength: 0.6, ConvMinTendrils: 2})
		require.NoError(t, err)
		assert.Equal(t, &Stats{}, st)
	})
}

// A pulse insert that fails partway through its resonance rows must leave
// no rows at all.
func TestSQLiteInsertPulseAtomic(t *testing.T) {
	s, err := NewSQLiteStoreWithDSN("file::memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertTendril(sampleTendril("t1", 1000)))

	p := samplePulse("p1", 2000, []Resonance{
		{TendrilID: "t1", PulseID: "p1", Strength: 0.5, Type: resonance.TypeSubtle},
		{TendrilID: "missing", PulseID: "p1", Strength: 0.4, Type: resonance.TypeSubtle},
	})
	require.Error(t, s.InsertPulse(p))

	list, err := s.ListPulses(PulseFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	st, err := s.Stats(StatsParams{StrongThreshold: 0.6, ConvMinStrength: 0.6, ConvMinTendrils: 2})
	require.NoError(t, err)
	assert.Zero(t, st.TotalResonances)
}

// The JSON backend must survive a full reload from its files.
func TestJSONStoreReload(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	s1, err := NewJSONStore(fs, "data")
	require.NoError(t, err)

	td := sampleTendril("t1", 1000)
	require.NoError(t, s1.InsertTendril(td))
	require.NoError(t, s1.TouchTendril("t1", 1500))
	p := samplePulse("p1", 2000, []Resonance{
		{TendrilID: "t1", PulseID: "p1", Strength: 0.5, Type: resonance.TypeSubtle},
	})
	require.NoError(t, s1.InsertPulse(p))
	require.NoError(t, s1.Close())

	s2, err := NewJSONStore(fs, "data")
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetTendril("t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, td.Intent, got.Intent)
	require.NotNil(t, got.LastPulseAt)
	assert.Equal(t, int64(1500), *got.LastPulseAt)

	pulses, err := s2.ListPulses(PulseFilter{})
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	assert.Equal(t, p, pulses[0])
}

// Run the same operation sequence through both backends and compare the
// aggregate view. Search rank scales differ, membership must not.
func TestBackendEquivalence(t *testing.T) {
	sqlite, err := NewSQLiteStore()
	require.NoError(t, err)
	defer sqlite.Close()
	memFS, err := mem.NewFS()
	require.NoError(t, err)
	jsonStore, err := NewJSONStore(memFS, "data")
	require.NoError(t, err)
	defer jsonStore.Close()

	stores := []Storer{sqlite, jsonStore}
	for i, s := range stores {
		for j := 0; j < 4; j++ {
			td := sampleTendril(fmt.Sprintf("t%d", j), int64(1000*(j+1)))
			td.Charge = 0.2 * float64(j+1)
			require.NoError(t, s.InsertTendril(td))
		}
		ok, err := s.ArchiveTendril("t3", 9000)
		require.NoError(t, err)
		require.True(t, ok, "store %d", i)

		require.NoError(t, s.InsertPulse(samplePulse("p1", 5000, []Resonance{
			{TendrilID: "t0", PulseID: "p1", Strength: 0.9, Type: resonance.TypeEntangled},
			{TendrilID: "t1", PulseID: "p1", Strength: 0.7, Type: resonance.TypeStrong},
			{TendrilID: "t2", PulseID: "p1", Strength: 0.3, Type: resonance.TypeFaint},
		})))
	}

	params := StatsParams{Now: 10000, RecentWindow: 6000,
		StrongThreshold: 0.6, ConvMinStrength: 0.6, ConvMinTendrils: 2}
	sqliteStats, err := sqlite.Stats(params)
	require.NoError(t, err)
	jsonStats, err := jsonStore.Stats(params)
	require.NoError(t, err)

	assert.Equal(t, sqliteStats.TotalTendrils, jsonStats.TotalTendrils)
	assert.Equal(t, sqliteStats.ActiveTendrils, jsonStats.ActiveTendrils)
	assert.Equal(t, sqliteStats.TotalPulses, jsonStats.TotalPulses)
	assert.Equal(t, sqliteStats.RecentPulses, jsonStats.RecentPulses)
	assert.Equal(t, sqliteStats.TotalResonances, jsonStats.TotalResonances)
	assert.Equal(t, sqliteStats.StrongResonances, jsonStats.StrongResonances)
	assert.Equal(t, sqliteStats.ConvergenceEvents, jsonStats.ConvergenceEvents)
	assert.InDelta(t, sqliteStats.AverageCharge, jsonStats.AverageCharge, 1e-9)
	assert.InDelta(t, sqliteStats.AverageResonance, jsonStats.AverageResonance, 1e-9)

	for _, s := range stores {
		hits, err := s.SearchTendrils("hiking cascades", 10)
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, h := range hits {
			ids[h.Tendril.ID] = true
		}
		assert.Equal(t, map[string]bool{"t0": true, "t1": true, "t2": true}, ids)
	}
}
