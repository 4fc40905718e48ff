package bedmgmt

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func scoringFixture() (*memStore, *Unit) {
	store := newMemStore()
	return store, store.addUnit("Medical")
}

func TestScorer_HardConstraintsExclude(t *testing.T) {
	store, u := scoringFixture()
	plain := store.addBed(u, "1")
	tele := store.addBed(u, "2", withTelemetry)
	s := NewScorer(testEngineConfig())

	recs, excluded := s.Rank([]*Bed{plain, tele}, Needs{TelemetryRequired: true}, 0)
	require.Len(t, recs, 1)
	require.Equal(t, tele.ID, recs[0].BedID)
	require.Len(t, excluded, 1)
	require.Equal(t, plain.ID, excluded[0].BedID)
	require.Equal(t, []string{"telemetry required but not available"}, excluded[0].Reasons)

	recs, excluded = s.Rank([]*Bed{plain, tele}, Needs{OxygenRequired: true, IsolationType: IsolationDroplet}, 0)
	require.Empty(t, recs)
	require.Len(t, excluded, 2)
	require.Len(t, excluded[0].Reasons, 2)
}

func TestScorer_Weights(t *testing.T) {
	store, u := scoringFixture()
	s := NewScorer(testEngineConfig())

	exact := store.addBed(u, "1", withIsolation(IsolationContact))
	stronger := store.addBed(u, "2", withIsolation(IsolationAirborne))
	need := Needs{IsolationType: IsolationContact}
	require.Equal(t, 75.0, s.Score(exact, need).Score)
	require.Equal(t, 70.0, s.Score(stronger, need).Score)

	// isolation room held back from a patient who does not need it
	require.Equal(t, 35.0, s.Score(exact, Needs{}).Score)

	full := store.addBed(u, "3", withTelemetry, withOxygen, nearStation)
	rec := s.Score(full, Needs{TelemetryRequired: true, OxygenRequired: true, NearNursesStation: true, PreferredUnitID: &u.ID})
	require.Equal(t, 88.0, rec.Score)
	require.Len(t, rec.Factors, 4)
	require.Contains(t, rec.Reasoning, "Bed 3 (Medical) scored 88")

	unused := store.addBed(u, "4", withTelemetry, withOxygen)
	require.Equal(t, 46.0, s.Score(unused, Needs{}).Score)
}

func TestScorer_ScoreClamped(t *testing.T) {
	store, u := scoringFixture()
	cfg := testEngineConfig()
	cfg.BedScoreBase = 95
	s := NewScorer(cfg)
	b := store.addBed(u, "1", withIsolation(IsolationAirborne), withTelemetry)
	require.Equal(t, 100.0, s.Score(b, Needs{IsolationType: IsolationAirborne, TelemetryRequired: true}).Score)

	cfg.BedScoreBase = 5
	s = NewScorer(cfg)
	require.Equal(t, 0.0, s.Score(b, Needs{}).Score)
}

func TestConfidence(t *testing.T) {
	require.Equal(t, ConfidenceMedium, confidenceFor([]ScoreFactor{}))
	require.Equal(t, ConfidenceHigh, confidenceFor([]ScoreFactor{{Kind: FactorHard, Points: 20}}))
	require.Equal(t, ConfidenceLow, confidenceFor([]ScoreFactor{{Kind: FactorSoft, Points: 10}}))
	require.Equal(t, ConfidenceMedium, confidenceFor([]ScoreFactor{
		{Kind: FactorHard, Points: 10},
		{Kind: FactorSoft, Points: 10},
	}))
	// penalties count by magnitude
	require.Equal(t, ConfidenceLow, confidenceFor([]ScoreFactor{
		{Kind: FactorHard, Points: 2},
		{Kind: FactorSoft, Points: -15},
	}))
}

func TestRank_OrderingAndTies(t *testing.T) {
	store, u := scoringFixture()
	s := NewScorer(testEngineConfig())
	b10 := store.addBed(u, "A10", withTelemetry)
	b2 := store.addBed(u, "A2", withTelemetry)
	b1 := store.addBed(u, "A1", withTelemetry, nearStation)

	recs, _ := s.Rank([]*Bed{b10, b2, b1}, Needs{TelemetryRequired: true, NearNursesStation: true}, 0)
	require.Len(t, recs, 3)
	require.Equal(t, []string{"A1", "A2", "A10"}, []string{recs[0].BedNumber, recs[1].BedNumber, recs[2].BedNumber})
	require.Equal(t, ConfidenceMedium, recs[0].Confidence)
	// A2 and A10 tie on score, so each loses a confidence level
	require.Equal(t, recs[1].Score, recs[2].Score)
	require.Equal(t, ConfidenceMedium, recs[1].Confidence)
	require.Equal(t, ConfidenceMedium, recs[2].Confidence)
}

func TestRank_SortedDescendingProperty(t *testing.T) {
	store, u := scoringFixture()
	other := store.addUnit("Cardiology")
	s := NewScorer(testEngineConfig())

	var beds []*Bed
	levels := []IsolationType{IsolationNone, IsolationContact, IsolationDroplet, IsolationAirborne}
	for i := 0; i < 24; i++ {
		unit := u
		if i%3 == 0 {
			unit = other
		}
		opts := []func(*Bed){withIsolation(levels[i%4])}
		if i%2 == 0 {
			opts = append(opts, withTelemetry)
		}
		if i%5 == 0 {
			opts = append(opts, withOxygen)
		}
		if i%7 == 0 {
			opts = append(opts, nearStation)
		}
		beds = append(beds, store.addBed(unit, fmt.Sprintf("B%d", i), opts...))
	}

	for _, need := range []Needs{
		{},
		{IsolationType: IsolationContact},
		{IsolationType: IsolationDroplet, TelemetryRequired: true},
		{NearNursesStation: true, PreferredUnitID: &other.ID},
	} {
		recs, excluded := s.Rank(beds, need, 100)
		require.Equal(t, len(beds), len(recs)+len(excluded))
		require.True(t, sort.SliceIsSorted(recs, func(i, j int) bool {
			if recs[i].Score != recs[j].Score {
				return recs[i].Score > recs[j].Score
			}
			return compareBedNumbers(recs[i].BedNumber, recs[j].BedNumber) < 0
		}))
		for _, r := range recs {
			require.GreaterOrEqual(t, r.Score, 0.0)
			require.LessOrEqual(t, r.Score, 100.0)
			require.True(t, need.IsolationType.ServedBy(store.beds[r.BedID].IsolationLevel))
		}
	}
}

func TestRank_MaxResults(t *testing.T) {
	store, u := scoringFixture()
	s := NewScorer(testEngineConfig())
	var beds []*Bed
	for i := 0; i < 15; i++ {
		beds = append(beds, store.addBed(u, fmt.Sprintf("%d", i+1)))
	}
	recs, _ := s.Rank(beds, Needs{}, 0)
	require.Len(t, recs, defaultMaxResults)
	recs, _ = s.Rank(beds, Needs{}, 3)
	require.Len(t, recs, 3)
	require.Equal(t, "1", recs[0].BedNumber)
}

func TestRank_DeterministicOnIdenticalInput(t *testing.T) {
	store, u := scoringFixture()
	s := NewScorer(testEngineConfig())
	a := store.addBed(u, "7")
	b := store.addBed(u, "7")
	first, _ := s.Rank([]*Bed{a, b}, Needs{}, 0)
	second, _ := s.Rank([]*Bed{b, a}, Needs{}, 0)
	require.Equal(t, first, second)

	lower := a.ID
	if b.ID.String() < a.ID.String() {
		lower = b.ID
	}
	require.Equal(t, lower, first[0].BedID)
	require.NotEqual(t, uuid.Nil, first[1].BedID)
}

func TestCompareBedNumbers(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"A2", "A10", -1},
		{"A10", "A2", 1},
		{"a1", "A1", 0},
		{"101", "101B", -1},
		{"B1", "A9", 1},
		{"007", "7", 0},
		{"ICU-2", "ICU-12", -1},
		{"", "1", -1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, compareBedNumbers(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
