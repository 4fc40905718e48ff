package bedmgmt

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/medflow/hms/internal/config"
)

const defaultMaxResults = 10

// Scorer ranks candidate beds against a patient's needs. Unmet hard
// requirements exclude a bed outright; everything else moves the score.
type Scorer struct {
	w config.EngineConfig
}

func NewScorer(w config.EngineConfig) *Scorer {
	return &Scorer{w: w}
}

// Exclusions lists the hard requirements bed b fails for n.
func (s *Scorer) Exclusions(b *Bed, n Needs) []string {
	var reasons []string
	if !n.IsolationType.ServedBy(b.IsolationLevel) {
		level := b.IsolationLevel
		if level == "" {
			level = IsolationNone
		}
		reasons = append(reasons, fmt.Sprintf("isolation level %s does not serve %s precautions", level, n.IsolationType))
	}
	if n.TelemetryRequired && !b.HasTelemetry {
		reasons = append(reasons, "telemetry required but not available")
	}
	if n.OxygenRequired && !b.HasOxygen {
		reasons = append(reasons, "oxygen required but not available")
	}
	return reasons
}

// Score computes the recommendation for a bed that passed Exclusions.
func (s *Scorer) Score(b *Bed, n Needs) Recommendation {
	var factors []ScoreFactor
	add := func(name, kind string, points float64, desc string) {
		if points == 0 {
			return
		}
		factors = append(factors, ScoreFactor{Name: name, Kind: kind, Points: points, Description: desc})
	}

	if n.IsolationType.rank() > 0 {
		add("isolation_match", FactorHard, s.w.BedScoreIsolationMatch,
			fmt.Sprintf("%s room serves %s precautions", b.IsolationLevel, n.IsolationType))
		if b.IsolationLevel == n.IsolationType {
			add("isolation_exact", FactorHard, s.w.BedScoreIsolationExact, "isolation level matches exactly")
		}
	} else if b.IsolationCapable() {
		add("isolation_reserve", FactorSoft, -s.w.BedScoreIsolationReserve,
			fmt.Sprintf("%s isolation room kept for isolation patients", b.IsolationLevel))
	}

	if n.TelemetryRequired {
		add("telemetry", FactorHard, s.w.BedScoreTelemetry, "telemetry monitoring available")
	} else if b.HasTelemetry {
		add("unused_telemetry", FactorSoft, -s.w.BedScoreUnusedCapability, "telemetry not needed")
	}
	if n.OxygenRequired {
		add("oxygen", FactorHard, s.w.BedScoreOxygen, "oxygen supply available")
	} else if b.HasOxygen {
		add("unused_oxygen", FactorSoft, -s.w.BedScoreUnusedCapability, "oxygen not needed")
	}

	if n.NearNursesStation && b.NearNursesStation {
		add("proximity", FactorSoft, s.w.BedScoreProximity, "near nurses station")
	}
	if n.PreferredUnitID != nil && *n.PreferredUnitID == b.UnitID {
		add("preferred_unit", FactorSoft, s.w.BedScorePreferredUnit, "in preferred unit "+b.UnitName)
	}

	score := s.w.BedScoreBase
	for _, f := range factors {
		score += f.Points
	}
	score = math.Max(0, math.Min(100, score))
	score = math.Round(score*100) / 100

	if factors == nil {
		factors = []ScoreFactor{}
	}
	return Recommendation{
		BedID:      b.ID,
		BedNumber:  b.BedNumber,
		UnitID:     b.UnitID,
		UnitName:   b.UnitName,
		Score:      score,
		Confidence: confidenceFor(factors),
		Reasoning:  reasoning(b, score, factors),
		Factors:    factors,
	}
}

// confidenceFor grades how much of the score came from hard requirements.
func confidenceFor(factors []ScoreFactor) string {
	var hard, soft float64
	for _, f := range factors {
		if f.Kind == FactorHard {
			hard += math.Abs(f.Points)
		} else {
			soft += math.Abs(f.Points)
		}
	}
	if hard+soft == 0 {
		return ConfidenceMedium
	}
	r := hard / (hard + soft)
	switch {
	case r >= 0.66:
		return ConfidenceHigh
	case r >= 0.33:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

func downgrade(c string) string {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	}
	return ConfidenceLow
}

func reasoning(b *Bed, score float64, factors []ScoreFactor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bed %s (%s) scored %.0f", b.BedNumber, b.UnitName, score)
	if len(factors) == 0 {
		sb.WriteString(": meets all requirements with no distinguishing factors")
		return sb.String()
	}
	parts := make([]string, len(factors))
	for i, f := range factors {
		parts[i] = fmt.Sprintf("%s (%+.0f)", f.Description, f.Points)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.Join(parts, "; "))
	return sb.String()
}

// Rank scores every bed, separates the excluded ones, and returns at most max
// recommendations ordered by score, then bed number, then id.
func (s *Scorer) Rank(beds []*Bed, n Needs, max int) ([]Recommendation, []Exclusion) {
	if max <= 0 {
		max = defaultMaxResults
	}
	recs := []Recommendation{}
	excluded := []Exclusion{}
	for _, b := range beds {
		if reasons := s.Exclusions(b, n); len(reasons) > 0 {
			excluded = append(excluded, Exclusion{BedID: b.ID, BedNumber: b.BedNumber, Reasons: reasons})
			continue
		}
		recs = append(recs, s.Score(b, n))
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		if c := compareBedNumbers(recs[i].BedNumber, recs[j].BedNumber); c != 0 {
			return c < 0
		}
		return recs[i].BedID.String() < recs[j].BedID.String()
	})
	for i := range recs {
		tied := (i > 0 && recs[i-1].Score == recs[i].Score) ||
			(i+1 < len(recs) && recs[i+1].Score == recs[i].Score)
		if tied {
			recs[i].Confidence = downgrade(recs[i].Confidence)
		}
	}
	if len(recs) > max {
		recs = recs[:max]
	}

	sort.SliceStable(excluded, func(i, j int) bool {
		return compareBedNumbers(excluded[i].BedNumber, excluded[j].BedNumber) < 0
	})
	return recs, excluded
}

// compareBedNumbers orders bed labels naturally, so "A2" sorts before "A10".
func compareBedNumbers(a, b string) int {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	for a != "" && b != "" {
		ra, restA := leadingRun(a)
		rb, restB := leadingRun(b)
		if isDigits(ra) && isDigits(rb) {
			na, nb := strings.TrimLeft(ra, "0"), strings.TrimLeft(rb, "0")
			if len(na) != len(nb) {
				if len(na) < len(nb) {
					return -1
				}
				return 1
			}
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		} else if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		a, b = restA, restB
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	}
	return 1
}

func leadingRun(s string) (string, string) {
	digit := s[0] >= '0' && s[0] <= '9'
	i := 1
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') == digit {
		i++
	}
	return s[:i], s[i:]
}

func isDigits(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
