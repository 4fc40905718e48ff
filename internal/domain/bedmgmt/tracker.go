package bedmgmt

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// transitions lists the manual status changes. occupied is entered only by
// assignment commit.
var transitions = map[string][]string{
	StatusAvailable:   {StatusReserved, StatusMaintenance, StatusCleaning},
	StatusReserved:    {StatusAvailable},
	StatusOccupied:    {StatusCleaning},
	StatusCleaning:    {StatusAvailable, StatusMaintenance},
	StatusMaintenance: {StatusAvailable, StatusCleaning},
}

// CanTransition reports whether a bed may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

func validCleaningStatus(s string) bool {
	switch s {
	case CleaningClean, CleaningDirty, CleaningInProgress:
		return true
	}
	return false
}

func utilization(available, total int) float64 {
	if total <= 0 {
		return 0
	}
	return round2((1 - float64(available)/float64(total)) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Summarize counts beds by status.
func Summarize(beds []*Bed) StatusSummary {
	var s StatusSummary
	for _, b := range beds {
		s.Total++
		switch b.Status {
		case StatusAvailable:
			s.Available++
		case StatusOccupied:
			s.Occupied++
		case StatusCleaning:
			s.Cleaning++
		case StatusMaintenance:
			s.Maintenance++
		case StatusReserved:
			s.Reserved++
		}
	}
	s.UtilizationRate = utilization(s.Available, s.Total)
	return s
}

// SummarizeByUnit groups beds per unit. Units without beds are included with
// zero counts.
func SummarizeByUnit(units []*Unit, beds []*Bed) []UnitStatus {
	byUnit := make(map[uuid.UUID][]*Bed)
	for _, b := range beds {
		byUnit[b.UnitID] = append(byUnit[b.UnitID], b)
	}
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, UnitStatus{UnitID: u.ID, UnitName: u.Name, StatusSummary: Summarize(byUnit[u.ID])})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnitName < out[j].UnitName })
	return out
}

// IsolationRoomAvailability reports, for every unit, how many rooms serving
// t exist and how many are assignable now.
func IsolationRoomAvailability(units []*Unit, beds []*Bed, t IsolationType) []IsolationAvailability {
	out := make([]IsolationAvailability, 0, len(units))
	idx := make(map[uuid.UUID]int, len(units))
	for _, u := range units {
		idx[u.ID] = len(out)
		out = append(out, IsolationAvailability{UnitID: u.ID, UnitName: u.Name, IsolationType: t})
	}
	for _, b := range beds {
		i, ok := idx[b.UnitID]
		if !ok || !b.IsolationCapable() || !t.ServedBy(b.IsolationLevel) {
			continue
		}
		out[i].TotalCount++
		if b.Assignable() {
			out[i].AvailableCount++
		}
	}
	for i := range out {
		out[i].UtilizationRate = utilization(out[i].AvailableCount, out[i].TotalCount)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnitName < out[j].UnitName })
	return out
}

var priorityBase = map[string]float64{
	PriorityStat:    100,
	PriorityUrgent:  60,
	PriorityRoutine: 20,
}

const terminalCleanBonus = 10

// CleaningPlanner orders beds awaiting housekeeping.
type CleaningPlanner struct {
	TargetMinutes int
	OverdueCap    float64
}

// Queue scores every bed in cleaning status as of now.
func (p CleaningPlanner) Queue(beds []*Bed, now time.Time) CleaningQueue {
	q := CleaningQueue{Beds: []CleaningQueueItem{}, TargetMinutes: p.TargetMinutes}
	for _, b := range beds {
		if b.Status != StatusCleaning {
			continue
		}
		since := b.StatusChangedAt
		if b.VacatedAt != nil {
			since = *b.VacatedAt
		}
		wait := math.Max(0, now.Sub(since).Minutes())
		overdue := math.Max(0, wait-float64(p.TargetMinutes))

		base, ok := priorityBase[b.CleaningPriority]
		if !ok {
			base = priorityBase[PriorityRoutine]
		}
		score := base + math.Min(overdue, p.OverdueCap)
		if b.TerminalClean {
			score += terminalCleanBonus
		}

		item := CleaningQueueItem{
			Bed:            *b,
			PriorityScore:  round2(score),
			WaitMinutes:    round2(wait),
			OverdueMinutes: round2(overdue),
			IsOverdue:      overdue > 0,
		}
		q.Beds = append(q.Beds, item)
		if b.CleaningPriority == PriorityStat {
			q.StatCount++
		}
		if item.IsOverdue {
			q.OverdueCount++
		}
	}
	sort.SliceStable(q.Beds, func(i, j int) bool {
		a, b := q.Beds[i], q.Beds[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if a.WaitMinutes != b.WaitMinutes {
			return a.WaitMinutes > b.WaitMinutes
		}
		return compareBedNumbers(a.BedNumber, b.BedNumber) < 0
	})
	q.Count = len(q.Beds)
	return q
}

// escalate returns the stronger of the current and requested priority.
func escalate(current, requested string) string {
	if priorityRank[requested] > priorityRank[current] {
		return requested
	}
	if current == "" {
		return requested
	}
	return current
}

// TurnoverStatsFor aggregates completed turnovers against a target.
func TurnoverStatsFor(turnovers []*Turnover, targetMinutes int) TurnoverStats {
	s := TurnoverStats{TargetMinutes: targetMinutes}
	var sum float64
	for _, t := range turnovers {
		if t.TurnoverMinutes == nil {
			continue
		}
		m := *t.TurnoverMinutes
		s.TotalTurnovers++
		sum += m
		if s.MinTurnoverTime == nil || m < *s.MinTurnoverTime {
			v := m
			s.MinTurnoverTime = &v
		}
		if s.MaxTurnoverTime == nil || m > *s.MaxTurnoverTime {
			v := m
			s.MaxTurnoverTime = &v
		}
		if m > float64(targetMinutes) {
			s.ExceededTargetCount++
		}
	}
	if s.TotalTurnovers > 0 {
		avg := round2(sum / float64(s.TotalTurnovers))
		s.AvgTurnoverTime = &avg
		s.ExceededTargetPercentage = round2(float64(s.ExceededTargetCount) / float64(s.TotalTurnovers) * 100)
	}
	return s
}

// BuildTurnoverMetrics computes overall and per-unit turnover figures.
func BuildTurnoverMetrics(turnovers []*Turnover, start, end time.Time, targetMinutes int) *TurnoverMetrics {
	m := &TurnoverMetrics{
		StartDate: start,
		EndDate:   end,
		Overall:   TurnoverStatsFor(turnovers, targetMinutes),
		ByUnit:    []UnitTurnover{},
	}

	groups := make(map[uuid.UUID][]*Turnover)
	names := make(map[uuid.UUID]string)
	var order []uuid.UUID
	for _, t := range turnovers {
		if _, seen := groups[t.UnitID]; !seen {
			order = append(order, t.UnitID)
			names[t.UnitID] = t.UnitName
		}
		groups[t.UnitID] = append(groups[t.UnitID], t)
	}
	for _, id := range order {
		m.ByUnit = append(m.ByUnit, UnitTurnover{
			UnitID:        id,
			UnitName:      names[id],
			TurnoverStats: TurnoverStatsFor(groups[id], targetMinutes),
		})
	}
	sort.SliceStable(m.ByUnit, func(i, j int) bool { return m.ByUnit[i].UnitName < m.ByUnit[j].UnitName })
	return m
}

// ParseDateRange reads start/end query values. Dates may be YYYY-MM-DD or
// RFC 3339; a date-only end covers the whole day. Missing values default to
// the seven days ending now.
func ParseDateRange(startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if endRaw != "" {
		t, dateOnly, err := parseDate(endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, validationError("invalid end date %q", endRaw)
		}
		end = t
		if dateOnly {
			end = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	start := end.Add(-7 * 24 * time.Hour)
	if startRaw != "" {
		t, _, err := parseDate(startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, validationError("invalid start date %q", startRaw)
		}
		start = t
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, validationError("start date is after end date")
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), false, err
}
