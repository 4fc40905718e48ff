package bedmgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusAvailable, StatusReserved},
		{StatusAvailable, StatusMaintenance},
		{StatusAvailable, StatusCleaning},
		{StatusReserved, StatusAvailable},
		{StatusOccupied, StatusCleaning},
		{StatusCleaning, StatusAvailable},
		{StatusCleaning, StatusMaintenance},
		{StatusMaintenance, StatusAvailable},
		{StatusMaintenance, StatusCleaning},
	}
	for _, tr := range allowed {
		require.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]string{
		{StatusAvailable, StatusOccupied},
		{StatusCleaning, StatusOccupied},
		{StatusOccupied, StatusAvailable},
		{StatusReserved, StatusCleaning},
		{"unknown", StatusAvailable},
	}
	for _, tr := range denied {
		require.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestUtilization(t *testing.T) {
	require.Equal(t, 0.0, utilization(0, 0))
	require.Equal(t, 0.0, utilization(4, 4))
	require.Equal(t, 100.0, utilization(0, 3))
	require.Equal(t, 66.67, utilization(1, 3))
}

func TestCleaningQueue(t *testing.T) {
	store := newMemStore()
	u := store.addUnit("Medical")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ago := func(m int) *time.Time {
		v := now.Add(-time.Duration(m) * time.Minute)
		return &v
	}
	cleaning := func(priority string, vacatedMinutes int, terminal bool) func(*Bed) {
		return func(b *Bed) {
			b.Status = StatusCleaning
			b.CleaningStatus = CleaningDirty
			b.CleaningPriority = priority
			b.VacatedAt = ago(vacatedMinutes)
			b.TerminalClean = terminal
		}
	}

	routineLate := store.addBed(u, "1", cleaning(PriorityRoutine, 200, false))
	stat := store.addBed(u, "2", cleaning(PriorityStat, 10, false))
	urgentTerminal := store.addBed(u, "3", cleaning(PriorityUrgent, 55, true))
	routineFresh := store.addBed(u, "4", cleaning(PriorityRoutine, 5, false))
	idle := store.addBed(u, "5")

	p := CleaningPlanner{TargetMinutes: 45, OverdueCap: 50}
	q := p.Queue([]*Bed{routineLate, stat, urgentTerminal, routineFresh, idle}, now)

	require.Equal(t, 4, q.Count)
	require.Equal(t, 1, q.StatCount)
	require.Equal(t, 2, q.OverdueCount)
	require.Equal(t, 45, q.TargetMinutes)

	order := []string{}
	for _, item := range q.Beds {
		order = append(order, item.BedNumber)
	}
	// stat 100; urgent 60+10 overdue+10 terminal = 80; routine 20+50 cap = 70; routine 20
	require.Equal(t, []string{"2", "3", "1", "4"}, order)
	require.Equal(t, 100.0, q.Beds[0].PriorityScore)
	require.Equal(t, 80.0, q.Beds[1].PriorityScore)
	require.Equal(t, 70.0, q.Beds[2].PriorityScore)
	require.Equal(t, 155.0, q.Beds[2].OverdueMinutes)
	require.Equal(t, 20.0, q.Beds[3].PriorityScore)
}

func TestCleaningQueue_TiesByWait(t *testing.T) {
	store := newMemStore()
	u := store.addUnit("Medical")
	now := time.Now()
	mk := func(number string, wait time.Duration) *Bed {
		return store.addBed(u, number, func(b *Bed) {
			b.Status = StatusCleaning
			b.StatusChangedAt = now.Add(-wait)
		})
	}
	a := mk("10", 5*time.Minute)
	b := mk("2", 20*time.Minute)
	c := mk("3", 20*time.Minute)

	q := CleaningPlanner{TargetMinutes: 45, OverdueCap: 50}.Queue([]*Bed{a, c, b}, now)
	require.Equal(t, "2", q.Beds[0].BedNumber)
	require.Equal(t, "3", q.Beds[1].BedNumber)
	require.Equal(t, "10", q.Beds[2].BedNumber)
}

func TestEscalate(t *testing.T) {
	require.Equal(t, PriorityStat, escalate(PriorityRoutine, PriorityStat))
	require.Equal(t, PriorityStat, escalate(PriorityStat, PriorityUrgent))
	require.Equal(t, PriorityUrgent, escalate("", PriorityUrgent))
}

func minutes(v float64) *float64 { return &v }

func TestTurnoverStats(t *testing.T) {
	empty := TurnoverStatsFor(nil, 60)
	require.Equal(t, 0, empty.TotalTurnovers)
	require.Nil(t, empty.AvgTurnoverTime)
	require.Equal(t, 0.0, empty.ExceededTargetPercentage)

	stats := TurnoverStatsFor([]*Turnover{
		{TurnoverMinutes: minutes(30)},
		{TurnoverMinutes: minutes(60)},
		{TurnoverMinutes: minutes(90)},
		{TurnoverMinutes: nil},
	}, 60)
	require.Equal(t, 3, stats.TotalTurnovers)
	require.Equal(t, 60.0, *stats.AvgTurnoverTime)
	require.Equal(t, 30.0, *stats.MinTurnoverTime)
	require.Equal(t, 90.0, *stats.MaxTurnoverTime)
	require.Equal(t, 1, stats.ExceededTargetCount)
	require.Equal(t, 33.33, stats.ExceededTargetPercentage)
}

func TestBuildTurnoverMetrics_ByUnit(t *testing.T) {
	store := newMemStore()
	a := store.addUnit("Surgical")
	b := store.addUnit("Cardiac")
	turnovers := []*Turnover{
		{UnitID: a.ID, UnitName: a.Name, TurnoverMinutes: minutes(40)},
		{UnitID: b.ID, UnitName: b.Name, TurnoverMinutes: minutes(120)},
		{UnitID: a.ID, UnitName: a.Name, TurnoverMinutes: minutes(80)},
	}
	m := BuildTurnoverMetrics(turnovers, time.Time{}, time.Time{}, 60)
	require.Equal(t, 3, m.Overall.TotalTurnovers)
	require.Len(t, m.ByUnit, 2)
	require.Equal(t, "Cardiac", m.ByUnit[0].UnitName)
	require.Equal(t, 100.0, m.ByUnit[0].ExceededTargetPercentage)
	require.Equal(t, 2, m.ByUnit[1].TotalTurnovers)
	require.Equal(t, 50.0, m.ByUnit[1].ExceededTargetPercentage)
	for _, u := range m.ByUnit {
		require.GreaterOrEqual(t, u.ExceededTargetPercentage, 0.0)
		require.LessOrEqual(t, u.ExceededTargetPercentage, 100.0)
	}
}

func TestParseDateRange(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)

	start, end, err := ParseDateRange("", "", now)
	require.NoError(t, err)
	require.Equal(t, now, end)
	require.Equal(t, now.Add(-7*24*time.Hour), start)

	start, end, err = ParseDateRange("2026-06-01", "2026-06-10", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2026, 6, 10, 23, 59, 59, 999999999, time.UTC), end)

	start, _, err = ParseDateRange("2026-06-01T08:00:00+02:00", "", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC), start)

	_, _, err = ParseDateRange("June 1", "", now)
	require.ErrorIs(t, err, ErrValidation)
	_, _, err = ParseDateRange("2026-06-10", "2026-06-01", now)
	require.ErrorIs(t, err, ErrValidation)
}
