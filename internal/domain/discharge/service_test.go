package discharge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medflow/hms/internal/config"
	"github.com/medflow/hms/pkg/pagination"
)

// -- in-memory store --

type memStore struct {
	mu         sync.Mutex
	admissions map[uuid.UUID]*Admission
	barriers   []*Barrier
}

func newMemStore() *memStore {
	return &memStore{admissions: make(map[uuid.UUID]*Admission)}
}

type memAdmissions struct{ m *memStore }

func (r memAdmissions) GetByID(_ context.Context, id uuid.UUID) (*Admission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.admissions[id]
	if !ok {
		return nil, fmt.Errorf("%w: admission", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r memAdmissions) GetActiveByPatient(_ context.Context, patientID uuid.UUID) (*Admission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, a := range r.m.admissions {
		if a.PatientID == patientID && a.Status == AdmissionActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: active admission", ErrNotFound)
}

func (r memAdmissions) ListActive(context.Context) ([]*Admission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Admission
	for _, a := range r.m.admissions {
		if a.Status == AdmissionActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memAdmissions) ListDischarged(_ context.Context, start, end time.Time) ([]*Admission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Admission
	for _, a := range r.m.admissions {
		if a.Status == AdmissionDischarged && a.DischargedAt != nil &&
			!a.DischargedAt.Before(start) && !a.DischargedAt.After(end) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memBarriers struct{ m *memStore }

func (r memBarriers) Create(_ context.Context, b *Barrier) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b.ID = uuid.New()
	b.CreatedAt = time.Now().UTC()
	cp := *b
	r.m.barriers = append(r.m.barriers, &cp)
	return nil
}

func (r memBarriers) GetByID(_ context.Context, id uuid.UUID) (*Barrier, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.barriers {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: barrier", ErrNotFound)
}

func (r memBarriers) ListByAdmission(_ context.Context, admissionID uuid.UUID, includeResolved bool) ([]*Barrier, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Barrier
	for _, b := range r.m.barriers {
		if b.AdmissionID == admissionID && (includeResolved || !b.Resolved) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memBarriers) SetResolved(_ context.Context, id uuid.UUID, resolved bool, at *time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.barriers {
		if b.ID == id {
			b.Resolved, b.ResolvedAt = resolved, at
			return nil
		}
	}
	return fmt.Errorf("%w: barrier", ErrNotFound)
}

func (r memBarriers) ListCreated(_ context.Context, start, end time.Time) ([]*Barrier, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Barrier
	for _, b := range r.m.barriers {
		if !b.CreatedAt.Before(start) && !b.CreatedAt.After(end) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- fixtures --

func ptr[T any](v T) *T { return &v }

// documented returns an admission with every factor documented and
// favourable.
func documented() *Admission {
	return &Admission{
		ID:                   uuid.New(),
		PatientID:            uuid.New(),
		PatientName:          "Ada Lovelace",
		MRN:                  "MRN-1",
		AdmittedAt:           time.Now().Add(-72 * time.Hour),
		Status:               AdmissionActive,
		VitalsStable:         ptr(true),
		AfebrileHours:        ptr(48),
		OnIVMedications:      ptr(false),
		OnSupplementalOxygen: ptr(false),
		PendingLabResults:    ptr(0),
		PendingConsults:      ptr(0),
		PendingProcedures:    ptr(0),
		PainControlled:       ptr(true),
		MedicationReconciled: ptr(true),
		MobilityStatus:       ptr("independent"),
		HomeSupportAvailable: ptr(true),
		TransportArranged:    ptr(true),
		InsuranceAuthorized:  ptr(true),
		FollowUpScheduled:    ptr(true),
		EducationCompleted:   ptr(true),
		DischargeDestination: ptr("home"),
	}
}

func (m *memStore) addAdmission(a *Admission) *Admission {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions[a.ID] = a
	return a
}

func (m *memStore) addBarrier(a *Admission, category, severity string, delay float64) *Barrier {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &Barrier{
		ID: uuid.New(), AdmissionID: a.ID, Category: category, Description: category + " barrier",
		Severity: severity, EstimatedDelayHours: delay, CreatedAt: time.Now().UTC(),
	}
	m.barriers = append(m.barriers, b)
	return b
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		DischargeMedicalWeight: 0.6,
		DischargeSocialWeight:  0.4,
		DischargeHorizonHours:  48,
		DischargeDelayFactor:   1.0,
		DischargeReadyMinScore: 70,
	}
}

var fixedNow = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	svc := NewService(memAdmissions{store}, memBarriers{store}, testEngineConfig(), zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return svc, store
}

// -- tests --

func TestReadiness_ActiveAdmissionByDefault(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())

	p, err := svc.Readiness(context.Background(), a.PatientID, nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, p.AdmissionID)
	require.Equal(t, 100.0, p.OverallReadinessScore)
	require.Equal(t, ConfidenceHigh, p.ConfidenceLevel)
	require.Equal(t, fixedNow, p.PredictedDischargeDate)
	require.Empty(t, p.Barriers)
	require.Empty(t, p.RecommendedInterventions)
}

func TestReadiness_AdmissionMustBelongToPatient(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())

	_, err := svc.Readiness(context.Background(), uuid.New(), &a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Readiness(context.Background(), uuid.Nil, nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestReadiness_DischargedAdmissionRejected(t *testing.T) {
	svc, store := newTestService()
	a := documented()
	a.Status = AdmissionDischarged
	store.addAdmission(a)

	_, err := svc.Readiness(context.Background(), a.PatientID, &a.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestResolveBarrier_RaisesScore(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())
	lab := store.addBarrier(a, CategoryLab, SeverityHigh, 12)
	store.addBarrier(a, CategoryTransport, SeverityLow, 4)
	ctx := context.Background()

	before, err := svc.Readiness(ctx, a.PatientID, &a.ID)
	require.NoError(t, err)
	require.Equal(t, 80.0, before.MedicalReadinessScore)
	require.Equal(t, 95.0, before.SocialReadinessScore)
	require.Equal(t, fixedNow.Add(time.Duration((100-before.OverallReadinessScore)/100*48*float64(time.Hour))).
		Add(16*time.Hour).Truncate(time.Minute), before.PredictedDischargeDate)

	after, err := svc.ResolveBarrier(ctx, a.ID, lab.ID, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, after.OverallReadinessScore, before.OverallReadinessScore)
	require.Equal(t, 100.0, after.MedicalReadinessScore)
	require.True(t, after.PredictedDischargeDate.Before(before.PredictedDischargeDate))

	refetched, err := svc.Readiness(ctx, a.PatientID, &a.ID)
	require.NoError(t, err)
	require.Equal(t, after.OverallReadinessScore, refetched.OverallReadinessScore)

	// reopening restores the penalty
	reopened, err := svc.ResolveBarrier(ctx, a.ID, lab.ID, false)
	require.NoError(t, err)
	require.Equal(t, before.OverallReadinessScore, reopened.OverallReadinessScore)
}

func TestResolveBarrier_WrongAdmission(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())
	other := store.addAdmission(documented())
	b := store.addBarrier(other, CategorySocial, SeverityMedium, 24)

	_, err := svc.ResolveBarrier(context.Background(), a.ID, b.ID, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBarrier(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())
	ctx := context.Background()

	b, err := svc.CreateBarrier(ctx, a.ID, &BarrierInput{
		Category: CategoryInsurance, Description: "prior auth for SNF", Severity: SeverityHigh, EstimatedDelayHours: 24,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, b.ID)
	require.Equal(t, "system", b.CreatedBy)

	list, err := svc.ListBarriers(ctx, a.ID, false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	bad := []BarrierInput{
		{Category: "weather", Description: "x", Severity: SeverityLow},
		{Category: CategoryLab, Severity: SeverityLow},
		{Category: CategoryLab, Description: "x", Severity: "severe"},
		{Category: CategoryLab, Description: "x", Severity: SeverityLow, EstimatedDelayHours: -1},
	}
	for _, in := range bad {
		in := in
		_, err := svc.CreateBarrier(ctx, a.ID, &in)
		require.ErrorIs(t, err, ErrValidation, "%+v", in)
	}

	_, err = svc.CreateBarrier(ctx, uuid.New(), &BarrierInput{Category: CategoryLab, Description: "x", Severity: SeverityLow})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadyPatients(t *testing.T) {
	svc, store := newTestService()
	ready := store.addAdmission(documented())

	almost := documented()
	almost.TransportArranged = ptr(false)
	store.addAdmission(almost)

	blocked := documented()
	blocked.VitalsStable = ptr(false)
	blocked.OnSupplementalOxygen = ptr(true)
	blocked.HomeSupportAvailable = ptr(false)
	store.addAdmission(blocked)
	store.addBarrier(blocked, CategoryPlacement, SeverityCritical, 72)

	out, total, err := svc.ReadyPatients(context.Background(), -1, pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, ready.ID, out[0].AdmissionID)
	require.Equal(t, almost.ID, out[1].AdmissionID)
	for _, r := range out {
		require.GreaterOrEqual(t, r.OverallReadinessScore, 70.0)
	}

	out, total, err = svc.ReadyPatients(context.Background(), 0, pagination.Params{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, out, 1)
	require.Equal(t, blocked.ID, out[0].AdmissionID)
	require.Equal(t, 1, out[0].OpenBarriers)

	out, _, err = svc.ReadyPatients(context.Background(), 0, pagination.Params{Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)

	_, _, err = svc.ReadyPatients(context.Background(), 101, pagination.Params{Limit: 5})
	require.ErrorIs(t, err, ErrValidation)
}

func TestBatch_SummaryInvariants(t *testing.T) {
	svc, store := newTestService()
	a := store.addAdmission(documented())
	b := store.addAdmission(documented())
	discharged := documented()
	discharged.Status = AdmissionDischarged
	store.addAdmission(discharged)

	items := []BatchItem{
		{PatientID: a.PatientID},
		{PatientID: uuid.New()},
		{PatientID: b.PatientID, AdmissionID: &b.ID},
		{PatientID: discharged.PatientID, AdmissionID: &discharged.ID},
		{PatientID: a.PatientID, AdmissionID: &b.ID},
	}
	res, err := svc.Batch(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, len(items), res.Summary.Total)
	require.Equal(t, res.Summary.Total, res.Summary.Successful+res.Summary.Failed)
	require.Len(t, res.Data, res.Summary.Successful)
	require.Equal(t, 2, res.Summary.Successful)
	require.Equal(t, []int{1, 3, 4}, []int{res.Errors[0].Index, res.Errors[1].Index, res.Errors[2].Index})
}

func TestBatch_Limits(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Batch(context.Background(), nil)
	require.ErrorIs(t, err, ErrValidation)

	items := make([]BatchItem, MaxBatchSize+1)
	_, err = svc.Batch(context.Background(), items)
	require.ErrorIs(t, err, ErrValidation)

	res, err := svc.Batch(context.Background(), items[:MaxBatchSize])
	require.NoError(t, err)
	require.Equal(t, MaxBatchSize, res.Summary.Failed)
	require.Empty(t, res.Data)
}

func TestMetrics(t *testing.T) {
	svc, store := newTestService()
	discharge := func(admitted, out time.Time) {
		a := documented()
		a.Status = AdmissionDischarged
		a.AdmittedAt = admitted
		a.DischargedAt = &out
		store.addAdmission(a)
	}
	day := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	discharge(day.Add(-48*time.Hour), day.Add(10*time.Hour))
	discharge(day.Add(-24*time.Hour), day.Add(15*time.Hour))
	discharge(day.Add(-100*24*time.Hour), day.Add(-90*24*time.Hour))

	a := store.addAdmission(documented())
	store.addBarrier(a, CategoryLab, SeverityLow, 6)
	store.addBarrier(a, CategoryLab, SeverityMedium, 12)
	store.addBarrier(a, CategorySocial, SeverityHigh, 24)
	for _, b := range store.barriers {
		b.CreatedAt = day
	}

	m, err := svc.Metrics(context.Background(), "2026-06-01", "2026-06-14")
	require.NoError(t, err)
	require.Equal(t, 2, m.TotalDischarges)
	require.Equal(t, 48.5, *m.AvgLengthOfStayHours)
	require.Equal(t, 50.0, m.DischargedBeforeNoonPercentage)
	require.Equal(t, map[string]int{CategoryLab: 2, CategorySocial: 1}, m.BarriersByCategory)
	require.Equal(t, 14.0, *m.AvgBarrierDelayHours)

	empty, err := svc.Metrics(context.Background(), "2025-01-01", "2025-01-02")
	require.NoError(t, err)
	require.Equal(t, 0, empty.TotalDischarges)
	require.Nil(t, empty.AvgLengthOfStayHours)
	require.Nil(t, empty.AvgBarrierDelayHours)

	_, err = svc.Metrics(context.Background(), "2026-06-14", "2026-06-01")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Metrics(context.Background(), "yesterday", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestParseRange_Defaults(t *testing.T) {
	start, end, err := parseRange("", "", fixedNow)
	require.NoError(t, err)
	require.Equal(t, fixedNow, end)
	require.Equal(t, fixedNow.Add(-30*24*time.Hour), start)
}
