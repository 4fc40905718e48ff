package discharge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/config"
	"github.com/medflow/hms/internal/platform/auth"
	"github.com/medflow/hms/pkg/pagination"
)

// MaxBatchSize caps the admissions accepted by one batch prediction.
const MaxBatchSize = 100

const defaultMetricsWindow = 30 * 24 * time.Hour

type Service struct {
	admissions AdmissionRepository
	barriers   BarrierRepository
	predictor  Predictor
	minScore   float64
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(admissions AdmissionRepository, barriers BarrierRepository, cfg config.EngineConfig, logger zerolog.Logger) *Service {
	return &Service{
		admissions: admissions,
		barriers:   barriers,
		predictor:  NewPredictor(cfg),
		minScore:   cfg.DischargeReadyMinScore,
		logger:     logger,
		now:        time.Now,
	}
}

// -- Prediction --

func (s *Service) admissionFor(ctx context.Context, patientID uuid.UUID, admissionID *uuid.UUID) (*Admission, error) {
	if patientID == uuid.Nil {
		return nil, validationError("patient_id is required")
	}
	if admissionID == nil {
		return s.admissions.GetActiveByPatient(ctx, patientID)
	}
	a, err := s.admissions.GetByID(ctx, *admissionID)
	if err != nil {
		return nil, err
	}
	if a.PatientID != patientID {
		return nil, fmt.Errorf("%w: admission does not belong to patient", ErrNotFound)
	}
	return a, nil
}

func (s *Service) predict(ctx context.Context, a *Admission) (*Prediction, error) {
	barriers, err := s.barriers.ListByAdmission(ctx, a.ID, false)
	if err != nil {
		return nil, err
	}
	return s.predictor.Predict(a, barriers, s.now()), nil
}

// Readiness predicts discharge readiness for a patient. A nil admissionID
// selects the patient's active admission.
func (s *Service) Readiness(ctx context.Context, patientID uuid.UUID, admissionID *uuid.UUID) (*Prediction, error) {
	a, err := s.admissionFor(ctx, patientID, admissionID)
	if err != nil {
		return nil, err
	}
	if a.Status != AdmissionActive {
		return nil, validationError("admission %s is already %s", a.ID, a.Status)
	}
	return s.predict(ctx, a)
}

// ReadyPatients lists active admissions whose overall readiness is at least
// minScore, highest first. A negative minScore selects the configured
// default.
func (s *Service) ReadyPatients(ctx context.Context, minScore float64, page pagination.Params) ([]ReadyPatient, int, error) {
	if minScore < 0 {
		minScore = s.minScore
	}
	if minScore > 100 {
		return nil, 0, validationError("minScore must be within [0,100]")
	}
	admissions, err := s.admissions.ListActive(ctx)
	if err != nil {
		return nil, 0, err
	}

	var ready []ReadyPatient
	for _, a := range admissions {
		p, err := s.predict(ctx, a)
		if err != nil {
			return nil, 0, err
		}
		if p.OverallReadinessScore < minScore {
			continue
		}
		open := 0
		for _, b := range p.Barriers {
			if !b.Predicted {
				open++
			}
		}
		ready = append(ready, ReadyPatient{
			PatientID:              a.PatientID,
			AdmissionID:            a.ID,
			PatientName:            a.PatientName,
			MRN:                    a.MRN,
			AdmittedAt:             a.AdmittedAt,
			OverallReadinessScore:  p.OverallReadinessScore,
			ConfidenceLevel:        p.ConfidenceLevel,
			PredictedDischargeDate: p.PredictedDischargeDate,
			OpenBarriers:           open,
		})
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].OverallReadinessScore != ready[j].OverallReadinessScore {
			return ready[i].OverallReadinessScore > ready[j].OverallReadinessScore
		}
		return ready[i].AdmittedAt.Before(ready[j].AdmittedAt)
	})

	start, end := page.Window(len(ready))
	out := ready[start:end]
	if out == nil {
		out = []ReadyPatient{}
	}
	return out, len(ready), nil
}

// Batch predicts readiness for each item independently. A failing item is
// reported in Errors and never fails the batch.
func (s *Service) Batch(ctx context.Context, items []BatchItem) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, validationError("admissions must not be empty")
	}
	if len(items) > MaxBatchSize {
		return nil, validationError("at most %d admissions per batch, got %d", MaxBatchSize, len(items))
	}

	res := &BatchResult{Data: []*Prediction{}, Errors: []BatchError{}}
	for i, item := range items {
		p, err := s.Readiness(ctx, item.PatientID, item.AdmissionID)
		if err != nil {
			res.Errors = append(res.Errors, BatchError{
				Index:       i,
				PatientID:   item.PatientID,
				AdmissionID: item.AdmissionID,
				Error:       err.Error(),
			})
			continue
		}
		res.Data = append(res.Data, p)
	}
	res.Summary = BatchSummary{Total: len(items), Successful: len(res.Data), Failed: len(res.Errors)}

	s.logger.Info().
		Int("total", res.Summary.Total).
		Int("failed", res.Summary.Failed).
		Msg("batch discharge prediction")
	return res, nil
}

// -- Barriers --

func (s *Service) activeAdmission(ctx context.Context, admissionID uuid.UUID) (*Admission, error) {
	a, err := s.admissions.GetByID(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	if a.Status != AdmissionActive {
		return nil, validationError("admission %s is already %s", a.ID, a.Status)
	}
	return a, nil
}

func (s *Service) CreateBarrier(ctx context.Context, admissionID uuid.UUID, in *BarrierInput) (*Barrier, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.activeAdmission(ctx, admissionID); err != nil {
		return nil, err
	}
	b := &Barrier{
		AdmissionID:         admissionID,
		Category:            in.Category,
		Description:         in.Description,
		Severity:            in.Severity,
		EstimatedDelayHours: in.EstimatedDelayHours,
		CreatedBy:           auth.UserIDFromContext(ctx),
	}
	if err := s.barriers.Create(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("admission_id", admissionID.String()).
		Str("category", b.Category).
		Str("severity", b.Severity).
		Msg("discharge barrier documented")
	return b, nil
}

func (s *Service) ListBarriers(ctx context.Context, admissionID uuid.UUID, includeResolved bool) ([]*Barrier, error) {
	if _, err := s.admissions.GetByID(ctx, admissionID); err != nil {
		return nil, err
	}
	out, err := s.barriers.ListByAdmission(ctx, admissionID, includeResolved)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Barrier{}
	}
	return out, nil
}

// ResolveBarrier flips a barrier's resolved flag and returns the prediction
// recomputed with the change applied.
func (s *Service) ResolveBarrier(ctx context.Context, admissionID, barrierID uuid.UUID, resolved bool) (*Prediction, error) {
	a, err := s.activeAdmission(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	b, err := s.barriers.GetByID(ctx, barrierID)
	if err != nil {
		return nil, err
	}
	if b.AdmissionID != admissionID {
		return nil, fmt.Errorf("%w: barrier does not belong to admission", ErrNotFound)
	}

	var at *time.Time
	if resolved {
		now := s.now().UTC()
		at = &now
	}
	if err := s.barriers.SetResolved(ctx, barrierID, resolved, at); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("admission_id", admissionID.String()).
		Str("barrier_id", barrierID.String()).
		Bool("resolved", resolved).
		Msg("discharge barrier updated")
	return s.predict(ctx, a)
}

// -- Metrics --

func (s *Service) Metrics(ctx context.Context, startRaw, endRaw string) (*Metrics, error) {
	start, end, err := parseRange(startRaw, endRaw, s.now())
	if err != nil {
		return nil, err
	}
	discharged, err := s.admissions.ListDischarged(ctx, start, end)
	if err != nil {
		return nil, err
	}
	barriers, err := s.barriers.ListCreated(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return buildMetrics(discharged, barriers, start, end), nil
}

func buildMetrics(discharged []*Admission, barriers []*Barrier, start, end time.Time) *Metrics {
	m := &Metrics{
		StartDate:          start,
		EndDate:            end,
		BarriersByCategory: make(map[string]int),
	}

	var losHours float64
	beforeNoon := 0
	for _, a := range discharged {
		if a.DischargedAt == nil {
			continue
		}
		m.TotalDischarges++
		losHours += a.DischargedAt.Sub(a.AdmittedAt).Hours()
		if a.DischargedAt.UTC().Hour() < 12 {
			beforeNoon++
		}
	}
	if m.TotalDischarges > 0 {
		avg := round2(losHours / float64(m.TotalDischarges))
		m.AvgLengthOfStayHours = &avg
		m.DischargedBeforeNoonPercentage = round2(float64(beforeNoon) / float64(m.TotalDischarges) * 100)
	}

	var delay float64
	for _, b := range barriers {
		m.BarriersByCategory[b.Category]++
		delay += b.EstimatedDelayHours
	}
	if len(barriers) > 0 {
		avg := round2(delay / float64(len(barriers)))
		m.AvgBarrierDelayHours = &avg
	}
	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// parseRange accepts YYYY-MM-DD or RFC 3339 bounds. A date-only end covers
// the whole day. Missing bounds default to the last 30 days.
func parseRange(startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if endRaw != "" {
		t, dateOnly, err := parseBound(endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, validationError("invalid endDate %q", endRaw)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		end = t
	}
	start := end.Add(-defaultMetricsWindow)
	if startRaw != "" {
		t, _, err := parseBound(startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, validationError("invalid startDate %q", startRaw)
		}
		start = t
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, validationError("startDate must not be after endDate")
	}
	return start, end, nil
}

func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t.UTC(), false, err
}
