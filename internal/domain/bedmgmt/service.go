package bedmgmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/config"
	"github.com/medflow/hms/internal/platform/auth"
	"github.com/medflow/hms/internal/platform/cache"
	"github.com/medflow/hms/internal/platform/db"
	"github.com/medflow/hms/internal/platform/notification"
	"github.com/medflow/hms/internal/platform/websocket"
)

// TxRunner runs fn inside one database transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// RejectedError is returned by Assign when validation fails for a reason
// other than a lost race for the bed.
type RejectedError struct {
	Validation *Validation
}

func (e *RejectedError) Error() string {
	return "assignment rejected: " + e.Validation.Reason
}

func (e *RejectedError) Unwrap() error { return ErrValidation }

type Service struct {
	repos      Repositories
	cfg        config.EngineConfig
	logger     zerolog.Logger
	isolation  *IsolationEvaluator
	validator  *Validator
	scorer     *Scorer
	tx         TxRunner
	events     websocket.EventPublisher
	dispatcher *notification.Dispatcher
	now        func() time.Time
}

func NewService(repos Repositories, cfg config.EngineConfig, logger zerolog.Logger) *Service {
	iso := NewIsolationEvaluator(repos.Patients, nil, 0, logger)
	return &Service{
		repos:     repos,
		cfg:       cfg,
		logger:    logger,
		isolation: iso,
		validator: NewValidator(repos, iso),
		scorer:    NewScorer(cfg),
		tx:        noTx,
		now:       time.Now,
	}
}

// SetTxRunner makes multi-step writes run in a transaction.
func (s *Service) SetTxRunner(tx TxRunner) {
	if tx != nil {
		s.tx = tx
	}
}

// SetIsolationCache enables caching of isolation evaluations.
func (s *Service) SetIsolationCache(kv cache.KV, ttl time.Duration) {
	if kv == nil {
		kv = cache.NopKV{}
	}
	s.isolation.kv = kv
	s.isolation.ttl = ttl
}

// SetEventPublisher attaches the bed-board event sink.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetDispatcher attaches the housekeeping alert dispatcher.
func (s *Service) SetDispatcher(d *notification.Dispatcher) {
	s.dispatcher = d
}

func (s *Service) publish(ctx context.Context, eventType string, bed *Bed, data interface{}) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("encoding bed event")
		return
	}
	ev := websocket.Event{
		Type:      eventType,
		TenantID:  db.TenantFromContext(ctx),
		Timestamp: s.now().UTC(),
		Data:      raw,
	}
	if bed != nil {
		ev.BedID = bed.ID.String()
		ev.UnitID = bed.UnitID.String()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publishing bed event")
	}
}

// -- Isolation --

func (s *Service) CheckIsolation(ctx context.Context, patientID uuid.UUID) (*IsolationRequirement, error) {
	if patientID == uuid.Nil {
		return nil, validationError("patient_id is required")
	}
	return s.isolation.Evaluate(ctx, patientID)
}

// ClearIsolation lifts a patient's isolation flag. Medical-history inference
// stays suppressed until staff flag the patient again.
func (s *Service) ClearIsolation(ctx context.Context, patientID uuid.UUID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return validationError("reason is required")
	}
	if _, err := s.repos.Patients.GetByID(ctx, patientID); err != nil {
		return err
	}
	if err := s.repos.Patients.ClearIsolation(ctx, patientID, reason, s.now().UTC()); err != nil {
		return fmt.Errorf("clearing isolation: %w", err)
	}
	s.publish(ctx, websocket.EventIsolationCleared, nil, map[string]string{
		"patient_id": patientID.String(),
		"reason":     reason,
	})
	return nil
}

// -- Candidates and recommendations --

func (s *Service) ListAvailableBeds(ctx context.Context, unitID *uuid.UUID, isolationType string) ([]*Bed, error) {
	t, err := ParseIsolationType(isolationType)
	if err != nil {
		return nil, err
	}
	return s.repos.Beds.List(ctx, BedFilter{UnitID: unitID, IsolationType: t, AssignableOnly: true})
}

func (s *Service) IsolationRooms(ctx context.Context, isolationType string) ([]IsolationAvailability, error) {
	t, err := ParseIsolationType(isolationType)
	if err != nil {
		return nil, err
	}
	units, err := s.repos.Units.List(ctx)
	if err != nil {
		return nil, err
	}
	beds, err := s.repos.Beds.List(ctx, BedFilter{})
	if err != nil {
		return nil, err
	}
	return IsolationRoomAvailability(units, beds, t), nil
}

// needsFor merges the evaluated requirement with what the caller asked for.
// The request can only make isolation stricter.
func needsFor(req *RecommendRequest, iso *IsolationRequirement) (Needs, error) {
	requested, err := ParseIsolationType(req.IsolationType)
	if err != nil {
		return Needs{}, err
	}
	if req.IsolationRequired && requested.rank() <= 0 {
		requested = IsolationContact
	}
	t := requested
	if iso != nil {
		t = iso.IsolationType.Stronger(requested)
	}
	return Needs{
		IsolationType:     t,
		TelemetryRequired: req.TelemetryRequired,
		OxygenRequired:    req.OxygenRequired,
		NearNursesStation: req.ProximityToNursesStation,
		PreferredUnitID:   req.PreferredUnitID,
	}, nil
}

func (s *Service) RecommendBeds(ctx context.Context, req *RecommendRequest) (*RecommendationResult, error) {
	if req.PatientID == uuid.Nil {
		return nil, validationError("patient_id is required")
	}
	if req.MaxResults < 0 {
		return nil, validationError("max_results must not be negative")
	}
	iso, err := s.isolation.Evaluate(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	needs, err := needsFor(req, iso)
	if err != nil {
		return nil, err
	}
	if needs.IsolationType != iso.IsolationType {
		iso.IsolationRequired = true
		iso.IsolationType = needs.IsolationType
		iso.Reasons = append(iso.Reasons, fmt.Sprintf("%s precautions requested by caller", needs.IsolationType))
		iso.PPERequirements = PPEFor(needs.IsolationType)
	}

	beds, err := s.repos.Beds.List(ctx, BedFilter{UnitID: req.UnitID, AssignableOnly: true})
	if err != nil {
		return nil, err
	}
	recs, excluded := s.scorer.Rank(beds, needs, req.MaxResults)
	return &RecommendationResult{
		PatientID:       req.PatientID,
		Isolation:       *iso,
		Recommendations: recs,
		Excluded:        excluded,
		CandidateCount:  len(beds),
	}, nil
}

// -- Validation and commit --

func (s *Service) ValidateAssignment(ctx context.Context, req ValidateRequest) (*Validation, error) {
	if req.PatientID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, validationError("patient_id and bed_id are required")
	}
	return s.validator.Validate(ctx, req), nil
}

// AssignBed commits a patient to a bed. A bed taken by a concurrent request
// yields ErrConflict; the caller should ask for fresh recommendations.
func (s *Service) AssignBed(ctx context.Context, req *AssignRequest) (*Assignment, error) {
	if req.PatientID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, validationError("patient_id and bed_id are required")
	}

	var (
		a   *Assignment
		bed *Bed
	)
	err := s.tx(ctx, func(ctx context.Context) error {
		v := s.validator.Validate(ctx, ValidateRequest{
			PatientID:         req.PatientID,
			BedID:             req.BedID,
			TelemetryRequired: req.TelemetryRequired,
			OxygenRequired:    req.OxygenRequired,
		})
		if !v.Valid {
			switch {
			case v.Failed(CheckPatientExists) || v.Failed(CheckBedExists):
				return fmt.Errorf("%w: %s", ErrNotFound, v.Reason)
			case v.conflicted():
				return fmt.Errorf("%w: %s", ErrConflict, v.Reason)
			}
			return &RejectedError{Validation: v}
		}

		now := s.now().UTC()
		ok, err := s.repos.Beds.Occupy(ctx, req.BedID, now)
		if err != nil {
			return fmt.Errorf("occupying bed: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: bed is no longer available", ErrConflict)
		}

		a = &Assignment{
			PatientID:   req.PatientID,
			BedID:       req.BedID,
			AdmissionID: req.AdmissionID,
			AssignedAt:  now,
			Reasoning:   strings.TrimSpace(req.Reasoning),
			Status:      AssignmentActive,
			AssignedBy:  auth.UserIDFromContext(ctx),
		}
		if err := s.repos.Assignments.Create(ctx, a); err != nil {
			return err
		}
		if err := s.repos.Beds.AddStatusHistory(ctx, &StatusChange{
			BedID:      req.BedID,
			FromStatus: StatusAvailable,
			ToStatus:   StatusOccupied,
			ChangedAt:  now,
			ChangedBy:  a.AssignedBy,
		}); err != nil {
			return err
		}
		bed, err = s.repos.Beds.GetByID(ctx, req.BedID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn().
				Str("bed_id", req.BedID.String()).
				Str("patient_id", req.PatientID.String()).
				Msg("bed assignment conflict")
		}
		return nil, err
	}

	s.publish(ctx, websocket.EventBedAssigned, bed, map[string]interface{}{
		"assignment_id": a.ID,
		"patient_id":    a.PatientID,
		"bed_number":    bed.BedNumber,
		"status":        bed.Status,
	})
	return a, nil
}

// -- Status tracking --

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return s.repos.Beds.GetByID(ctx, id)
}

// BoardStatus is the status view for the whole tenant or one unit.
type BoardStatus struct {
	Unit    *Unit         `json:"unit,omitempty"`
	Beds    []*Bed        `json:"beds"`
	Summary StatusSummary `json:"summary"`
	ByUnit  []UnitStatus  `json:"by_unit,omitempty"`
}

func (s *Service) StatusAll(ctx context.Context) (*BoardStatus, error) {
	units, err := s.repos.Units.List(ctx)
	if err != nil {
		return nil, err
	}
	beds, err := s.repos.Beds.List(ctx, BedFilter{})
	if err != nil {
		return nil, err
	}
	return &BoardStatus{
		Beds:    nonNilBeds(beds),
		Summary: Summarize(beds),
		ByUnit:  SummarizeByUnit(units, beds),
	}, nil
}

func (s *Service) StatusForUnit(ctx context.Context, unitID uuid.UUID) (*BoardStatus, error) {
	unit, err := s.repos.Units.GetByID(ctx, unitID)
	if err != nil {
		return nil, err
	}
	beds, err := s.repos.Beds.List(ctx, BedFilter{UnitID: &unitID})
	if err != nil {
		return nil, err
	}
	return &BoardStatus{Unit: unit, Beds: nonNilBeds(beds), Summary: Summarize(beds)}, nil
}

func nonNilBeds(beds []*Bed) []*Bed {
	if beds == nil {
		return []*Bed{}
	}
	return beds
}

func (s *Service) BedHistory(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error) {
	if _, err := s.repos.Beds.GetByID(ctx, bedID); err != nil {
		return nil, err
	}
	return s.repos.Beds.ListStatusHistory(ctx, bedID, limit)
}

// UpdateStatus applies a manual status change following the transition table.
func (s *Service) UpdateStatus(ctx context.Context, bedID uuid.UUID, up *StatusUpdate) (*Bed, error) {
	if !validStatus(up.Status) {
		return nil, validationError("unknown status %q", up.Status)
	}
	if up.CleaningStatus != nil && !validCleaningStatus(*up.CleaningStatus) {
		return nil, validationError("unknown cleaning_status %q", *up.CleaningStatus)
	}

	var (
		bed  *Bed
		from string
	)
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		bed, err = s.repos.Beds.GetByID(ctx, bedID)
		if err != nil {
			return err
		}
		from = bed.Status

		if up.Status == from {
			if up.CleaningStatus == nil {
				return fmt.Errorf("%w: bed is already %s", ErrInvalidTransition, from)
			}
			if from == StatusAvailable && *up.CleaningStatus != CleaningClean {
				return validationError("an available bed must be clean; send it to cleaning instead")
			}
			if err := s.applyCleaning(ctx, bed, *up.CleaningStatus); err != nil {
				return err
			}
			if up.Notes != nil {
				bed.Notes = up.Notes
			}
			return s.repos.Beds.Update(ctx, bed)
		}

		if up.Status == StatusOccupied {
			return fmt.Errorf("%w: beds become occupied only through assignment", ErrInvalidTransition)
		}
		if !CanTransition(from, up.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, up.Status)
		}
		if from == StatusOccupied {
			return s.release(ctx, bed, up.Notes)
		}
		return s.transition(ctx, bed, up)
	})
	if err != nil {
		return nil, err
	}

	eventType := websocket.EventBedStatusChanged
	if from == StatusOccupied {
		eventType = websocket.EventBedReleased
	}
	s.publish(ctx, eventType, bed, map[string]string{
		"bed_number":      bed.BedNumber,
		"from_status":     from,
		"status":          bed.Status,
		"cleaning_status": bed.CleaningStatus,
	})
	return bed, nil
}

func (s *Service) transition(ctx context.Context, bed *Bed, up *StatusUpdate) error {
	now := s.now().UTC()
	from := bed.Status

	switch {
	case up.Status == StatusCleaning:
		bed.CleaningStatus = CleaningDirty
		if bed.VacatedAt == nil {
			bed.VacatedAt = &now
		}
	case from == StatusCleaning && up.Status == StatusAvailable:
		if up.CleaningStatus != nil && *up.CleaningStatus != CleaningClean {
			return validationError("a bed leaving cleaning must be marked clean")
		}
		if err := s.markReady(ctx, bed, now); err != nil {
			return err
		}
	case up.Status == StatusAvailable:
		// Any other way back to available must not skip housekeeping.
		cleaning := bed.CleaningStatus
		if up.CleaningStatus != nil {
			cleaning = *up.CleaningStatus
		}
		if cleaning != CleaningClean {
			return validationError("bed %s is %s and must be cleaned before it becomes available", bed.BedNumber, cleaning)
		}
		if err := s.markReady(ctx, bed, now); err != nil {
			return err
		}
	}
	if up.CleaningStatus != nil && up.Status != StatusAvailable {
		if err := s.applyCleaning(ctx, bed, *up.CleaningStatus); err != nil {
			return err
		}
	}

	bed.Status = up.Status
	bed.StatusChangedAt = now
	if up.Notes != nil {
		bed.Notes = up.Notes
	}
	if err := s.repos.Beds.Update(ctx, bed); err != nil {
		return err
	}
	return s.repos.Beds.AddStatusHistory(ctx, &StatusChange{
		BedID:      bed.ID,
		FromStatus: from,
		ToStatus:   up.Status,
		ChangedAt:  now,
		Notes:      up.Notes,
		ChangedBy:  auth.UserIDFromContext(ctx),
	})
}

// applyCleaning records a housekeeping progress update on bed.
func (s *Service) applyCleaning(ctx context.Context, bed *Bed, status string) error {
	if status == bed.CleaningStatus {
		return nil
	}
	if status == CleaningInProgress {
		now := s.now().UTC()
		bed.CleaningStartedAt = &now
		t, err := s.repos.Turnovers.GetOpenByBed(ctx, bed.ID)
		switch {
		case err == nil:
			if t.CleaningStartedAt == nil {
				if err := s.repos.Turnovers.MarkCleaningStarted(ctx, t.ID, now); err != nil {
					return err
				}
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	bed.CleaningStatus = status
	return nil
}

// markReady records a clean bed and closes its open turnover, if any.
func (s *Service) markReady(ctx context.Context, bed *Bed, now time.Time) error {
	if err := s.closeTurnover(ctx, bed, now); err != nil {
		return err
	}
	bed.CleaningStatus = CleaningClean
	bed.TerminalClean = false
	bed.CleaningPriority = PriorityRoutine
	bed.VacatedAt = nil
	bed.CleaningStartedAt = nil
	return nil
}

func (s *Service) closeTurnover(ctx context.Context, bed *Bed, readyAt time.Time) error {
	t, err := s.repos.Turnovers.GetOpenByBed(ctx, bed.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	minutes := round2(readyAt.Sub(t.VacatedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	return s.repos.Turnovers.Close(ctx, t.ID, readyAt, minutes)
}

// ReleaseBed discharges the occupant of a bed and sends it to cleaning.
func (s *Service) ReleaseBed(ctx context.Context, bedID uuid.UUID, notes *string) (*Bed, error) {
	if bedID == uuid.Nil {
		return nil, validationError("bed_id is required")
	}
	var bed *Bed
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		bed, err = s.repos.Beds.GetByID(ctx, bedID)
		if err != nil {
			return err
		}
		if bed.Status != StatusOccupied {
			return fmt.Errorf("%w: bed is %s, not occupied", ErrInvalidTransition, bed.Status)
		}
		return s.release(ctx, bed, notes)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, websocket.EventBedReleased, bed, map[string]string{
		"bed_number":      bed.BedNumber,
		"from_status":     StatusOccupied,
		"status":          bed.Status,
		"cleaning_status": bed.CleaningStatus,
	})
	return bed, nil
}

// release runs the occupied to cleaning transition inside a transaction.
func (s *Service) release(ctx context.Context, bed *Bed, notes *string) error {
	now := s.now().UTC()
	terminal := false

	a, err := s.repos.Assignments.GetActiveByBed(ctx, bed.ID)
	switch {
	case err == nil:
		if err := s.repos.Assignments.Release(ctx, a.ID, now); err != nil {
			return err
		}
		p, err := s.repos.Patients.GetByID(ctx, a.PatientID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		terminal = p != nil && p.IsolationRequired
	case !errors.Is(err, ErrNotFound):
		return err
	}

	bed.Status = StatusCleaning
	bed.CleaningStatus = CleaningDirty
	bed.TerminalClean = terminal
	bed.VacatedAt = &now
	bed.CleaningStartedAt = nil
	bed.StatusChangedAt = now
	if terminal {
		bed.CleaningPriority = escalate(bed.CleaningPriority, PriorityUrgent)
	}
	if notes != nil {
		bed.Notes = notes
	}
	if err := s.repos.Beds.Update(ctx, bed); err != nil {
		return err
	}
	if err := s.repos.Beds.AddStatusHistory(ctx, &StatusChange{
		BedID:      bed.ID,
		FromStatus: StatusOccupied,
		ToStatus:   StatusCleaning,
		ChangedAt:  now,
		Notes:      notes,
		ChangedBy:  auth.UserIDFromContext(ctx),
	}); err != nil {
		return err
	}
	return s.repos.Turnovers.Open(ctx, &Turnover{
		BedID:     bed.ID,
		UnitID:    bed.UnitID,
		UnitName:  bed.UnitName,
		VacatedAt: now,
	})
}

// -- Housekeeping --

func (s *Service) planner() CleaningPlanner {
	return CleaningPlanner{TargetMinutes: s.cfg.CleaningTargetMinutes, OverdueCap: s.cfg.CleaningOverdueCap}
}

func (s *Service) CleaningPriorityQueue(ctx context.Context) (*CleaningQueue, error) {
	beds, err := s.repos.Beds.List(ctx, BedFilter{Status: StatusCleaning})
	if err != nil {
		return nil, err
	}
	q := s.planner().Queue(beds, s.now())
	return &q, nil
}

// AlertHousekeeping records an alert, escalates the bed's cleaning priority
// and fans the alert out to every configured channel.
func (s *Service) AlertHousekeeping(ctx context.Context, req *AlertRequest) (*AlertResult, error) {
	if req.BedID == uuid.Nil {
		return nil, validationError("bed_id is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityRoutine
	}
	if !validPriority(req.Priority) {
		return nil, validationError("priority must be one of routine, urgent, stat")
	}

	var (
		bed   *Bed
		alert *HousekeepingAlert
	)
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		bed, err = s.repos.Beds.GetByID(ctx, req.BedID)
		if err != nil {
			return err
		}
		alert = &HousekeepingAlert{
			BedID:     bed.ID,
			Priority:  req.Priority,
			Reason:    strings.TrimSpace(req.Reason),
			CreatedAt: s.now().UTC(),
			CreatedBy: auth.UserIDFromContext(ctx),
		}
		if err := s.repos.Alerts.Create(ctx, alert); err != nil {
			return err
		}
		if p := escalate(bed.CleaningPriority, req.Priority); p != bed.CleaningPriority {
			if err := s.repos.Beds.SetCleaningPriority(ctx, bed.ID, p); err != nil {
				return err
			}
			bed.CleaningPriority = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &AlertResult{Alert: *alert, Channels: []ChannelOutcome{}}
	if s.dispatcher == nil {
		return result, nil
	}
	outcomes := s.dispatcher.Dispatch(ctx, notification.Alert{
		ID:        alert.ID.String(),
		TenantID:  db.TenantFromContext(ctx),
		BedID:     bed.ID.String(),
		BedNumber: bed.BedNumber,
		UnitID:    bed.UnitID.String(),
		UnitName:  bed.UnitName,
		Priority:  alert.Priority,
		Reason:    alert.Reason,
		CreatedBy: alert.CreatedBy,
		CreatedAt: alert.CreatedAt,
	})
	for _, o := range outcomes {
		result.Channels = append(result.Channels, ChannelOutcome{
			Channel:   string(o.Channel),
			Delivered: o.Delivered,
			Error:     o.Error,
		})
	}
	return result, nil
}

// -- Turnover --

func (s *Service) TurnoverMetrics(ctx context.Context, startRaw, endRaw string) (*TurnoverMetrics, error) {
	start, end, err := ParseDateRange(startRaw, endRaw, s.now())
	if err != nil {
		return nil, err
	}
	turnovers, err := s.repos.Turnovers.ListCompleted(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return BuildTurnoverMetrics(turnovers, start, end, s.cfg.TurnoverTargetMinutes), nil
}
