package bedmgmt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors translated to HTTP status codes by the handler.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("bed conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsolationType is a transmission-based precaution category. Types are
// ordered: a room rated for airborne precautions also serves droplet and
// contact patients.
type IsolationType string

const (
	IsolationNone     IsolationType = "none"
	IsolationContact  IsolationType = "contact"
	IsolationDroplet  IsolationType = "droplet"
	IsolationAirborne IsolationType = "airborne"
)

func (t IsolationType) rank() int {
	switch t {
	case IsolationNone, "":
		return 0
	case IsolationContact:
		return 1
	case IsolationDroplet:
		return 2
	case IsolationAirborne:
		return 3
	}
	return -1
}

// ParseIsolationType accepts the four type names case-insensitively. An
// empty string is none.
func ParseIsolationType(s string) (IsolationType, error) {
	t := IsolationType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return IsolationNone, nil
	}
	if t.rank() < 0 {
		return "", validationError("unknown isolation_type %q", s)
	}
	return t, nil
}

// ServedBy reports whether a bed rated at level can host a patient needing t.
func (t IsolationType) ServedBy(level IsolationType) bool {
	if t.rank() <= 0 {
		return true
	}
	return level.rank() >= t.rank()
}

// Stronger returns the more restrictive of t and o.
func (t IsolationType) Stronger(o IsolationType) IsolationType {
	if o.rank() > t.rank() {
		return o
	}
	if t == "" {
		return IsolationNone
	}
	return t
}

// Bed statuses.
const (
	StatusAvailable   = "available"
	StatusOccupied    = "occupied"
	StatusCleaning    = "cleaning"
	StatusMaintenance = "maintenance"
	StatusReserved    = "reserved"
)

// Cleaning statuses.
const (
	CleaningClean      = "clean"
	CleaningDirty      = "dirty"
	CleaningInProgress = "in_progress"
)

// Cleaning priorities.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

var priorityRank = map[string]int{PriorityRoutine: 0, PriorityUrgent: 1, PriorityStat: 2}

func validPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

// Assignment statuses.
const (
	AssignmentActive     = "active"
	AssignmentDischarged = "discharged"
)

// Unit maps to the units table.
type Unit struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Code      string    `db:"code" json:"code"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Patient maps to the patients table. Only the fields the engine reads or
// writes are mapped.
type Patient struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	MRN                    string        `db:"mrn" json:"mrn"`
	FirstName              string        `db:"first_name" json:"first_name"`
	LastName               string        `db:"last_name" json:"last_name"`
	IsolationRequired      bool          `db:"isolation_required" json:"isolation_required"`
	IsolationType          IsolationType `db:"isolation_type" json:"isolation_type"`
	IsolationSource        string        `db:"isolation_source" json:"isolation_source"`
	MedicalHistory         *string       `db:"medical_history" json:"medical_history,omitempty"`
	IsolationClearedAt     *time.Time    `db:"isolation_cleared_at" json:"isolation_cleared_at,omitempty"`
	IsolationClearedReason *string       `db:"isolation_cleared_reason" json:"isolation_cleared_reason,omitempty"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
}

// Bed maps to the beds table joined with its unit name.
type Bed struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	BedNumber         string        `db:"bed_number" json:"bed_number"`
	UnitID            uuid.UUID     `db:"unit_id" json:"unit_id"`
	UnitName          string        `db:"unit_name" json:"unit_name"`
	Status            string        `db:"status" json:"status"`
	CleaningStatus    string        `db:"cleaning_status" json:"cleaning_status"`
	CleaningPriority  string        `db:"cleaning_priority" json:"cleaning_priority"`
	TerminalClean     bool          `db:"terminal_clean" json:"terminal_clean"`
	IsolationLevel    IsolationType `db:"isolation_level" json:"isolation_level"`
	NearNursesStation bool          `db:"near_nurses_station" json:"near_nurses_station"`
	HasTelemetry      bool          `db:"has_telemetry" json:"has_telemetry"`
	HasOxygen         bool          `db:"has_oxygen" json:"has_oxygen"`
	Notes             *string       `db:"notes" json:"notes,omitempty"`
	StatusChangedAt   time.Time     `db:"status_changed_at" json:"status_changed_at"`
	VacatedAt         *time.Time    `db:"vacated_at" json:"vacated_at,omitempty"`
	CleaningStartedAt *time.Time    `db:"cleaning_started_at" json:"cleaning_started_at,omitempty"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// IsolationCapable reports whether the bed is an isolation room of any kind.
func (b *Bed) IsolationCapable() bool {
	return b.IsolationLevel.rank() > 0
}

// Assignable reports whether the bed can take a patient right now.
func (b *Bed) Assignable() bool {
	return b.Status == StatusAvailable && b.CleaningStatus == CleaningClean
}

// Assignment maps to the bed_assignments table.
type Assignment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	BedID       uuid.UUID  `db:"bed_id" json:"bed_id"`
	AdmissionID *uuid.UUID `db:"admission_id" json:"admission_id,omitempty"`
	AssignedAt  time.Time  `db:"assigned_at" json:"assigned_at"`
	ReleasedAt  *time.Time `db:"released_at" json:"released_at,omitempty"`
	Reasoning   string     `db:"reasoning" json:"reasoning"`
	Status      string     `db:"status" json:"status"`
	AssignedBy  string     `db:"assigned_by" json:"assigned_by"`
}

// StatusChange maps to the bed_status_history table.
type StatusChange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BedID      uuid.UUID `db:"bed_id" json:"bed_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
	Notes      *string   `db:"notes" json:"notes,omitempty"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
}

// Turnover maps to the bed_turnovers table. One row per vacate-to-ready cycle.
type Turnover struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	BedID             uuid.UUID  `db:"bed_id" json:"bed_id"`
	UnitID            uuid.UUID  `db:"unit_id" json:"unit_id"`
	UnitName          string     `db:"unit_name" json:"unit_name"`
	VacatedAt         time.Time  `db:"vacated_at" json:"vacated_at"`
	CleaningStartedAt *time.Time `db:"cleaning_started_at" json:"cleaning_started_at,omitempty"`
	ReadyAt           *time.Time `db:"ready_at" json:"ready_at,omitempty"`
	TurnoverMinutes   *float64   `db:"turnover_minutes" json:"turnover_minutes,omitempty"`
}

// HousekeepingAlert maps to the housekeeping_alerts table.
type HousekeepingAlert struct {
	ID        uuid.UUID `db:"id" json:"id"`
	BedID     uuid.UUID `db:"bed_id" json:"bed_id"`
	Priority  string    `db:"priority" json:"priority"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	CreatedBy string    `db:"created_by" json:"created_by"`
}

// IsolationRequirement is the evaluator's verdict for one patient. It is
// computed on demand and never stored as such.
type IsolationRequirement struct {
	PatientID         uuid.UUID     `json:"patient_id"`
	IsolationRequired bool          `json:"isolation_required"`
	IsolationType     IsolationType `json:"isolation_type"`
	Reasons           []string      `json:"reasons"`
	PPERequirements   []string      `json:"ppe_requirements"`
	Source            string        `json:"source"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
}

// Requirement sources.
const (
	SourceNone    = "none"
	SourceFlag    = "flag"
	SourceHistory = "medical_history"
	SourceCleared = "cleared"
)

// FlagSetByStaff marks a patient isolation flag entered by clinical staff.
// Flags the evaluator derives are stored with SourceHistory.
const FlagSetByStaff = "staff"

// RecommendRequest carries the patient's placement needs.
type RecommendRequest struct {
	PatientID                uuid.UUID  `json:"patient_id"`
	IsolationRequired        bool       `json:"isolation_required"`
	IsolationType            string     `json:"isolation_type"`
	TelemetryRequired        bool       `json:"telemetry_required"`
	OxygenRequired           bool       `json:"oxygen_required"`
	ProximityToNursesStation bool       `json:"proximity_to_nurses_station"`
	PreferredUnitID          *uuid.UUID `json:"preferred_unit_id,omitempty"`
	UnitID                   *uuid.UUID `json:"unit_id,omitempty"`
	MaxResults               int        `json:"max_results,omitempty"`
}

// Needs is the resolved placement profile the scorer works from.
type Needs struct {
	IsolationType     IsolationType
	TelemetryRequired bool
	OxygenRequired    bool
	NearNursesStation bool
	PreferredUnitID   *uuid.UUID
}

// Factor kinds.
const (
	FactorHard = "hard"
	FactorSoft = "soft"
)

// ScoreFactor is one contribution to a bed's score.
type ScoreFactor struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Points      float64 `json:"points"`
	Description string  `json:"description"`
}

// Confidence levels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Recommendation is one ranked candidate bed.
type Recommendation struct {
	BedID      uuid.UUID     `json:"bed_id"`
	BedNumber  string        `json:"bed_number"`
	UnitID     uuid.UUID     `json:"unit_id"`
	UnitName   string        `json:"unit_name"`
	Score      float64       `json:"score"`
	Confidence string        `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Factors    []ScoreFactor `json:"factors"`
}

// Exclusion records why a bed was not recommended.
type Exclusion struct {
	BedID     uuid.UUID `json:"bed_id"`
	BedNumber string    `json:"bed_number"`
	Reasons   []string  `json:"reasons"`
}

// RecommendationResult is the recommend-beds response payload.
type RecommendationResult struct {
	PatientID       uuid.UUID            `json:"patient_id"`
	Isolation       IsolationRequirement `json:"isolation"`
	Recommendations []Recommendation     `json:"recommendations"`
	Excluded        []Exclusion          `json:"excluded"`
	CandidateCount  int                  `json:"candidate_count"`
}

// ValidationCheck is the outcome of a single commit-time check.
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Validation is the validator's verdict for a (patient, bed) pair.
type Validation struct {
	Valid  bool              `json:"valid"`
	Reason string            `json:"reason,omitempty"`
	Checks []ValidationCheck `json:"checks"`

	held bool
}

// AssignRequest is the assign-bed request body.
type AssignRequest struct {
	PatientID         uuid.UUID  `json:"patient_id"`
	BedID             uuid.UUID  `json:"bed_id"`
	AdmissionID       *uuid.UUID `json:"admission_id,omitempty"`
	Reasoning         string     `json:"reasoning"`
	TelemetryRequired bool       `json:"telemetry_required"`
	OxygenRequired    bool       `json:"oxygen_required"`
}

// StatusUpdate is the update-bed-status request body.
type StatusUpdate struct {
	Status         string  `json:"status"`
	CleaningStatus *string `json:"cleaning_status,omitempty"`
	Notes          *string `json:"notes,omitempty"`
}

// StatusSummary aggregates bed counts for a unit or the whole tenant.
type StatusSummary struct {
	Total           int     `json:"total"`
	Available       int     `json:"available"`
	Occupied        int     `json:"occupied"`
	Cleaning        int     `json:"cleaning"`
	Maintenance     int     `json:"maintenance"`
	Reserved        int     `json:"reserved"`
	UtilizationRate float64 `json:"utilization_rate"`
}

// UnitStatus is a per-unit summary.
type UnitStatus struct {
	UnitID   uuid.UUID `json:"unit_id"`
	UnitName string    `json:"unit_name"`
	StatusSummary
}

// IsolationAvailability is the isolation-room view for one unit.
type IsolationAvailability struct {
	UnitID          uuid.UUID     `json:"unit_id"`
	UnitName        string        `json:"unit_name"`
	IsolationType   IsolationType `json:"isolation_type"`
	AvailableCount  int           `json:"available_count"`
	TotalCount      int           `json:"total_count"`
	UtilizationRate float64       `json:"utilization_rate"`
}

// CleaningQueueItem is a bed awaiting cleaning with its computed priority.
type CleaningQueueItem struct {
	Bed
	PriorityScore  float64 `json:"priority_score"`
	WaitMinutes    float64 `json:"wait_minutes"`
	OverdueMinutes float64 `json:"overdue_minutes"`
	IsOverdue      bool    `json:"is_overdue"`
}

// CleaningQueue is the cleaning-priority response payload.
type CleaningQueue struct {
	Beds          []CleaningQueueItem `json:"beds"`
	Count         int                 `json:"count"`
	StatCount     int                 `json:"stat_count"`
	OverdueCount  int                 `json:"overdue_count"`
	TargetMinutes int                 `json:"target_minutes"`
}

// TurnoverStats are aggregate turnover figures. Avg, Min and Max are nil when
// there were no turnovers in the window.
type TurnoverStats struct {
	TotalTurnovers           int      `json:"total_turnovers"`
	AvgTurnoverTime          *float64 `json:"avg_turnover_time"`
	MinTurnoverTime          *float64 `json:"min_turnover_time"`
	MaxTurnoverTime          *float64 `json:"max_turnover_time"`
	ExceededTargetCount      int      `json:"exceeded_target_count"`
	ExceededTargetPercentage float64  `json:"exceeded_target_percentage"`
	TargetMinutes            int      `json:"target_minutes"`
}

// UnitTurnover is TurnoverStats for one unit.
type UnitTurnover struct {
	UnitID   uuid.UUID `json:"unit_id"`
	UnitName string    `json:"unit_name"`
	TurnoverStats
}

// TurnoverMetrics is the turnover-metrics response payload.
type TurnoverMetrics struct {
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
	Overall   TurnoverStats  `json:"overall"`
	ByUnit    []UnitTurnover `json:"by_unit"`
}

// AlertRequest is the alert-housekeeping request body.
type AlertRequest struct {
	BedID    uuid.UUID `json:"bed_id"`
	Priority string    `json:"priority"`
	Reason   string    `json:"reason"`
}

// ChannelOutcome reports one delivery channel of a housekeeping alert.
type ChannelOutcome struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// AlertResult is the alert-housekeeping response payload.
type AlertResult struct {
	Alert    HousekeepingAlert `json:"alert"`
	Channels []ChannelOutcome  `json:"channels"`
}
