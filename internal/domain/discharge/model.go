package discharge

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const (
	AdmissionActive     = "active"
	AdmissionDischarged = "discharged"
)

// Admission maps to the admissions table joined with patients. The factor
// columns are nullable; nil means the factor has not been documented.
type Admission struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName         string     `db:"patient_name" json:"patient_name"`
	MRN                 string     `db:"mrn" json:"mrn"`
	AdmittedAt          time.Time  `db:"admitted_at" json:"admitted_at"`
	ExpectedDischargeAt *time.Time `db:"expected_discharge_at" json:"expected_discharge_at,omitempty"`
	DischargedAt        *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	Status              string     `db:"status" json:"status"`
	Diagnosis           *string    `db:"diagnosis" json:"diagnosis,omitempty"`

	VitalsStable         *bool   `db:"vitals_stable" json:"vitals_stable,omitempty"`
	AfebrileHours        *int    `db:"afebrile_hours" json:"afebrile_hours,omitempty"`
	OnIVMedications      *bool   `db:"on_iv_medications" json:"on_iv_medications,omitempty"`
	OnSupplementalOxygen *bool   `db:"on_supplemental_oxygen" json:"on_supplemental_oxygen,omitempty"`
	PendingLabResults    *int    `db:"pending_lab_results" json:"pending_lab_results,omitempty"`
	PendingConsults      *int    `db:"pending_consults" json:"pending_consults,omitempty"`
	PendingProcedures    *int    `db:"pending_procedures" json:"pending_procedures,omitempty"`
	PainControlled       *bool   `db:"pain_controlled" json:"pain_controlled,omitempty"`
	MedicationReconciled *bool   `db:"medication_reconciled" json:"medication_reconciled,omitempty"`
	MobilityStatus       *string `db:"mobility_status" json:"mobility_status,omitempty"`
	HomeSupportAvailable *bool   `db:"home_support_available" json:"home_support_available,omitempty"`
	TransportArranged    *bool   `db:"transport_arranged" json:"transport_arranged,omitempty"`
	InsuranceAuthorized  *bool   `db:"insurance_authorized" json:"insurance_authorized,omitempty"`
	FollowUpScheduled    *bool   `db:"follow_up_scheduled" json:"follow_up_scheduled,omitempty"`
	EducationCompleted   *bool   `db:"education_completed" json:"education_completed,omitempty"`
	DischargeDestination *string `db:"discharge_destination" json:"discharge_destination,omitempty"`
	PlacementConfirmed   *bool   `db:"placement_confirmed" json:"placement_confirmed,omitempty"`
}

// Barrier severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityWeight = map[string]float64{
	SeverityLow:      5,
	SeverityMedium:   10,
	SeverityHigh:     20,
	SeverityCritical: 35,
}

// Barrier categories. The first five count against medical readiness.
const (
	CategoryClinical   = "clinical"
	CategoryLab        = "lab"
	CategoryConsult    = "consult"
	CategoryProcedure  = "procedure"
	CategoryMedication = "medication"
	CategorySocial     = "social"
	CategoryPlacement  = "placement"
	CategoryTransport  = "transport"
	CategoryInsurance  = "insurance"
	CategoryFollowUp   = "follow_up"
	CategoryEducation  = "education"
	CategoryMobility   = "mobility"
	CategoryOther      = "other"
)

var medicalCategories = map[string]bool{
	CategoryClinical:   true,
	CategoryLab:        true,
	CategoryConsult:    true,
	CategoryProcedure:  true,
	CategoryMedication: true,
}

func isMedical(category string) bool { return medicalCategories[category] }

// Barrier maps to the discharge_barriers table.
type Barrier struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	AdmissionID         uuid.UUID  `db:"admission_id" json:"admission_id"`
	Category            string     `db:"category" json:"category"`
	Description         string     `db:"description" json:"description"`
	Severity            string     `db:"severity" json:"severity"`
	EstimatedDelayHours float64    `db:"estimated_delay_hours" json:"estimated_delay_hours"`
	Resolved            bool       `db:"resolved" json:"resolved"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedBy           string     `db:"created_by" json:"created_by"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// BarrierInput is the body used to document a new barrier.
type BarrierInput struct {
	Category            string  `json:"category"`
	Description         string  `json:"description"`
	Severity            string  `json:"severity"`
	EstimatedDelayHours float64 `json:"estimated_delay_hours"`
}

func (in *BarrierInput) validate() error {
	if _, ok := interventionCatalog[in.Category]; !ok {
		return validationError("unknown barrier category %q", in.Category)
	}
	if in.Description == "" {
		return validationError("description is required")
	}
	if _, ok := severityWeight[in.Severity]; !ok {
		return validationError("severity must be low, medium, high or critical")
	}
	if in.EstimatedDelayHours < 0 {
		return validationError("estimated_delay_hours must not be negative")
	}
	return nil
}

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// PredictedBarrier is a barrier as reported in a prediction. Documented
// barriers carry their ID; barriers inferred from factors are flagged
// Predicted and have none.
type PredictedBarrier struct {
	ID                  *uuid.UUID `json:"barrier_id,omitempty"`
	Category            string     `json:"category"`
	Description         string     `json:"description"`
	Severity            string     `json:"severity"`
	EstimatedDelayHours float64    `json:"estimated_delay_hours"`
	Resolved            bool       `json:"resolved"`
	Predicted           bool       `json:"predicted"`
}

// Intervention priorities, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var priorityRank = map[string]int{
	PriorityUrgent: 4,
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
}

type Intervention struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AssignedTo  string `json:"assigned_to"`
}

// Prediction is computed per request and never stored.
type Prediction struct {
	PatientID                uuid.UUID          `json:"patient_id"`
	AdmissionID              uuid.UUID          `json:"admission_id"`
	MedicalReadinessScore    float64            `json:"medical_readiness_score"`
	SocialReadinessScore     float64            `json:"social_readiness_score"`
	OverallReadinessScore    float64            `json:"overall_readiness_score"`
	ConfidenceLevel          string             `json:"confidence_level"`
	DocumentedFactors        int                `json:"documented_factors"`
	TotalFactors             int                `json:"total_factors"`
	PredictedDischargeDate   time.Time          `json:"predicted_discharge_date"`
	Barriers                 []PredictedBarrier `json:"barriers"`
	RecommendedInterventions []Intervention     `json:"recommended_interventions"`
	GeneratedAt              time.Time          `json:"generated_at"`
}

// ReadyPatient is one row of the discharge-ready list.
type ReadyPatient struct {
	PatientID              uuid.UUID `json:"patient_id"`
	AdmissionID            uuid.UUID `json:"admission_id"`
	PatientName            string    `json:"patient_name"`
	MRN                    string    `json:"mrn"`
	AdmittedAt             time.Time `json:"admitted_at"`
	OverallReadinessScore  float64   `json:"overall_readiness_score"`
	ConfidenceLevel        string    `json:"confidence_level"`
	PredictedDischargeDate time.Time `json:"predicted_discharge_date"`
	OpenBarriers           int       `json:"open_barriers"`
}

// BatchItem identifies one admission in a batch prediction request. A nil
// AdmissionID selects the patient's active admission.
type BatchItem struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	AdmissionID *uuid.UUID `json:"admission_id,omitempty"`
}

type BatchError struct {
	Index       int        `json:"index"`
	PatientID   uuid.UUID  `json:"patient_id"`
	AdmissionID *uuid.UUID `json:"admission_id,omitempty"`
	Error       string     `json:"error"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BatchResult struct {
	Data    []*Prediction `json:"data"`
	Errors  []BatchError  `json:"errors"`
	Summary BatchSummary  `json:"summary"`
}

// Metrics aggregates discharges completed within a period.
type Metrics struct {
	StartDate                      time.Time      `json:"start_date"`
	EndDate                        time.Time      `json:"end_date"`
	TotalDischarges                int            `json:"total_discharges"`
	AvgLengthOfStayHours           *float64       `json:"avg_length_of_stay_hours"`
	DischargedBeforeNoonPercentage float64        `json:"discharged_before_noon_percentage"`
	BarriersByCategory             map[string]int `json:"barriers_by_category"`
	AvgBarrierDelayHours           *float64       `json:"avg_barrier_delay_hours"`
}
