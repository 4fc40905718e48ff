package bedmgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation check names.
const (
	CheckPatientExists     = "patient_exists"
	CheckBedExists         = "bed_exists"
	CheckBedAvailable      = "bed_available"
	CheckBedClean          = "bed_clean"
	CheckBedUnassigned     = "bed_unassigned"
	CheckPatientUnassigned = "patient_unassigned"
	CheckIsolation         = "isolation_served"
	CheckTelemetry         = "telemetry_available"
	CheckOxygen            = "oxygen_available"
)

// ValidateRequest is the validate-assignment request body.
type ValidateRequest struct {
	PatientID         uuid.UUID `json:"patient_id"`
	BedID             uuid.UUID `json:"bed_id"`
	TelemetryRequired bool      `json:"telemetry_required"`
	OxygenRequired    bool      `json:"oxygen_required"`
}

// Validator re-checks a (patient, bed) pair against current state. It fails
// closed: a check that cannot be evaluated counts as failed.
type Validator struct {
	repos     Repositories
	isolation *IsolationEvaluator
}

func NewValidator(repos Repositories, isolation *IsolationEvaluator) *Validator {
	return &Validator{repos: repos, isolation: isolation}
}

func (v *Validation) record(name string, passed bool, detail string) {
	v.Checks = append(v.Checks, ValidationCheck{Name: name, Passed: passed, Detail: detail})
	if !passed && v.Valid {
		v.Valid = false
		v.Reason = detail
	}
}

// Failed reports whether the named check ran and failed.
func (v *Validation) Failed(name string) bool {
	for _, c := range v.Checks {
		if c.Name == name {
			return !c.Passed
		}
	}
	return false
}

func lookupDetail(what string, err error) string {
	if errors.Is(err, ErrNotFound) {
		return what + " not found"
	}
	return fmt.Sprintf("%s could not be loaded: %v", what, err)
}

func (v *Validator) Validate(ctx context.Context, in ValidateRequest) *Validation {
	out := &Validation{Valid: true, Checks: []ValidationCheck{}}

	patient, err := v.repos.Patients.GetByID(ctx, in.PatientID)
	if err != nil {
		out.record(CheckPatientExists, false, lookupDetail("patient", err))
		patient = nil
	} else {
		out.record(CheckPatientExists, true, "")
	}

	bed, err := v.repos.Beds.GetByID(ctx, in.BedID)
	if err != nil {
		out.record(CheckBedExists, false, lookupDetail("bed", err))
		bed = nil
	} else {
		out.record(CheckBedExists, true, "")
	}

	if bed != nil {
		out.held = bed.Status == StatusOccupied || bed.Status == StatusReserved
		out.record(CheckBedAvailable, bed.Status == StatusAvailable,
			fmt.Sprintf("bed %s is %s", bed.BedNumber, bed.Status))
		out.record(CheckBedClean, bed.CleaningStatus == CleaningClean,
			fmt.Sprintf("bed %s cleaning status is %s", bed.BedNumber, bed.CleaningStatus))

		_, err := v.repos.Assignments.GetActiveByBed(ctx, bed.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			out.record(CheckBedUnassigned, true, "")
		case err != nil:
			out.record(CheckBedUnassigned, false, fmt.Sprintf("bed assignments could not be checked: %v", err))
		default:
			out.record(CheckBedUnassigned, false, fmt.Sprintf("bed %s already has an active assignment", bed.BedNumber))
		}
	}

	if patient != nil {
		_, err := v.repos.Assignments.GetActiveByPatient(ctx, patient.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			out.record(CheckPatientUnassigned, true, "")
		case err != nil:
			out.record(CheckPatientUnassigned, false, fmt.Sprintf("patient assignments could not be checked: %v", err))
		default:
			out.record(CheckPatientUnassigned, false, "patient already has an active bed assignment")
		}
	}

	switch {
	case patient == nil || bed == nil:
		out.record(CheckIsolation, false, "isolation compatibility cannot be verified without patient and bed")
	default:
		req, err := v.isolation.Evaluate(ctx, patient.ID)
		if err != nil {
			out.record(CheckIsolation, false, fmt.Sprintf("isolation could not be evaluated: %v", err))
			break
		}
		level := bed.IsolationLevel
		if level == "" {
			level = IsolationNone
		}
		out.record(CheckIsolation, req.IsolationType.ServedBy(level),
			fmt.Sprintf("patient requires %s isolation but bed %s is rated %s", req.IsolationType, bed.BedNumber, level))
	}

	if in.TelemetryRequired {
		out.record(CheckTelemetry, bed != nil && bed.HasTelemetry, "bed has no telemetry monitoring")
	}
	if in.OxygenRequired {
		out.record(CheckOxygen, bed != nil && bed.HasOxygen, "bed has no oxygen supply")
	}

	for i := range out.Checks {
		if out.Checks[i].Passed {
			out.Checks[i].Detail = ""
		}
	}
	return out
}

// conflicted reports whether another request holds the bed. A bed that is
// merely out of service is a plain rejection.
func (v *Validation) conflicted() bool {
	return v.held || v.Failed(CheckBedUnassigned)
}
