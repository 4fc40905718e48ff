package bedmgmt

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BedFilter narrows a bed listing. Zero values mean "any".
type BedFilter struct {
	UnitID        *uuid.UUID
	Status        string
	IsolationType IsolationType
	// AssignableOnly keeps available beds whose cleaning status is clean.
	AssignableOnly bool
}

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// SetIsolation writes the isolation flag with its source and returns the
	// new updated_at.
	SetIsolation(ctx context.Context, id uuid.UUID, required bool, t IsolationType, source string) (time.Time, error)
	ClearIsolation(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

type UnitRepository interface {
	List(ctx context.Context) ([]*Unit, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Unit, error)
}

type BedRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Bed, error)
	List(ctx context.Context, f BedFilter) ([]*Bed, error)
	// Occupy flips an available, clean bed to occupied. It reports false when
	// the bed was not in that state.
	Occupy(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Update(ctx context.Context, b *Bed) error
	SetCleaningPriority(ctx context.Context, id uuid.UUID, priority string) error
	AddStatusHistory(ctx context.Context, h *StatusChange) error
	ListStatusHistory(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error)
}

type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	// GetActiveByBed and GetActiveByPatient return ErrNotFound when there is
	// no active assignment.
	GetActiveByBed(ctx context.Context, bedID uuid.UUID) (*Assignment, error)
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Assignment, error)
	Release(ctx context.Context, id uuid.UUID, at time.Time) error
}

type TurnoverRepository interface {
	Open(ctx context.Context, t *Turnover) error
	GetOpenByBed(ctx context.Context, bedID uuid.UUID) (*Turnover, error)
	MarkCleaningStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	Close(ctx context.Context, id uuid.UUID, readyAt time.Time, minutes float64) error
	ListCompleted(ctx context.Context, start, end time.Time) ([]*Turnover, error)
}

type AlertRepository interface {
	Create(ctx context.Context, a *HousekeepingAlert) error
}

// Repositories bundles the stores the service works against.
type Repositories struct {
	Patients    PatientRepository
	Units       UnitRepository
	Beds        BedRepository
	Assignments AssignmentRepository
	Turnovers   TurnoverRepository
	Alerts      AlertRepository
}
