package discharge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AdmissionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Admission, error)
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error)
	ListActive(ctx context.Context) ([]*Admission, error)
	ListDischarged(ctx context.Context, start, end time.Time) ([]*Admission, error)
}

type BarrierRepository interface {
	Create(ctx context.Context, b *Barrier) error
	GetByID(ctx context.Context, id uuid.UUID) (*Barrier, error)
	ListByAdmission(ctx context.Context, admissionID uuid.UUID, includeResolved bool) ([]*Barrier, error)
	SetResolved(ctx context.Context, id uuid.UUID, resolved bool, at *time.Time) error
	ListCreated(ctx context.Context, start, end time.Time) ([]*Barrier, error)
}
