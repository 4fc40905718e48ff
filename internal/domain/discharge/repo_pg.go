package discharge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// =========== Admission Repository ===========

type admissionRepoPG struct{ pool *pgxpool.Pool }

func NewAdmissionRepoPG(pool *pgxpool.Pool) AdmissionRepository {
	return &admissionRepoPG{pool: pool}
}

func (r *admissionRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const admissionCols = `a.id, a.patient_id, p.first_name || ' ' || p.last_name, p.mrn,
	a.admitted_at, a.expected_discharge_at, a.discharged_at, a.status, a.diagnosis,
	a.vitals_stable, a.afebrile_hours, a.on_iv_medications, a.on_supplemental_oxygen,
	a.pending_lab_results, a.pending_consults, a.pending_procedures, a.pain_controlled,
	a.medication_reconciled, a.mobility_status, a.home_support_available, a.transport_arranged,
	a.insurance_authorized, a.follow_up_scheduled, a.education_completed,
	a.discharge_destination, a.placement_confirmed`

const admissionFrom = ` FROM admissions a JOIN patients p ON p.id = a.patient_id`

func (r *admissionRepoPG) scan(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.MRN,
		&a.AdmittedAt, &a.ExpectedDischargeAt, &a.DischargedAt, &a.Status, &a.Diagnosis,
		&a.VitalsStable, &a.AfebrileHours, &a.OnIVMedications, &a.OnSupplementalOxygen,
		&a.PendingLabResults, &a.PendingConsults, &a.PendingProcedures, &a.PainControlled,
		&a.MedicationReconciled, &a.MobilityStatus, &a.HomeSupportAvailable, &a.TransportArranged,
		&a.InsuranceAuthorized, &a.FollowUpScheduled, &a.EducationCompleted,
		&a.DischargeDestination, &a.PlacementConfirmed)
	return &a, err
}

func (r *admissionRepoPG) list(ctx context.Context, where string, args ...interface{}) ([]*Admission, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+admissionCols+admissionFrom+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Admission
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *admissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+admissionFrom+` WHERE a.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "admission")
	}
	return a, nil
}

func (r *admissionRepoPG) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error) {
	a, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+admissionFrom+`
		WHERE a.patient_id = $1 AND a.status = 'active'
		ORDER BY a.admitted_at DESC LIMIT 1`, patientID))
	if err != nil {
		return nil, notFound(err, "active admission")
	}
	return a, nil
}

func (r *admissionRepoPG) ListActive(ctx context.Context) ([]*Admission, error) {
	return r.list(ctx, ` WHERE a.status = 'active' ORDER BY a.admitted_at`)
}

func (r *admissionRepoPG) ListDischarged(ctx context.Context, start, end time.Time) ([]*Admission, error) {
	return r.list(ctx, ` WHERE a.status = 'discharged' AND a.discharged_at BETWEEN $1 AND $2
		ORDER BY a.discharged_at`, start, end)
}

// =========== Barrier Repository ===========

type barrierRepoPG struct{ pool *pgxpool.Pool }

func NewBarrierRepoPG(pool *pgxpool.Pool) BarrierRepository {
	return &barrierRepoPG{pool: pool}
}

func (r *barrierRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const barrierCols = `id, admission_id, category, description, severity, estimated_delay_hours,
	resolved, resolved_at, created_by, created_at`

func scanBarrier(row pgx.Row) (*Barrier, error) {
	var b Barrier
	err := row.Scan(&b.ID, &b.AdmissionID, &b.Category, &b.Description, &b.Severity,
		&b.EstimatedDelayHours, &b.Resolved, &b.ResolvedAt, &b.CreatedBy, &b.CreatedAt)
	return &b, err
}

func (r *barrierRepoPG) Create(ctx context.Context, b *Barrier) error {
	b.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO discharge_barriers (id, admission_id, category, description, severity,
			estimated_delay_hours, resolved, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
		RETURNING created_at`,
		b.ID, b.AdmissionID, b.Category, b.Description, b.Severity, b.EstimatedDelayHours, b.CreatedBy,
	).Scan(&b.CreatedAt)
}

func (r *barrierRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Barrier, error) {
	b, err := scanBarrier(r.conn(ctx).QueryRow(ctx, `SELECT `+barrierCols+` FROM discharge_barriers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "barrier")
	}
	return b, nil
}

func (r *barrierRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Barrier, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Barrier
	for rows.Next() {
		b, err := scanBarrier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *barrierRepoPG) ListByAdmission(ctx context.Context, admissionID uuid.UUID, includeResolved bool) ([]*Barrier, error) {
	return r.query(ctx, `SELECT `+barrierCols+` FROM discharge_barriers
		WHERE admission_id = $1 AND ($2 OR NOT resolved)
		ORDER BY created_at`, admissionID, includeResolved)
}

func (r *barrierRepoPG) SetResolved(ctx context.Context, id uuid.UUID, resolved bool, at *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE discharge_barriers SET resolved = $2, resolved_at = $3 WHERE id = $1`, id, resolved, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: barrier", ErrNotFound)
	}
	return nil
}

func (r *barrierRepoPG) ListCreated(ctx context.Context, start, end time.Time) ([]*Barrier, error) {
	return r.query(ctx, `SELECT `+barrierCols+` FROM discharge_barriers
		WHERE created_at BETWEEN $1 AND $2 ORDER BY created_at`, start, end)
}
