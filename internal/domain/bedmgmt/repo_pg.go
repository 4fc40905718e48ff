package bedmgmt

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// servingLevels lists the bed isolation levels that can host t.
func servingLevels(t IsolationType) []string {
	var out []string
	for _, l := range []IsolationType{IsolationNone, IsolationContact, IsolationDroplet, IsolationAirborne} {
		if t.ServedBy(l) {
			out = append(out, string(l))
		}
	}
	return out
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, mrn, first_name, last_name, isolation_required, isolation_type, isolation_source,
			medical_history, isolation_cleared_at, isolation_cleared_reason, updated_at
		FROM patients WHERE id = $1`, id).Scan(
		&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.IsolationRequired, &p.IsolationType, &p.IsolationSource,
		&p.MedicalHistory, &p.IsolationClearedAt, &p.IsolationClearedReason, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "patient")
	}
	return &p, nil
}

func (r *patientRepoPG) SetIsolation(ctx context.Context, id uuid.UUID, required bool, t IsolationType, source string) (time.Time, error) {
	var updatedAt time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET isolation_required = $2, isolation_type = $3, isolation_source = $4, updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`, id, required, string(t), source).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, notFound(err, "patient")
	}
	return updatedAt, nil
}

func (r *patientRepoPG) ClearIsolation(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET isolation_required = FALSE, isolation_type = 'none', isolation_source = $4,
			isolation_cleared_at = $2, isolation_cleared_reason = $3, updated_at = NOW()
		WHERE id = $1`, id, at, reason, FlagSetByStaff)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patient", ErrNotFound)
	}
	return nil
}

// =========== Unit Repository ===========

type unitRepoPG struct{ pool *pgxpool.Pool }

func NewUnitRepoPG(pool *pgxpool.Pool) UnitRepository { return &unitRepoPG{pool: pool} }

func (r *unitRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *unitRepoPG) List(ctx context.Context) ([]*Unit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, code, created_at FROM units ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Name, &u.Code, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (r *unitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Unit, error) {
	var u Unit
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, code, created_at FROM units WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Code, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "unit")
	}
	return &u, nil
}

// =========== Bed Repository ===========

type bedRepoPG struct{ pool *pgxpool.Pool }

func NewBedRepoPG(pool *pgxpool.Pool) BedRepository { return &bedRepoPG{pool: pool} }

func (r *bedRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const bedCols = `b.id, b.bed_number, b.unit_id, u.name, b.status, b.cleaning_status, b.cleaning_priority,
	b.terminal_clean, b.isolation_level, b.near_nurses_station, b.has_telemetry, b.has_oxygen,
	b.notes, b.status_changed_at, b.vacated_at, b.cleaning_started_at, b.updated_at`

const bedFrom = ` FROM beds b JOIN units u ON u.id = b.unit_id`

func (r *bedRepoPG) scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.BedNumber, &b.UnitID, &b.UnitName, &b.Status, &b.CleaningStatus, &b.CleaningPriority,
		&b.TerminalClean, &b.IsolationLevel, &b.NearNursesStation, &b.HasTelemetry, &b.HasOxygen,
		&b.Notes, &b.StatusChangedAt, &b.VacatedAt, &b.CleaningStartedAt, &b.UpdatedAt)
	return &b, err
}

func (r *bedRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := r.scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+bedFrom+` WHERE b.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "bed")
	}
	return b, nil
}

func (r *bedRepoPG) List(ctx context.Context, f BedFilter) ([]*Bed, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UnitID != nil {
		where = append(where, "b.unit_id = "+arg(*f.UnitID))
	}
	if f.Status != "" {
		where = append(where, "b.status = "+arg(f.Status))
	}
	if f.AssignableOnly {
		where = append(where, "b.status = 'available'", "b.cleaning_status = 'clean'")
	}
	if f.IsolationType.rank() > 0 {
		where = append(where, "b.isolation_level = ANY("+arg(servingLevels(f.IsolationType))+")")
	}

	q := `SELECT ` + bedCols + bedFrom
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY u.name, b.bed_number`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Bed
	for rows.Next() {
		b, err := r.scanBed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *bedRepoPG) Occupy(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE beds SET status = 'occupied', status_changed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'available' AND cleaning_status = 'clean'`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *bedRepoPG) Update(ctx context.Context, b *Bed) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE beds SET status = $2, cleaning_status = $3, cleaning_priority = $4, terminal_clean = $5,
			notes = $6, status_changed_at = $7, vacated_at = $8, cleaning_started_at = $9, updated_at = NOW()
		WHERE id = $1`,
		b.ID, b.Status, b.CleaningStatus, b.CleaningPriority, b.TerminalClean,
		b.Notes, b.StatusChangedAt, b.VacatedAt, b.CleaningStartedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bed", ErrNotFound)
	}
	return nil
}

func (r *bedRepoPG) SetCleaningPriority(ctx context.Context, id uuid.UUID, priority string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE beds SET cleaning_priority = $2, updated_at = NOW() WHERE id = $1`, id, priority)
	return err
}

func (r *bedRepoPG) AddStatusHistory(ctx context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed_status_history (id, bed_id, from_status, to_status, changed_at, notes, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.BedID, h.FromStatus, h.ToStatus, h.ChangedAt, h.Notes, h.ChangedBy)
	return err
}

func (r *bedRepoPG) ListStatusHistory(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bed_id, from_status, to_status, changed_at, notes, changed_by
		FROM bed_status_history WHERE bed_id = $1 ORDER BY changed_at DESC LIMIT $2`, bedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.BedID, &h.FromStatus, &h.ToStatus, &h.ChangedAt, &h.Notes, &h.ChangedBy); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// =========== Assignment Repository ===========

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const assignmentCols = `id, patient_id, bed_id, admission_id, assigned_at, released_at, reasoning, status, assigned_by`

func (r *assignmentRepoPG) scan(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.PatientID, &a.BedID, &a.AdmissionID, &a.AssignedAt, &a.ReleasedAt,
		&a.Reasoning, &a.Status, &a.AssignedBy)
	if err != nil {
		return nil, notFound(err, "active assignment")
	}
	return &a, nil
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed_assignments (id, patient_id, bed_id, admission_id, assigned_at, reasoning, status, assigned_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.PatientID, a.BedID, a.AdmissionID, a.AssignedAt, a.Reasoning, a.Status, a.AssignedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: bed or patient already has an active assignment", ErrConflict)
	}
	return err
}

func (r *assignmentRepoPG) GetActiveByBed(ctx context.Context, bedID uuid.UUID) (*Assignment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM bed_assignments WHERE bed_id = $1 AND status = 'active'`, bedID))
}

func (r *assignmentRepoPG) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Assignment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM bed_assignments WHERE patient_id = $1 AND status = 'active'`, patientID))
}

func (r *assignmentRepoPG) Release(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bed_assignments SET status = 'discharged', released_at = $2
		WHERE id = $1 AND status = 'active'`, id, at)
	return err
}

// =========== Turnover Repository ===========

type turnoverRepoPG struct{ pool *pgxpool.Pool }

func NewTurnoverRepoPG(pool *pgxpool.Pool) TurnoverRepository { return &turnoverRepoPG{pool: pool} }

func (r *turnoverRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const turnoverCols = `t.id, t.bed_id, t.unit_id, u.name, t.vacated_at, t.cleaning_started_at, t.ready_at, t.turnover_minutes`

func (r *turnoverRepoPG) scan(row pgx.Row) (*Turnover, error) {
	var t Turnover
	err := row.Scan(&t.ID, &t.BedID, &t.UnitID, &t.UnitName, &t.VacatedAt, &t.CleaningStartedAt, &t.ReadyAt, &t.TurnoverMinutes)
	return &t, err
}

func (r *turnoverRepoPG) Open(ctx context.Context, t *Turnover) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed_turnovers (id, bed_id, unit_id, vacated_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.BedID, t.UnitID, t.VacatedAt)
	return err
}

func (r *turnoverRepoPG) GetOpenByBed(ctx context.Context, bedID uuid.UUID) (*Turnover, error) {
	t, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+turnoverCols+` FROM bed_turnovers t JOIN units u ON u.id = t.unit_id
		WHERE t.bed_id = $1 AND t.ready_at IS NULL
		ORDER BY t.vacated_at DESC LIMIT 1`, bedID))
	if err != nil {
		return nil, notFound(err, "open turnover")
	}
	return t, nil
}

func (r *turnoverRepoPG) MarkCleaningStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bed_turnovers SET cleaning_started_at = $2 WHERE id = $1 AND cleaning_started_at IS NULL`, id, at)
	return err
}

func (r *turnoverRepoPG) Close(ctx context.Context, id uuid.UUID, readyAt time.Time, minutes float64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bed_turnovers SET ready_at = $2, turnover_minutes = $3 WHERE id = $1`, id, readyAt, minutes)
	return err
}

func (r *turnoverRepoPG) ListCompleted(ctx context.Context, start, end time.Time) ([]*Turnover, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+turnoverCols+` FROM bed_turnovers t JOIN units u ON u.id = t.unit_id
		WHERE t.ready_at IS NOT NULL AND t.ready_at >= $1 AND t.ready_at <= $2
		ORDER BY t.ready_at`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Turnover
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository { return &alertRepoPG{pool: pool} }

func (r *alertRepoPG) Create(ctx context.Context, a *HousekeepingAlert) error {
	a.ID = uuid.New()
	_, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO housekeeping_alerts (id, bed_id, priority, reason, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.BedID, a.Priority, a.Reason, a.CreatedAt, a.CreatedBy)
	return err
}

// NewRepositories wires every PostgreSQL store.
func NewRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Patients:    NewPatientRepoPG(pool),
		Units:       NewUnitRepoPG(pool),
		Beds:        NewBedRepoPG(pool),
		Assignments: NewAssignmentRepoPG(pool),
		Turnovers:   NewTurnoverRepoPG(pool),
		Alerts:      NewAlertRepoPG(pool),
	}
}
