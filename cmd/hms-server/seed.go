package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/hms/internal/platform/db"
)

// seedNamespace makes demo IDs stable so seeding twice is a no-op.
var seedNamespace = uuid.MustParse("6f1c2a0e-93b4-4c1d-9a55-2f0f7d6b8e11")

func seedID(kind, key string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(kind+"/"+key))
}

type seedUnit struct {
	ID   uuid.UUID
	Code string
	Name string
}

type seedBed struct {
	ID          uuid.UUID
	UnitID      uuid.UUID
	Number      string
	Isolation   string
	NearStation bool
	Telemetry   bool
	Oxygen      bool
}

type seedPatient struct {
	ID        uuid.UUID
	MRN       string
	First     string
	Last      string
	Isolation string
	History   string
}

type seedAdmission struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	AdmittedAt time.Time
	Expected   time.Time
	Diagnosis  string
	Stable     bool
}

type demoData struct {
	Units      []seedUnit
	Beds       []seedBed
	Patients   []seedPatient
	Admissions []seedAdmission
}

func (d demoData) rows() int {
	return len(d.Units) + len(d.Beds) + len(d.Patients) + len(d.Admissions)
}

// buildDemoData lays out two units of eight beds each, with the isolation
// rooms at the end of the corridor, plus three admitted patients.
func buildDemoData(now time.Time) demoData {
	var d demoData
	for _, u := range []struct{ code, name string }{{"MED", "Medical"}, {"SURG", "Surgical"}} {
		unit := seedUnit{ID: seedID("unit", u.code), Code: u.code, Name: u.name}
		d.Units = append(d.Units, unit)
		for i := 1; i <= 8; i++ {
			number := fmt.Sprintf("%s-%02d", u.code, i)
			bed := seedBed{
				ID:          seedID("bed", number),
				UnitID:      unit.ID,
				Number:      number,
				Isolation:   "none",
				NearStation: i <= 2,
				Telemetry:   i%2 == 0,
				Oxygen:      true,
			}
			switch i {
			case 7:
				bed.Isolation = "contact"
			case 8:
				bed.Isolation = "airborne"
			}
			d.Beds = append(d.Beds, bed)
		}
	}

	d.Patients = []seedPatient{
		{MRN: "MRN-1001", First: "Ada", Last: "Moreno", Isolation: "none", History: "hypertension"},
		{MRN: "MRN-1002", First: "Tomas", Last: "Reyes", Isolation: "none", History: "MRSA colonization 2024"},
		{MRN: "MRN-1003", First: "Lena", Last: "Okafor", Isolation: "none", History: "type 2 diabetes"},
	}
	for i := range d.Patients {
		p := &d.Patients[i]
		p.ID = seedID("patient", p.MRN)
		d.Admissions = append(d.Admissions, seedAdmission{
			ID:         seedID("admission", p.MRN),
			PatientID:  p.ID,
			AdmittedAt: now.Add(-time.Duration(24*(i+1)) * time.Hour),
			Expected:   now.Add(time.Duration(24*(i+1)) * time.Hour),
			Diagnosis:  "community acquired pneumonia",
			Stable:     i != 1,
		})
	}
	return d
}

// seedTenant inserts the demo data into the tenant's schema in one
// transaction. Existing rows are left untouched.
func seedTenant(ctx context.Context, pool *pgxpool.Pool, tenant string, now time.Time) (int, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", db.SchemaName(tenant))); err != nil {
		return 0, fmt.Errorf("set search_path: %w", err)
	}

	d := buildDemoData(now)
	b := &pgx.Batch{}
	for _, u := range d.Units {
		b.Queue(`INSERT INTO units (id, name, code) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			u.ID, u.Name, u.Code)
	}
	for _, bed := range d.Beds {
		b.Queue(`INSERT INTO beds (id, bed_number, unit_id, isolation_level, near_nurses_station, has_telemetry, has_oxygen)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
			bed.ID, bed.Number, bed.UnitID, bed.Isolation, bed.NearStation, bed.Telemetry, bed.Oxygen)
	}
	for _, p := range d.Patients {
		b.Queue(`INSERT INTO patients (id, mrn, first_name, last_name, isolation_type, medical_history)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
			p.ID, p.MRN, p.First, p.Last, p.Isolation, p.History)
	}
	for _, a := range d.Admissions {
		b.Queue(`INSERT INTO admissions (id, patient_id, admitted_at, expected_discharge_at, diagnosis, vitals_stable)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
			a.ID, a.PatientID, a.AdmittedAt, a.Expected, a.Diagnosis, a.Stable)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return d.rows(), nil
}
