package ebp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ebp/internal/platform/db"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// NewPGStore wires the Postgres repositories. Each repository prefers the
// tenant-scoped connection placed in the context by db.TenantMiddleware.
func NewPGStore(pool *pgxpool.Pool) Store {
	return Store{
		Practices:   NewPracticeRepoPG(pool),
		Assignments: NewStaffAssignmentRepoPG(pool),
		Assessments: NewFidelityAssessmentRepoPG(pool),
		Outcomes:    NewOutcomeRepoPG(pool),
	}
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

func collectPG[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func notFoundPG(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Practice Repository ===========

type practiceRepoPG struct{ pgBase }

func NewPracticeRepoPG(pool *pgxpool.Pool) PracticeRepository {
	return &practiceRepoPG{pgBase{pool}}
}

const practiceCols = `id, name, description, category, status, total_staff, trained_staff,
	adoption_rate, fidelity_score, last_fidelity_review, sustainability_score, created_at, updated_at`

func scanPracticePG(row pgx.Row) (*Practice, error) {
	var p Practice
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Status, &p.TotalStaff, &p.TrainedStaff,
		&p.AdoptionRate, &p.FidelityScore, &p.LastFidelityReview, &p.SustainabilityScore, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFoundPG(err)
	}
	return &p, nil
}

func (r *practiceRepoPG) Create(ctx context.Context, p *Practice) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ebp_practice (id, name, description, category, status, total_staff)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Category, p.Status, p.TotalStaff).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *practiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Practice, error) {
	return scanPracticePG(r.conn(ctx).QueryRow(ctx, `SELECT `+practiceCols+` FROM ebp_practice WHERE id = $1`, id))
}

func (r *practiceRepoPG) Update(ctx context.Context, p *Practice) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE ebp_practice SET name=$2, description=$3, category=$4, status=$5, total_staff=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.Description, p.Category, p.Status, p.TotalStaff).Scan(&p.UpdatedAt)
	return notFoundPG(err)
}

func (r *practiceRepoPG) List(ctx context.Context, limit, offset int) ([]*Practice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ebp_practice`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+practiceCols+` FROM ebp_practice ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPG(rows, scanPracticePG)
	return items, total, err
}

func (r *practiceRepoPG) ListActive(ctx context.Context) ([]*Practice, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+practiceCols+` FROM ebp_practice WHERE status = $1 ORDER BY name, id`, PracticeActive)
	if err != nil {
		return nil, err
	}
	return collectPG(rows, scanPracticePG)
}

func (r *practiceRepoPG) UpdateMetrics(ctx context.Context, id uuid.UUID, m *DerivedMetrics) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ebp_practice SET trained_staff=$2, adoption_rate=$3, fidelity_score=$4,
			last_fidelity_review=$5, sustainability_score=$6, updated_at=$7
		WHERE id = $1`,
		id, m.TrainedStaff, m.AdoptionRate, m.FidelityScore, m.LastFidelityReview, m.SustainabilityScore, m.CalculatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== StaffAssignment Repository ===========

type staffAssignmentRepoPG struct{ pgBase }

func NewStaffAssignmentRepoPG(pool *pgxpool.Pool) StaffAssignmentRepository {
	return &staffAssignmentRepoPG{pgBase{pool}}
}

const assignmentCols = `id, ebp_id, staff_id, status, training_date, certification_date, certification_expiry,
	notes, created_at, updated_at`

func scanAssignmentPG(row pgx.Row) (*StaffAssignment, error) {
	var a StaffAssignment
	err := row.Scan(&a.ID, &a.PracticeID, &a.StaffID, &a.Status, &a.TrainingDate, &a.CertificationDate,
		&a.CertificationExpiry, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundPG(err)
	}
	return &a, nil
}

func (r *staffAssignmentRepoPG) Upsert(ctx context.Context, a *StaffAssignment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ebp_staff_assignment (id, ebp_id, staff_id, status, training_date, certification_date,
			certification_expiry, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (ebp_id, staff_id) DO UPDATE SET
			status = EXCLUDED.status,
			training_date = EXCLUDED.training_date,
			certification_date = EXCLUDED.certification_date,
			certification_expiry = EXCLUDED.certification_expiry,
			notes = EXCLUDED.notes,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), a.PracticeID, a.StaffID, a.Status, a.TrainingDate, a.CertificationDate,
		a.CertificationExpiry, a.Notes).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *staffAssignmentRepoPG) Delete(ctx context.Context, practiceID, staffID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM ebp_staff_assignment WHERE ebp_id = $1 AND staff_id = $2`, practiceID, staffID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *staffAssignmentRepoPG) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*StaffAssignment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ebp_staff_assignment WHERE ebp_id = $1`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+` FROM ebp_staff_assignment
		WHERE ebp_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPG(rows, scanAssignmentPG)
	return items, total, err
}

func (r *staffAssignmentRepoPG) CountByStatus(ctx context.Context, practiceID uuid.UUID, statuses []string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ebp_staff_assignment WHERE ebp_id = $1 AND status = ANY($2)`,
		practiceID, statuses).Scan(&n)
	return n, err
}

// =========== FidelityAssessment Repository ===========

type fidelityAssessmentRepoPG struct{ pgBase }

func NewFidelityAssessmentRepoPG(pool *pgxpool.Pool) FidelityAssessmentRepository {
	return &fidelityAssessmentRepoPG{pgBase{pool}}
}

const assessmentCols = `id, ebp_id, assessor_id, assessment_date, fidelity_score, notes, created_at`

func scanAssessmentPG(row pgx.Row) (*FidelityAssessment, error) {
	var a FidelityAssessment
	err := row.Scan(&a.ID, &a.PracticeID, &a.AssessorID, &a.AssessmentDate, &a.FidelityScore, &a.Notes, &a.CreatedAt)
	if err != nil {
		return nil, notFoundPG(err)
	}
	return &a, nil
}

func (r *fidelityAssessmentRepoPG) Create(ctx context.Context, a *FidelityAssessment) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ebp_fidelity_assessment (id, ebp_id, assessor_id, assessment_date, fidelity_score, notes)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		a.ID, a.PracticeID, a.AssessorID, a.AssessmentDate, a.FidelityScore, a.Notes).Scan(&a.CreatedAt)
}

func (r *fidelityAssessmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FidelityAssessment, error) {
	return scanAssessmentPG(r.conn(ctx).QueryRow(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment WHERE id = $1`, id))
}

func (r *fidelityAssessmentRepoPG) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*FidelityAssessment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ebp_fidelity_assessment WHERE ebp_id = $1`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment
		WHERE ebp_id = $1 ORDER BY assessment_date DESC, created_at DESC LIMIT $2 OFFSET $3`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPG(rows, scanAssessmentPG)
	return items, total, err
}

func (r *fidelityAssessmentRepoPG) ListRecent(ctx context.Context, practiceID uuid.UUID, limit int) ([]*FidelityAssessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment
		WHERE ebp_id = $1 ORDER BY assessment_date DESC, created_at DESC LIMIT $2`, practiceID, limit)
	if err != nil {
		return nil, err
	}
	return collectPG(rows, scanAssessmentPG)
}

// =========== Outcome Repository ===========

type outcomeRepoPG struct{ pgBase }

func NewOutcomeRepoPG(pool *pgxpool.Pool) OutcomeRepository {
	return &outcomeRepoPG{pgBase{pool}}
}

const outcomeCols = `id, ebp_id, patient_id, outcome_type, outcome_value, measurement_date, notes, created_at`

func scanOutcomePG(row pgx.Row) (*Outcome, error) {
	var o Outcome
	err := row.Scan(&o.ID, &o.PracticeID, &o.PatientID, &o.OutcomeType, &o.OutcomeValue, &o.MeasurementDate, &o.Notes, &o.CreatedAt)
	if err != nil {
		return nil, notFoundPG(err)
	}
	o.OutcomeCategory = ClassifyOutcomeType(o.OutcomeType)
	return &o, nil
}

func (r *outcomeRepoPG) Create(ctx context.Context, o *Outcome) error {
	o.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ebp_outcome (id, ebp_id, patient_id, outcome_type, outcome_value, measurement_date, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		o.ID, o.PracticeID, o.PatientID, o.OutcomeType, o.OutcomeValue, o.MeasurementDate, o.Notes).Scan(&o.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateOutcome
	}
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	o.OutcomeCategory = ClassifyOutcomeType(o.OutcomeType)
	return nil
}

func (r *outcomeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	return scanOutcomePG(r.conn(ctx).QueryRow(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome WHERE id = $1`, id))
}

func (r *outcomeRepoPG) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*Outcome, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ebp_outcome WHERE ebp_id = $1`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome
		WHERE ebp_id = $1 ORDER BY measurement_date DESC, created_at DESC LIMIT $2 OFFSET $3`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPG(rows, scanOutcomePG)
	return items, total, err
}

func (r *outcomeRepoPG) ListRecentValued(ctx context.Context, practiceID uuid.UUID, limit int) ([]*Outcome, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome
		WHERE ebp_id = $1 AND outcome_value IS NOT NULL
		ORDER BY measurement_date DESC, created_at DESC LIMIT $2`, practiceID, limit)
	if err != nil {
		return nil, err
	}
	return collectPG(rows, scanOutcomePG)
}
