package ebp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite keeps dates and timestamps as fixed-width UTC text so that ORDER BY
// on the column matches chronological order.
const (
	sqliteDateLayout = "2006-01-02"
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteSchema creates the EBP tables in an embedded database.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS ebp_practice (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT,
	category             TEXT,
	status               TEXT NOT NULL DEFAULT 'active',
	total_staff          INTEGER NOT NULL DEFAULT 0 CHECK (total_staff >= 0),
	trained_staff        INTEGER NOT NULL DEFAULT 0,
	adoption_rate        INTEGER NOT NULL DEFAULT 0,
	fidelity_score       INTEGER NOT NULL DEFAULT 0,
	last_fidelity_review TEXT,
	sustainability_score INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ebp_staff_assignment (
	id                   TEXT PRIMARY KEY,
	ebp_id               TEXT NOT NULL REFERENCES ebp_practice(id) ON DELETE CASCADE,
	staff_id             TEXT NOT NULL,
	status               TEXT NOT NULL,
	training_date        TEXT,
	certification_date   TEXT,
	certification_expiry TEXT,
	notes                TEXT,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	UNIQUE (ebp_id, staff_id)
);

CREATE TABLE IF NOT EXISTS ebp_fidelity_assessment (
	id              TEXT PRIMARY KEY,
	ebp_id          TEXT NOT NULL REFERENCES ebp_practice(id) ON DELETE CASCADE,
	assessor_id     TEXT,
	assessment_date TEXT NOT NULL,
	fidelity_score  REAL NOT NULL,
	notes           TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ebp_fidelity_recent ON ebp_fidelity_assessment (ebp_id, assessment_date DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS ebp_outcome (
	id               TEXT PRIMARY KEY,
	ebp_id           TEXT NOT NULL REFERENCES ebp_practice(id) ON DELETE CASCADE,
	patient_id       TEXT NOT NULL,
	outcome_type     TEXT NOT NULL,
	outcome_value    REAL,
	measurement_date TEXT NOT NULL,
	notes            TEXT,
	created_at       TEXT NOT NULL,
	UNIQUE (ebp_id, patient_id, outcome_type, measurement_date)
);
CREATE INDEX IF NOT EXISTS idx_ebp_outcome_recent ON ebp_outcome (ebp_id, measurement_date DESC);
`

// EnsureSQLiteSchema applies SQLiteSchema; it is idempotent.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// NewSQLiteStore wires the SQLite repositories over one database handle.
func NewSQLiteStore(db *sql.DB) Store {
	base := sqliteBase{db: db, now: time.Now}
	return Store{
		Practices:   &practiceRepoSQLite{base},
		Assignments: &staffAssignmentRepoSQLite{base},
		Assessments: &fidelityAssessmentRepoSQLite{base},
		Outcomes:    &outcomeRepoSQLite{base},
	}
}

type sqliteBase struct {
	db  *sql.DB
	now func() time.Time
}

func (b sqliteBase) stamp() string {
	return b.now().UTC().Format(sqliteTimeLayout)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func collectSQLite[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
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

func notFoundSQLite(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func dateArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteDateLayout)
}

func parseSQLiteDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteDateLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", s.String, err)
	}
	return &t, nil
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// =========== Practice Repository ===========

type practiceRepoSQLite struct{ sqliteBase }

func scanPracticeSQLite(row scanner) (*Practice, error) {
	var (
		p                Practice
		review           sql.NullString
		created, updated string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Status, &p.TotalStaff, &p.TrainedStaff,
		&p.AdoptionRate, &p.FidelityScore, &review, &p.SustainabilityScore, &created, &updated)
	if err != nil {
		return nil, notFoundSQLite(err)
	}
	if p.LastFidelityReview, err = parseSQLiteDate(review); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *practiceRepoSQLite) Create(ctx context.Context, p *Practice) error {
	p.ID = uuid.New()
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ebp_practice (id, name, description, category, status, total_staff, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.Category, p.Status, p.TotalStaff, now, now)
	if err != nil {
		return err
	}
	p.CreatedAt, _ = parseSQLiteTime(now)
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (r *practiceRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Practice, error) {
	return scanPracticeSQLite(r.db.QueryRowContext(ctx, `SELECT `+practiceCols+` FROM ebp_practice WHERE id = ?`, id))
}

func (r *practiceRepoSQLite) Update(ctx context.Context, p *Practice) error {
	now := r.stamp()
	res, err := r.db.ExecContext(ctx, `
		UPDATE ebp_practice SET name=?, description=?, category=?, status=?, total_staff=?, updated_at=?
		WHERE id = ?`,
		p.Name, p.Description, p.Category, p.Status, p.TotalStaff, now, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt, _ = parseSQLiteTime(now)
	return nil
}

func (r *practiceRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Practice, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebp_practice`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+practiceCols+` FROM ebp_practice ORDER BY name, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSQLite(rows, scanPracticeSQLite)
	return items, total, err
}

func (r *practiceRepoSQLite) ListActive(ctx context.Context) ([]*Practice, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+practiceCols+` FROM ebp_practice WHERE status = ? ORDER BY name, id`, PracticeActive)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows, scanPracticeSQLite)
}

func (r *practiceRepoSQLite) UpdateMetrics(ctx context.Context, id uuid.UUID, m *DerivedMetrics) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ebp_practice SET trained_staff=?, adoption_rate=?, fidelity_score=?,
			last_fidelity_review=?, sustainability_score=?, updated_at=?
		WHERE id = ?`,
		m.TrainedStaff, m.AdoptionRate, m.FidelityScore, dateArg(m.LastFidelityReview), m.SustainabilityScore,
		m.CalculatedAt.UTC().Format(sqliteTimeLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== StaffAssignment Repository ===========

type staffAssignmentRepoSQLite struct{ sqliteBase }

func scanAssignmentSQLite(row scanner) (*StaffAssignment, error) {
	var (
		a                          StaffAssignment
		trained, certified, expiry sql.NullString
		created, updated           string
	)
	err := row.Scan(&a.ID, &a.PracticeID, &a.StaffID, &a.Status, &trained, &certified, &expiry,
		&a.Notes, &created, &updated)
	if err != nil {
		return nil, notFoundSQLite(err)
	}
	if a.TrainingDate, err = parseSQLiteDate(trained); err != nil {
		return nil, err
	}
	if a.CertificationDate, err = parseSQLiteDate(certified); err != nil {
		return nil, err
	}
	if a.CertificationExpiry, err = parseSQLiteDate(expiry); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *staffAssignmentRepoSQLite) Upsert(ctx context.Context, a *StaffAssignment) error {
	now := r.stamp()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO ebp_staff_assignment (id, ebp_id, staff_id, status, training_date, certification_date,
			certification_expiry, notes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (ebp_id, staff_id) DO UPDATE SET
			status = excluded.status,
			training_date = excluded.training_date,
			certification_date = excluded.certification_date,
			certification_expiry = excluded.certification_expiry,
			notes = excluded.notes,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at`,
		uuid.New(), a.PracticeID, a.StaffID, a.Status, dateArg(a.TrainingDate), dateArg(a.CertificationDate),
		dateArg(a.CertificationExpiry), a.Notes, now, now)
	var created, updated string
	if err := row.Scan(&a.ID, &created, &updated); err != nil {
		return err
	}
	a.CreatedAt, _ = parseSQLiteTime(created)
	a.UpdatedAt, _ = parseSQLiteTime(updated)
	return nil
}

func (r *staffAssignmentRepoSQLite) Delete(ctx context.Context, practiceID, staffID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ebp_staff_assignment WHERE ebp_id = ? AND staff_id = ?`, practiceID, staffID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *staffAssignmentRepoSQLite) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*StaffAssignment, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebp_staff_assignment WHERE ebp_id = ?`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+assignmentCols+` FROM ebp_staff_assignment
		WHERE ebp_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSQLite(rows, scanAssignmentSQLite)
	return items, total, err
}

func (r *staffAssignmentRepoSQLite) CountByStatus(ctx context.Context, practiceID uuid.UUID, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []interface{}{practiceID}
	for _, s := range statuses {
		args = append(args, s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebp_staff_assignment
		WHERE ebp_id = ? AND status IN (`+placeholders+`)`, args...).Scan(&n)
	return n, err
}

// =========== FidelityAssessment Repository ===========

type fidelityAssessmentRepoSQLite struct{ sqliteBase }

func scanAssessmentSQLite(row scanner) (*FidelityAssessment, error) {
	var (
		a        FidelityAssessment
		assessor uuid.NullUUID
		date     sql.NullString
		created  string
	)
	err := row.Scan(&a.ID, &a.PracticeID, &assessor, &date, &a.FidelityScore, &a.Notes, &created)
	if err != nil {
		return nil, notFoundSQLite(err)
	}
	if assessor.Valid {
		a.AssessorID = &assessor.UUID
	}
	d, err := parseSQLiteDate(date)
	if err != nil {
		return nil, err
	}
	if d != nil {
		a.AssessmentDate = *d
	}
	if a.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *fidelityAssessmentRepoSQLite) Create(ctx context.Context, a *FidelityAssessment) error {
	a.ID = uuid.New()
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ebp_fidelity_assessment (id, ebp_id, assessor_id, assessment_date, fidelity_score, notes, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.PracticeID, a.AssessorID, dateArg(&a.AssessmentDate), a.FidelityScore, a.Notes, now)
	if err != nil {
		return err
	}
	a.CreatedAt, _ = parseSQLiteTime(now)
	return nil
}

func (r *fidelityAssessmentRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*FidelityAssessment, error) {
	return scanAssessmentSQLite(r.db.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment WHERE id = ?`, id))
}

func (r *fidelityAssessmentRepoSQLite) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*FidelityAssessment, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebp_fidelity_assessment WHERE ebp_id = ?`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment
		WHERE ebp_id = ? ORDER BY assessment_date DESC, created_at DESC LIMIT ? OFFSET ?`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSQLite(rows, scanAssessmentSQLite)
	return items, total, err
}

func (r *fidelityAssessmentRepoSQLite) ListRecent(ctx context.Context, practiceID uuid.UUID, limit int) ([]*FidelityAssessment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+assessmentCols+` FROM ebp_fidelity_assessment
		WHERE ebp_id = ? ORDER BY assessment_date DESC, created_at DESC LIMIT ?`, practiceID, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows, scanAssessmentSQLite)
}

// =========== Outcome Repository ===========

type outcomeRepoSQLite struct{ sqliteBase }

func scanOutcomeSQLite(row scanner) (*Outcome, error) {
	var (
		o       Outcome
		date    sql.NullString
		created string
	)
	err := row.Scan(&o.ID, &o.PracticeID, &o.PatientID, &o.OutcomeType, &o.OutcomeValue, &date, &o.Notes, &created)
	if err != nil {
		return nil, notFoundSQLite(err)
	}
	d, err := parseSQLiteDate(date)
	if err != nil {
		return nil, err
	}
	if d != nil {
		o.MeasurementDate = *d
	}
	if o.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	o.OutcomeCategory = ClassifyOutcomeType(o.OutcomeType)
	return &o, nil
}

func (r *outcomeRepoSQLite) Create(ctx context.Context, o *Outcome) error {
	o.ID = uuid.New()
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ebp_outcome (id, ebp_id, patient_id, outcome_type, outcome_value, measurement_date, notes, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.PracticeID, o.PatientID, o.OutcomeType, o.OutcomeValue, dateArg(&o.MeasurementDate), o.Notes, now)
	if isUniqueViolation(err) {
		return ErrDuplicateOutcome
	}
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	o.CreatedAt, _ = parseSQLiteTime(now)
	o.OutcomeCategory = ClassifyOutcomeType(o.OutcomeType)
	return nil
}

func (r *outcomeRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	return scanOutcomeSQLite(r.db.QueryRowContext(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome WHERE id = ?`, id))
}

func (r *outcomeRepoSQLite) ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*Outcome, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebp_outcome WHERE ebp_id = ?`, practiceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome
		WHERE ebp_id = ? ORDER BY measurement_date DESC, created_at DESC LIMIT ? OFFSET ?`, practiceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSQLite(rows, scanOutcomeSQLite)
	return items, total, err
}

func (r *outcomeRepoSQLite) ListRecentValued(ctx context.Context, practiceID uuid.UUID, limit int) ([]*Outcome, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+outcomeCols+` FROM ebp_outcome
		WHERE ebp_id = ? AND outcome_value IS NOT NULL
		ORDER BY measurement_date DESC, created_at DESC LIMIT ?`, practiceID, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows, scanOutcomeSQLite)
}
