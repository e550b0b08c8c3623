package ebp

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPracticeNotFound = errors.New("practice not found")
	ErrDuplicateOutcome = errors.New("outcome already recorded for this patient, type and date")
	ErrValidation       = errors.New("validation failed")
)

type PracticeRepository interface {
	Create(ctx context.Context, p *Practice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Practice, error)
	Update(ctx context.Context, p *Practice) error
	List(ctx context.Context, limit, offset int) ([]*Practice, int, error)
	ListActive(ctx context.Context) ([]*Practice, error)
	// UpdateMetrics writes every derived field in a single statement.
	UpdateMetrics(ctx context.Context, id uuid.UUID, m *DerivedMetrics) error
}

type StaffAssignmentRepository interface {
	// Upsert inserts or replaces the assignment for (ebp_id, staff_id).
	Upsert(ctx context.Context, a *StaffAssignment) error
	Delete(ctx context.Context, practiceID, staffID uuid.UUID) error
	ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*StaffAssignment, int, error)
	CountByStatus(ctx context.Context, practiceID uuid.UUID, statuses []string) (int, error)
}

type FidelityAssessmentRepository interface {
	Create(ctx context.Context, a *FidelityAssessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*FidelityAssessment, error)
	ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*FidelityAssessment, int, error)
	// ListRecent returns at most limit assessments, newest assessment_date
	// first. Callers must not rely on tie ordering.
	ListRecent(ctx context.Context, practiceID uuid.UUID, limit int) ([]*FidelityAssessment, error)
}

type OutcomeRepository interface {
	// Create returns ErrDuplicateOutcome when the
	// (ebp_id, patient_id, outcome_type, measurement_date) key exists.
	Create(ctx context.Context, o *Outcome) error
	GetByID(ctx context.Context, id uuid.UUID) (*Outcome, error)
	ListByPractice(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*Outcome, int, error)
	// ListRecentValued returns at most limit outcomes with a non-null value,
	// newest measurement_date first.
	ListRecentValued(ctx context.Context, practiceID uuid.UUID, limit int) ([]*Outcome, error)
}

// Store bundles the repositories backed by one database.
type Store struct {
	Practices   PracticeRepository
	Assignments StaffAssignmentRepository
	Assessments FidelityAssessmentRepository
	Outcomes    OutcomeRepository
}
