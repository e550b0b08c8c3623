package ebp

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ebp/internal/platform/auth"
	"github.com/ehr/ebp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: admin, clinical_lead, staff
	readGroup := api.Group("", auth.RequireRole("admin", "clinical_lead", "staff"))
	readGroup.GET("/ebp-practices", h.ListPractices)
	readGroup.GET("/ebp-practices/:id", h.GetPractice)
	readGroup.GET("/ebp-practices/:id/metrics", h.GetMetrics)
	readGroup.GET("/ebp-practices/:id/staff-assignments", h.ListStaffAssignments)
	readGroup.GET("/ebp-practices/:id/fidelity-assessments", h.ListAssessments)
	readGroup.GET("/ebp-practices/:id/outcomes", h.ListOutcomes)
	readGroup.GET("/ebp-practices/:id/outcomes/summary", h.OutcomeSummary)
	readGroup.GET("/fidelity-assessments/:id", h.GetAssessment)
	readGroup.GET("/outcomes/:id", h.GetOutcome)

	// Write endpoints: admin, clinical_lead
	writeGroup := api.Group("", auth.RequireRole("admin", "clinical_lead"))
	writeGroup.POST("/ebp-practices", h.CreatePractice)
	writeGroup.PUT("/ebp-practices/:id", h.UpdatePractice)
	writeGroup.POST("/ebp-practices/:id/recalculate", h.RecalculatePractice)
	writeGroup.POST("/ebp-practices/:id/staff-assignments", h.AssignStaff)
	writeGroup.POST("/ebp-practices/:id/staff-assignments/bulk", h.BulkAssignStaff)
	writeGroup.DELETE("/ebp-practices/:id/staff-assignments/:staff_id", h.RemoveStaffAssignment)
	writeGroup.POST("/ebp-practices/:id/fidelity-assessments", h.CreateAssessment)
	writeGroup.POST("/ebp-practices/:id/outcomes", h.CreateOutcome)
	writeGroup.POST("/ebp-practices/:id/outcomes/bulk", h.BulkCreateOutcomes)

	// Admin endpoints
	adminGroup := api.Group("/admin/ebp", auth.RequireRole("admin"))
	adminGroup.POST("/recalculate-all", h.RecalculateAll)
}

// WriteResponse is the body of every mutating endpoint. UpdatedMetrics is
// null when the write did not touch metrics or the refresh failed.
type WriteResponse struct {
	Data           interface{}     `json:"data"`
	UpdatedMetrics *DerivedMetrics `json:"updated_metrics"`
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPracticeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "practice not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicateOutcome):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty string yields nil.
func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, fmt.Errorf("%w: %s must be a date (YYYY-MM-DD)", ErrValidation, field)
		}
	}
	return &t, nil
}

func requiredDate(field, s string) (time.Time, error) {
	t, err := parseDate(field, s)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return *t, nil
}

// -- Practice Handlers --

type practiceRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Status      *string `json:"status"`
	TotalStaff  *int    `json:"total_staff"`
}

func (r practiceRequest) apply(p *Practice) {
	if r.Name != nil {
		p.Name = *r.Name
	}
	if r.Description != nil {
		p.Description = r.Description
	}
	if r.Category != nil {
		p.Category = r.Category
	}
	if r.Status != nil {
		p.Status = *r.Status
	}
	if r.TotalStaff != nil {
		p.TotalStaff = *r.TotalStaff
	}
}

func (h *Handler) CreatePractice(c echo.Context) error {
	var req practiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var p Practice
	req.apply(&p)
	if err := h.svc.CreatePractice(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, WriteResponse{Data: &p})
}

func (h *Handler) GetPractice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPractice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPractices(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPractices(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// UpdatePractice overlays the supplied fields onto the stored practice.
func (h *Handler) UpdatePractice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req practiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.GetPractice(ctx, id)
	if err != nil {
		return httpError(err)
	}
	req.apply(p)
	m, err := h.svc.UpdatePractice(ctx, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, WriteResponse{Data: p, UpdatedMetrics: m})
}

func (h *Handler) GetMetrics(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.GetMetrics(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RecalculatePractice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.RecalculatePractice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RecalculateAll(c echo.Context) error {
	report, err := h.svc.RecalculateAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// -- Staff Assignment Handlers --

type assignmentDates struct {
	TrainingDate        string  `json:"training_date"`
	CertificationDate   string  `json:"certification_date"`
	CertificationExpiry string  `json:"certification_expiry"`
	Notes               *string `json:"notes"`
}

func (d assignmentDates) parse() (training, certified, expiry *time.Time, err error) {
	if training, err = parseDate("training_date", d.TrainingDate); err != nil {
		return
	}
	if certified, err = parseDate("certification_date", d.CertificationDate); err != nil {
		return
	}
	expiry, err = parseDate("certification_expiry", d.CertificationExpiry)
	return
}

type assignmentRequest struct {
	StaffID uuid.UUID `json:"staff_id"`
	Status  string    `json:"status"`
	assignmentDates
}

type bulkAssignmentRequest struct {
	StaffIDs []uuid.UUID `json:"staff_ids"`
	Status   string      `json:"status"`
	assignmentDates
}

func (h *Handler) AssignStaff(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req assignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	training, certified, expiry, err := req.parse()
	if err != nil {
		return httpError(err)
	}
	a := &StaffAssignment{
		PracticeID:          practiceID,
		StaffID:             req.StaffID,
		Status:              req.Status,
		TrainingDate:        training,
		CertificationDate:   certified,
		CertificationExpiry: expiry,
		Notes:               req.Notes,
	}
	m, err := h.svc.AssignStaff(c.Request().Context(), a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, WriteResponse{Data: a, UpdatedMetrics: m})
}

func (h *Handler) BulkAssignStaff(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req bulkAssignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	training, certified, expiry, err := req.parse()
	if err != nil {
		return httpError(err)
	}
	items, m, err := h.svc.BulkAssignStaff(c.Request().Context(), practiceID, BulkAssignment{
		StaffIDs:            req.StaffIDs,
		Status:              req.Status,
		TrainingDate:        training,
		CertificationDate:   certified,
		CertificationExpiry: expiry,
		Notes:               req.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, WriteResponse{Data: items, UpdatedMetrics: m})
}

func (h *Handler) RemoveStaffAssignment(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	staffID, err := pathID(c, "staff_id")
	if err != nil {
		return err
	}
	m, err := h.svc.RemoveStaffAssignment(c.Request().Context(), practiceID, staffID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, WriteResponse{UpdatedMetrics: m})
}

func (h *Handler) ListStaffAssignments(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListStaffAssignments(c.Request().Context(), practiceID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Fidelity Assessment Handlers --

type assessmentRequest struct {
	AssessorID     *uuid.UUID `json:"assessor_id"`
	AssessmentDate string     `json:"assessment_date"`
	FidelityScore  *float64   `json:"fidelity_score"`
	Notes          *string    `json:"notes"`
}

func (h *Handler) CreateAssessment(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req assessmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := requiredDate("assessment_date", req.AssessmentDate)
	if err != nil {
		return httpError(err)
	}
	if req.FidelityScore == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fidelity_score is required")
	}
	a := &FidelityAssessment{
		PracticeID:     practiceID,
		AssessorID:     req.AssessorID,
		AssessmentDate: date,
		FidelityScore:  *req.FidelityScore,
		Notes:          req.Notes,
	}
	m, err := h.svc.CreateAssessment(c.Request().Context(), a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, WriteResponse{Data: a, UpdatedMetrics: m})
}

func (h *Handler) GetAssessment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssessment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssessments(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAssessments(c.Request().Context(), practiceID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Outcome Handlers --

type outcomeRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	OutcomeType     string    `json:"outcome_type"`
	OutcomeValue    *float64  `json:"outcome_value"`
	MeasurementDate string    `json:"measurement_date"`
	Notes           *string   `json:"notes"`
}

func (r outcomeRequest) toOutcome(practiceID uuid.UUID) (*Outcome, error) {
	date, err := requiredDate("measurement_date", r.MeasurementDate)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		PracticeID:      practiceID,
		PatientID:       r.PatientID,
		OutcomeType:     r.OutcomeType,
		OutcomeValue:    r.OutcomeValue,
		MeasurementDate: date,
		Notes:           r.Notes,
	}, nil
}

type bulkOutcomeRequest struct {
	Outcomes []outcomeRequest `json:"outcomes"`
}

func (h *Handler) CreateOutcome(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := req.toOutcome(practiceID)
	if err != nil {
		return httpError(err)
	}
	m, err := h.svc.CreateOutcome(c.Request().Context(), o)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, WriteResponse{Data: o, UpdatedMetrics: m})
}

// BulkCreateOutcomes rejects the whole batch on a malformed date; every
// other per-row problem is reported in the result list.
func (h *Handler) BulkCreateOutcomes(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req bulkOutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcomes := make([]*Outcome, 0, len(req.Outcomes))
	for i, r := range req.Outcomes {
		o, err := r.toOutcome(practiceID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("outcomes[%d]: %v", i, err))
		}
		outcomes = append(outcomes, o)
	}
	report, err := h.svc.BulkCreateOutcomes(c.Request().Context(), practiceID, outcomes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) GetOutcome(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.GetOutcome(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOutcomes(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOutcomes(c.Request().Context(), practiceID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) OutcomeSummary(c echo.Context) error {
	practiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	summary, err := h.svc.OutcomeSummary(c.Request().Context(), practiceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": summary})
}
