package ebp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *mockRepos, *echo.Echo) {
	svc, repos := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, repos, e
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectStatus(t *testing.T, err error, want int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, he.Code, he.Message)
	}
}

func TestHandler_CreatePractice(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"name":"Assertive Community Treatment","total_staff":6}`), rec)

	if err := h.CreatePractice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var body struct {
		Data           Practice        `json:"data"`
		UpdatedMetrics *DerivedMetrics `json:"updated_metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.TotalStaff != 6 || body.Data.Status != PracticeActive {
		t.Errorf("unexpected practice: %+v", body.Data)
	}
}

func TestHandler_CreatePractice_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder())
	expectStatus(t, h.CreatePractice(c), http.StatusBadRequest)
}

func TestHandler_GetPractice_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.GetPractice(c), http.StatusNotFound)
}

func TestHandler_GetPractice_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectStatus(t, h.GetPractice(c), http.StatusBadRequest)
}

func TestHandler_UpdatePractice_KeepsUnsetFields(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedScenario(repos)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, `{"total_staff":5}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.UpdatePractice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := repos.practices.records[p.ID]
	if stored.Name != "Motivational Interviewing" || stored.TotalStaff != 5 {
		t.Errorf("unexpected stored practice: %+v", stored)
	}
	var body WriteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UpdatedMetrics == nil || body.UpdatedMetrics.AdoptionRate != 80 {
		t.Errorf("expected adoption 80, got %+v", body.UpdatedMetrics)
	}
}

func TestHandler_ListPractices(t *testing.T) {
	h, repos, e := newTestHandler()
	seedPractice(repos, "A", 1)
	seedPractice(repos, "B", 2)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=10", nil), rec)
	if err := h.ListPractices(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Limit != 10 {
		t.Errorf("unexpected page: %+v", body)
	}
}

func TestHandler_AssignStaff(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 2)

	body := `{"staff_id":"` + uuid.New().String() + `","status":"trained","training_date":"2025-05-01"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.AssignStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var resp WriteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UpdatedMetrics == nil || resp.UpdatedMetrics.AdoptionRate != 50 {
		t.Errorf("expected adoption 50, got %+v", resp.UpdatedMetrics)
	}
}

func TestHandler_AssignStaff_BadDate(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 2)

	body := `{"staff_id":"` + uuid.New().String() + `","training_date":"05/01/2025"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectStatus(t, h.AssignStaff(c), http.StatusBadRequest)
}

func TestHandler_BulkAssignStaff(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)

	body := `{"staff_ids":["` + uuid.New().String() + `","` + uuid.New().String() + `"],"status":"certified"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.BulkAssignStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repos.assignments.records) != 2 {
		t.Errorf("expected 2 assignments, got %d", len(repos.assignments.records))
	}
}

func TestHandler_RemoveStaffAssignment_NotFound(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id", "staff_id")
	c.SetParamValues(p.ID.String(), uuid.New().String())
	expectStatus(t, h.RemoveStaffAssignment(c), http.StatusNotFound)
}

func TestHandler_CreateAssessment(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"assessment_date":"2025-06-10","fidelity_score":88}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.CreateAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if got := repos.practices.records[p.ID].FidelityScore; got != 88 {
		t.Errorf("expected stored fidelity 88, got %d", got)
	}
}

func TestHandler_CreateAssessment_Validation(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	tests := []struct {
		name string
		body string
	}{
		{"missing date", `{"fidelity_score":88}`},
		{"missing score", `{"assessment_date":"2025-06-10"}`},
		{"future date", `{"assessment_date":"2030-01-01","fidelity_score":88}`},
		{"score out of range", `{"assessment_date":"2025-06-10","fidelity_score":120}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, tt.body), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(p.ID.String())
			expectStatus(t, h.CreateAssessment(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_CreateOutcome_Conflict(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	body := `{"patient_id":"` + uuid.New().String() + `","outcome_type":"PHQ-9 score","outcome_value":12,"measurement_date":"2025-06-01"}`

	post := func() (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
		c.SetParamNames("id")
		c.SetParamValues(p.ID.String())
		return rec, h.CreateOutcome(c)
	}

	rec, err := post()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	_, err = post()
	expectStatus(t, err, http.StatusConflict)
}

func TestHandler_CreateOutcome_OffsetTimestampKeepsCalendarDate(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	body := `{"patient_id":"` + uuid.New().String() + `","outcome_type":"PHQ-9 score","outcome_value":12,"measurement_date":"2025-06-10T21:00:00-05:00"}`

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.CreateOutcome(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repos.outcomes.records) != 1 {
		t.Fatalf("expected one stored outcome, got %d", len(repos.outcomes.records))
	}
	if got := repos.outcomes.records[0].MeasurementDate; !got.Equal(testDate(2025, 6, 10)) {
		t.Errorf("expected measurement_date 2025-06-10, got %v", got)
	}
	if !strings.Contains(rec.Body.String(), `"measurement_date":"2025-06-10"`) {
		t.Errorf("expected a date-only measurement_date in the response, got %s", rec.Body.String())
	}
}

func TestHandler_BulkCreateOutcomes(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	patient := uuid.New().String()
	body := `{"outcomes":[
		{"patient_id":"` + patient + `","outcome_type":"adherence %","outcome_value":80,"measurement_date":"2025-06-01"},
		{"patient_id":"` + patient + `","outcome_type":"adherence %","outcome_value":150,"measurement_date":"2025-06-02"}
	]}`

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.BulkCreateOutcomes(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report BulkOutcomeReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Created != 1 || report.Invalid != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestHandler_BulkCreateOutcomes_MalformedDate(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	body := `{"outcomes":[{"patient_id":"` + uuid.New().String() + `","outcome_type":"x","measurement_date":"June 1"}]}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectStatus(t, h.BulkCreateOutcomes(c), http.StatusBadRequest)
}

func TestHandler_GetOutcome(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedPractice(repos, "CBT", 4)
	o := &Outcome{PracticeID: p.ID, PatientID: uuid.New(), OutcomeType: "ER visit count", MeasurementDate: testDate(2025, 6, 1)}
	repos.outcomes.Create(context.Background(), o)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.GetOutcome(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_RecalculatePractice(t *testing.T) {
	h, repos, e := newTestHandler()
	p := seedScenario(repos)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.RecalculatePractice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m DerivedMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.AdoptionRate != 40 || m.FidelityScore != 82 || m.SustainabilityScore != 78 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestHandler_RecalculatePractice_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.RecalculatePractice(c), http.StatusNotFound)
}

func TestHandler_RecalculateAll(t *testing.T) {
	h, repos, e := newTestHandler()
	seedScenario(repos)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	if err := h.RecalculateAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report SweepReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Total != 1 || report.Updated != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestHandler_InternalErrorHidesCause(t *testing.T) {
	h, repos, e := newTestHandler()
	repos.practices.listErr = errors.New("pq: password authentication failed")
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := h.ListPractices(c)
	expectStatus(t, err, http.StatusInternalServerError)
	var he *echo.HTTPError
	errors.As(err, &he)
	if strings.Contains(he.Message.(string), "password") {
		t.Errorf("expected internal cause to be hidden, got %v", he.Message)
	}
}
