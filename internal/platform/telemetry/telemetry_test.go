package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRecalculation(t *testing.T) {
	m := New()
	m.ObserveRecalculation("ok", 10*time.Millisecond)
	m.ObserveRecalculation("ok", 20*time.Millisecond)
	m.ObserveRecalculation("error", time.Millisecond)

	if got := testutil.ToFloat64(m.recalcs.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok recalculations, got %v", got)
	}
	if got := testutil.ToFloat64(m.recalcs.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed recalculation, got %v", got)
	}
	if got := testutil.CollectAndCount(m.recalcTime); got != 1 {
		t.Errorf("expected one histogram series, got %d", got)
	}
}

func TestObserveSweepEntry(t *testing.T) {
	m := New()
	m.ObserveSweepEntry("updated")
	m.ObserveSweepEntry("unchanged")
	m.ObserveSweepEntry("unchanged")

	if got := testutil.ToFloat64(m.sweepEntries.WithLabelValues("unchanged")); got != 2 {
		t.Errorf("expected 2 unchanged entries, got %v", got)
	}
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	m := New()
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ebp-practices/abc", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/ebp-practices/:id")
	m.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ebp-practices/def", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/ebp-practices/:id")
	m.Middleware()(func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })(c)

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/x", nil), httptest.NewRecorder())
	m.Middleware()(func(echo.Context) error { return errors.New("boom") })(c)

	checks := []struct {
		labels []string
		want   float64
	}{
		{[]string{"GET", "/api/v1/ebp-practices/:id", "200"}, 1},
		{[]string{"GET", "/api/v1/ebp-practices/:id", "404"}, 1},
		{[]string{"POST", "unmatched", "500"}, 1},
	}
	for _, ch := range checks {
		if got := testutil.ToFloat64(m.httpRequests.WithLabelValues(ch.labels...)); got != ch.want {
			t.Errorf("requests%v = %v, want %v", ch.labels, got, ch.want)
		}
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveSweepEntry("error")
	if err := m.RegisterGauge("db_pool_total_conns", "Open pool connections", func() float64 { return 3 }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`ebp_sweep_entries_total{status="error"} 1`,
		"ebp_db_pool_total_conns 3",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
}

func TestRegisterGauge_Duplicate(t *testing.T) {
	m := New()
	fn := func() float64 { return 1 }
	if err := m.RegisterGauge("pool_conns", "help", fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RegisterGauge("pool_conns", "help", fn); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	expected := `
# HELP ebp_pool_conns help
# TYPE ebp_pool_conns gauge
ebp_pool_conns 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "ebp_pool_conns"); err != nil {
		t.Errorf("unexpected gauge exposition: %v", err)
	}
}
