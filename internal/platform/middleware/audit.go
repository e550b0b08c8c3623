package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ebp/internal/platform/auth"
)

// AuditEntry describes one mutating API call.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	TenantID   string
	UserID     string
	UserRoles  []string
	Method     string
	Route      string
	Action     string
	Resource   string
	PracticeID string
	StatusCode int
}

// Audit logs every create, update and delete under /api/v1 with the acting
// user and the practice it touched. Reads are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := methodAction(req.Method)
			if action == "" || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, action, err)
			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("ebp_id", entry.PracticeID).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Msg("ebp_change")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context, action string, err error) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		UserID:     auth.UserIDFromContext(req.Context()),
		UserRoles:  auth.RolesFromContext(req.Context()),
		Method:     req.Method,
		Route:      c.Path(),
		Action:     action,
		StatusCode: c.Response().Status,
	}
	if err != nil {
		entry.StatusCode = http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			entry.StatusCode = he.Code
		}
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)
	entry.Resource = routeResource(entry.Route)
	if strings.HasPrefix(entry.Route, "/api/v1/ebp-practices/:id") {
		entry.PracticeID = c.Param("id")
	}
	return entry
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return ""
	}
}

// routeResource names the collection a route writes to, e.g.
// /api/v1/ebp-practices/:id/outcomes/bulk -> outcomes.
func routeResource(route string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, "/api/v1"), "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if s == "" || s == "bulk" || strings.HasPrefix(s, ":") {
			continue
		}
		return s
	}
	return "unknown"
}
