package openapi

import (
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Generator builds an OpenAPI 3.0 document from the routes registered on an
// echo instance plus the record types added with AddSchema.
type Generator struct {
	routes  func() []*echo.Route
	prefix  string
	version string
	baseURL string
	schemas map[string]reflect.Type
}

// NewGenerator documents every route under prefix. routes is called on each
// request so routes registered after construction are included.
func NewGenerator(routes func() []*echo.Route, prefix, version, baseURL string) *Generator {
	return &Generator{
		routes:  routes,
		prefix:  prefix,
		version: version,
		baseURL: baseURL,
		schemas: make(map[string]reflect.Type),
	}
}

// AddSchema registers a component schema derived from sample's json tags.
func (g *Generator) AddSchema(name string, sample interface{}) {
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	g.schemas[name] = t
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]map[string]interface{})
	for _, r := range g.routes() {
		if !strings.HasPrefix(r.Path, g.prefix) || r.Method == echo.RouteNotFound {
			continue
		}
		path, params := openAPIPath(r.Path)
		if paths[path] == nil {
			paths[path] = make(map[string]interface{})
		}
		paths[path][strings.ToLower(r.Method)] = g.buildOperation(r, params)
	}

	pathsOut := make(map[string]interface{}, len(paths))
	for p, ops := range paths {
		pathsOut[p] = ops
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "EBP Metrics API",
			"version":     g.version,
			"description": "Evidence-based practice adoption, fidelity and sustainability tracking",
		},
		"servers": []map[string]interface{}{
			{"url": g.baseURL},
		},
		"paths": pathsOut,
		"components": map[string]interface{}{
			"schemas": g.componentSchemas(),
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []map[string]interface{}{
			{"bearerAuth": []string{}},
		},
	}
}

func (g *Generator) buildOperation(r *echo.Route, params []string) map[string]interface{} {
	id := operationID(r.Name, r.Method, r.Path)
	op := map[string]interface{}{
		"operationId": id,
		"tags":        []string{routeTag(strings.TrimPrefix(r.Path, g.prefix))},
		"responses": map[string]interface{}{
			"200": map[string]interface{}{"description": "Success"},
			"400": errorResponse("Invalid request"),
			"401": errorResponse("Missing or invalid token"),
			"403": errorResponse("Role not permitted"),
			"404": errorResponse("Not found"),
		},
	}

	ps := make([]map[string]interface{}, 0, len(params)+2)
	for _, name := range params {
		ps = append(ps, map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]interface{}{"type": "string", "format": "uuid"},
		})
	}
	if r.Method == http.MethodGet && strings.HasPrefix(id, "List") {
		ps = append(ps, pagingParams()...)
	}
	if len(ps) > 0 {
		op["parameters"] = ps
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		op["requestBody"] = map[string]interface{}{
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]interface{}{"type": "object"},
				},
			},
		}
	}
	return op
}

func pagingParams() []map[string]interface{} {
	return []map[string]interface{}{
		{"name": "limit", "in": "query", "schema": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 100}},
		{"name": "offset", "in": "query", "schema": map[string]interface{}{"type": "integer", "minimum": 0}},
	}
}

func errorResponse(description string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{"$ref": "#/components/schemas/Error"},
			},
		},
	}
}

// openAPIPath converts /a/:id/b to /a/{id}/b and returns the parameter names.
func openAPIPath(echoPath string) (string, []string) {
	segments := strings.Split(echoPath, "/")
	var params []string
	for i, s := range segments {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segments[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segments, "/"), params
}

// routeTag groups operations by the last literal path segment that names a
// collection, e.g. /ebp-practices/:id/outcomes/bulk -> outcomes.
func routeTag(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if s == "" || strings.HasPrefix(s, ":") || s == "bulk" || s == "summary" {
			continue
		}
		return s
	}
	return "default"
}

// operationID prefers the handler's function name, e.g.
// github.com/ehr/ebp/internal/domain/ebp.(*Handler).CreateOutcome-fm.
func operationID(name, method, path string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		id := strings.TrimSuffix(name[i+1:], "-fm")
		if id != "" && !strings.HasPrefix(id, "func") {
			return id
		}
	}
	return strings.ToLower(method) + strings.NewReplacer("/", "_", ":", "", "-", "_").Replace(path)
}

func (g *Generator) componentSchemas() map[string]interface{} {
	out := map[string]interface{}{
		"Error": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"message": map[string]interface{}{"type": "string"}},
			"required":   []string{"message"},
		},
	}
	names := make([]string, 0, len(g.schemas))
	for n := range g.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		out[n] = g.schemaFor(g.schemas[n], true)
	}
	return out
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

// schemaFor maps a Go type to a JSON schema using the same rules
// encoding/json applies. Registered struct types are referenced, not inlined,
// except at the top level.
func (g *Generator) schemaFor(t reflect.Type, top bool) map[string]interface{} {
	nullable := false
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
		nullable = true
	}
	var s map[string]interface{}
	switch {
	case t == timeType:
		s = map[string]interface{}{"type": "string", "format": "date-time"}
	case t == uuidType:
		s = map[string]interface{}{"type": "string", "format": "uuid"}
	case t.Kind() == reflect.String:
		s = map[string]interface{}{"type": "string"}
	case t.Kind() == reflect.Bool:
		s = map[string]interface{}{"type": "boolean"}
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		s = map[string]interface{}{"type": "integer"}
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		s = map[string]interface{}{"type": "number"}
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		s = map[string]interface{}{"type": "array", "items": g.schemaFor(t.Elem(), false)}
	case t.Kind() == reflect.Struct:
		if !top {
			if name, ok := g.registeredName(t); ok {
				s = map[string]interface{}{"$ref": "#/components/schemas/" + name}
				break
			}
		}
		s = g.structSchema(t)
	default:
		s = map[string]interface{}{}
	}
	if nullable {
		s["nullable"] = true
	}
	return s
}

func (g *Generator) registeredName(t reflect.Type) (string, bool) {
	for n, rt := range g.schemas {
		if rt == t {
			return n, true
		}
	}
	return "", false
}

func (g *Generator) structSchema(t reflect.Type) map[string]interface{} {
	props := make(map[string]interface{})
	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		fs := g.schemaFor(f.Type, false)
		if format := f.Tag.Get("format"); format != "" {
			fs["format"] = format
		}
		props[name] = fs
		if f.Type.Kind() != reflect.Ptr && !strings.Contains(opts, "omitempty") {
			required = append(required, name)
		}
	}
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		s["required"] = required
	}
	return s
}

// RegisterRoutes serves the document at /openapi.json on group.
func (g *Generator) RegisterRoutes(group *echo.Group) {
	group.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
