package dispatch

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/provider"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Tool names of the built-in routes.
const (
	ToolGmailListMessages = "gmail_list_messages"
	ToolGmailReadMessage  = "gmail_read_message"
	ToolGmailMarkRead     = "gmail_mark_read"
	ToolSheetsReadRows    = "sheets_read_rows"
	ToolSheetsAppendRows  = "sheets_append_rows"
	ToolSlackPostMessage  = "slack_post_message"
)

// Route binds a tool name to the provider operation that serves it.
type Route struct {
	Tool      string            `yaml:"tool"`
	Provider  provider.Provider `yaml:"provider"`
	Operation string            `yaml:"operation"`
	Scopes    []string          `yaml:"scopes"`
}

// RouteTable resolves tool names to routes.
type RouteTable struct {
	routes map[string]Route
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// DefaultRoutes returns the embedded route table.
func DefaultRoutes() (*RouteTable, error) {
	return ParseRoutes(defaultRoutes)
}

// LoadRoutes reads a route table from path. An empty path returns the
// embedded table.
func LoadRoutes(path string) (*RouteTable, error) {
	if path == "" {
		return DefaultRoutes()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	rt, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rt, nil
}

// ParseRoutes decodes and validates a YAML route table. Unknown fields are
// rejected.
func ParseRoutes(data []byte) (*RouteTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f routeFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}
	return NewRouteTable(f.Routes...)
}

// NewRouteTable validates routes and indexes them by tool name.
func NewRouteTable(routes ...Route) (*RouteTable, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("route table is empty")
	}

	rt := &RouteTable{routes: make(map[string]Route, len(routes))}
	for i, r := range routes {
		if r.Tool == "" {
			return nil, fmt.Errorf("route %d: tool is required", i)
		}
		if _, dup := rt.routes[r.Tool]; dup {
			return nil, fmt.Errorf("route %q: duplicate tool", r.Tool)
		}
		if !r.Provider.Valid() {
			return nil, fmt.Errorf("route %q: unknown provider %q", r.Tool, r.Provider)
		}
		if r.Operation == "" {
			return nil, fmt.Errorf("route %q: operation is required", r.Tool)
		}
		if len(r.Scopes) == 0 {
			r.Scopes = r.Provider.Info().RequiredScopes
		}
		r.Scopes = credentials.MergeScopes(r.Scopes)
		rt.routes[r.Tool] = r
	}
	return rt, nil
}

// Lookup returns the route for tool.
func (rt *RouteTable) Lookup(tool string) (Route, bool) {
	r, ok := rt.routes[tool]
	return r, ok
}

// Routes returns all routes sorted by tool name.
func (rt *RouteTable) Routes() []Route {
	out := make([]Route, 0, len(rt.routes))
	for _, r := range rt.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Scopes returns the union of scopes the routes of p need.
func (rt *RouteTable) Scopes(p provider.Provider) []string {
	var sets [][]string
	for _, r := range rt.routes {
		if r.Provider == p {
			sets = append(sets, r.Scopes)
		}
	}
	return credentials.MergeScopes(sets...)
}
