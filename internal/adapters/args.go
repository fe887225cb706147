package adapters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

// Args are the decoded JSON arguments of an operation.
type Args map[string]any

func invalidArg(p provider.Provider, format string, args ...any) error {
	fe := failure.Newf(failure.KindInvalidInvocation, p, format, args...)
	fe.Reason = "invalid_argument"
	fe.Hint = fe.Cause.Error()
	return fe
}

// String returns the string argument key, or "" if absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return strings.TrimSpace(s)
}

// StringOr returns the string argument key or def when it is empty.
func (a Args) StringOr(key, def string) string {
	if s := a.String(key); s != "" {
		return s
	}
	return def
}

// RequireString returns the string argument key or an InvalidInvocation error.
func (a Args) RequireString(p provider.Provider, key string) (string, error) {
	s := a.String(key)
	if s == "" {
		return "", invalidArg(p, "%s is required", key)
	}
	return s, nil
}

// Int returns the integer argument key. JSON numbers and numeric strings are
// accepted.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean argument key.
func (a Args) Bool(key string, def bool) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Strings returns a list argument. A comma separated string is split.
func (a Args) Strings(key string) []string {
	var out []string
	switch v := a[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}

	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// Rows returns a two dimensional list argument as sheet rows.
func (a Args) Rows(p provider.Provider, key string) ([][]any, error) {
	raw, ok := a[key]
	if !ok {
		return nil, invalidArg(p, "%s is required", key)
	}

	var rows [][]any
	switch v := raw.(type) {
	case [][]any:
		rows = v
	case [][]string:
		for _, r := range v {
			row := make([]any, len(r))
			for i, c := range r {
				row[i] = c
			}
			rows = append(rows, row)
		}
	case []any:
		for i, item := range v {
			r, ok := item.([]any)
			if !ok {
				return nil, invalidArg(p, "%s[%d] must be a list of cells", key, i)
			}
			rows = append(rows, r)
		}
	default:
		return nil, invalidArg(p, "%s must be a list of rows", key)
	}

	if len(rows) == 0 {
		return nil, invalidArg(p, "%s must not be empty", key)
	}
	return rows, nil
}

// Map returns an object argument.
func (a Args) Map(key string) Args {
	m, _ := a[key].(map[string]any)
	return Args(m)
}

func cellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}
