// Package filter evaluates a LogSource's optional query_filter: a small
// JavaScript predicate that decides whether a normalized record should
// continue into the pipeline. Filters are arbitrary per-tenant config, so
// they run in a fresh, sandboxed goja VM per evaluation rather than a
// shared one callers could corrupt across log sources.
package filter

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/opslens/sentinel/internal/logs/normalizer"
)

// Predicate evaluates a compiled query_filter expression against a record.
type Predicate struct {
	expr string
}

// Compile validates a query_filter expression by running it once against
// an empty record, surfacing a syntax error at LogSource configuration
// time rather than on the first real log line.
func Compile(expr string) (*Predicate, error) {
	p := &Predicate{expr: expr}
	if _, err := p.Eval(normalizer.Record{}); err != nil {
		return nil, fmt.Errorf("invalid query_filter: %w", err)
	}
	return p, nil
}

// Eval runs the predicate against rec, exposing its fields as a `record`
// object (timestamp as RFC3339, everything else verbatim) and returning
// the JS expression's truthiness.
func (p *Predicate) Eval(rec normalizer.Record) (bool, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	record := map[string]any{
		"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
		"level":      rec.Level,
		"message":    rec.Message,
		"logger":     rec.Logger,
		"thread":     rec.Thread,
		"service":    rec.Service,
		"stackTrace": rec.StackTrace,
		"logId":      rec.LogID,
	}
	if err := vm.Set("record", record); err != nil {
		return false, err
	}

	value, err := vm.RunString(p.expr)
	if err != nil {
		return false, err
	}
	return value.ToBoolean(), nil
}

// MatchAll reports whether filter is empty (always matches) or its
// compiled predicate accepts rec; evaluation errors reject the record
// rather than silently passing it through.
func MatchAll(filter string, rec normalizer.Record) bool {
	if filter == "" {
		return true
	}
	p, err := Compile(filter)
	if err != nil {
		return false
	}
	matched, err := p.Eval(rec)
	if err != nil {
		return false
	}
	return matched
}
