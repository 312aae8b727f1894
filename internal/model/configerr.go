package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError carries the humanized details of a failed schema validation.
type ConfigError struct {
	Details []ConfigErrorDetail
	err     error
}

func (e *ConfigError) Error() string {
	if len(e.Details) == 0 {
		return e.err.Error()
	}
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.Path+": "+d.Message)
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ConfigError) Unwrap() []error { return []error{ErrInvalidConfig, e.err} }

// LogValue lists every detail as its own group.
func (e *ConfigError) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(e.Details))
	for i, d := range e.Details {
		attrs = append(attrs, d.Attr(fmt.Sprintf("detail%d", i)))
	}
	return slog.GroupValue(attrs...)
}

type ConfigErrorDetail struct {
	Path    string // store.backend
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | type_mismatch
	Message string
	Raw     string
}

func (d ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
	)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reEmpty       = regexp.MustCompile(`invalid value "" \(out of bound !=""\)`)
	reEnum        = regexp.MustCompile(`(?i)\d+ errors in empty disjunction`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reOutOfBound  = regexp.MustCompile(`(?i)out of bound`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// enumFields list the fields whose disjunction is spelled out in messages.
var enumFields = []string{"store.backend", "logging.level"}

func humanize(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(raw, path)
		for _, field := range enumFields {
			if path != field {
				continue
			}
			code = "invalid_enum"
			values := enumStrings(schema.LookupPath(cue.ParsePath(field)))
			msg = fmt.Sprintf("Field %s must be one of (%s)", last(path), strings.Join(values, ","))
		}
		out = append(out, ConfigErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Raw:     raw,
		})
	}
	return out
}

func enumStrings(v cue.Value) []string {
	var values []string
	if op, args := v.Expr(); op == cue.OrOp {
		for _, a := range args {
			if s, err := a.String(); err == nil {
				values = append(values, s)
			}
		}
	} else if s, err := v.String(); err == nil {
		values = append(values, s)
	}
	return values
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reEmpty.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required and must be non-empty", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reOutOfBound.MatchString(raw):
		return "out_of_bound", fmt.Sprintf("Field %s is out of bound", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
