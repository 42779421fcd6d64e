package logging

import (
	"log/slog"
	"time"

	"conductor/internal/services"
)

// Attr aliases slog.Attr so callers only import this package.
type Attr = slog.Attr

func Any(key string, value any) Attr                { return slog.Any(key, value) }
func Bool(key string, value bool) Attr              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }
func Float64(key string, value float64) Attr        { return slog.Float64(key, value) }
func Int(key string, value int) Attr                { return slog.Int(key, value) }
func Int64(key string, value int64) Attr            { return slog.Int64(key, value) }
func String(key string, value string) Attr          { return slog.String(key, value) }

// Alert marks a line an operator should notice, e.g. a breaker opening.
func Alert(value string) Attr { return slog.String(FieldAlert, value) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// ErrorAttrs expands err into the message, its kind, the operator hint for
// that kind and the downstream HTTP status when there was one.
func ErrorAttrs(err error) []Attr {
	if err == nil {
		return nil
	}
	detail := services.Details(err)
	attrs := []Attr{Error(err), String(FieldErrorKind, string(detail.Kind))}
	if detail.Hint != "" {
		attrs = append(attrs, String(FieldErrorHint, detail.Hint))
	}
	if detail.StatusCode > 0 {
		attrs = append(attrs, Int("status_code", detail.StatusCode))
	}
	return attrs
}

// Args converts attributes to the variadic form accepted by slog methods.
func Args(attrs ...Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

// HasAttrKey reports whether any attribute uses key.
func HasAttrKey(attrs []Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}
