package logging

import (
	"context"
	"log/slog"

	"github.com/korarent/kora-rent/pkg/ledger"
)

// LevelCritical is one step above slog's built-in Error level, for the
// operator-intervention-required diagnostics spec.md §7 calls for on a
// LedgerIntegrityError ("log CRITICAL, do not mask").
const LevelCritical = slog.Level(12)

// Critical logs at LevelCritical, also reaching the audit DB sink (if
// attached) with level "CRITICAL".
func (l *Logger) Critical(msg string, fields ...Field) {
	l.log(LevelCritical, msg, fields...)
}

// WithAuditSink returns a Logger whose handler fans out every record to
// both the existing stdout/stderr/file handler and the ledger's audit_log
// table — the "database sink" SPEC_FULL.md's Logging (ambient) component
// names. Purely additive: the original handler keeps receiving every
// record unchanged.
func (l *Logger) WithAuditSink(store *ledger.Store) *Logger {
	fanned := newMultiHandler(l.Logger.Handler(), newAuditHandler(store))
	return &Logger{Logger: slog.New(fanned), config: l.config}
}

// auditHandler is a slog.Handler that mirrors every record it receives into
// one audit_log row per record. It never alters program control flow: a
// failed insert is swallowed (audit logging is informational only, per
// spec.md §3 — "not covered by the state hash" and never load-bearing).
type auditHandler struct {
	store     *ledger.Store
	component string
	extra     map[string]any
}

func newAuditHandler(store *ledger.Store) *auditHandler {
	return &auditHandler{store: store, extra: map[string]any{}}
}

func (h *auditHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *auditHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.extra)+r.NumAttrs())
	for k, v := range h.extra {
		fields[k] = v
	}
	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Any().(string); ok {
				component = s
			}
			return true
		}
		fields[a.Key] = a.Value.Any()
		return true
	})
	// Best-effort: audit_log is informational, so a DB error here must
	// never propagate back into the caller's control flow.
	_ = h.store.AppendAudit(ctx, auditLevelName(r.Level), component, r.Message, fields)
	return nil
}

func (h *auditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &auditHandler{store: h.store, component: h.component, extra: make(map[string]any, len(h.extra)+len(attrs))}
	for k, v := range h.extra {
		clone.extra[k] = v
	}
	for _, a := range attrs {
		if a.Key == "component" {
			if s, ok := a.Value.Any().(string); ok {
				clone.component = s
				continue
			}
		}
		clone.extra[a.Key] = a.Value.Any()
	}
	return clone
}

func (h *auditHandler) WithGroup(name string) slog.Handler {
	// audit_log rows are flat; grouping is not meaningful for this sink.
	return h
}

func auditLevelName(level slog.Level) string {
	switch {
	case level >= LevelCritical:
		return "CRITICAL"
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

// multiHandler fans out every record to all of its constituent handlers, in
// the style of slog's documented "distribute to multiple handlers" recipe.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
