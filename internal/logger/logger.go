// Package logger configures slog with trace and conversation context.
package logger

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the handler installed by Setup.
type Options struct {
	Production  bool
	Development bool
	// OTelServiceName bridges records to the global OTel logger provider
	// when set.
	OTelServiceName string
}

// Setup installs the default slog logger writing to w.
func Setup(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if opts.Development {
		hopts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch {
	case opts.Production && opts.OTelServiceName != "":
		handler = NewTraceHandler(otelslog.NewHandler(
			opts.OTelServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		))
	case opts.Production:
		handler = NewTraceHandler(slog.NewJSONHandler(w, hopts))
	default:
		handler = NewTraceHandler(slog.NewTextHandler(w, hopts))
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// TraceHandler adds trace ids and LogFields from the context to each record.
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps h.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

// Handle implements slog.Handler.
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.ConversationID != "" {
		r.AddAttrs(slog.String("conversation_id", fields.ConversationID))
	}
	if fields.MessageID != "" {
		r.AddAttrs(slog.String("message_id", fields.MessageID))
	}
	if fields.AuthState != "" {
		r.AddAttrs(slog.String("auth_state", fields.AuthState))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
