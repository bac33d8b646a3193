package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context that carries them.
type LogFields struct {
	ConversationID string
	MessageID      string
	AuthState      string
	Component      string
}

// WithLogFields merges fields into ctx. Non-empty values in fields win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.ConversationID != "" {
		merged.ConversationID = fields.ConversationID
	}
	if fields.MessageID != "" {
		merged.MessageID = fields.MessageID
	}
	if fields.AuthState != "" {
		merged.AuthState = fields.AuthState
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields carried by ctx.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}
