// Package context carries request-scoped identifiers used by logs, traces and audit rows.
package context

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

type requestIDKey struct{}
type eventIDKey struct{}
type eventTypeKey struct{}

// NewRequestID returns a sortable, unique request identifier.
func NewRequestID() string {
	return ulid.Make().String()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithEvent tags the context with the provider event being processed.
func WithEvent(ctx context.Context, eventID, eventType string) context.Context {
	if eventID = strings.TrimSpace(eventID); eventID != "" {
		ctx = context.WithValue(ctx, eventIDKey{}, eventID)
	}
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		ctx = context.WithValue(ctx, eventTypeKey{}, eventType)
	}
	return ctx
}

func EventFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	eventID, _ := ctx.Value(eventIDKey{}).(string)
	eventType, _ := ctx.Value(eventTypeKey{}).(string)
	return eventID, eventType
}
