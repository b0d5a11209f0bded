package auth

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

type execContextKey struct{}

// WithExecutionContext attaches an execution context to the context.
func WithExecutionContext(ctx context.Context, ec *models.ExecutionContext) context.Context {
	if ec == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecutionContextFrom retrieves the execution context, if any.
func ExecutionContextFrom(ctx context.Context) (*models.ExecutionContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*models.ExecutionContext)
	return ec, ok
}
