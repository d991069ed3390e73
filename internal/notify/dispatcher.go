// Package notify delivers lifecycle notifications. Delivery is best-effort:
// callers log failures and carry on.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher sends a templated message to a recipient.
type Dispatcher interface {
	Send(ctx context.Context, recipient, template string, data map[string]any) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, recipient, template string, data map[string]any) error

// Send calls f.
func (f DispatcherFunc) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	return f(ctx, recipient, template, data)
}

// LogDispatcher writes every notification to the log instead of delivering
// it. It is the default when no mail transport is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher that logs at info level.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Send logs the notification.
func (d *LogDispatcher) Send(_ context.Context, recipient, template string, data map[string]any) error {
	d.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("template", template),
		zap.Any("data", data),
	)
	return nil
}

// Nop discards every notification.
var Nop Dispatcher = DispatcherFunc(func(context.Context, string, string, map[string]any) error { return nil })
