// Package notify delivers user notifications and admin alerts produced
// by the fulfillment paths. Delivery is best-effort: callers log
// failures and never let them roll back a completed fulfillment.
package notify

import (
	"context"
	"log/slog"

	"keymint/internal/infrastructure"
)

// Notifier sends user-facing messages and admin alerts.
type Notifier interface {
	// Notify delivers a message to a single user.
	Notify(ctx context.Context, userID, message string) error

	// AdminAlert delivers a message to the operator channel.
	AdminAlert(ctx context.Context, message string) error
}

// Multi fans a notification out to several notifiers. Per-adapter
// failures are logged and swallowed so one broken channel never
// silences the others.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti builds a fan-out notifier over the given adapters.
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Multi{
		notifiers: notifiers,
		logger:    logger.With(slog.String("component", "notify")),
	}
}

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, userID, message string) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, userID, message); err != nil {
			m.logger.WarnContext(ctx, "Notification delivery failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// AdminAlert implements Notifier.
func (m *Multi) AdminAlert(ctx context.Context, message string) error {
	for _, n := range m.notifiers {
		if err := n.AdminAlert(ctx, message); err != nil {
			m.logger.WarnContext(ctx, "Admin alert delivery failed",
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// LogNotifier writes notifications to the structured log. It is the
// always-available fallback channel.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &LogNotifier{logger: logger.With(slog.String("component", "notify.log"))}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, userID, message string) error {
	l.logger.InfoContext(ctx, "User notification",
		slog.String("user_id", userID),
		slog.String("message", message))
	return nil
}

// AdminAlert implements Notifier.
func (l *LogNotifier) AdminAlert(ctx context.Context, message string) error {
	l.logger.WarnContext(ctx, "Admin alert",
		slog.String("message", message))
	return nil
}
