package notify

import (
	"context"

	"keymint/internal/infrastructure"
	"keymint/pkg/contracts/events"
)

// EventPublisher is the slice of the websocket hub the notifier needs.
type EventPublisher interface {
	PublishWithTrace(msgType events.MessageType, data interface{}, traceID string)
}

// HubNotifier mirrors notifications onto the dashboard event stream.
type HubNotifier struct {
	hub EventPublisher
}

// NewHubNotifier builds a hub-backed notifier.
func NewHubNotifier(hub EventPublisher) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Notify implements Notifier.
func (h *HubNotifier) Notify(ctx context.Context, userID, message string) error {
	h.hub.PublishWithTrace(events.MessageTypeUserNotice, events.NoticeEvent{
		UserID:  userID,
		Message: message,
	}, infrastructure.GetTraceID(ctx))
	return nil
}

// AdminAlert implements Notifier.
func (h *HubNotifier) AdminAlert(ctx context.Context, message string) error {
	h.hub.PublishWithTrace(events.MessageTypeAdminAlert, events.NoticeEvent{
		Message: message,
	}, infrastructure.GetTraceID(ctx))
	return nil
}
