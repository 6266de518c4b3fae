package observability

import (
	"context"
	"log/slog"
)

// Analytics events.
const (
	EventMeetingProcessed = "meeting.processed"
	EventSpeakerEnrolled  = "speaker.enrolled"
	EventSpeakerConfirmed = "speaker.confirmed"
	EventSummaryGenerated = "summary.generated"
	EventConsentAccepted  = "consent.accepted"
)

type deviceIDKey struct{}

// WithDeviceID attaches the anonymous client device id to ctx.
func WithDeviceID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = "unknown"
	}
	return context.WithValue(ctx, deviceIDKey{}, id)
}

// DeviceID returns the device id carried by ctx, or "unknown".
func DeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey{}).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// Analytics writes product events as structured log records.
type Analytics struct {
	logger *slog.Logger
}

func NewAnalytics(logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{logger: logger.With("component", "analytics")}
}

// Log emits event with the device id from ctx and the given attributes.
func (a *Analytics) Log(ctx context.Context, event string, attrs ...any) {
	if a == nil {
		return
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "analytics event",
		slog.String("event", event),
		slog.String("device_id", DeviceID(ctx)),
		slog.Group("analytics", attrs...),
	)
}
