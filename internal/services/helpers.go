package services

import (
	"context"

	"gorm.io/gorm"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// recordEvent logs the supplied entry while tolerating event store failures.
func recordEvent(events *EventService, ctx context.Context, tx *gorm.DB, entry EventEntry) {
	if events == nil {
		return
	}
	_ = events.Record(ctx, tx, entry)
}
