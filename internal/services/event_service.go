package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/models"
)

// EventEntry captures a single audit event to persist.
type EventEntry struct {
	ParticipantID *string
	Type          string
	Action        string
	Values        map[string]any
}

// EventService persists and retrieves append-only audit events.
type EventService struct {
	db *gorm.DB
}

// NewEventService constructs an EventService using the provided database handle.
func NewEventService(db *gorm.DB) (*EventService, error) {
	if db == nil {
		return nil, errors.New("event service: db is required")
	}
	return &EventService{db: db}, nil
}

// Record stores an event, marshalling its values into JSON form. The tx
// argument allows events to ride along inside a caller's transaction; pass
// nil to use the service's own handle.
func (s *EventService) Record(ctx context.Context, tx *gorm.DB, entry EventEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("event service: action is required")
	}

	eventType := strings.TrimSpace(entry.Type)
	if eventType == "" {
		eventType = models.EventTypeParticipant
	}

	payload := map[string]any{"action": entry.Action}
	if entry.Values != nil {
		payload["values"] = entry.Values
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event service: marshal payload: %w", err)
	}

	event := models.Event{
		Type:    eventType,
		Action:  strings.TrimSpace(entry.Action),
		Payload: encoded,
	}
	if entry.ParticipantID != nil && strings.TrimSpace(*entry.ParticipantID) != "" {
		id := strings.TrimSpace(*entry.ParticipantID)
		event.ParticipantID = &id
	}

	handle := tx
	if handle == nil {
		handle = s.db
	}
	return handle.WithContext(ctx).Create(&event).Error
}

// ListForParticipant returns events for a participant, newest first.
func (s *EventService) ListForParticipant(ctx context.Context, participantID string, limit int) ([]models.Event, error) {
	ctx = ensureContext(ctx)

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("event service: list events: %w", err)
	}
	return events, nil
}

// DeleteOlderThan removes events created before the cutoff and returns the
// number of rows deleted.
func (s *EventService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("event service: delete events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
