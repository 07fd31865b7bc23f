package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/models"
	apperrors "github.com/gratipay/gratipay-server/pkg/errors"
)

// ParticipantService looks up and manages participant accounts.
type ParticipantService struct {
	db *gorm.DB
}

// NewParticipantService constructs a ParticipantService using the provided database handle.
func NewParticipantService(db *gorm.DB) (*ParticipantService, error) {
	if db == nil {
		return nil, errors.New("participant service: db is required")
	}
	return &ParticipantService{db: db}, nil
}

// FromUsername returns the participant with the given username. Lookups are
// case-insensitive; usernames keep their display casing.
func (s *ParticipantService) FromUsername(ctx context.Context, username string) (*models.Participant, error) {
	ctx = ensureContext(ctx)

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperrors.ErrNotFound
	}

	var participant models.Participant
	err := s.db.WithContext(ctx).
		Where("LOWER(username) = ?", strings.ToLower(username)).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("participant service: look up username: %w", err)
	}
	return &participant, nil
}

// FromID returns the participant with the given id.
func (s *ParticipantService) FromID(ctx context.Context, id string) (*models.Participant, error) {
	ctx = ensureContext(ctx)

	var participant models.Participant
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("participant service: look up id: %w", err)
	}
	return &participant, nil
}
