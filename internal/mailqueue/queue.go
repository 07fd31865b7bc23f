// Package mailqueue spools outbound email in the database and delivers it in
// batches. Spooling decouples request handling from SMTP and gives us a
// throttle for free: the number of undelivered user-initiated rows for a
// participant is the amount of email they have asked for recently.
package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/models"
	apperrors "github.com/gratipay/gratipay-server/pkg/errors"
	"github.com/gratipay/gratipay-server/pkg/logger"
	"github.com/gratipay/gratipay-server/pkg/mail"
	"github.com/gratipay/gratipay-server/pkg/metrics"
)

// defaultAllowance is how many user-initiated messages a participant may have
// in the queue at once. Flushing the queue resets the count.
const defaultAllowance = 3

// ErrThrottled indicates the participant has queued too many messages since
// the last flush.
var ErrThrottled = &apperrors.AppError{
	Code:       "EMAIL_THROTTLED",
	Message:    "You've initiated too many emails recently, please try again later",
	StatusCode: http.StatusTooManyRequests,
}

// Option customises the Queue.
type Option func(*Queue)

// WithAllowance overrides the per-participant spool allowance.
func WithAllowance(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.allowance = n
		}
	}
}

// Queue spools and delivers outbound email.
type Queue struct {
	db        *gorm.DB
	mailer    mail.Mailer
	allowance int
	log       *zap.Logger

	// mu serialises the count-then-insert in Put and keeps Flush from
	// racing it.
	mu sync.Mutex
}

// New constructs a Queue. The mailer may be nil, in which case flushed
// messages are logged and dropped rather than delivered.
func New(db *gorm.DB, mailer mail.Mailer, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, errors.New("mail queue: db is required")
	}

	queue := &Queue{
		db:        db,
		mailer:    mailer,
		allowance: defaultAllowance,
		log:       logger.WithModule("mailqueue"),
	}
	for _, opt := range opts {
		opt(queue)
	}
	return queue, nil
}

// PutOption customises a single spooled message.
type PutOption func(*putConfig)

type putConfig struct {
	address       *string
	userInitiated bool
	context       map[string]any
}

// WithAddress directs the message to a specific address instead of the
// participant's primary one.
func WithAddress(address string) PutOption {
	return func(cfg *putConfig) {
		cfg.address = &address
	}
}

// WithContext attaches template context to the message.
func WithContext(context map[string]any) PutOption {
	return func(cfg *putConfig) {
		cfg.context = context
	}
}

// NotUserInitiated marks the message as system-generated so it does not count
// against the participant's allowance.
func NotUserInitiated() PutOption {
	return func(cfg *putConfig) {
		cfg.userInitiated = false
	}
}

// Put spools a message for the participant, enforcing the allowance for
// user-initiated messages.
func (q *Queue) Put(ctx context.Context, participant *models.Participant, template string, opts ...PutOption) error {
	if participant == nil {
		return errors.New("mail queue: participant is required")
	}
	if template == "" {
		return errors.New("mail queue: template is required")
	}

	cfg := putConfig{userInitiated: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cfg.userInitiated {
		var queued int64
		err := q.db.WithContext(ctx).
			Model(&models.QueuedEmail{}).
			Where("participant_id = ? AND user_initiated = ?", participant.ID, true).
			Count(&queued).Error
		if err != nil {
			return fmt.Errorf("mail queue: count queued: %w", err)
		}
		if queued >= int64(q.allowance) {
			return ErrThrottled
		}
	}

	row := models.QueuedEmail{
		ParticipantID: participant.ID,
		Template:      template,
		Address:       cfg.address,
		UserInitiated: cfg.userInitiated,
	}
	if cfg.context != nil {
		encoded, err := json.Marshal(cfg.context)
		if err != nil {
			return fmt.Errorf("mail queue: marshal context: %w", err)
		}
		row.Context = encoded
	}

	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("mail queue: spool message: %w", err)
	}

	metrics.QueuedEmails.WithLabelValues(template).Inc()
	return nil
}

// Flush delivers every spooled message and returns how many went out. Rows
// with no resolvable recipient are dropped. Rows whose delivery fails stay in
// the queue and their errors are aggregated in the returned error.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []models.QueuedEmail
	err := q.db.WithContext(ctx).
		Preload("Participant").
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("mail queue: load queue: %w", err)
	}

	var (
		delivered int
		errs      error
	)
	for _, row := range rows {
		address := q.recipientAddress(row)
		if address == "" {
			// Nobody to send to. Original request predates the
			// participant losing the address; drop it.
			if err := q.deleteRow(ctx, row); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}

		msg := q.renderMessage(row, address)
		sendErr := q.send(ctx, msg)
		if sendErr != nil && !errors.Is(sendErr, mail.ErrSMTPDisabled) {
			errs = multierr.Append(errs, fmt.Errorf("mail queue: deliver %s to %s: %w", row.Template, address, sendErr))
			continue
		}
		if errors.Is(sendErr, mail.ErrSMTPDisabled) {
			q.log.Info("smtp disabled, dropping spooled message",
				zap.String("template", row.Template),
				zap.String("participant_id", row.ParticipantID))
		}

		if err := q.deleteRow(ctx, row); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
		metrics.FlushedEmails.Inc()
	}

	return delivered, errs
}

func (q *Queue) send(ctx context.Context, msg mail.Message) error {
	if q.mailer == nil {
		return mail.ErrSMTPDisabled
	}
	return q.mailer.Send(ctx, msg)
}

func (q *Queue) deleteRow(ctx context.Context, row models.QueuedEmail) error {
	if err := q.db.WithContext(ctx).Delete(&models.QueuedEmail{}, "id = ?", row.ID).Error; err != nil {
		return fmt.Errorf("mail queue: delete spooled row: %w", err)
	}
	return nil
}

func (q *Queue) recipientAddress(row models.QueuedEmail) string {
	if row.Address != nil && *row.Address != "" {
		return *row.Address
	}
	if row.Participant != nil && row.Participant.EmailAddress != nil {
		return *row.Participant.EmailAddress
	}
	return ""
}
