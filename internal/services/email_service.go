package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/pkg/crypto"
	"github.com/gratipay/gratipay-server/pkg/metrics"
	"github.com/gratipay/gratipay-server/pkg/querystring"
)

const (
	// verificationTimeout is how long an emailed verification link stays
	// redeemable.
	verificationTimeout = 24 * time.Hour

	// maxEmailsPerParticipant caps how many addresses one account may
	// have on file.
	maxEmailsPerParticipant = 10
)

// VerificationResult is the outcome of redeeming a verification link.
type VerificationResult int

const (
	// VerificationMissing: the request lacked an address or nonce.
	VerificationMissing VerificationResult = iota
	// VerificationFailed: unknown address, or the nonce did not match.
	VerificationFailed
	// VerificationExpired: the link was older than the timeout.
	VerificationExpired
	// VerificationRedundant: the address was already verified here.
	VerificationRedundant
	// VerificationStymied: someone else verified the address first.
	VerificationStymied
	// VerificationSucceeded: the address is now verified.
	VerificationSucceeded
)

func (r VerificationResult) String() string {
	switch r {
	case VerificationMissing:
		return "missing"
	case VerificationFailed:
		return "failed"
	case VerificationExpired:
		return "expired"
	case VerificationRedundant:
		return "redundant"
	case VerificationStymied:
		return "stymied"
	case VerificationSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// EmailOption customises the EmailService.
type EmailOption func(*EmailService)

// WithEmailBaseURL sets the base URL used in verification links.
func WithEmailBaseURL(url string) EmailOption {
	return func(s *EmailService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithEmailClock injects a custom time source.
func WithEmailClock(clock func() time.Time) EmailOption {
	return func(s *EmailService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// EmailService manages the addresses on file for participants and the
// verification workflow that connects them.
type EmailService struct {
	db       *gorm.DB
	queue    *mailqueue.Queue
	events   *EventService
	packages *PackageService
	baseURL  string
	now      func() time.Time
}

// NewEmailService constructs an EmailService with the provided dependencies.
func NewEmailService(db *gorm.DB, queue *mailqueue.Queue, events *EventService, packages *PackageService, opts ...EmailOption) (*EmailService, error) {
	if db == nil {
		return nil, errors.New("email service: db is required")
	}
	if queue == nil {
		return nil, errors.New("email service: mail queue is required")
	}

	service := &EmailService{
		db:       db,
		queue:    queue,
		events:   events,
		packages: packages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// StartEmailVerification adds an address for a participant and spools the
// verification email. It is also the resend path for an unverified address.
// When packages are given, a successful verification will additionally claim
// them for the participant.
func (s *EmailService) StartEmailVerification(ctx context.Context, participant *models.Participant, address string, packages ...models.Package) error {
	ctx = ensureContext(ctx)

	address = strings.TrimSpace(address)
	if address == "" {
		return ErrEmailNotOnFile.WithInternal(errors.New("empty address"))
	}

	var link string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.validateVerificationRequest(tx, participant, address, packages); err != nil {
			return err
		}

		var err error
		link, err = s.verificationLink(ctx, tx, participant, address, packages)
		return err
	})
	if err != nil {
		return err
	}

	verified, err := s.GetVerifiedEmailAddresses(ctx, participant)
	if err != nil {
		return err
	}

	templateContext := map[string]any{
		"username":            participant.Username,
		"new_email":           address,
		"new_email_verified":  containsString(verified, address),
		"link":                link,
		"npackages":           len(packages),
		"include_unsubscribe": false,
	}
	if len(packages) > 0 {
		templateContext["package_name"] = packages[0].Name
	}

	if err := s.queue.Put(ctx, participant, models.TemplateVerification,
		mailqueue.WithAddress(address),
		mailqueue.WithContext(templateContext),
	); err != nil {
		return err
	}

	if participant.EmailAddress != nil && *participant.EmailAddress != address {
		// Let the current primary address know. Going to their own
		// verified address, so it doesn't count against the allowance.
		return s.queue.Put(ctx, participant, models.TemplateVerificationNotice,
			mailqueue.NotUserInitiated(),
			mailqueue.WithContext(templateContext),
		)
	}
	return nil
}

// validateVerificationRequest returns nil or a domain error.
func (s *EmailService) validateVerificationRequest(tx *gorm.DB, participant *models.Participant, address string, packages []models.Package) error {
	for _, pkg := range packages {
		if !pkg.HasEmail(address) {
			return ErrEmailNotOnFile
		}
	}

	var owner models.EmailAddress
	err := tx.Where("address = ? AND verified = ?", address, true).First(&owner).Error
	ownerFound := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("email service: look up owner: %w", err)
	}

	ownedBySelf := ownerFound && owner.ParticipantID == participant.ID
	if ownerFound && !ownedBySelf {
		return ErrEmailTaken
	}
	if ownedBySelf && len(packages) == 0 {
		return ErrEmailAlreadyVerified
	}

	var count int64
	if err := tx.Model(&models.EmailAddress{}).
		Where("participant_id = ?", participant.ID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("email service: count addresses: %w", err)
	}

	// Re-verifying an already-verified address to claim packages is a
	// free call; it adds no new row.
	freeCall := ownedBySelf && len(packages) > 0
	if count >= maxEmailsPerParticipant && !freeCall {
		return ErrTooManyEmailAddresses
	}
	return nil
}

// verificationLink rotates the verification nonce for the address, starts any
// package claims against it, and returns the link to redeem.
func (s *EmailService) verificationLink(ctx context.Context, tx *gorm.DB, participant *models.Participant, address string, packages []models.Package) (string, error) {
	recordEvent(s.events, ctx, tx, EventEntry{
		ParticipantID: &participant.ID,
		Action:        "add",
		Values:        map[string]any{"email": address},
	})

	nonce, err := s.verificationNonce(tx, participant, address)
	if err != nil {
		return "", err
	}

	if len(packages) > 0 {
		if err := s.startPackageClaims(ctx, tx, participant, nonce, packages); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("%s/~%s/emails/verify.html?email2=%s&nonce=%s",
		s.baseURL, participant.UsernameLower(), querystring.Encode(address), nonce), nil
}

// verificationNonce returns a fresh nonce for the address, inserting the
// address row if this is the first time we have seen it for the participant.
// Rotating the nonce invalidates old links and any claims tied to them.
func (s *EmailService) verificationNonce(tx *gorm.DB, participant *models.Participant, address string) (string, error) {
	nonce := uuid.NewString()

	var existing models.EmailAddress
	err := tx.Where("participant_id = ? AND address = ?", participant.ID, address).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.now()
		row := models.EmailAddress{
			ParticipantID:     participant.ID,
			Address:           address,
			Nonce:             &nonce,
			VerificationStart: &now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return "", fmt.Errorf("email service: add address: %w", err)
		}
		return nonce, nil
	}
	if err != nil {
		return "", fmt.Errorf("email service: look up address: %w", err)
	}

	if existing.Nonce != nil {
		if err := tx.Where("nonce = ?", *existing.Nonce).Delete(&models.Claim{}).Error; err != nil {
			return "", fmt.Errorf("email service: drop stale claims: %w", err)
		}
	}
	err = tx.Model(&models.EmailAddress{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"nonce":              nonce,
			"verification_start": s.now(),
		}).Error
	if err != nil {
		return "", fmt.Errorf("email service: rotate nonce: %w", err)
	}
	return nonce, nil
}

// startPackageClaims inserts claim rows tying the nonce to the packages.
func (s *EmailService) startPackageClaims(ctx context.Context, tx *gorm.DB, participant *models.Participant, nonce string, packages []models.Package) error {
	if len(packages) == 0 {
		return ErrNoPackages
	}

	packageIDs := make([]string, 0, len(packages))
	for _, pkg := range packages {
		claim := models.Claim{Nonce: nonce, PackageID: pkg.ID}
		if err := tx.Create(&claim).Error; err != nil {
			return fmt.Errorf("email service: start claim: %w", err)
		}
		packageIDs = append(packageIDs, pkg.ID)
	}

	recordEvent(s.events, ctx, tx, EventEntry{
		ParticipantID: &participant.ID,
		Action:        "start-claim",
		Values:        map[string]any{"package_ids": packageIDs},
	})
	return nil
}

// VerifyEmail redeems a verification link. It returns a result rather than an
// error for the expected outcomes; the error return is for infrastructure
// failures only.
func (s *EmailService) VerifyEmail(ctx context.Context, participant *models.Participant, address, nonce string) (VerificationResult, error) {
	ctx = ensureContext(ctx)

	result, err := s.verifyEmail(ctx, s.db.WithContext(ctx), participant, address, nonce)
	if err == nil {
		metrics.EmailVerifications.WithLabelValues(result.String()).Inc()
	}
	return result, err
}

func (s *EmailService) verifyEmail(ctx context.Context, tx *gorm.DB, participant *models.Participant, address, nonce string) (VerificationResult, error) {
	if address == "" || nonce == "" {
		return VerificationMissing, nil
	}

	var record models.EmailAddress
	err := tx.Where("participant_id = ? AND address = ?", participant.ID, address).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VerificationFailed, nil
	}
	if err != nil {
		return VerificationFailed, fmt.Errorf("email service: look up address: %w", err)
	}

	// A verified row has no nonce, so this check must come first.
	if record.IsVerified() {
		return VerificationRedundant, nil
	}
	if record.Nonce == nil || !crypto.ConstantTimeEquals(*record.Nonce, nonce) {
		return VerificationFailed, nil
	}
	if record.VerificationStart == nil || s.now().Sub(*record.VerificationStart) > verificationTimeout {
		return VerificationExpired, nil
	}

	err = tx.Model(&models.EmailAddress{}).
		Where("id = ? AND verified IS NULL", record.ID).
		Updates(map[string]any{
			"verified":         true,
			"verification_end": s.now(),
			"nonce":            nil,
		}).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			// Someone else verified this address while the link was
			// in flight.
			return VerificationStymied, nil
		}
		return VerificationFailed, fmt.Errorf("email service: mark verified: %w", err)
	}

	if participant.EmailAddress == nil {
		if err := s.updateEmail(ctx, tx, participant, address, true); err != nil {
			return VerificationFailed, err
		}
	}
	return VerificationSucceeded, nil
}

// FinishEmailVerification redeems a verification link and, on success,
// processes any package claims riding on the nonce. It returns the packages
// that were claimed.
func (s *EmailService) FinishEmailVerification(ctx context.Context, participant *models.Participant, address, nonce string) (VerificationResult, []models.Package, error) {
	ctx = ensureContext(ctx)

	var (
		result  VerificationResult
		claimed []models.Package
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.verifyEmail(ctx, tx, participant, address, nonce)
		if err != nil {
			return err
		}
		if result != VerificationSucceeded || s.packages == nil {
			return nil
		}

		claimed, err = s.packages.ProcessClaims(ctx, tx, participant, nonce)
		return err
	})
	if err != nil {
		return result, nil, err
	}

	metrics.EmailVerifications.WithLabelValues(result.String()).Inc()
	return result, claimed, nil
}

// UpdateEmail sets the participant's primary address. The address must be
// verified.
func (s *EmailService) UpdateEmail(ctx context.Context, participant *models.Participant, address string) error {
	ctx = ensureContext(ctx)
	return s.updateEmail(ctx, s.db.WithContext(ctx), participant, address, false)
}

func (s *EmailService) updateEmail(ctx context.Context, tx *gorm.DB, participant *models.Participant, address string, justVerified bool) error {
	if !justVerified {
		var record models.EmailAddress
		err := tx.Where("participant_id = ? AND address = ?", participant.ID, address).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEmailNotOnFile
		}
		if err != nil {
			return fmt.Errorf("email service: look up address: %w", err)
		}
		if !record.IsVerified() {
			return ErrEmailNotVerified
		}
	}

	recordEvent(s.events, ctx, tx, EventEntry{
		ParticipantID: &participant.ID,
		Action:        "set",
		Values:        map[string]any{"primary_email": address},
	})

	err := tx.Model(&models.Participant{}).
		Where("id = ?", participant.ID).
		Update("email_address", address).Error
	if err != nil {
		return fmt.Errorf("email service: set primary: %w", err)
	}

	participant.EmailAddress = &address
	return nil
}

// RemoveEmail removes the address from the participant's account, along with
// any claims tied to its nonce. Removing the primary address is refused;
// removing an address that is not on file is a no-op.
func (s *EmailService) RemoveEmail(ctx context.Context, participant *models.Participant, address string) error {
	ctx = ensureContext(ctx)

	if participant.EmailAddress != nil && *participant.EmailAddress == address {
		return ErrCannotRemovePrimaryEmail
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.EmailAddress
		err := tx.Where("participant_id = ? AND address = ?", participant.ID, address).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("email service: look up address: %w", err)
		}

		recordEvent(s.events, ctx, tx, EventEntry{
			ParticipantID: &participant.ID,
			Action:        "remove",
			Values:        map[string]any{"email": address},
		})

		if record.Nonce != nil {
			if err := tx.Where("nonce = ?", *record.Nonce).Delete(&models.Claim{}).Error; err != nil {
				return fmt.Errorf("email service: drop claims: %w", err)
			}
		}
		if err := tx.Delete(&models.EmailAddress{}, "id = ?", record.ID).Error; err != nil {
			return fmt.Errorf("email service: remove address: %w", err)
		}
		return nil
	})
}

// GetEmail returns the record for a single address on file, or nil if the
// address is not on file.
func (s *EmailService) GetEmail(ctx context.Context, participant *models.Participant, address string) (*models.EmailAddress, error) {
	ctx = ensureContext(ctx)

	var record models.EmailAddress
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND address = ?", participant.ID, address).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("email service: look up address: %w", err)
	}
	return &record, nil
}

// GetEmails returns all addresses on file for the participant, oldest first.
func (s *EmailService) GetEmails(ctx context.Context, participant *models.Participant) ([]models.EmailAddress, error) {
	ctx = ensureContext(ctx)

	var records []models.EmailAddress
	err := s.db.WithContext(ctx).
		Where("participant_id = ?", participant.ID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("email service: list addresses: %w", err)
	}
	return records, nil
}

// GetVerifiedEmailAddresses returns the verified addresses on file.
func (s *EmailService) GetVerifiedEmailAddresses(ctx context.Context, participant *models.Participant) ([]string, error) {
	records, err := s.GetEmails(ctx, participant)
	if err != nil {
		return nil, err
	}

	var addresses []string
	for _, record := range records {
		if record.IsVerified() {
			addresses = append(addresses, record.Address)
		}
	}
	return addresses, nil
}

// SetEmailLang records the participant's preferred language for email. Empty
// values are ignored.
func (s *EmailService) SetEmailLang(ctx context.Context, participant *models.Participant, lang string) error {
	ctx = ensureContext(ctx)

	lang = strings.TrimSpace(lang)
	if lang == "" {
		return nil
	}

	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participant.ID).
		Update("email_lang", lang).Error
	if err != nil {
		return fmt.Errorf("email service: set email lang: %w", err)
	}

	participant.EmailLang = lang
	return nil
}
