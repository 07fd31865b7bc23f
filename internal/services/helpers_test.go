package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/database/testutil"
	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/models"
)

// testClock is a mutable time source for expiry tests.
type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2017, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.current }

func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newEmailServiceForTest(t *testing.T) (*EmailService, *gorm.DB, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()

	// Generous allowance: throttling has its own tests.
	queue, err := mailqueue.New(db, nil, mailqueue.WithAllowance(100))
	require.NoError(t, err)

	events, err := NewEventService(db)
	require.NoError(t, err)

	packages, err := NewPackageService(db, events)
	require.NoError(t, err)

	svc, err := NewEmailService(db, queue, events, packages,
		WithEmailBaseURL("https://gratipay.com"),
		WithEmailClock(clock.Now),
	)
	require.NoError(t, err)

	return svc, db, clock
}

func makeParticipant(t *testing.T, db *gorm.DB, username string) *models.Participant {
	t.Helper()

	participant := &models.Participant{Username: username}
	require.NoError(t, db.Create(participant).Error)
	return participant
}

func makeVerifiedAddress(t *testing.T, db *gorm.DB, participant *models.Participant, address string, primary bool) {
	t.Helper()

	verified := true
	require.NoError(t, db.Create(&models.EmailAddress{
		ParticipantID: participant.ID,
		Address:       address,
		Verified:      &verified,
	}).Error)

	if primary {
		require.NoError(t, db.Model(&models.Participant{}).
			Where("id = ?", participant.ID).
			Update("email_address", address).Error)
		participant.EmailAddress = &address
	}
}

func makePackage(t *testing.T, db *gorm.DB, name string, emails ...string) *models.Package {
	t.Helper()

	pkg := &models.Package{
		PackageManager: models.NPM,
		Name:           name,
		Description:    "a package",
		Emails:         emails,
	}
	require.NoError(t, db.Create(pkg).Error)
	return pkg
}

func storedNonce(t *testing.T, db *gorm.DB, participant *models.Participant, address string) string {
	t.Helper()

	var record models.EmailAddress
	require.NoError(t, db.Where("participant_id = ? AND address = ?", participant.ID, address).
		First(&record).Error)
	require.NotNil(t, record.Nonce)
	return *record.Nonce
}

func decodeQueuedContext(t *testing.T, row models.QueuedEmail) map[string]any {
	t.Helper()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.Context), &decoded))
	return decoded
}

func queuedEmails(t *testing.T, db *gorm.DB) []models.QueuedEmail {
	t.Helper()

	var rows []models.QueuedEmail
	require.NoError(t, db.Order("created_at").Find(&rows).Error)
	return rows
}
