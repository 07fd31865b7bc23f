package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gratipay/gratipay-server/internal/database/testutil"
	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/internal/services"
)

func TestRunOnceFlushesQueueAndPrunesEvents(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	ctx := context.Background()

	queue, err := mailqueue.New(db, nil)
	require.NoError(t, err)

	events, err := services.NewEventService(db)
	require.NoError(t, err)

	address := "larry@example.com"
	larry := &models.Participant{Username: "larry", EmailAddress: &address}
	require.NoError(t, db.Create(larry).Error)

	require.NoError(t, queue.Put(ctx, larry, models.TemplateVerification))

	current := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, events.Record(ctx, nil, services.EventEntry{
		ParticipantID: &larry.ID,
		Action:        "add",
	}))
	require.NoError(t, db.Model(&models.Event{}).
		Where("participant_id = ?", larry.ID).
		Update("created_at", current.Add(-400*24*time.Hour)).Error)

	flusher := NewFlusher(queue, events,
		WithNow(func() time.Time { return current }),
		WithEventRetention(365*24*time.Hour),
	)

	require.NoError(t, flusher.RunOnce(ctx))

	var queued int64
	require.NoError(t, db.Model(&models.QueuedEmail{}).Count(&queued).Error)
	require.Zero(t, queued)

	var remaining int64
	require.NoError(t, db.Model(&models.Event{}).Count(&remaining).Error)
	require.Zero(t, remaining)
}

func TestRunOnceKeepsRecentEvents(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	ctx := context.Background()

	events, err := services.NewEventService(db)
	require.NoError(t, err)

	require.NoError(t, events.Record(ctx, nil, services.EventEntry{Action: "add"}))

	flusher := NewFlusher(nil, events)
	require.NoError(t, flusher.RunOnce(ctx))

	var remaining int64
	require.NoError(t, db.Model(&models.Event{}).Count(&remaining).Error)
	require.EqualValues(t, 1, remaining)
}

func TestStartAndStop(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	queue, err := mailqueue.New(db, nil)
	require.NoError(t, err)

	events, err := services.NewEventService(db)
	require.NoError(t, err)

	flusher := NewFlusher(queue, events)
	require.NoError(t, flusher.Start())

	stopCtx := flusher.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop in time")
	}
}
