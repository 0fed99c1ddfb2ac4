package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeChannel struct {
	name string
	mu   sync.Mutex
	sent []models.NotificationBatch
	fail error
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, b models.NotificationBatch, _ models.BatchConfiguration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, b)
	return nil
}

type mapDeduper struct {
	mu       sync.Mutex
	seen     map[string]bool
	checkErr error
}

func (d *mapDeduper) AlreadyDelivered(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.checkErr != nil {
		return false, d.checkErr
	}
	return d.seen[id], nil
}

func (d *mapDeduper) MarkDelivered(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	return nil
}

func testBatch(id string) models.NotificationBatch {
	return models.NotificationBatch{
		ID:       id,
		BatchKey: "comment_added",
		GroupKey: "7",
		Notifications: []models.NotificationEvent{
			{Type: "comment_added", TargetUserIDs: []int64{7}, OccurredAt: testStart},
		},
		TargetUserIDs: []int64{7},
		Status:        models.BatchStatusReady,
		CreatedAt:     testStart,
		ScheduledAt:   testStart,
	}
}

func emailConfig(t *testing.T, st *store.Memory) {
	t.Helper()
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID: "cfg-1", BatchKey: "comment_added", MaxBatchSize: 5, GroupBy: models.GroupByUser,
		Channel: models.ChannelEmail, IsActive: true,
	}))
}

func TestDeliverRoutesToConfiguredChannel(t *testing.T) {
	st := store.NewMemory()
	emailConfig(t, st)
	email := &fakeChannel{name: models.ChannelEmail}
	ws := &fakeChannel{name: models.ChannelWebSocket}
	d := NewDispatcher(st, &mapDeduper{}, logging.NewNop(), email, ws)

	require.NoError(t, d.Deliver(context.Background(), testBatch("b1")))
	assert.Len(t, email.sent, 1)
	assert.Empty(t, ws.sent)
}

func TestDeliverFallsBackToWebSocket(t *testing.T) {
	st := store.NewMemory() // no config for the stream
	ws := &fakeChannel{name: models.ChannelWebSocket}
	d := NewDispatcher(st, &mapDeduper{}, logging.NewNop(), ws)

	require.NoError(t, d.Deliver(context.Background(), testBatch("b1")))
	assert.Len(t, ws.sent, 1)
}

func TestDeliverUnknownChannelIsPermanent(t *testing.T) {
	st := store.NewMemory()
	emailConfig(t, st)
	d := NewDispatcher(st, &mapDeduper{}, logging.NewNop()) // no email channel registered

	err := d.Deliver(context.Background(), testBatch("b1"))
	assert.ErrorIs(t, err, batch.ErrPermanentDelivery)
}

func TestDeliverSkipsDuplicates(t *testing.T) {
	st := store.NewMemory()
	emailConfig(t, st)
	email := &fakeChannel{name: models.ChannelEmail}
	d := NewDispatcher(st, &mapDeduper{}, logging.NewNop(), email)
	ctx := context.Background()

	require.NoError(t, d.Deliver(ctx, testBatch("b1")))
	require.NoError(t, d.Deliver(ctx, testBatch("b1")))
	assert.Len(t, email.sent, 1, "second delivery of the same batch id is a no-op")
}

func TestDeliverFailureStaysRetryable(t *testing.T) {
	st := store.NewMemory()
	emailConfig(t, st)
	email := &fakeChannel{name: models.ChannelEmail, fail: errors.New("smtp down")}
	d := NewDispatcher(st, &mapDeduper{}, logging.NewNop(), email)
	ctx := context.Background()

	require.Error(t, d.Deliver(ctx, testBatch("b1")))

	// The failed attempt must not be remembered as delivered.
	email.mu.Lock()
	email.fail = nil
	email.mu.Unlock()
	require.NoError(t, d.Deliver(ctx, testBatch("b1")))
	assert.Len(t, email.sent, 1)
}

func TestDeliverDedupeErrorFailsOpen(t *testing.T) {
	st := store.NewMemory()
	emailConfig(t, st)
	email := &fakeChannel{name: models.ChannelEmail}
	d := NewDispatcher(st, &mapDeduper{checkErr: errors.New("redis down")}, logging.NewNop(), email)

	require.NoError(t, d.Deliver(context.Background(), testBatch("b1")))
	assert.Len(t, email.sent, 1, "cache trouble degrades to at-least-once")
}
