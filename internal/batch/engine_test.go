package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// recordingSink captures delivered batches; fail makes every delivery
// return the configured error.
type recordingSink struct {
	mu        sync.Mutex
	delivered []models.NotificationBatch
	fail      error
}

func (s *recordingSink) Deliver(_ context.Context, b models.NotificationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.delivered = append(s.delivered, b)
	return nil
}

func (s *recordingSink) batches() []models.NotificationBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NotificationBatch(nil), s.delivered...)
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Memory, *clock.Fake, *recordingSink) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(testStart)
	sink := &recordingSink{}
	return New(st, clk, sink, logging.NewNop(), opts), st, clk, sink
}

func commentConfig(t *testing.T, st *store.Memory, maxSize int, maxWaitMs int64) {
	t.Helper()
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID:            "cfg-comment",
		BatchKey:      "comment_added",
		MaxBatchSize:  maxSize,
		MaxWaitTimeMs: maxWaitMs,
		GroupBy:       models.GroupByUser,
		Channel:       models.ChannelWebSocket,
		IsActive:      true,
	}))
}

func commentEvent(userID int64, n int) models.NotificationEvent {
	return models.NotificationEvent{
		Type:          "comment_added",
		TargetUserIDs: []int64{userID},
		Priority:      models.PriorityNormal,
		Payload:       map[string]interface{}{"comment": fmt.Sprintf("comment %d", n)},
		OccurredAt:    testStart,
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	eng, st, _, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 5, 300000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.Submit(ctx, commentEvent(7, i)))
	}
	eng.Wait()

	got := sink.batches()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Notifications, 5)
	assert.Equal(t, []int64{7}, got[0].TargetUserIDs)
	assert.Equal(t, "comment_added", got[0].BatchKey)
	assert.Equal(t, "7", got[0].GroupKey)

	// Events keep arrival order inside the batch.
	for i, n := range got[0].Notifications {
		assert.Equal(t, fmt.Sprintf("comment %d", i), n.Payload["comment"])
	}

	stored, err := st.GetBatch(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessed, stored.Status)
}

func TestTimeTriggeredFlush(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 10, 120000) // 2 minute window
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Submit(ctx, commentEvent(7, i)))
	}
	eng.Wait()
	assert.Empty(t, sink.batches(), "nothing due before the window closes")

	clk.Advance(119 * time.Second)
	eng.FlushDue(ctx, clk.Now())
	assert.Empty(t, sink.batches())

	clk.Advance(2 * time.Second)
	eng.FlushDue(ctx, clk.Now())

	got := sink.batches()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Notifications, 3)
}

func TestMaxBatchSizeNeverExceeded(t *testing.T) {
	eng, st, _, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 3, 300000)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, eng.Submit(ctx, commentEvent(7, i)))
	}
	eng.Wait()

	total := 0
	for _, b := range sink.batches() {
		assert.LessOrEqual(t, len(b.Notifications), 3)
		total += len(b.Notifications)
	}
	// The 10th event sits in a still-open batch; nine flushed in threes.
	assert.Equal(t, 9, total)
}

func TestGroupingSeparatesUsers(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 10, 60000)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, commentEvent(1, 0)))
	require.NoError(t, eng.Submit(ctx, commentEvent(2, 1)))
	require.NoError(t, eng.Submit(ctx, commentEvent(1, 2)))

	clk.Advance(2 * time.Minute)
	eng.FlushDue(ctx, clk.Now())

	got := sink.batches()
	require.Len(t, got, 2)
	byGroup := map[string]int{}
	for _, b := range got {
		byGroup[b.GroupKey] = len(b.Notifications)
	}
	assert.Equal(t, map[string]int{"1": 2, "2": 1}, byGroup)
}

func TestGroupingByTicketAndPriority(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	ticketID := int64(99)
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID: "cfg-t", BatchKey: "ticket_updated", MaxBatchSize: 10, MaxWaitTimeMs: 1000,
		GroupBy: models.GroupByTicket, Channel: models.ChannelWebSocket, IsActive: true,
	}))
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID: "cfg-p", BatchKey: "sla_warning", MaxBatchSize: 10, MaxWaitTimeMs: 1000,
		GroupBy: models.GroupByPriority, Channel: models.ChannelWebSocket, IsActive: true,
	}))
	ctx := context.Background()

	e1 := models.NotificationEvent{Type: "ticket_updated", TargetUserIDs: []int64{1}, TicketID: &ticketID, OccurredAt: testStart}
	e2 := models.NotificationEvent{Type: "sla_warning", TargetUserIDs: []int64{1}, Priority: models.PriorityUrgent, OccurredAt: testStart}
	require.NoError(t, eng.Submit(ctx, e1))
	require.NoError(t, eng.Submit(ctx, e2))

	clk.Advance(2 * time.Second)
	eng.FlushDue(ctx, clk.Now())

	keys := map[string]string{}
	for _, b := range sink.batches() {
		keys[b.BatchKey] = b.GroupKey
	}
	assert.Equal(t, strconv.FormatInt(ticketID, 10), keys["ticket_updated"])
	assert.Equal(t, models.PriorityUrgent, keys["sla_warning"])
}

func TestUnconfiguredStreamFlushesImmediately(t *testing.T) {
	eng, _, _, sink := newTestEngine(t, Options{})
	require.NoError(t, eng.Submit(context.Background(), commentEvent(7, 0)))
	eng.Wait()

	got := sink.batches()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Notifications, 1)
}

func TestSubmitDelayedEntersBatchingAfterHold(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 1, 0)
	ctx := context.Background()

	eng.SubmitDelayed(commentEvent(7, 0), clk.Now().Add(time.Minute))

	eng.FlushDue(ctx, clk.Now())
	eng.Wait()
	assert.Empty(t, sink.batches())

	clk.Advance(61 * time.Second)
	eng.FlushDue(ctx, clk.Now())
	eng.Wait()
	require.Len(t, sink.batches(), 1)
}

func TestDeliveryFailureRetriesWithBackoff(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{RetryMaxAttempts: 3, RetryInitialDelay: 2 * time.Second})
	commentConfig(t, st, 1, 0)
	ctx := context.Background()

	sink.setFail(errors.New("smtp timeout"))
	require.NoError(t, eng.Submit(ctx, commentEvent(7, 0)))
	eng.Wait()

	failed, err := st.ListBatchesByStatus(ctx, models.BatchStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].RetryAt)
	assert.Equal(t, clk.Now().Add(2*time.Second), *failed[0].RetryAt)
	assert.Contains(t, failed[0].LastError, "smtp timeout")

	// Not yet due.
	eng.RetryDue(ctx, clk.Now())
	assert.Empty(t, sink.batches())

	// Second attempt fails too; the delay doubles.
	clk.Advance(3 * time.Second)
	eng.RetryDue(ctx, clk.Now())
	failed, err = st.ListBatchesByStatus(ctx, models.BatchStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, clk.Now().Add(4*time.Second), *failed[0].RetryAt)

	// Third attempt succeeds.
	sink.setFail(nil)
	clk.Advance(5 * time.Second)
	eng.RetryDue(ctx, clk.Now())
	require.Len(t, sink.batches(), 1)

	processed, err := st.ListBatchesByStatus(ctx, models.BatchStatusProcessed, 10)
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}

func TestDeliveryFailureExhaustsAttempts(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{RetryMaxAttempts: 2, RetryInitialDelay: time.Second})
	commentConfig(t, st, 1, 0)
	ctx := context.Background()

	sink.setFail(errors.New("endpoint down"))
	require.NoError(t, eng.Submit(ctx, commentEvent(7, 0)))
	eng.Wait()

	clk.Advance(2 * time.Second)
	eng.RetryDue(ctx, clk.Now())

	failed, err := st.ListBatchesByStatus(ctx, models.BatchStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Nil(t, failed[0].RetryAt, "terminal failures never retry")

	clk.Advance(time.Hour)
	eng.RetryDue(ctx, clk.Now())
	assert.Empty(t, sink.batches())
}

func TestPermanentDeliveryErrorFailsTerminally(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{RetryMaxAttempts: 3, RetryInitialDelay: time.Second})
	commentConfig(t, st, 1, 0)
	ctx := context.Background()

	sink.setFail(fmt.Errorf("%w: bad channel config", ErrPermanentDelivery))
	require.NoError(t, eng.Submit(ctx, commentEvent(7, 0)))
	eng.Wait()

	failed, err := st.ListBatchesByStatus(ctx, models.BatchStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].RetryAt)

	clk.Advance(time.Hour)
	eng.RetryDue(ctx, clk.Now())
	assert.Empty(t, sink.batches())
}

func TestFlushIdempotentUnderRace(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 3, 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Submit(ctx, commentEvent(7, i)))
	}
	eng.Wait()

	// The timer path fires on the same, already size-flushed batch.
	clk.Advance(2 * time.Second)
	eng.FlushDue(ctx, clk.Now())
	eng.FlushDue(ctx, clk.Now())

	assert.Len(t, sink.batches(), 1)
}

// claimingStore fires a pending->ready transition between the engine's
// read and its guarded append, standing in for a time-triggered flush
// landing in that window.
type claimingStore struct {
	*store.Memory
	once sync.Once
}

func (s *claimingStore) AppendToBatch(ctx context.Context, b models.NotificationBatch) (bool, error) {
	s.once.Do(func() {
		_, _ = s.Memory.TransitionBatchStatus(ctx, b.ID, models.BatchStatusPending, models.BatchStatusReady)
	})
	return s.Memory.AppendToBatch(ctx, b)
}

func TestAppendRacingFlushOpensNewBatch(t *testing.T) {
	st := &claimingStore{Memory: store.NewMemory()}
	clk := clock.NewFake(testStart)
	sink := &recordingSink{}
	eng := New(st, clk, sink, logging.NewNop(), Options{})
	commentConfig(t, st.Memory, 5, 300000)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, commentEvent(7, 0)))
	// This submit reads the batch as pending, then loses it to the claim.
	require.NoError(t, eng.Submit(ctx, commentEvent(7, 1)))
	eng.Wait()

	ready, err := st.ListBatchesByStatus(ctx, models.BatchStatusReady, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Len(t, ready[0].Notifications, 1, "a claimed batch must not grow")

	// The losing event is not dropped: it opens a fresh pending batch.
	pending, err := st.ListBatchesByStatus(ctx, models.BatchStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Notifications, 1)
	assert.Equal(t, "comment 1", pending[0].Notifications[0].Payload["comment"])
	assert.NotEqual(t, ready[0].ID, pending[0].ID)
}

func TestCustomGrouper(t *testing.T) {
	RegisterGrouper("test-site", func(e models.NotificationEvent) string {
		site, _ := e.Payload["site"].(string)
		if site == "" {
			return "unknown"
		}
		return site
	})

	eng, st, clk, sink := newTestEngine(t, Options{})
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID: "cfg-site", BatchKey: "outage", MaxBatchSize: 10, MaxWaitTimeMs: 1000,
		GroupBy: models.GroupByCustom, CustomGrouperID: "test-site",
		Channel: models.ChannelWebSocket, IsActive: true,
	}))
	ctx := context.Background()

	e := models.NotificationEvent{Type: "outage", TargetUserIDs: []int64{1}, Payload: map[string]interface{}{"site": "fra-1"}, OccurredAt: testStart}
	require.NoError(t, eng.Submit(ctx, e))
	clk.Advance(2 * time.Second)
	eng.FlushDue(ctx, clk.Now())

	got := sink.batches()
	require.Len(t, got, 1)
	assert.Equal(t, "fra-1", got[0].GroupKey)
}

func TestUnregisteredCustomGrouperErrors(t *testing.T) {
	eng, st, _, _ := newTestEngine(t, Options{})
	require.NoError(t, st.CreateBatchConfig(context.Background(), models.BatchConfiguration{
		ID: "cfg-x", BatchKey: "outage", MaxBatchSize: 10, MaxWaitTimeMs: 1000,
		GroupBy: models.GroupByCustom, CustomGrouperID: "nope",
		Channel: models.ChannelWebSocket, IsActive: true,
	}))
	e := models.NotificationEvent{Type: "outage", TargetUserIDs: []int64{1}, OccurredAt: testStart}
	assert.Error(t, eng.Submit(context.Background(), e))
}

func TestMultiRecipientFanout(t *testing.T) {
	eng, st, clk, sink := newTestEngine(t, Options{})
	commentConfig(t, st, 10, 1000)
	ctx := context.Background()

	e := commentEvent(7, 0)
	e.TargetUserIDs = []int64{7, 8, 9}
	require.NoError(t, eng.Submit(ctx, e))

	e2 := commentEvent(7, 1)
	e2.TargetUserIDs = []int64{7, 9}
	require.NoError(t, eng.Submit(ctx, e2))

	clk.Advance(2 * time.Second)
	eng.FlushDue(ctx, clk.Now())

	got := sink.batches()
	require.Len(t, got, 1)
	assert.ElementsMatch(t, []int64{7, 8, 9}, got[0].TargetUserIDs)
}
