package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/filter"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/notification"
	"servicedesk-notification/internal/store"
)

type nopSink struct{}

func (nopSink) Deliver(context.Context, models.NotificationBatch) error { return nil }

type nopTickets struct{}

func (nopTickets) IsSubjectResolved(context.Context, int64) (bool, error) { return false, nil }
func (nopTickets) IsSubjectOpen(context.Context, int64) (bool, error)     { return true, nil }
func (nopTickets) UsersInRole(context.Context, string) ([]int64, error)   { return nil, nil }
func (nopTickets) Reassign(context.Context, int64, int64) error           { return nil }
func (nopTickets) RaisePriority(context.Context, int64) error             { return nil }

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, models.EscalationRule, models.EscalationInstance, models.EscalationStep) error {
	return nil
}

func newTestAPI(t *testing.T) (*gin.Engine, *store.Memory, *notification.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewNop()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	batcher := batch.New(st, clk, nopSink{}, logger, batch.Options{})
	esc := escalation.NewManager(st, clk, nopTickets{}, nopExecutor{}, logger)
	f := filter.New(st, clk, logger)
	svc := notification.New(f, batcher, esc, logger, 16, 1)

	var wg sync.WaitGroup
	svc.Start(&wg)
	t.Cleanup(func() {
		svc.Stop()
		wg.Wait()
	})

	return NewRouter(st, svc, esc, nil, logger, "/api/v1"), st, svc
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestEventQueues(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"type":            "comment_added",
		"priority":        "normal",
		"target_user_ids": []int64{1},
		"payload":         map[string]interface{}{"message": "hi"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "queued")
}

func TestIngestEventRejectsInvalid(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"priority": "normal",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilterRuleLifecycle(t *testing.T) {
	r, st, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/filter-rules", map[string]interface{}{
		"name":     "mute promos",
		"action":   "block",
		"priority": 10,
		"conditions": []map[string]interface{}{
			{"field": "type", "operator": "eq", "value": "promo"},
		},
		"is_active": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.FilterRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/filter-rules/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/filter-rules/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	rule, err := st.GetFilterRule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, rule.IsActive)
}

func TestFilterRuleCreateRejectsBadAction(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/filter-rules", map[string]interface{}{
		"name":   "broken",
		"action": "explode",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetFilterRuleNotFound(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/filter-rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchConfigLifecycle(t *testing.T) {
	r, st, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/batch-configs", map[string]interface{}{
		"batch_key":        "comment_added",
		"max_batch_size":   10,
		"max_wait_time_ms": 120000,
		"group_by":         "user",
		"channel":          "websocket",
		"is_active":        true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.BatchConfiguration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	cfg, err := st.GetBatchConfigByKey(context.Background(), "comment_added")
	require.NoError(t, err)
	assert.Equal(t, created.ID, cfg.ID)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/batch-configs/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err = st.GetBatchConfigByKey(context.Background(), "comment_added")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListBatchesByStatus(t *testing.T) {
	r, st, _ := newTestAPI(t)

	b := models.NotificationBatch{
		ID:       "b1",
		BatchKey: "comment_added",
		GroupKey: "1",
		Status:   models.BatchStatusPending,
	}
	require.NoError(t, st.CreateBatch(context.Background(), b))

	w := doJSON(t, r, http.MethodGet, "/api/v1/batches?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var batches []models.NotificationBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batches))
	require.Len(t, batches, 1)
	assert.Equal(t, "b1", batches[0].ID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/batches?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEscalationCancelEndpoint(t *testing.T) {
	r, st, _ := newTestAPI(t)

	rule := models.EscalationRule{
		ID:             "rule-1",
		Name:           "sla breach",
		IsActive:       true,
		MaxEscalations: 3,
		Actions: []models.EscalationStep{
			{Type: models.EscalationActionNotifyUsers, Params: map[string]interface{}{"user_ids": []interface{}{float64(1)}}},
		},
	}
	require.NoError(t, st.CreateEscalationRule(context.Background(), rule))

	inst := models.EscalationInstance{
		ID:              "inst-1",
		RuleID:          rule.ID,
		SubjectID:       42,
		Status:          models.EscalationStatusPending,
		EscalationLevel: 1,
	}
	require.NoError(t, st.CreateEscalationInstance(context.Background(), inst))

	w := doJSON(t, r, http.MethodPost, "/api/v1/escalations/inst-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := st.GetEscalationInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationStatusCancelled, got.Status)

	w = doJSON(t, r, http.MethodGet, "/api/v1/escalations/subject/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inst-1")
}

func TestHealthEndpoint(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
