package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/channels"
	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/recurrence"
	"github.com/alexnthnz/contract-reminders/internal/resolver"
	"github.com/alexnthnz/contract-reminders/internal/scheduler"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

var now = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

type server struct {
	router http.Handler
	store  *store.MemoryStore
}

func newServer(t *testing.T) *server {
	t.Helper()
	settings := config.NewSettingsStore(config.GlobalSettings{
		Channels: config.ChannelToggles{Email: true, InApp: true},
		WorkingHours: config.WorkingHours{
			Start:       "09:00",
			End:         "17:00",
			Timezone:    "Asia/Bangkok",
			WorkingDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		},
	})
	src, err := policy.NewSource(settings, zap.NewNop())
	require.NoError(t, err)

	entities := resolver.NewMemoryEntityStore()
	due := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	entities.Put(resolver.Entity{Scope: notification.ScopeContract, ID: "c-1", ContractID: "c-1", Status: resolver.StatusActive})
	entities.Put(resolver.Entity{
		Scope:      notification.ScopeMilestone,
		ID:         "m-1",
		ContractID: "c-1",
		Status:     resolver.StatusActive,
		DueAt:      &due,
	})

	rules := store.NewMemoryRuleStore()
	st := store.NewMemoryStore()
	res := resolver.New(entities, zap.NewNop())
	clock := func() time.Time { return now }
	planner := scheduler.NewPlanner(rules, st, res, recurrence.New(time.Hour, 90*24*time.Hour), src, zap.NewNop()).
		WithClock(clock)
	svc := notification.NewService(rules, st, planner, notification.NewRuleValidator(res), settings, zap.NewNop()).
		WithClock(clock)

	h := NewHandler(svc, monitoring.NewMetrics(nil), zap.NewNop()).WithInbox(staticInbox{})
	return &server{router: h.SetupRoutes(), store: st}
}

type staticInbox struct{}

func (staticInbox) Inbox(_ context.Context, recipient string, limit int64) ([]channels.InAppMessage, error) {
	return []channels.InAppMessage{{
		Message:   notification.Message{NotificationID: "n-1", Subject: "Due"},
		Recipient: recipient,
	}}, nil
}

func (s *server) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func milestoneRule() notification.CreateRuleRequest {
	return notification.CreateRuleRequest{
		ContractID: "c-1",
		Scope:      notification.ScopeMilestone,
		TargetID:   "m-1",
		Trigger:    notification.TriggerBefore,
		Offset:     notification.Offset{Value: 1, Unit: notification.UnitDays},
		Frequency:  notification.FrequencyOnce,
		Channels:   []notification.Channel{notification.ChannelEmail},
		Events:     []notification.Event{notification.EventEnd},
		Recipients: []string{"alice@example.com"},
	}
}

func TestCreateRule_Validation(t *testing.T) {
	s := newServer(t)

	req := milestoneRule()
	req.Scope = "invoice"
	req.Channels = []notification.Channel{notification.ChannelSMS}
	rec := s.do(t, http.MethodPost, "/api/v1/rules", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Fields)

	req = milestoneRule()
	req.TargetID = "m-404"
	rec = s.do(t, http.MethodPost, "/api/v1/rules", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleLifecycle(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/rules", milestoneRule())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[notification.Rule](t, rec)
	assert.Equal(t, 1, rule.Version)
	assert.True(t, rule.IsActive)

	rec = s.do(t, http.MethodGet, "/api/v1/rules?contract_id=c-1&active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListResponse[notification.Rule]](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications?rule_id="+rule.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListResponse[NotificationView]](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, notification.StatePending, list.Items[0].State)
	assert.True(t, time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC).Equal(list.Items[0].ScheduledFor))

	update := notification.UpdateRuleRequest{
		Trigger:    notification.TriggerBefore,
		Offset:     notification.Offset{Value: 2, Unit: notification.UnitDays},
		Frequency:  notification.FrequencyOnce,
		Channels:   []notification.Channel{notification.ChannelEmail},
		Events:     []notification.Event{notification.EventEnd},
		Recipients: []string{"alice@example.com"},
		IsActive:   true,
	}
	rec = s.do(t, http.MethodPut, "/api/v1/rules/"+rule.ID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[notification.Rule](t, rec).Version)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications?state=pending&rule_id="+rule.ID, nil)
	list = decode[ListResponse[NotificationView]](t, rec)
	require.Equal(t, 1, list.Count)
	assert.True(t, time.Date(2024, 3, 8, 2, 0, 0, 0, time.UTC).Equal(list.Items[0].ScheduledFor))

	rec = s.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[notification.Rule](t, rec).IsActive)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications?state=pending&rule_id="+rule.ID, nil)
	assert.Equal(t, 0, decode[ListResponse[NotificationView]](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/api/v1/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledge(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/rules", milestoneRule())
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decode[notification.Rule](t, rec)

	pending, err := s.store.List(context.Background(), notification.Filter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	rec = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/ack", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "pending notifications cannot be acknowledged")

	ctx := context.Background()
	at := pending[0].DueAt
	_, err = s.store.Claim(ctx, id, "node-a", time.Minute, at)
	require.NoError(t, err)
	_, err = s.store.Transition(ctx, notification.Transition{
		ID: id, From: notification.StateClaimed, To: notification.StateSent, Owner: "node-a", At: at,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/ack", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, notification.StateAcknowledged, decode[NotificationView](t, rec).State)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/notifications/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[NotificationDetail](t, rec)
	assert.Equal(t, id, detail.ID)
	assert.NotNil(t, detail.Attempts)

	rec = s.do(t, http.MethodPost, "/api/v1/notifications/missing/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNotifications_BadQuery(t *testing.T) {
	s := newServer(t)
	for _, q := range []string{"from=yesterday", "limit=-1", "offset=x"} {
		rec := s.do(t, http.MethodGet, "/api/v1/notifications?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestInbox(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/inbox/alice@example.com?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inbox := decode[ListResponse[channels.InAppMessage]](t, rec)
	require.Equal(t, 1, inbox.Count)
	assert.Equal(t, "alice@example.com", inbox.Items[0].Recipient)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	s.do(t, http.MethodGet, "/api/v1/rules", nil)
	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reminder_api_request_duration_seconds_count{api="rest",code="200",operation="list_rules"}`)
}
