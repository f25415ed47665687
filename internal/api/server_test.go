package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/feedback"
	"github.com/oddside/backend/internal/llm"
	"github.com/oddside/backend/internal/payments"
	"github.com/oddside/backend/internal/store"
)

const testSecret = "whsec_test"

func signBody(t *testing.T, body []byte, secret string, at time.Time) string {
	t.Helper()
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeSignature(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt_1"}`)

	good := signBody(t, body, testSecret, now)
	assert.NoError(t, verifyStripeSignature(body, good, testSecret, now))

	// Wrong secret.
	bad := signBody(t, body, "whsec_other", now)
	assert.Error(t, verifyStripeSignature(body, bad, testSecret, now))

	// Stale timestamp.
	old := signBody(t, body, testSecret, now.Add(-10*time.Minute))
	assert.Error(t, verifyStripeSignature(body, old, testSecret, now))

	// Tampered body.
	assert.Error(t, verifyStripeSignature([]byte(`{"id":"evt_2"}`), good, testSecret, now))

	assert.Error(t, verifyStripeSignature(body, "", testSecret, now))
	assert.Error(t, verifyStripeSignature(body, good, "", now))
	assert.Error(t, verifyStripeSignature(body, "garbage", testSecret, now))
}

func newTestServer(t *testing.T) (*Server, store.Store, *events.Bus) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus(st)
	rec := payments.NewReconciler(st, ck, nil)
	kpis := payments.NewKPIs(st, ck)
	anomalies := payments.NewAnomalyDetector(st)
	consolidator := payments.NewConsolidator(st)
	classifier := feedback.NewClassifier(llm.Disabled{}, "")
	fixer := feedback.NewAutoFixer(st, ck, feedback.NewFixPolicy(st, ck))
	pipeline := feedback.NewPipeline(st, ck, classifier, fixer, bus)
	scorer := engagement.NewScorer(st, ck)
	return NewServer("0", rec, kpis, anomalies, consolidator, pipeline, scorer, bus, testSecret), st, bus
}

func postWebhook(t *testing.T, s *Server, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"id":"evt_1","data":{"object":{"id":"pi_1"}}}`)

	rr := postWebhook(t, s, body, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStripeWebhookReconcilesAndEmits(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestServer(t)

	require.NoError(t, st.InsertOne(ctx, store.ColLedgerEntries, store.Doc{
		"ledger_id":    "L1",
		"group_id":     "grp1",
		"from_user_id": "u1",
		"to_user_id":   "u2",
		"amount":       42.0,
		"amount_cents": 4200,
		"currency":     "usd",
		"status":       "pending",
		"created_at":   "2026-08-20T12:00:00Z",
	}))

	body, err := json.Marshal(map[string]interface{}{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "pi_1",
				"status":   "succeeded",
				"amount":   4200,
				"currency": "usd",
				"metadata": map[string]string{"ledger_id": "L1"},
			},
		},
	})
	require.NoError(t, err)

	rr := postWebhook(t, s, body, signBody(t, body, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, rr.Code)

	var result payments.MatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.Matched)
	assert.True(t, result.Applied)
	assert.Equal(t, "metadata", result.Strategy)

	entry, err := st.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": "L1"})
	require.NoError(t, err)
	assert.Equal(t, "paid", entry["status"])

	logged, err := st.FindOne(ctx, store.ColEventLogs, store.Filter{"event_type": events.TypeStripePaymentReceived})
	require.NoError(t, err)
	assert.NotNil(t, logged)

	// Redelivery of the same event is acknowledged as a duplicate.
	rr = postWebhook(t, s, body, signBody(t, body, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.DuplicateWebhook)
}

func TestFeedbackEndpointSubmitsAndClassifies(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestServer(t)

	body := []byte(`{"user_id":"u1","group_id":"grp1","content":"the settlement math was off by $10"}`)
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["feedback_id"])

	stored, err := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": resp["feedback_id"]})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "u1", stored["user_id"])
}

func TestFeedbackEndpointRejectsEmptyContent(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader([]byte(`{"user_id":"u1","content":"   "}`)))
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEngagementScoreEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/engagement/users/ghost", nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var score map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &score))
	assert.Contains(t, score, "value")
}

func TestPaymentReportEndpoint(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestServer(t)

	// Two copies of the same debt trip the duplicate-entry anomaly.
	for _, id := range []string{"L1", "L2"} {
		require.NoError(t, st.InsertOne(ctx, store.ColLedgerEntries, store.Doc{
			"ledger_id":    id,
			"group_id":     "grp1",
			"from_user_id": "u1",
			"to_user_id":   "u2",
			"amount":       25.0,
			"status":       "pending",
			"created_at":   "2026-08-20T12:00:00Z",
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/payments/groups/grp1/report", nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var report payments.ReconciliationReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "grp1", report.GroupID)
	require.NotNil(t, report.KPIs)
	assert.Equal(t, 2, report.KPIs.EntriesInWindow)
	assert.NotEmpty(t, report.Anomalies)
	require.Len(t, report.Netted, 1)
	assert.Equal(t, 50.0, report.Netted[0].Amount)
}

func TestStripeWebhookRejectsMalformedPayload(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := []byte(`{"type":"payment_intent.succeeded"}`)
	rr := postWebhook(t, s, body, signBody(t, body, testSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
