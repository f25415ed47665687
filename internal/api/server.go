// Package api is the ops-facing HTTP surface: health, Prometheus
// metrics and the Stripe webhook ingress. The member-facing product API
// lives in a separate service; nothing here serves end users.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/feedback"
	"github.com/oddside/backend/internal/payments"
)

// maxWebhookBody caps the Stripe payload read.
const maxWebhookBody = 1 << 20

// signatureTolerance bounds how old a signed webhook timestamp may be.
const signatureTolerance = 5 * time.Minute

// Server is the ops HTTP server.
type Server struct {
	reconciler    *payments.Reconciler
	kpis          *payments.KPIs
	anomalies     *payments.AnomalyDetector
	consolidator  *payments.Consolidator
	feedback      *feedback.Pipeline
	scorer        *engagement.Scorer
	bus           events.Emitter
	webhookSecret string
	httpServer    *http.Server
	logger        *log.Logger
}

func NewServer(port string, reconciler *payments.Reconciler, kpis *payments.KPIs, anomalies *payments.AnomalyDetector, consolidator *payments.Consolidator, pipeline *feedback.Pipeline, scorer *engagement.Scorer, bus events.Emitter, webhookSecret string) *Server {
	s := &Server{
		reconciler:    reconciler,
		kpis:          kpis,
		anomalies:     anomalies,
		consolidator:  consolidator,
		feedback:      pipeline,
		scorer:        scorer,
		bus:           bus,
		webhookSecret: webhookSecret,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods("POST")
	r.HandleFunc("/feedback", s.handleFeedback).Methods("POST")
	r.HandleFunc("/engagement/groups/{id}", s.handleGroupScore).Methods("GET")
	r.HandleFunc("/engagement/users/{id}", s.handleUserScore).Methods("GET")
	r.HandleFunc("/payments/groups/{id}/report", s.handlePaymentReport).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Printf("🚀 Ops server listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type feedbackRequest struct {
	UserID       string `json:"user_id"`
	GroupID      string `json:"group_id"`
	GameID       string `json:"game_id,omitempty"`
	FeedbackType string `json:"feedback_type,omitempty"`
	Content      string `json:"content"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "user_id and content are required", http.StatusBadRequest)
		return
	}

	doc, err := s.feedback.Submit(r.Context(), feedback.Submission{
		UserID:       req.UserID,
		GroupID:      req.GroupID,
		GameID:       req.GameID,
		FeedbackType: req.FeedbackType,
		Content:      req.Content,
	})
	if err != nil {
		s.logger.Printf("❌ Feedback submission failed: %v", err)
		http.Error(w, "submission error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"feedback_id": doc["feedback_id"],
		"status":      doc["status"],
	})
}

func (s *Server) handleGroupScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.scorer.ScoreGroup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "score error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(score)
}

func (s *Server) handlePaymentReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.kpis.Report(r.Context(), s.anomalies, s.consolidator, mux.Vars(r)["id"])
	if err != nil {
		s.logger.Printf("❌ Payment report failed: %v", err)
		http.Error(w, "report error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleUserScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.scorer.ScoreUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "score error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(score)
}

// stripePayload is the slice of the Stripe event envelope we consume.
type stripePayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID           string            `json:"id"`
			Status       string            `json:"status"`
			Amount       int64             `json:"amount"` // cents
			Currency     string            `json:"currency"`
			Metadata     map[string]string `json:"metadata"`
			ReceiptEmail string            `json:"receipt_email"`
			Customer     string            `json:"customer"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := verifyStripeSignature(body, r.Header.Get("Stripe-Signature"), s.webhookSecret, time.Now()); err != nil {
		s.logger.Printf("❌ Webhook signature rejected: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload stripePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.ID == "" || payload.Data.Object.ID == "" {
		http.Error(w, "missing identifiers", http.StatusBadRequest)
		return
	}

	ev := payments.StripeEvent{
		EventID:         payload.ID,
		PaymentIntentID: payload.Data.Object.ID,
		Status:          payload.Data.Object.Status,
		AmountCents:     payload.Data.Object.Amount,
		Amount:          float64(payload.Data.Object.Amount) / 100,
		Currency:        payload.Data.Object.Currency,
		Metadata:        payload.Data.Object.Metadata,
		ReceiptEmail:    payload.Data.Object.ReceiptEmail,
		CustomerID:      payload.Data.Object.Customer,
	}

	result, err := s.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		s.logger.Printf("❌ Reconciliation failed for %s: %v", ev.EventID, err)
		http.Error(w, "reconciliation error", http.StatusInternalServerError)
		return
	}

	if s.bus != nil && !result.DuplicateWebhook {
		s.bus.Emit(r.Context(), events.TypeStripePaymentReceived, map[string]interface{}{
			"stripe_event_id": ev.EventID,
			"payment_intent":  ev.PaymentIntentID,
			"matched":         result.Matched,
			"applied":         result.Applied,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// verifyStripeSignature checks the v1 HMAC scheme: the header carries
// t=<unix> and v1=<hex hmac of "t.body">.
func verifyStripeSignature(body []byte, header, secret string, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	if header == "" {
		return fmt.Errorf("missing signature header")
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	var epoch int64
	if _, err := fmt.Sscanf(ts, "%d", &epoch); err != nil {
		return fmt.Errorf("bad timestamp: %v", err)
	}
	age := now.Sub(time.Unix(epoch, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature")
}
