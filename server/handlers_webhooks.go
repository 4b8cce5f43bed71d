package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"swapdesk/ai"
	"swapdesk/observability/metrics"
	"swapdesk/payments"
	"swapdesk/scan"
)

// signatureHeader carries the collaborator's HMAC over the raw request body.
const signatureHeader = "X-Webhook-Signature"

func (s *Server) webhookBody(w http.ResponseWriter, r *http.Request, source, secret string) ([]byte, bool) {
	if !s.webhookAllowed(source) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.Exchange().WebhookFailure(source)
		http.Error(w, "reading body", http.StatusBadRequest)
		return nil, false
	}
	signature := strings.TrimSpace(r.Header.Get(signatureHeader))
	if signature == "" || !payments.VerifySignature(secret, body, signature) {
		metrics.Exchange().WebhookFailure(source)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// PaymentWebhook applies provider payment status callbacks.
func (s *Server) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.webhookBody(w, r, "payments", s.providerSecret)
	if !ok {
		return
	}
	var payload struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.PaymentID == "" {
		metrics.Exchange().WebhookFailure("payments")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var err error
	switch strings.ToLower(payload.Status) {
	case "confirmed", "paid":
		_, err = s.transitions.ConfirmPayment(r.Context(), payload.PaymentID)
	case "failed", "declined", "expired":
		_, err = s.transitions.FailPayment(r.Context(), payload.PaymentID, payload.Reason)
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ScanWebhook applies virus scan verdict callbacks.
func (s *Server) ScanWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.webhookBody(w, r, "scan", s.scannerSecret)
	if !ok {
		return
	}
	var payload scan.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ScanID == "" {
		metrics.Exchange().WebhookFailure("scan")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Verdict == scan.VerdictPending {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	if _, err := s.transitions.ApplyScanResult(r.Context(), payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// AnalysisWebhook stores analyzer verdict callbacks.
func (s *Server) AnalysisWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.webhookBody(w, r, "analysis", s.analysisSecret)
	if !ok {
		return
	}
	var payload ai.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.RequestID == "" {
		metrics.Exchange().WebhookFailure("analysis")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if _, err := s.transitions.ApplyAnalysis(r.Context(), payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
