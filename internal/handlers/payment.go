package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dzvin-ua/site-backend/internal/services"
)

type PaymentHandler struct {
	service *services.PaymentService
	strict  bool
}

// NewPaymentHandler wires the payment endpoints. With strict enabled,
// webhook infrastructure errors surface as 500 so the processor redelivers;
// by default they are absorbed after the audit write.
func NewPaymentHandler(service *services.PaymentService, strict bool) *PaymentHandler {
	return &PaymentHandler{service: service, strict: strict}
}

func (h *PaymentHandler) Donate(w http.ResponseWriter, r *http.Request) {
	var req services.DonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.service.CreateDonation(r.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalid) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		log.Printf("Failed to create donation: %v", err)
		http.Error(w, `{"error":"Payment registration failed"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Failed to encode donation response: %v", err)
	}
}

func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"Failed to read body"}`, http.StatusBadRequest)
		return
	}

	notice := parseWebhookNotice(body)
	outcome, err := h.service.HandleWebhook(r.Context(), notice)
	if err != nil && h.strict {
		log.Printf("Webhook failed in strict mode (outcome=%s): %v", outcome, err)
		http.Error(w, `{"error":"Webhook processing failed"}`, http.StatusInternalServerError)
		return
	}

	// Fixed acknowledgement regardless of outcome: a non-2xx here only
	// triggers a retry storm from the processor.
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"accept"}`))
}

// parseWebhookNotice decodes the processor notification, which arrives
// JSON-encoded or form-encoded depending on the delivery path.
func parseWebhookNotice(body []byte) *services.WebhookNotice {
	n := &services.WebhookNotice{Raw: string(body)}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		n.SessionID = stringField(payload, "orderReference")
		n.OrderID = stringField(payload, "transactionId")
		if n.OrderID == "" {
			n.OrderID = stringField(payload, "authCode")
		}
		n.Currency = stringField(payload, "currency")
		switch v := payload["amount"].(type) {
		case float64:
			n.AmountMinorUnits = int64(v*100 + 0.5)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				n.AmountMinorUnits = int64(f*100 + 0.5)
			}
		}
		return n
	}

	if vals, err := url.ParseQuery(string(body)); err == nil {
		n.SessionID = vals.Get("orderReference")
		n.OrderID = vals.Get("transactionId")
		n.Currency = vals.Get("currency")
		if f, err := strconv.ParseFloat(vals.Get("amount"), 64); err == nil {
			n.AmountMinorUnits = int64(f*100 + 0.5)
		}
	}
	return n
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

type statusResponse struct {
	Status           string     `json:"status"`
	PublicRef        string     `json:"publicRef"`
	AmountMinorUnits int64      `json:"amountMinorUnits"`
	Currency         string     `json:"currency"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, `{"error":"session query parameter is required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.service.Status(r.Context(), sessionID)
	if err != nil {
		log.Printf("Failed to fetch status for session %s: %v", sessionID, err)
		http.Error(w, `{"error":"Failed to fetch status"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if tx == nil {
		w.Write([]byte("null"))
		return
	}
	json.NewEncoder(w).Encode(statusResponse{
		Status:           tx.Status,
		PublicRef:        tx.PublicRef,
		AmountMinorUnits: tx.AmountMinorUnits,
		Currency:         tx.CurrencyCode,
		PaidAt:           tx.PaidAt,
		CreatedAt:        tx.CreatedAt,
	})
}
