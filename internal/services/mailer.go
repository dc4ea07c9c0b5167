package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/models"
)

// MailerService sends the one-time donation receipt through the Resend API.
type MailerService struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
}

func NewMailerService(cfg config.Mailer) *MailerService {
	return &MailerService{
		apiURL: cfg.APIURL,
		apiKey: cfg.APIKey,
		from:   cfg.From,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (s *MailerService) SendReceipt(ctx context.Context, tx *models.Transaction) error {
	if s.apiKey == "" {
		return fmt.Errorf("mailer not configured")
	}

	amount := amountString(tx.AmountMinorUnits)
	req := emailRequest{
		From:    s.from,
		To:      []string{tx.Email},
		Subject: fmt.Sprintf("Donation %s received", tx.PublicRef),
		Text: fmt.Sprintf(
			"Thank you for your donation.\n\nReference: %s\nAmount: %s %s\n",
			tx.PublicRef, amount, tx.CurrencyCode),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		log.Printf("Receipt email failed for %s: %v", tx.PublicRef, err)
		return fmt.Errorf("receipt email failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Printf("Receipt email rejected with status %d: %s", resp.StatusCode, string(respBody))
		return fmt.Errorf("receipt email rejected: status %d", resp.StatusCode)
	}

	log.Printf("Receipt email sent for %s", tx.PublicRef)
	return nil
}
