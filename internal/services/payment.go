package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/metrics"
	"github.com/dzvin-ua/site-backend/internal/models"
	"github.com/dzvin-ua/site-backend/internal/store"
)

// ErrInvalid marks validation failures the handler maps to a 4xx.
var ErrInvalid = errors.New("invalid request")

// TransactionStore is the persistence surface the payment flow needs. The
// conditional MarkPaid/MarkNotified updates are the only concurrency
// mechanism in the system.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	FindTransaction(ctx context.Context, sessionID string) (*models.Transaction, error)
	MarkRegistered(ctx context.Context, sessionID, orderRef string) error
	MarkPaid(ctx context.Context, sessionID, orderRef, verifyPayload string, paidAt time.Time) (bool, error)
	MarkNotified(ctx context.Context, sessionID string, at time.Time) (bool, error)
}

// EventLog appends to the write-ahead audit trail.
type EventLog interface {
	AppendEvent(ctx context.Context, ev *models.PaymentEvent) error
}

// Processor is the payment processor surface: registration and verification.
type Processor interface {
	CreateInvoice(ctx context.Context, tx *models.Transaction, productName string) (string, error)
	CheckStatus(ctx context.Context, orderReference string) (*VerifyResult, error)
}

// ReceiptMailer sends the one-time donation confirmation.
type ReceiptMailer interface {
	SendReceipt(ctx context.Context, tx *models.Transaction) error
}

type PaymentService struct {
	store     TransactionStore
	events    EventLog
	processor Processor
	mailer    ReceiptMailer
	cfg       config.Payments
}

func NewPaymentService(st TransactionStore, events EventLog, processor Processor, mailer ReceiptMailer, cfg config.Payments) *PaymentService {
	return &PaymentService{store: st, events: events, processor: processor, mailer: mailer, cfg: cfg}
}

type DonationConsents struct {
	Privacy bool `json:"privacy"`
	Terms   bool `json:"terms"`
}

type DonationRequest struct {
	AmountMinorUnits int64             `json:"amountMinorUnits"`
	Currency         string            `json:"currency,omitempty"`
	Email            string            `json:"email,omitempty"`
	Consents         DonationConsents  `json:"consents"`
	ConsentsVersion  string            `json:"consentsVersion,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

type DonationResponse struct {
	SessionID   string `json:"sessionId"`
	PublicRef   string `json:"publicRef"`
	RedirectURL string `json:"redirectUrl"`
}

// CreateDonation validates the request, persists the transaction before any
// external call and registers it with the processor for a checkout redirect.
// A registration failure leaves the row in "created"; there is no cleanup.
func (s *PaymentService) CreateDonation(ctx context.Context, req *DonationRequest) (*DonationResponse, error) {
	if req.AmountMinorUnits < s.cfg.MinAmountMinorUnits {
		return nil, fmt.Errorf("%w: amount must be at least %d minor units", ErrInvalid, s.cfg.MinAmountMinorUnits)
	}
	if req.AmountMinorUnits > s.cfg.MaxAmountMinorUnits {
		return nil, fmt.Errorf("%w: amount must be at most %d minor units", ErrInvalid, s.cfg.MaxAmountMinorUnits)
	}
	if !req.Consents.Privacy || !req.Consents.Terms {
		return nil, fmt.Errorf("%w: privacy and terms consents are required", ErrInvalid)
	}
	email := strings.TrimSpace(req.Email)
	if email == "" && s.cfg.RequireEmail {
		return nil, fmt.Errorf("%w: email is required", ErrInvalid)
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, fmt.Errorf("%w: invalid email address", ErrInvalid)
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}

	sessionID := uuid.NewString()
	publicRef := strings.ToUpper(strings.ReplaceAll(sessionID, "-", "")[:8])
	now := time.Now()

	tx := &models.Transaction{
		SessionID:        sessionID,
		PublicRef:        publicRef,
		AmountMinorUnits: req.AmountMinorUnits,
		CurrencyCode:     currency,
		Email:            email,
		Status:           models.StatusCreated,
		ConsentsVersion:  req.ConsentsVersion,
		Meta:             req.Meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		metrics.DonationsTotal.WithLabelValues("store_error").Inc()
		return nil, err
	}

	redirectURL, err := s.processor.CreateInvoice(ctx, tx, s.cfg.ProductName)
	if err != nil {
		metrics.DonationsTotal.WithLabelValues("processor_error").Inc()
		log.Printf("Registration failed for session %s, row stays created: %v", sessionID, err)
		return nil, fmt.Errorf("payment registration failed: %v", err)
	}

	if err := s.store.MarkRegistered(ctx, sessionID, sessionID); err != nil {
		metrics.DonationsTotal.WithLabelValues("store_error").Inc()
		return nil, err
	}

	metrics.DonationsTotal.WithLabelValues("registered").Inc()
	log.Printf("Donation registered: session=%s ref=%s amount=%d %s", sessionID, publicRef, req.AmountMinorUnits, currency)
	return &DonationResponse{SessionID: sessionID, PublicRef: publicRef, RedirectURL: redirectURL}, nil
}

// WebhookNotice is the transport-decoded inbound notification. Raw carries
// the undecoded body for the audit trail.
type WebhookNotice struct {
	SessionID        string
	OrderID          string
	AmountMinorUnits int64
	Currency         string
	Raw              string
}

// Webhook outcomes, used for logging and metrics.
const (
	OutcomeIgnoredMissing = "ignored_missing_session"
	OutcomeIgnoredUnknown = "ignored_unknown_session"
	OutcomeDuplicate      = "duplicate"
	OutcomeMismatch       = "amount_mismatch"
	OutcomeVerifyError    = "verify_error"
	OutcomeNotApproved    = "not_approved"
	OutcomeLostRace       = "lost_race"
	OutcomePaid           = "paid"
	OutcomeStoreError     = "store_error"
)

// HandleWebhook reconciles one inbound, possibly-retried notification. The
// audit event is appended before any other work; every path after that is
// acknowledged to the processor, so the returned error only matters when
// strict webhook errors are enabled at the handler.
func (s *PaymentService) HandleWebhook(ctx context.Context, notice *WebhookNotice) (string, error) {
	auditErr := s.events.AppendEvent(ctx, &models.PaymentEvent{
		Type:      models.EventWebhookStatus,
		SessionID: notice.SessionID,
		OrderID:   notice.OrderID,
		Payload:   notice.Raw,
		CreatedAt: time.Now(),
	})
	if auditErr != nil {
		// The audit log must never block the response; processing continues.
		log.Printf("Audit write failed for session %s: %v", notice.SessionID, auditErr)
	}

	outcome, err := s.reconcile(ctx, notice)
	metrics.WebhookTotal.WithLabelValues(outcome).Inc()
	log.Printf("Webhook reconciled: session=%s order=%s outcome=%s", notice.SessionID, notice.OrderID, outcome)
	if err == nil {
		err = auditErr
	}
	return outcome, err
}

func (s *PaymentService) reconcile(ctx context.Context, notice *WebhookNotice) (string, error) {
	if notice.SessionID == "" {
		return OutcomeIgnoredMissing, nil
	}

	tx, err := s.store.FindTransaction(ctx, notice.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeIgnoredUnknown, nil
		}
		return OutcomeStoreError, err
	}

	if tx.Status == models.StatusPaid {
		return OutcomeDuplicate, nil
	}

	if notice.AmountMinorUnits != 0 && notice.AmountMinorUnits != tx.AmountMinorUnits {
		s.auditError(ctx, notice, fmt.Sprintf("amount mismatch: webhook=%d stored=%d", notice.AmountMinorUnits, tx.AmountMinorUnits))
		return OutcomeMismatch, nil
	}
	if notice.Currency != "" && !strings.EqualFold(notice.Currency, tx.CurrencyCode) {
		s.auditError(ctx, notice, fmt.Sprintf("currency mismatch: webhook=%s stored=%s", notice.Currency, tx.CurrencyCode))
		return OutcomeMismatch, nil
	}

	verify, err := s.processor.CheckStatus(ctx, tx.SessionID)
	if err != nil {
		s.auditError(ctx, notice, fmt.Sprintf("verify call failed: %v", err))
		return OutcomeVerifyError, err
	}
	if appendErr := s.events.AppendEvent(ctx, &models.PaymentEvent{
		Type:      models.EventVerify,
		SessionID: tx.SessionID,
		OrderID:   verify.TransactionID,
		Payload:   verify.Raw,
		CreatedAt: time.Now(),
	}); appendErr != nil {
		log.Printf("Verify audit write failed for session %s: %v", tx.SessionID, appendErr)
	}

	if !verify.Approved() {
		return OutcomeNotApproved, nil
	}
	if verify.AmountMinorUnits != 0 && verify.AmountMinorUnits != tx.AmountMinorUnits {
		s.auditError(ctx, notice, fmt.Sprintf("verify amount mismatch: verify=%d stored=%d", verify.AmountMinorUnits, tx.AmountMinorUnits))
		return OutcomeMismatch, nil
	}

	orderID := verify.TransactionID
	if orderID == "" {
		orderID = notice.OrderID
	}
	changed, err := s.store.MarkPaid(ctx, tx.SessionID, orderID, verify.Raw, time.Now())
	if err != nil {
		return OutcomeStoreError, err
	}
	if !changed {
		// A concurrent duplicate delivery won the conditional update.
		return OutcomeLostRace, nil
	}

	s.notifyOnce(ctx, tx)
	return OutcomePaid, nil
}

// notifyOnce sends the confirmation email at most once. A send failure is
// audited but never fails the webhook.
func (s *PaymentService) notifyOnce(ctx context.Context, tx *models.Transaction) {
	if tx.Email == "" || tx.NotificationSentAt != nil || s.mailer == nil {
		return
	}

	if err := s.mailer.SendReceipt(ctx, tx); err != nil {
		metrics.EmailTotal.WithLabelValues("error").Inc()
		s.auditError(ctx, &WebhookNotice{SessionID: tx.SessionID}, fmt.Sprintf("receipt email failed: %v", err))
		return
	}

	sent, err := s.store.MarkNotified(ctx, tx.SessionID, time.Now())
	if err != nil {
		log.Printf("Failed to record notification for session %s: %v", tx.SessionID, err)
		return
	}
	if sent {
		metrics.EmailTotal.WithLabelValues("sent").Inc()
	}
}

func (s *PaymentService) auditError(ctx context.Context, notice *WebhookNotice, note string) {
	if err := s.events.AppendEvent(ctx, &models.PaymentEvent{
		Type:      models.EventError,
		SessionID: notice.SessionID,
		OrderID:   notice.OrderID,
		Payload:   notice.Raw,
		Note:      note,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Printf("Error audit write failed for session %s: %v", notice.SessionID, err)
	}
}

// Status returns the transaction projection for the status query, or nil
// when the session is unknown.
func (s *PaymentService) Status(ctx context.Context, sessionID string) (*models.Transaction, error) {
	tx, err := s.store.FindTransaction(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}
