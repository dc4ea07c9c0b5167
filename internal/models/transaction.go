package models

import (
	"time"
)

// Transaction statuses. Transitions are monotonic: created -> registered -> paid.
// "paid" is terminal and is only ever written by the conditional update in the
// store, so a duplicate webhook cannot regress or double-apply it.
const (
	StatusCreated    = "created"
	StatusRegistered = "registered"
	StatusPaid       = "paid"
)

// Transaction is one donation attempt, keyed by its session id.
type Transaction struct {
	SessionID          string            `bson:"_id" json:"sessionId"`
	PublicRef          string            `bson:"public_ref" json:"publicRef"`
	AmountMinorUnits   int64             `bson:"amount_minor_units" json:"amountMinorUnits"`
	CurrencyCode       string            `bson:"currency_code" json:"currencyCode"`
	Email              string            `bson:"email,omitempty" json:"email,omitempty"`
	Status             string            `bson:"status" json:"status"`
	ExternalOrderID    string            `bson:"external_order_id,omitempty" json:"externalOrderId,omitempty"`
	VerifyPayload      string            `bson:"verify_payload,omitempty" json:"-"`
	ConsentsVersion    string            `bson:"consents_version,omitempty" json:"consentsVersion,omitempty"`
	Meta               map[string]string `bson:"meta,omitempty" json:"meta,omitempty"`
	PaidAt             *time.Time        `bson:"paid_at,omitempty" json:"paidAt,omitempty"`
	NotificationSentAt *time.Time        `bson:"notification_sent_at,omitempty" json:"notificationSentAt,omitempty"`
	CreatedAt          time.Time         `bson:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `bson:"updated_at" json:"updatedAt"`
}
