package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Payment event types.
const (
	EventWebhookStatus = "webhook_status"
	EventVerify        = "verify"
	EventError         = "error"
)

// PaymentEvent is an append-only audit record of an inbound webhook or
// verification call. Events are inserted before any state mutation and are
// never updated or deleted.
type PaymentEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Type      string             `bson:"type" json:"type"`
	SessionID string             `bson:"session_id,omitempty" json:"sessionId,omitempty"`
	OrderID   string             `bson:"order_id,omitempty" json:"orderId,omitempty"`
	Payload   string             `bson:"payload,omitempty" json:"payload,omitempty"`
	Note      string             `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"createdAt"`
}
