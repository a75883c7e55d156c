package models

import (
	"time"

	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// RefundStatus tracks the refund sub-lifecycle of a payment. It is monotonic:
// once succeeded, failed or cancelled it never moves again.
type RefundStatus string

const (
	RefundStatusNone      RefundStatus = ""
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCancelled RefundStatus = "cancelled"
)

func (s RefundStatus) Terminal() bool {
	return s == RefundStatusSucceeded || s == RefundStatusFailed || s == RefundStatusCancelled
}

type Payment struct {
	gorm.Model
	BookingID       uint          `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	Amount          float64       `gorm:"column:amount;not null" json:"amount"`
	Status          PaymentStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	PaymentIntentID string        `gorm:"column:payment_intent_id;size:255;index" json:"payment_intent_id,omitempty"`
	ClientSecret    string        `gorm:"column:client_secret;size:255" json:"-"`
	PaymentMethod   string        `gorm:"column:payment_method;size:50" json:"payment_method,omitempty"`

	// Refund fields are populated only after a refund has been initiated.
	RefundID              string       `gorm:"column:refund_id;size:255;index" json:"refund_id,omitempty"`
	RefundStatus          RefundStatus `gorm:"column:refund_status;type:varchar(20)" json:"refund_status,omitempty"`
	RefundAmount          float64      `gorm:"column:refund_amount" json:"refund_amount,omitempty"`
	RefundCreatedAt       *time.Time   `gorm:"column:refund_created_at" json:"refund_created_at,omitempty"`
	RefundDestinationType string       `gorm:"column:refund_destination_type;size:50" json:"refund_destination_type,omitempty"`

	Booking *Booking `gorm:"foreignKey:BookingID" json:"booking,omitempty"`
}
