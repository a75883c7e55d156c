package models

import (
	"time"

	"gorm.io/gorm"
)

type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "pending"
	EarningStatusCompleted EarningStatus = "completed"
	EarningStatusCancelled EarningStatus = "cancelled"
)

func (s EarningStatus) Terminal() bool {
	return s == EarningStatusCompleted || s == EarningStatusCancelled
}

// Earning is the provider's net-of-commission share of a booking's payment.
// It is created when the booking is completed and settles to completed only
// through the deferred settlement callback, after the fund transfer to the
// provider's connected account has gone through. TransferID is the
// reconciliation key for a transfer that succeeded without the record update
// landing.
type Earning struct {
	gorm.Model
	BookingID          uint          `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	Amount             float64       `gorm:"column:amount;not null" json:"amount"`
	Status             EarningStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	CompletionDate     *time.Time    `gorm:"column:completion_date" json:"completion_date,omitempty"`
	TransferID         string        `gorm:"column:transfer_id;size:255" json:"transfer_id,omitempty"`
	CancellationDate   *time.Time    `gorm:"column:cancellation_date" json:"cancellation_date,omitempty"`
	CancellationReason string        `gorm:"column:cancellation_reason;size:255" json:"cancellation_reason,omitempty"`

	Booking *Booking `gorm:"foreignKey:BookingID" json:"booking,omitempty"`
}
