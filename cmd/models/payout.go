package models

import (
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusPaid      PayoutStatus = "paid"
	PayoutStatusFailed    PayoutStatus = "failed"
	PayoutStatusCancelled PayoutStatus = "cancelled"
)

func (s PayoutStatus) Terminal() bool {
	return s == PayoutStatusPaid || s == PayoutStatusFailed || s == PayoutStatusCancelled
}

// Payout is a transfer of a provider's accumulated available balance out to
// their external account. The core only reacts to gateway webhooks updating
// its status; on failed or cancelled the owner's balance is credited back
// exactly once.
type Payout struct {
	gorm.Model
	UserID             uint         `gorm:"column:user_id;not null;index" json:"user_id"`
	Amount             float64      `gorm:"column:amount;not null" json:"amount"`
	Currency           string       `gorm:"column:currency;size:10;not null;default:'usd'" json:"currency"`
	PayoutID           string       `gorm:"column:payout_id;size:255;not null;uniqueIndex" json:"payout_id"`
	Status             PayoutStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	DestinationAccount string       `gorm:"column:destination_account;size:255" json:"destination_account"`
	DestinationType    string       `gorm:"column:destination_type;size:50" json:"destination_type,omitempty"`
	DestinationLast4   string       `gorm:"column:destination_last4;size:8" json:"destination_last4,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
