package models

import (
	"time"

	"gorm.io/gorm"
)

// BookingStatus is the lifecycle state of a booking. A booking starts out
// pending and unassigned; accepting sets the provider without changing the
// status. Completed and cancelled are terminal.
type BookingStatus string

const (
	BookingStatusPending    BookingStatus = "pending"
	BookingStatusInProgress BookingStatus = "in_progress"
	BookingStatusCompleted  BookingStatus = "completed"
	BookingStatusCancelled  BookingStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s BookingStatus) Terminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

type Booking struct {
	gorm.Model
	Reference             string        `gorm:"column:reference;size:36;uniqueIndex" json:"reference"`
	UserID                uint          `gorm:"column:user_id;not null;index" json:"user_id"`
	ProviderID            *uint         `gorm:"column:provider_id;index" json:"provider_id,omitempty"`
	StartDate             time.Time     `gorm:"column:start_date;not null" json:"start_date"`
	Status                BookingStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	JobType               string        `gorm:"column:job_type;size:100" json:"job_type"`
	Description           string        `gorm:"column:description;type:text" json:"description"`
	Address               string        `gorm:"column:address;size:255" json:"address"`
	UserApprovalRequested bool          `gorm:"column:user_approval_requested;default:false" json:"user_approval_requested"`
	CompletedAt           *time.Time    `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CompletedBy           *uint         `gorm:"column:completed_by" json:"completed_by,omitempty"`
	CancelledAt           *time.Time    `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy           *uint         `gorm:"column:cancelled_by" json:"cancelled_by,omitempty"`

	User     *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Provider *User `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

// IsParty reports whether id is the requesting user or the assigned provider.
func (b *Booking) IsParty(id uint) bool {
	if b.UserID == id {
		return true
	}
	return b.ProviderID != nil && *b.ProviderID == id
}
