package models

import (
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	FullName            string  `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email               string  `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	Phone               string  `gorm:"column:phone;size:20" json:"phone"`
	IsProvider          bool    `gorm:"column:is_provider;default:false" json:"is_provider"`
	IsProviderAvailable bool    `gorm:"column:is_provider_available;default:false" json:"is_provider_available"`
	ProviderApproved    bool    `gorm:"column:provider_approved;default:false" json:"provider_approved"`
	AvailableBalance    float64 `gorm:"column:available_balance;default:0" json:"available_balance"`
	StripeAccountID     string  `gorm:"column:stripe_account_id;size:255" json:"stripe_account_id,omitempty"`
}
