package model

import "time"

// DestinationType identifies one compiled-in publishing destination.
type DestinationType string

const (
	DestinationYouTube  DestinationType = "youtube"
	DestinationFacebook DestinationType = "facebook"
	DestinationTikTok   DestinationType = "tiktok"
)

// AccountStatus is the authorization state of a linked account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountNeedsReauth AccountStatus = "needs_reauth"
	AccountDisabled    AccountStatus = "disabled"
)

// Account is one authorized identity on one destination. Accounts are
// soft-disabled, never deleted, so historical tasks keep their reference.
type Account struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OwnerID        string          `json:"owner_id" gorm:"type:varchar(128);not null;index"`
	Destination    DestinationType `json:"destination" gorm:"type:varchar(32);not null;uniqueIndex:ux_accounts_destination_external,priority:1"`
	ExternalUserID string          `json:"external_user_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_accounts_destination_external,priority:2"`
	DisplayName    string          `json:"display_name" gorm:"type:varchar(255)"`
	Status         AccountStatus   `json:"status" gorm:"type:varchar(32);not null;default:active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName implements the gorm tabler interface.
func (Account) TableName() string { return "accounts" }

// Usable reports whether tasks may run against the account.
func (a *Account) Usable() bool { return a != nil && a.Status == AccountActive }
