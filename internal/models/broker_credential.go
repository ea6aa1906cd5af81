package models

import (
	"time"

	"gorm.io/gorm"
)

// BrokerCredential holds one MT5 account login for a user. The password is
// AES-GCM encrypted at rest; the plaintext only exists while opening a venue
// session. The backend records connection outcomes but does not manage the
// broker account itself.
type BrokerCredential struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	UserID            uint           `gorm:"index;not null" json:"user_id"`
	Label             string         `gorm:"size:50" json:"label"`
	Login             int64          `gorm:"not null" json:"login"`
	Server            string         `gorm:"size:100;not null" json:"server"`
	PasswordEncrypted string         `gorm:"size:255;not null" json:"-"`
	IsDefault         bool           `gorm:"default:false" json:"is_default"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName specifies the table name for BrokerCredential model
func (BrokerCredential) TableName() string {
	return "broker_credentials"
}
