package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        string `gorm:"type:varchar(255);index" json:"email"`
	PasswordHash string `gorm:"type:varchar(255)" json:"-"`

	// SessionEpoch is the unix-ms timestamp of the most recent login. Tokens
	// minted under an older epoch are rejected, so at most one session per
	// user is valid at a time.
	SessionEpoch int64 `gorm:"not null;default:0" json:"-"`

	IsAdmin bool `gorm:"not null;default:false" json:"is_admin"`
	IsGuest bool `gorm:"not null;default:false" json:"is_guest"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
