// Package relay - server side store and HTTP surface for sharing
package relay

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserDBEntry DB entry wrapping a registered relay user
type UserDBEntry struct {
	// UserID client generated stable user ID
	UserID string `gorm:"column:user_id;primaryKey"`
	// FriendCode short human shareable code identifying the user
	FriendCode string `gorm:"column:friend_code;uniqueIndex;not null"`
	// DisplayName name shown to friends
	DisplayName string `gorm:"column:display_name;not null"`
	// AvatarB64 optional base64 avatar image
	AvatarB64 string `gorm:"column:avatar_b64"`
	// CreatedAt registration timestamp
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	// UpdatedAt last registration update
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName hard code table name
func (UserDBEntry) TableName() string {
	return "relay_users"
}

// UserTokenDBEntry DB entry wrapping one issued bearer token.
//
// A user accrues one row per device registration. Reissue adds a row
// instead of replacing, so tokens held by earlier devices stay valid.
type UserTokenDBEntry struct {
	// ID token entry ID
	ID string `gorm:"column:id;primaryKey"`
	// UserID the owning user
	UserID string `gorm:"column:user_id;index;not null"`
	// TokenHash SHA256 hex digest of the issued bearer token
	TokenHash string `gorm:"column:token_hash;uniqueIndex;not null"`
	// CreatedAt issue timestamp
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName hard code table name
func (UserTokenDBEntry) TableName() string {
	return "relay_tokens"
}

// SharedEntryDBEntry DB entry wrapping one user's shared measurement entry
type SharedEntryDBEntry struct {
	// UserID the owning user
	UserID string `gorm:"column:user_id;primaryKey"`
	// EntryID the entry ID
	EntryID string `gorm:"column:entry_id;primaryKey"`
	// MeasuredAt the logical event time in UTC
	MeasuredAt time.Time `gorm:"column:measured_at"`
	// DateLocal calendar date in the author's local zone at creation time
	DateLocal string `gorm:"column:date_local"`
	// WeightKG shared body weight
	WeightKG *float64 `gorm:"column:weight_kg"`
	// WaistCM shared waist circumference
	WaistCM *float64 `gorm:"column:waist_cm"`
	// UpdatedAt the merge tiebreaker. Managed by the upsert gate, not GORM.
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index;autoUpdateTime:false"`
	// IsDeleted tombstone marker
	IsDeleted bool `gorm:"column:is_deleted;not null;default:false"`
}

// TableName hard code table name
func (SharedEntryDBEntry) TableName() string {
	return "shared_entries"
}

// FriendLinkDBEntry DB entry wrapping a directed sharing grant.
//
// The owner shares their history with the friend, limited by the toggles.
type FriendLinkDBEntry struct {
	// ID link entry ID
	ID string `gorm:"column:id;primaryKey"`
	// OwnerID the user whose data is shared
	OwnerID string `gorm:"column:owner_id;index;not null;uniqueIndex:relay_friend_link_pair"`
	// FriendID the user granted visibility
	FriendID string `gorm:"column:friend_id;index;not null;uniqueIndex:relay_friend_link_pair"`
	// ShareWeight whether weight values are shared
	ShareWeight bool `gorm:"column:share_weight;not null;default:false"`
	// ShareWaist whether waist values are shared
	ShareWaist bool `gorm:"column:share_waist;not null;default:false"`
	// CreatedAt link creation timestamp
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName hard code table name
func (FriendLinkDBEntry) TableName() string {
	return "friend_links"
}

// UserStatusDBEntry DB entry wrapping one user's compact status summary
type UserStatusDBEntry struct {
	// UserID the owning user
	UserID string `gorm:"column:user_id;primaryKey"`
	// LoggedToday whether the user logged an entry today
	LoggedToday bool `gorm:"column:logged_today;not null;default:false"`
	// LastEntryDate the `date_local` of the user's most recent live entry
	LastEntryDate string `gorm:"column:last_entry_date"`
	// WeightKG latest shared weight
	WeightKG *float64 `gorm:"column:weight_kg"`
	// WaistCM latest shared waist
	WaistCM *float64 `gorm:"column:waist_cm"`
	// UpdatedAt last status push timestamp
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName hard code table name
func (UserStatusDBEntry) TableName() string {
	return "user_status"
}

// SharedReminderDBEntry DB entry wrapping one user's reminder schedule
type SharedReminderDBEntry struct {
	// UserID the owning user
	UserID string `gorm:"column:user_id;primaryKey"`
	// ReminderID the reminder ID
	ReminderID string `gorm:"column:reminder_id;primaryKey"`
	// Message reminder message text
	Message string `gorm:"column:message"`
	// TimeOfDay fire time in the reminder's timezone (`HH:MM`)
	TimeOfDay string `gorm:"column:time_of_day"`
	// Weekdays JSON array of weekdays the reminder fires on
	Weekdays datatypes.JSON `gorm:"column:weekdays"`
	// Timezone IANA timezone name
	Timezone string `gorm:"column:timezone"`
	// Enabled whether the reminder fires at all
	Enabled bool `gorm:"column:enabled;not null;default:false"`
	// NextFireAt computed next fire instant
	NextFireAt *time.Time `gorm:"column:next_fire_at"`
	// UpdatedAt the merge tiebreaker. Managed by the upsert gate, not GORM.
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	// IsDeleted tombstone marker
	IsDeleted bool `gorm:"column:is_deleted;not null;default:false"`
}

// TableName hard code table name
func (SharedReminderDBEntry) TableName() string {
	return "shared_reminders"
}

// DefineTables helper function meant to be used for unit-testing to prepare a
// database with tables
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		UserDBEntry{},
		UserTokenDBEntry{},
		SharedEntryDBEntry{},
		FriendLinkDBEntry{},
		UserStatusDBEntry{},
		SharedReminderDBEntry{},
	)
}
