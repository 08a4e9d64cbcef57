package models

import "time"

// Relay HTTP wire shapes. Encryption never crosses the wire; the relay stores
// the plaintext values the user has chosen to share.

// RegisterRequest body of `POST /v1/register`
type RegisterRequest struct {
	// UserID client generated stable user ID
	UserID string `json:"user_id" validate:"required,uuid_rfc4122"`
	// FriendCode short human shareable code identifying the user
	FriendCode string `json:"friend_code" validate:"required"`
	// DisplayName name shown to friends
	DisplayName string `json:"display_name" validate:"required"`
	// AvatarB64 optional base64 avatar image
	AvatarB64 string `json:"avatar_b64,omitempty"`
}

// RegisterResponse response of `POST /v1/register`
type RegisterResponse struct {
	// Token the bearer token for subsequent calls
	Token string `json:"token"`
	// FriendCode the registered friend code
	FriendCode string `json:"friend_code"`
	// UserID the registered user ID
	UserID string `json:"user_id"`
	// Reissued whether an existing registration had its token reissued
	Reissued bool `json:"reissued,omitempty"`
}

// WireEntry one shared entry on the wire
type WireEntry struct {
	// EntryID the entry ID
	EntryID string `json:"entry_id" validate:"required,uuid_rfc4122"`
	// MeasuredAt the logical event time in UTC
	MeasuredAt time.Time `json:"measured_at"`
	// DateLocal calendar date in the author's local zone at creation time
	DateLocal string `json:"date_local"`
	// WeightKG shared body weight; null on tombstones or when not shared
	WeightKG *float64 `json:"weight_kg"`
	// WaistCM shared waist circumference; null on tombstones or when not shared
	WaistCM *float64 `json:"waist_cm"`
	// UpdatedAt last modification timestamp; the merge tiebreaker
	UpdatedAt time.Time `json:"updated_at"`
	// IsDeleted tombstone marker
	IsDeleted bool `json:"is_deleted"`
}

// HistoryPushRequest body of `POST /v1/history`
type HistoryPushRequest struct {
	// Entries the batch of entries to upsert
	Entries []WireEntry `json:"entries" validate:"required,dive"`
}

// HistoryPushResponse response of `POST /v1/history`
type HistoryPushResponse struct {
	// Status outcome indicator
	Status string `json:"status"`
	// Count number of entries applied (no-op duplicates excluded)
	Count int `json:"count"`
}

// ShareSettings per friendship sharing toggles
type ShareSettings struct {
	// ShareWeight whether weight values are shared
	ShareWeight bool `json:"share_weight"`
	// ShareWaist whether waist values are shared
	ShareWaist bool `json:"share_waist"`
}

// FriendHistory one friend's shared entries in a pull response
type FriendHistory struct {
	// FriendCode the friend's code
	FriendCode string `json:"friend_code"`
	// Entries the friend's shared entries, filtered by their sharing toggles
	Entries []WireEntry `json:"entries"`
	// ShareFromFriend the toggles the friend granted this user
	ShareFromFriend ShareSettings `json:"share_from_friend"`
}

// HistoryPullResponse response of `GET /v1/history`
type HistoryPullResponse struct {
	// Friends per friend shared history
	Friends []FriendHistory `json:"friends"`
}

// StatusReport body of `POST /v1/status`; a compact status summary
type StatusReport struct {
	// LoggedToday whether an entry exists for the client's local today
	LoggedToday bool `json:"logged_today"`
	// LastEntryDate the `date_local` of the most recent live entry
	LastEntryDate string `json:"last_entry_date"`
	// WeightKG latest shared weight, subject to sharing toggles
	WeightKG *float64 `json:"weight_kg"`
	// WaistCM latest shared waist, subject to sharing toggles
	WaistCM *float64 `json:"waist_cm"`
}

// StatusResponse response of `POST /v1/status`
type StatusResponse struct {
	// Status outcome indicator
	Status string `json:"status"`
}

// WireReminder one reminder schedule on the wire
type WireReminder struct {
	// ReminderID the reminder ID
	ReminderID string `json:"reminder_id" validate:"required,uuid_rfc4122"`
	// Message reminder message text
	Message string `json:"message"`
	// TimeOfDay fire time in the reminder's timezone (`HH:MM`)
	TimeOfDay string `json:"time_of_day"`
	// Weekdays weekdays the reminder fires on; empty means every day
	Weekdays []time.Weekday `json:"weekdays"`
	// Timezone IANA timezone name
	Timezone string `json:"timezone"`
	// Enabled whether the reminder fires at all
	Enabled bool `json:"enabled"`
	// NextFireAt the relay computed next fire instant
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	// UpdatedAt last modification timestamp; the merge tiebreaker
	UpdatedAt time.Time `json:"updated_at"`
	// IsDeleted tombstone marker
	IsDeleted bool `json:"is_deleted"`
}

// ReminderPushRequest body of `POST /v1/reminders`
type ReminderPushRequest struct {
	// Reminders the batch of reminder schedules to upsert
	Reminders []WireReminder `json:"reminders" validate:"required,dive"`
}

// ReminderListResponse response of `GET /v1/reminders`
type ReminderListResponse struct {
	// Reminders the relay authoritative reminder schedules
	Reminders []WireReminder `json:"reminders"`
}
