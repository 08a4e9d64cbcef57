package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reminder a measurement reminder schedule
//
// Reminders follow the same last-write-wins merge discipline as entries, but
// once a relay connection exists the relay copy is authoritative and the local
// copy is only a cache.
type Reminder struct {
	// ID client generated reminder ID
	ID string `json:"id" validate:"required,uuid_rfc4122"`

	// Message reminder message text
	Message string `json:"message" validate:"required"`
	// TimeOfDay fire time in the reminder's timezone (`HH:MM`, 24 hour)
	TimeOfDay string `json:"time_of_day" validate:"required,datetime=15:04"`
	// Weekdays weekdays the reminder fires on (time.Sunday..time.Saturday);
	// empty means every day
	Weekdays []time.Weekday `json:"weekdays"`
	// Timezone IANA timezone name the schedule is anchored to
	Timezone string `json:"timezone" validate:"required"`
	// Enabled whether the reminder fires at all
	Enabled bool `json:"enabled"`

	// NextFireAt the computed next fire instant; maintained by the relay
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	// CreatedAt reminder creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt last modification timestamp; the merge tiebreaker
	UpdatedAt time.Time `json:"updated_at"`

	// IsDeleted soft delete tombstone marker
	IsDeleted bool `json:"is_deleted"`
}

// ReminderPayload the plaintext payload sealed inside a reminder record
type ReminderPayload struct {
	// Message reminder message text
	Message string `json:"message"`
	// TimeOfDay fire time in the reminder's timezone
	TimeOfDay string `json:"time_of_day"`
	// Weekdays weekdays the reminder fires on
	Weekdays []time.Weekday `json:"weekdays"`
	// Timezone IANA timezone name
	Timezone string `json:"timezone"`
	// Enabled whether the reminder fires at all
	Enabled bool `json:"enabled"`
	// NextFireAt the relay computed next fire instant
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	// CreatedAt reminder creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

/*
NewReminderPayload build the payload for a reminder

	@param reminder Reminder - the source reminder
	@returns payload to seal
*/
func NewReminderPayload(reminder Reminder) ReminderPayload {
	return ReminderPayload{
		Message:    reminder.Message,
		TimeOfDay:  reminder.TimeOfDay,
		Weekdays:   reminder.Weekdays,
		Timezone:   reminder.Timezone,
		Enabled:    reminder.Enabled,
		NextFireAt: reminder.NextFireAt,
		CreatedAt:  reminder.CreatedAt,
	}
}

/*
DecodeReminderPayload parse a plaintext payload and reconstruct the reminder

	@param raw []byte - plaintext payload JSON
	@param record StoredRecord - the enclosing encrypted record
	@returns the reconstructed reminder
*/
func DecodeReminderPayload(raw []byte, record StoredRecord) (Reminder, error) {
	var payload ReminderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Reminder{}, fmt.Errorf("reminder payload parse failed [%w]", err)
	}

	return Reminder{
		ID:         record.ID,
		Message:    payload.Message,
		TimeOfDay:  payload.TimeOfDay,
		Weekdays:   payload.Weekdays,
		Timezone:   payload.Timezone,
		Enabled:    payload.Enabled,
		NextFireAt: payload.NextFireAt,
		CreatedAt:  payload.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
		IsDeleted:  record.IsDeleted,
	}, nil
}
