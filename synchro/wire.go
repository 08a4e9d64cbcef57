package synchro

import (
	"github.com/alwitt/vitals/models"
)

// entryToWire project an entry onto the relay wire shape
func entryToWire(entry models.Entry) models.WireEntry {
	return models.WireEntry{
		EntryID:    entry.ID,
		MeasuredAt: entry.MeasuredAt,
		DateLocal:  entry.DateLocal,
		WeightKG:   entry.WeightKG,
		WaistCM:    entry.WaistCM,
		UpdatedAt:  entry.UpdatedAt,
		IsDeleted:  entry.IsDeleted,
	}
}

// wireToEntry reconstruct an entry from the relay wire shape.
//
// Creation time does not cross the wire; the measurement instant stands in
// for it on records first seen remotely.
func wireToEntry(wire models.WireEntry) models.Entry {
	return models.Entry{
		ID:         wire.EntryID,
		MeasuredAt: wire.MeasuredAt,
		DateLocal:  wire.DateLocal,
		WeightKG:   wire.WeightKG,
		WaistCM:    wire.WaistCM,
		CreatedAt:  wire.MeasuredAt,
		UpdatedAt:  wire.UpdatedAt,
		IsDeleted:  wire.IsDeleted,
	}
}

// reminderToWire project a reminder onto the relay wire shape
func reminderToWire(reminder models.Reminder) models.WireReminder {
	return models.WireReminder{
		ReminderID: reminder.ID,
		Message:    reminder.Message,
		TimeOfDay:  reminder.TimeOfDay,
		Weekdays:   reminder.Weekdays,
		Timezone:   reminder.Timezone,
		Enabled:    reminder.Enabled,
		NextFireAt: reminder.NextFireAt,
		UpdatedAt:  reminder.UpdatedAt,
		IsDeleted:  reminder.IsDeleted,
	}
}

// wireToReminder reconstruct a reminder from the relay wire shape
func wireToReminder(wire models.WireReminder) models.Reminder {
	return models.Reminder{
		ID:         wire.ReminderID,
		Message:    wire.Message,
		TimeOfDay:  wire.TimeOfDay,
		Weekdays:   wire.Weekdays,
		Timezone:   wire.Timezone,
		Enabled:    wire.Enabled,
		NextFireAt: wire.NextFireAt,
		CreatedAt:  wire.UpdatedAt,
		UpdatedAt:  wire.UpdatedAt,
		IsDeleted:  wire.IsDeleted,
	}
}
