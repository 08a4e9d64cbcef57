package relay

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

/*
resolveLoggedToday settle the logged-today flag for a stored status report.

Clients report the flag against their own local calendar, which goes stale as
soon as their day rolls over. When the user has a live reminder its timezone
is the best available stand-in for the user's calendar, so the flag is
recomputed from `last_entry_date` against today in that zone. Without a
usable timezone the last client-reported flag stands.
*/
func resolveLoggedToday(tx *gorm.DB, userID string, row UserStatusDBEntry) (bool, error) {
	if row.LastEntryDate == "" {
		return false, nil
	}

	var reminder SharedReminderDBEntry
	lookup := tx.Where(
		&SharedReminderDBEntry{UserID: userID, Enabled: true},
	).Where("is_deleted = ?", false).First(&reminder)
	if lookup.Error != nil {
		if errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
			return row.LoggedToday, nil
		}
		return false, lookup.Error
	}

	location, err := time.LoadLocation(reminder.Timezone)
	if err != nil {
		return row.LoggedToday, nil
	}
	return row.LastEntryDate == time.Now().In(location).Format("2006-01-02"), nil
}
