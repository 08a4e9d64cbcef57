package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/store"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func TestReminderStoreLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/vitals_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	sqlClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(sqlClient.RunSQLInTransaction(utCtx, db.DefineTables))

	keys, err := encryption.NewKeyManager(utCtx, encryption.KeyManagerParams{Persistence: sqlClient})
	assert.Nil(err)
	assert.Nil(keys.UnlockDevice(utCtx))

	uut, err := store.NewReminderStore(utCtx, sqlClient, keys)
	assert.Nil(err)

	// 1. Empty store
	reminders, err := uut.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(reminders)

	// 2. Record a reminder
	saved, err := uut.Save(utCtx, models.Reminder{
		Message:   "log your weight",
		TimeOfDay: "07:30",
		Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		Timezone:  "America/New_York",
		Enabled:   true,
	})
	assert.Nil(err)
	assert.NotEmpty(saved.ID)

	reminders, err = uut.LoadAll(utCtx)
	assert.Nil(err)
	assert.Len(reminders, 1)
	assert.Equal("log your weight", reminders[0].Message)
	assert.Equal([]time.Weekday{time.Monday, time.Thursday}, reminders[0].Weekdays)

	// 3. Edit it; updated_at advances
	edited := saved
	edited.TimeOfDay = "08:00"
	editedSaved, err := uut.Save(utCtx, edited)
	assert.Nil(err)
	assert.Equal(saved.ID, editedSaved.ID)
	assert.True(editedSaved.UpdatedAt.After(saved.UpdatedAt))

	// 4. Tombstone it
	assert.Nil(uut.Delete(utCtx, saved.ID))
	reminders, err = uut.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(reminders)

	// 5. The relay copy replaces the cache wholesale
	fireAt := time.Now().UTC().Add(time.Hour * 12)
	remote := models.Reminder{
		ID:         uuid.NewString(),
		Message:    "weigh in",
		TimeOfDay:  "07:30",
		Timezone:   "UTC",
		Enabled:    true,
		NextFireAt: &fireAt,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	assert.Nil(uut.ApplyRemote(utCtx, []models.Reminder{remote}))

	reminders, err = uut.LoadAll(utCtx)
	assert.Nil(err)
	assert.Len(reminders, 1)
	assert.Equal(remote.ID, reminders[0].ID)
	assert.NotNil(reminders[0].NextFireAt)

	// 6. Locked store refuses
	keys.Lock()
	_, err = uut.LoadAll(utCtx)
	assert.ErrorIs(err, encryption.ErrVaultLocked)
}
