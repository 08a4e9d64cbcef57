package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ReminderStore manages the locally cached reminder schedules.
//
// Reminders are encrypted at rest like entries, but once a relay connection
// exists the relay's copy is authoritative; ApplyRemote replaces the local
// cache wholesale after every pull.
type ReminderStore interface {
	/*
		LoadAll load every live reminder from storage

			@param ctx context.Context - execution context
			@returns live reminders
	*/
	LoadAll(ctx context.Context) ([]models.Reminder, error)

	/*
		Save record a new reminder or edit an existing one

			@param ctx context.Context - execution context
			@param reminder models.Reminder - the reminder to persist
			@returns the reminder as persisted
	*/
	Save(ctx context.Context, reminder models.Reminder) (models.Reminder, error)

	/*
		Delete tombstone a reminder

			@param ctx context.Context - execution context
			@param reminderID string - the reminder ID
	*/
	Delete(ctx context.Context, reminderID string) error

	/*
		ApplyRemote replace the local cache with the relay's authoritative copy

		Unlike entry merging this is wholesale; the relay already resolved
		conflicts, so every relay reminder lands as given, tombstones included.

			@param ctx context.Context - execution context
			@param remote []models.Reminder - the relay reminder schedules
	*/
	ApplyRemote(ctx context.Context, remote []models.Reminder) error
}

// reminderStore implements ReminderStore
type reminderStore struct {
	goutils.Component

	persistence db.Client
	keys        encryption.KeyManager
}

/*
NewReminderStore define new reminder store

	@param ctx context.Context - execution context
	@param persistence db.Client - persistence layer client
	@param keys encryption.KeyManager - vault key manager
	@returns store instance
*/
func NewReminderStore(
	_ context.Context, persistence db.Client, keys encryption.KeyManager,
) (ReminderStore, error) {
	logTags := log.Fields{"module": "store", "component": "reminder-store"}

	return &reminderStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		keys:        keys,
	}, nil
}

// sealReminder encrypt a reminder into its record row
func (s *reminderStore) sealReminder(
	ctx context.Context, reminder models.Reminder,
) (models.StoredRecord, error) {
	ciphertext, nonce, err := s.keys.EncryptPayload(ctx, models.NewReminderPayload(reminder))
	if err != nil {
		return models.StoredRecord{}, err
	}
	return models.StoredRecord{
		ID:         reminder.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		UpdatedAt:  reminder.UpdatedAt,
		IsDeleted:  reminder.IsDeleted,
		CreatedAt:  reminder.CreatedAt,
	}, nil
}

/*
LoadAll load every live reminder from storage

	@param ctx context.Context - execution context
	@returns live reminders
*/
func (s *reminderStore) LoadAll(ctx context.Context) ([]models.Reminder, error) {
	logTags := s.GetLogTagsForContext(ctx)

	if !s.keys.Unlocked() {
		return nil, encryption.ErrVaultLocked
	}

	var records []models.StoredRecord
	if dbErr := s.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			records, err = dbClient.ListRecords(dbCtx, db.RecordTableReminders, db.RecordQueryFilter{})
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list reminder records [%w]", dbErr)
	}

	reminders := make([]models.Reminder, 0, len(records))
	for _, record := range records {
		if record.IsDeleted {
			continue
		}
		var raw json.RawMessage
		if err := s.keys.DecryptPayload(ctx, record.Ciphertext, record.Nonce, &raw); err != nil {
			if errors.Is(err, encryption.ErrVaultLocked) {
				return nil, err
			}
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Skipping undecryptable reminder record")
			continue
		}
		reminder, err := models.DecodeReminderPayload(raw, record)
		if err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Skipping malformed reminder record")
			continue
		}
		reminders = append(reminders, reminder)
	}

	return reminders, nil
}

/*
Save record a new reminder or edit an existing one

	@param ctx context.Context - execution context
	@param reminder models.Reminder - the reminder to persist
	@returns the reminder as persisted
*/
func (s *reminderStore) Save(
	ctx context.Context, reminder models.Reminder,
) (models.Reminder, error) {
	if !s.keys.Unlocked() {
		return models.Reminder{}, encryption.ErrVaultLocked
	}

	now := time.Now().UTC()
	priorUpdate := time.Time{}

	if reminder.ID == "" {
		reminder.ID = uuid.NewString()
		reminder.CreatedAt = now
	} else {
		var existingRecord models.StoredRecord
		dbErr := s.persistence.UseDatabase(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				var err error
				existingRecord, err = dbClient.GetRecord(dbCtx, db.RecordTableReminders, reminder.ID)
				return err
			},
		)
		if dbErr == nil {
			reminder.CreatedAt = existingRecord.CreatedAt
			priorUpdate = existingRecord.UpdatedAt
		} else if errors.Is(dbErr, db.ErrNotFound) {
			if reminder.CreatedAt.IsZero() {
				reminder.CreatedAt = now
			}
		} else {
			return models.Reminder{}, fmt.Errorf("failed to check for existing reminder [%w]", dbErr)
		}
	}

	reminder.UpdatedAt = nextUpdateTimestamp(priorUpdate)
	reminder.IsDeleted = false

	record, err := s.sealReminder(ctx, reminder)
	if err != nil {
		return models.Reminder{}, fmt.Errorf("failed to seal reminder [%w]", err)
	}

	if dbErr := s.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.PutRecord(dbCtx, db.RecordTableReminders, record)
		},
	); dbErr != nil {
		return models.Reminder{}, fmt.Errorf("failed to store reminder '%s' [%w]", reminder.ID, dbErr)
	}

	return reminder, nil
}

/*
Delete tombstone a reminder

	@param ctx context.Context - execution context
	@param reminderID string - the reminder ID
*/
func (s *reminderStore) Delete(ctx context.Context, reminderID string) error {
	if !s.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	var existingRecord models.StoredRecord
	if dbErr := s.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			existingRecord, err = dbClient.GetRecord(dbCtx, db.RecordTableReminders, reminderID)
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to fetch reminder '%s' [%w]", reminderID, dbErr)
	}

	tombstone := models.Reminder{
		ID:        reminderID,
		CreatedAt: existingRecord.CreatedAt,
		UpdatedAt: nextUpdateTimestamp(existingRecord.UpdatedAt),
		IsDeleted: true,
	}

	record, err := s.sealReminder(ctx, tombstone)
	if err != nil {
		return fmt.Errorf("failed to seal reminder tombstone [%w]", err)
	}

	if dbErr := s.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.PutRecord(dbCtx, db.RecordTableReminders, record)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to tombstone reminder '%s' [%w]", reminderID, dbErr)
	}

	return nil
}

/*
ApplyRemote replace the local cache with the relay's authoritative copy

	@param ctx context.Context - execution context
	@param remote []models.Reminder - the relay reminder schedules
*/
func (s *reminderStore) ApplyRemote(ctx context.Context, remote []models.Reminder) error {
	logTags := s.GetLogTagsForContext(ctx)

	if !s.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	for _, reminder := range remote {
		record, err := s.sealReminder(ctx, reminder)
		if err != nil {
			return fmt.Errorf("failed to seal relay reminder '%s' [%w]", reminder.ID, err)
		}
		if dbErr := s.persistence.UseDatabase(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				return dbClient.PutRecord(dbCtx, db.RecordTableReminders, record)
			},
		); dbErr != nil {
			return fmt.Errorf("failed to store relay reminder '%s' [%w]", reminder.ID, dbErr)
		}
	}

	log.WithFields(logTags).WithField("reminders", len(remote)).Debug("Refreshed reminder cache")
	return nil
}
