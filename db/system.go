package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/vitals/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GlobalSystemParamEntryID ID of the singleton system parameter entry
const GlobalSystemParamEntryID = "system-parameters"

// getSystemParamEntry fetch the system param entry
//
// If the entry does not exist, initialize a new one.
func (d *databaseImpl) getSystemParamEntry() (SystemParamsDBEntry, error) {
	var entries []SystemParamsDBEntry
	dbErr := d.db.Where("id = ?", GlobalSystemParamEntryID).Find(&entries).Error
	if dbErr != nil {
		return SystemParamsDBEntry{}, fmt.Errorf("failed to read system params table [%w]", dbErr)
	}
	if len(entries) == 0 {
		// Make a new one
		newEntry := SystemParamsDBEntry{
			SystemParams: models.SystemParams{
				ID:    GlobalSystemParamEntryID,
				State: models.SystemStatePreInit,
			},
		}
		if dbErr = d.db.Create(&newEntry).Error; dbErr != nil {
			return SystemParamsDBEntry{}, fmt.Errorf(
				"failed to setup singleton system params table [%w]", dbErr,
			)
		}
		return newEntry, nil
	}
	return entries[0], nil
}

/*
GetSystemParamEntry fetch the global singleton system parameter entry

	@param ctx context.Context - execution context
	@returns the entry
*/
func (d *databaseImpl) GetSystemParamEntry(_ context.Context) (models.SystemParams, error) {
	entry, err := d.getSystemParamEntry()
	if err != nil {
		return entry.SystemParams, fmt.Errorf("unable to fetch system parameter entry [%w]", err)
	}
	return entry.SystemParams, nil
}

// updateSystemParamState update the system parameter entry with new state
func (d *databaseImpl) updateSystemParamState(newState models.SystemStateENUMType) error {
	entry, err := d.getSystemParamEntry()
	if err != nil {
		return fmt.Errorf("unable to fetch system parameter entry [%w]", err)
	}

	if entry.State == newState {
		// NOOP
		return nil
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("vault state change to %s not allowed [%w]", newState, err)
	}

	oldState := entry.State
	entry.State = newState
	if tmp := d.db.Updates(&entry); tmp.Error != nil {
		return fmt.Errorf("vault state change update failed [%w]", tmp.Error)
	}

	// record this event
	switch newState {
	case models.SystemStateInit:
		_, err = d.defineNewSystemEvent(models.SystemEventTypeInitializing, nil)
		if err != nil {
			return fmt.Errorf("failed to log vault state change audit event [%w]", err)
		}

	case models.SystemStateRunning:
		if oldState == models.SystemStateInit {
			_, err = d.defineNewSystemEvent(models.SystemEventTypeInitialized, nil)
			if err != nil {
				return fmt.Errorf("failed to log vault state change audit event [%w]", err)
			}
		}
	}

	return nil
}

/*
MarkSystemInitializing mark vault is initializing

	@param ctx context.Context - execution context
*/
func (d *databaseImpl) MarkSystemInitializing(_ context.Context) error {
	return d.updateSystemParamState(models.SystemStateInit)
}

/*
MarkSystemInitialized mark vault fully initialized

	@param ctx context.Context - execution context
*/
func (d *databaseImpl) MarkSystemInitialized(_ context.Context) error {
	return d.updateSystemParamState(models.SystemStateRunning)
}

// ======================================================================================
// Vault metadata singletons

/*
GetCryptoMetadata fetch the crypto metadata singleton

	@param ctx context.Context - execution context
	@returns the entry, or ErrNotFound before first initialization
*/
func (d *databaseImpl) GetCryptoMetadata(_ context.Context) (models.CryptoMetadata, error) {
	var entry CryptoMetadataDBEntry
	if tmp := d.db.Where(
		"id = ?", models.GlobalCryptoMetadataEntryID,
	).First(&entry); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return models.CryptoMetadata{}, fmt.Errorf("no crypto metadata yet [%w]", ErrNotFound)
		}
		return models.CryptoMetadata{}, fmt.Errorf("failed to fetch crypto metadata [%w]", tmp.Error)
	}
	return entry.CryptoMetadata, nil
}

/*
PutCryptoMetadata upsert the crypto metadata singleton

	@param ctx context.Context - execution context
	@param meta models.CryptoMetadata - the new metadata
*/
func (d *databaseImpl) PutCryptoMetadata(_ context.Context, meta models.CryptoMetadata) error {
	meta.ID = models.GlobalCryptoMetadataEntryID
	entry := CryptoMetadataDBEntry{CryptoMetadata: meta}

	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("crypto metadata entry is invalid [%w]", err)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"mode", "salt", "iterations", "check_ciphertext", "check_nonce"},
		),
	}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("crypto metadata upsert failed [%w]", tmp.Error)
	}
	return nil
}

/*
GetDeviceKey fetch the device key singleton

	@param ctx context.Context - execution context
	@returns the entry, or ErrNotFound before first initialization
*/
func (d *databaseImpl) GetDeviceKey(_ context.Context) (models.DeviceKey, error) {
	var entry DeviceKeyDBEntry
	if tmp := d.db.Where(
		"id = ?", models.GlobalDeviceKeyEntryID,
	).First(&entry); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return models.DeviceKey{}, fmt.Errorf("no device key yet [%w]", ErrNotFound)
		}
		return models.DeviceKey{}, fmt.Errorf("failed to fetch device key [%w]", tmp.Error)
	}
	return entry.DeviceKey, nil
}

/*
PutDeviceKey upsert the device key singleton

	@param ctx context.Context - execution context
	@param key models.DeviceKey - the device key
*/
func (d *databaseImpl) PutDeviceKey(_ context.Context, key models.DeviceKey) error {
	key.ID = models.GlobalDeviceKeyEntryID
	entry := DeviceKeyDBEntry{DeviceKey: key}

	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("device key entry is invalid [%w]", err)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"material"}),
	}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("device key upsert failed [%w]", tmp.Error)
	}
	return nil
}

/*
GetSyncWatermark fetch the push watermark

	@param ctx context.Context - execution context
	@returns the watermark; zero valued before the first successful push
*/
func (d *databaseImpl) GetSyncWatermark(_ context.Context) (models.SyncWatermark, error) {
	var entries []SyncWatermarkDBEntry
	if tmp := d.db.Where(
		"id = ?", models.GlobalSyncWatermarkEntryID,
	).Find(&entries); tmp.Error != nil {
		return models.SyncWatermark{}, fmt.Errorf("failed to fetch sync watermark [%w]", tmp.Error)
	}
	if len(entries) == 0 {
		return models.SyncWatermark{ID: models.GlobalSyncWatermarkEntryID}, nil
	}
	return entries[0].SyncWatermark, nil
}

/*
SetSyncWatermark advance the push watermark

	@param ctx context.Context - execution context
	@param pushedThrough time.Time - the new watermark timestamp
*/
func (d *databaseImpl) SetSyncWatermark(_ context.Context, pushedThrough time.Time) error {
	entry := SyncWatermarkDBEntry{
		SyncWatermark: models.SyncWatermark{
			ID:            models.GlobalSyncWatermarkEntryID,
			PushedThrough: pushedThrough,
		},
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pushed_through"}),
	}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("sync watermark upsert failed [%w]", tmp.Error)
	}
	return nil
}
