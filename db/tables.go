package db

import (
	"context"

	"github.com/alwitt/vitals/models"
	"gorm.io/gorm"
)

// --------------------------------------------------------------------------------------
// System audit events

// SystemEventAuditDBEntry system audit event DB entry
type SystemEventAuditDBEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (SystemEventAuditDBEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// System parameters

// SystemParamsDBEntry vault operating parameters DB entry
type SystemParamsDBEntry struct {
	models.SystemParams
}

// TableName hard code table name
func (SystemParamsDBEntry) TableName() string {
	return "system_params"
}

// --------------------------------------------------------------------------------------
// Vault metadata singletons

// CryptoMetadataDBEntry crypto metadata singleton DB entry
type CryptoMetadataDBEntry struct {
	models.CryptoMetadata
}

// TableName hard code table name
func (CryptoMetadataDBEntry) TableName() string {
	return "vault_metadata"
}

// DeviceKeyDBEntry device key singleton DB entry
type DeviceKeyDBEntry struct {
	models.DeviceKey
}

// TableName hard code table name
func (DeviceKeyDBEntry) TableName() string {
	return "device_keys"
}

// SyncWatermarkDBEntry sync watermark singleton DB entry
type SyncWatermarkDBEntry struct {
	models.SyncWatermark
}

// TableName hard code table name
func (SyncWatermarkDBEntry) TableName() string {
	return "sync_watermarks"
}

// --------------------------------------------------------------------------------------
// Encrypted records

// EntryRecordDBEntry encrypted measurement entry DB entry
type EntryRecordDBEntry struct {
	models.StoredRecord
}

// TableName hard code table name
func (EntryRecordDBEntry) TableName() string {
	return string(RecordTableEntries)
}

// ReminderRecordDBEntry encrypted reminder schedule DB entry
type ReminderRecordDBEntry struct {
	models.StoredRecord
}

// TableName hard code table name
func (ReminderRecordDBEntry) TableName() string {
	return string(RecordTableReminders)
}

// DefineTables migrate the vault table set onto a connection
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		SystemEventAuditDBEntry{},
		SystemParamsDBEntry{},
		CryptoMetadataDBEntry{},
		DeviceKeyDBEntry{},
		SyncWatermarkDBEntry{},
		EntryRecordDBEntry{},
		ReminderRecordDBEntry{},
	)
}
