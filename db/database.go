package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// ErrNotFound the requested entry does not exist
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable the local persistence layer is inaccessible
var ErrStorageUnavailable = errors.New("storage unavailable")

// RecordTable selector for the encrypted record tables
type RecordTable string

const (
	// RecordTableEntries the measurement entry records
	RecordTableEntries RecordTable = "entry_records"
	// RecordTableReminders the reminder schedule records
	RecordTableReminders RecordTable = "reminder_records"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// RecordQueryFilter encrypted record query filter conditions
type RecordQueryFilter struct {
	CommonListEntryQueryFilter
	// UpdatedSince fetch only records with `updated_at` at or after this instant
	UpdatedSince *time.Time
}

// Database the database handle for interacting with the local vault database
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	/*
		RecordKeyModeEvent record a key lifecycle audit event

			@param ctx context.Context - execution context
			@param eventType models.SystemEventTypeENUMType - the key lifecycle event type
			@param mode models.CryptoModeENUMType - the encryption mode after the event
	*/
	RecordKeyModeEvent(
		ctx context.Context,
		eventType models.SystemEventTypeENUMType,
		mode models.CryptoModeENUMType,
	) error

	/*
		RecordPushEvent record a committed sync push audit event

			@param ctx context.Context - execution context
			@param pushed int - number of records in the batch
			@param watermark time.Time - the watermark after the batch committed
	*/
	RecordPushEvent(ctx context.Context, pushed int, watermark time.Time) error

	// ------------------------------------------------------------------------------------
	// System parameters

	/*
		GetSystemParamEntry fetch the global singleton system parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetSystemParamEntry(ctx context.Context) (models.SystemParams, error)

	/*
		MarkSystemInitializing mark vault is initializing

			@param ctx context.Context - execution context
	*/
	MarkSystemInitializing(ctx context.Context) error

	/*
		MarkSystemInitialized mark vault fully initialized

			@param ctx context.Context - execution context
	*/
	MarkSystemInitialized(ctx context.Context) error

	// ------------------------------------------------------------------------------------
	// Vault metadata singletons

	/*
		GetCryptoMetadata fetch the crypto metadata singleton

			@param ctx context.Context - execution context
			@returns the entry, or ErrNotFound before first initialization
	*/
	GetCryptoMetadata(ctx context.Context) (models.CryptoMetadata, error)

	/*
		PutCryptoMetadata upsert the crypto metadata singleton

			@param ctx context.Context - execution context
			@param meta models.CryptoMetadata - the new metadata
	*/
	PutCryptoMetadata(ctx context.Context, meta models.CryptoMetadata) error

	/*
		GetDeviceKey fetch the device key singleton

			@param ctx context.Context - execution context
			@returns the entry, or ErrNotFound before first initialization
	*/
	GetDeviceKey(ctx context.Context) (models.DeviceKey, error)

	/*
		PutDeviceKey upsert the device key singleton

			@param ctx context.Context - execution context
			@param key models.DeviceKey - the device key
	*/
	PutDeviceKey(ctx context.Context, key models.DeviceKey) error

	/*
		GetSyncWatermark fetch the push watermark

			@param ctx context.Context - execution context
			@returns the watermark; zero valued before the first successful push
	*/
	GetSyncWatermark(ctx context.Context) (models.SyncWatermark, error)

	/*
		SetSyncWatermark advance the push watermark

			@param ctx context.Context - execution context
			@param pushedThrough time.Time - the new watermark timestamp
	*/
	SetSyncWatermark(ctx context.Context, pushedThrough time.Time) error

	// ------------------------------------------------------------------------------------
	// Encrypted records

	/*
		GetRecord fetch one encrypted record

			@param ctx context.Context - execution context
			@param table RecordTable - the record table
			@param recordID string - the record ID
			@returns the record
	*/
	GetRecord(ctx context.Context, table RecordTable, recordID string) (models.StoredRecord, error)

	/*
		PutRecord upsert one encrypted record by ID

			@param ctx context.Context - execution context
			@param table RecordTable - the record table
			@param record models.StoredRecord - the record to store
	*/
	PutRecord(ctx context.Context, table RecordTable, record models.StoredRecord) error

	/*
		ReplaceRecordCiphertext swap a record's ciphertext without touching sync metadata

		Used during key rotation; `updated_at` and the tombstone flag must survive
		re-encryption untouched.

			@param ctx context.Context - execution context
			@param table RecordTable - the record table
			@param recordID string - the record ID
			@param ciphertext []byte - the new ciphertext
			@param nonce []byte - the new nonce
	*/
	ReplaceRecordCiphertext(
		ctx context.Context, table RecordTable, recordID string, ciphertext []byte, nonce []byte,
	) error

	/*
		DeleteRecord physically remove one encrypted record

		Soft deletion is handled above this layer by upserting a tombstone; this is
		only for purging.

			@param ctx context.Context - execution context
			@param table RecordTable - the record table
			@param recordID string - the record ID
	*/
	DeleteRecord(ctx context.Context, table RecordTable, recordID string) error

	/*
		ListRecords list encrypted records, tombstones included

			@param ctx context.Context - execution context
			@param table RecordTable - the record table
			@param filters RecordQueryFilter - entry listing filter
			@return list of records ordered by `updated_at` ascending
	*/
	ListRecords(
		ctx context.Context, table RecordTable, filters RecordQueryFilter,
	) ([]models.StoredRecord, error)
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "vitals", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}
