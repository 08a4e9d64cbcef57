package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/vitals/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Encrypted records
//
// Both record tables (entries and reminders) share one row shape; the table
// selector picks which one a call touches.

/*
GetRecord fetch one encrypted record

	@param ctx context.Context - execution context
	@param table RecordTable - the record table
	@param recordID string - the record ID
	@returns the record
*/
func (d *databaseImpl) GetRecord(
	_ context.Context, table RecordTable, recordID string,
) (models.StoredRecord, error) {
	var entry models.StoredRecord
	if tmp := d.db.Table(string(table)).Where("id = ?", recordID).First(&entry); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return models.StoredRecord{}, fmt.Errorf(
				"record %s missing from %s [%w]", recordID, table, ErrNotFound,
			)
		}
		return models.StoredRecord{}, fmt.Errorf(
			"failed to fetch record %s from %s [%w]", recordID, table, tmp.Error,
		)
	}
	return entry, nil
}

/*
PutRecord upsert one encrypted record by ID

	@param ctx context.Context - execution context
	@param table RecordTable - the record table
	@param record models.StoredRecord - the record to store
*/
func (d *databaseImpl) PutRecord(
	_ context.Context, table RecordTable, record models.StoredRecord,
) error {
	if err := d.validator.Struct(&record); err != nil {
		return fmt.Errorf("record %s for %s is invalid [%w]", record.ID, table, err)
	}

	if tmp := d.db.Table(string(table)).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"ciphertext", "nonce", "updated_at", "is_deleted"},
		),
	}).Create(&record); tmp.Error != nil {
		return fmt.Errorf("record %s upsert into %s failed [%w]", record.ID, table, tmp.Error)
	}

	// Record this event
	eventType := models.SystemEventTypeRecordUpserted
	if record.IsDeleted {
		eventType = models.SystemEventTypeRecordTombstoned
	}
	if _, err := d.defineNewSystemEvent(
		eventType, models.SystemEventRecordRelated{RecordID: record.ID, Table: string(table)},
	); err != nil {
		return fmt.Errorf("failed to log record upsert audit event [%w]", err)
	}

	return nil
}

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
func (d *databaseImpl) ReplaceRecordCiphertext(
	_ context.Context, table RecordTable, recordID string, ciphertext []byte, nonce []byte,
) error {
	tmp := d.db.Table(string(table)).Where("id = ?", recordID).Updates(map[string]interface{}{
		"ciphertext": ciphertext,
		"nonce":      nonce,
	})
	if tmp.Error != nil {
		return fmt.Errorf(
			"ciphertext replace for record %s in %s failed [%w]", recordID, table, tmp.Error,
		)
	}
	if tmp.RowsAffected == 0 {
		return fmt.Errorf("record %s missing from %s [%w]", recordID, table, ErrNotFound)
	}
	return nil
}

/*
DeleteRecord physically remove one encrypted record

	@param ctx context.Context - execution context
	@param table RecordTable - the record table
	@param recordID string - the record ID
*/
func (d *databaseImpl) DeleteRecord(
	_ context.Context, table RecordTable, recordID string,
) error {
	if tmp := d.db.Table(string(table)).Where(
		"id = ?", recordID,
	).Delete(&models.StoredRecord{}); tmp.Error != nil {
		return fmt.Errorf("failed to delete record %s from %s [%w]", recordID, table, tmp.Error)
	}
	return nil
}

/*
ListRecords list encrypted records, tombstones included

	@param ctx context.Context - execution context
	@param table RecordTable - the record table
	@param filters RecordQueryFilter - entry listing filter
	@return list of records ordered by `updated_at` ascending
*/
func (d *databaseImpl) ListRecords(
	_ context.Context, table RecordTable, filters RecordQueryFilter,
) ([]models.StoredRecord, error) {
	query := d.db.Table(string(table))

	if filters.UpdatedSince != nil {
		query = query.Where("updated_at >= ?", *filters.UpdatedSince)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("updated_at")

	var entries []models.StoredRecord
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list records of %s [%w]", table, tmp.Error)
	}

	return entries, nil
}
