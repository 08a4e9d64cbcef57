// Package store - decrypted domain repositories over the encrypted record tables
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/google/uuid"
)

const (
	// duplicateTimeWindow measurement instants within this of each other may be duplicates
	duplicateTimeWindow = time.Minute * 5
	// duplicateWeightTolerance weight delta below which two entries look alike
	duplicateWeightTolerance = 0.1
	// duplicateWaistTolerance waist delta below which two entries look alike
	duplicateWaistTolerance = 0.1
)

// EntryRepository manages the decrypted measurement entries.
//
// It owns an in-memory cache of the live entries sorted newest first, and is
// the only component which turns entry records into plaintext and back.
type EntryRepository interface {
	/*
		LoadAll load every live entry from storage

		Rebuilds the in-memory cache. Fails with ErrVaultLocked when no validated
		key is active; individual records which fail to decrypt are skipped with a
		warning instead of aborting the load.

			@param ctx context.Context - execution context
			@returns live entries sorted by `measured_at` descending
	*/
	LoadAll(ctx context.Context) ([]models.Entry, error)

	/*
		Save record a new entry or edit an existing one

		When the entry carries the ID of an existing record, the original
		`created_at` is inherited and only `updated_at` refreshes. New entries
		without an ID have one minted.

			@param ctx context.Context - execution context
			@param entry models.Entry - the entry to persist
			@returns the entry as persisted
	*/
	Save(ctx context.Context, entry models.Entry) (models.Entry, error)

	/*
		Delete tombstone an entry

		The measurements and note are voided but the record row survives so the
		deletion propagates through sync instead of reappearing.

			@param ctx context.Context - execution context
			@param entryID string - the entry ID
	*/
	Delete(ctx context.Context, entryID string) error

	/*
		FindPossibleDuplicate check whether an entry looks like one already recorded

		Advisory only; the caller may save regardless.

			@param ctx context.Context - execution context
			@param candidate models.Entry - the entry about to be saved
			@returns the entry it resembles, or nil
	*/
	FindPossibleDuplicate(ctx context.Context, candidate models.Entry) (*models.Entry, error)

	/*
		ApplyRemote merge remote copies of this user's entries into local storage

		Last-write-wins per entry ID; a remote copy only lands if its `updated_at`
		is strictly newer than the local record's. Ties keep the local copy.

			@param ctx context.Context - execution context
			@param remote []models.Entry - the remote entry versions
			@returns number of entries applied
	*/
	ApplyRemote(ctx context.Context, remote []models.Entry) (int, error)

	/*
		StatusSummary build the compact status report pushed to the relay

			@param ctx context.Context - execution context
			@param share models.ShareSettings - sharing toggles limiting the report
			@returns the status report
	*/
	StatusSummary(ctx context.Context, share models.ShareSettings) (models.StatusReport, error)
}

// entryRepository implements EntryRepository
type entryRepository struct {
	goutils.Component

	persistence db.Client
	keys        encryption.KeyManager

	cacheLock  sync.Mutex
	cache      []models.Entry
	cacheReady bool
}

/*
NewEntryRepository define new entry repository

	@param ctx context.Context - execution context
	@param persistence db.Client - persistence layer client
	@param keys encryption.KeyManager - vault key manager
	@returns repository instance
*/
func NewEntryRepository(
	_ context.Context, persistence db.Client, keys encryption.KeyManager,
) (EntryRepository, error) {
	logTags := log.Fields{"module": "store", "component": "entry-repository"}

	return &entryRepository{
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

// decodeEntryRecord open one encrypted record and reconstruct the entry
func (r *entryRepository) decodeEntryRecord(
	ctx context.Context, record models.StoredRecord,
) (models.Entry, error) {
	var raw json.RawMessage
	if err := r.keys.DecryptPayload(ctx, record.Ciphertext, record.Nonce, &raw); err != nil {
		return models.Entry{}, err
	}
	return models.DecodeEntryPayload(raw, record)
}

// sealEntry encrypt an entry into its record row
func (r *entryRepository) sealEntry(
	ctx context.Context, entry models.Entry,
) (models.StoredRecord, error) {
	ciphertext, nonce, err := r.keys.EncryptPayload(ctx, models.NewEntryPayload(entry))
	if err != nil {
		return models.StoredRecord{}, err
	}
	return models.StoredRecord{
		ID:         entry.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		UpdatedAt:  entry.UpdatedAt,
		IsDeleted:  entry.IsDeleted,
		CreatedAt:  entry.CreatedAt,
	}, nil
}

// refreshCache rebuild the live entry cache from storage. Caller holds cacheLock.
func (r *entryRepository) refreshCache(ctx context.Context) error {
	logTags := r.GetLogTagsForContext(ctx)

	if !r.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	var records []models.StoredRecord
	if dbErr := r.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			records, err = dbClient.ListRecords(dbCtx, db.RecordTableEntries, db.RecordQueryFilter{})
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to list entry records [%w]", dbErr)
	}

	live := make([]models.Entry, 0, len(records))
	for _, record := range records {
		if record.IsDeleted {
			continue
		}
		entry, err := r.decodeEntryRecord(ctx, record)
		if err != nil {
			if errors.Is(err, encryption.ErrVaultLocked) {
				return err
			}
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Skipping undecryptable entry record")
			continue
		}
		live = append(live, entry)
	}

	sortEntriesNewestFirst(live)
	r.cache = live
	r.cacheReady = true
	return nil
}

// cachedEntries return the live entry cache, loading it on first use.
// Caller holds cacheLock.
func (r *entryRepository) cachedEntries(ctx context.Context) ([]models.Entry, error) {
	if !r.cacheReady {
		if err := r.refreshCache(ctx); err != nil {
			return nil, err
		}
	}
	return r.cache, nil
}

// sortEntriesNewestFirst order entries by measurement time descending
func sortEntriesNewestFirst(entries []models.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].MeasuredAt.After(entries[j].MeasuredAt)
	})
}

// nextUpdateTimestamp produce a strictly advancing modification timestamp.
//
// Wall clock skew (NTP step, manual change) must never move `updated_at`
// backwards or the record would lose every future merge.
func nextUpdateTimestamp(prior time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prior) {
		return prior.Add(time.Millisecond)
	}
	return now
}

/*
LoadAll load every live entry from storage

	@param ctx context.Context - execution context
	@returns live entries sorted by `measured_at` descending
*/
func (r *entryRepository) LoadAll(ctx context.Context) ([]models.Entry, error) {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	if err := r.refreshCache(ctx); err != nil {
		return nil, err
	}

	result := make([]models.Entry, len(r.cache))
	copy(result, r.cache)
	return result, nil
}

/*
Save record a new entry or edit an existing one

	@param ctx context.Context - execution context
	@param entry models.Entry - the entry to persist
	@returns the entry as persisted
*/
func (r *entryRepository) Save(ctx context.Context, entry models.Entry) (models.Entry, error) {
	logTags := r.GetLogTagsForContext(ctx)

	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	if !r.keys.Unlocked() {
		return models.Entry{}, encryption.ErrVaultLocked
	}

	now := time.Now().UTC()
	priorUpdate := time.Time{}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
		entry.CreatedAt = now
	} else {
		var existingRecord models.StoredRecord
		dbErr := r.persistence.UseDatabase(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				var err error
				existingRecord, err = dbClient.GetRecord(dbCtx, db.RecordTableEntries, entry.ID)
				return err
			},
		)
		if dbErr == nil {
			// Editing an existing entry
			existing, err := r.decodeEntryRecord(ctx, existingRecord)
			if err != nil {
				return models.Entry{}, fmt.Errorf("failed to read existing entry [%w]", err)
			}
			entry.CreatedAt = existing.CreatedAt
			if entry.DateLocal == "" {
				entry.DateLocal = existing.DateLocal
			}
			priorUpdate = existingRecord.UpdatedAt
		} else if errors.Is(dbErr, db.ErrNotFound) {
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
		} else {
			return models.Entry{}, fmt.Errorf("failed to check for existing entry [%w]", dbErr)
		}
	}

	if entry.DateLocal == "" {
		entry.DateLocal = now.Local().Format("2006-01-02")
	}
	entry.UpdatedAt = nextUpdateTimestamp(priorUpdate)
	entry.IsDeleted = false

	record, err := r.sealEntry(ctx, entry)
	if err != nil {
		return models.Entry{}, fmt.Errorf("failed to seal entry [%w]", err)
	}

	if dbErr := r.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.PutRecord(dbCtx, db.RecordTableEntries, record)
		},
	); dbErr != nil {
		return models.Entry{}, fmt.Errorf("failed to store entry '%s' [%w]", entry.ID, dbErr)
	}

	r.replaceCachedEntry(entry)

	log.WithFields(logTags).WithField("entry_id", entry.ID).Debug("Stored measurement entry")
	return entry, nil
}

// replaceCachedEntry update the cache after a mutation. Caller holds cacheLock.
func (r *entryRepository) replaceCachedEntry(entry models.Entry) {
	if !r.cacheReady {
		return
	}
	kept := make([]models.Entry, 0, len(r.cache)+1)
	for _, existing := range r.cache {
		if existing.ID != entry.ID {
			kept = append(kept, existing)
		}
	}
	if !entry.IsDeleted {
		kept = append(kept, entry)
	}
	sortEntriesNewestFirst(kept)
	r.cache = kept
}

/*
Delete tombstone an entry

	@param ctx context.Context - execution context
	@param entryID string - the entry ID
*/
func (r *entryRepository) Delete(ctx context.Context, entryID string) error {
	logTags := r.GetLogTagsForContext(ctx)

	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	if !r.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	var existingRecord models.StoredRecord
	if dbErr := r.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			existingRecord, err = dbClient.GetRecord(dbCtx, db.RecordTableEntries, entryID)
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to fetch entry '%s' [%w]", entryID, dbErr)
	}

	entry, err := r.decodeEntryRecord(ctx, existingRecord)
	if err != nil {
		return fmt.Errorf("failed to read entry '%s' [%w]", entryID, err)
	}

	// Void the payload; the tombstone carries only merge metadata
	entry.WeightKG = nil
	entry.WaistCM = nil
	entry.Note = ""
	entry.IsDeleted = true
	entry.UpdatedAt = nextUpdateTimestamp(existingRecord.UpdatedAt)

	record, err := r.sealEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to seal tombstone [%w]", err)
	}

	if dbErr := r.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.PutRecord(dbCtx, db.RecordTableEntries, record)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to tombstone entry '%s' [%w]", entryID, dbErr)
	}

	r.replaceCachedEntry(entry)

	log.WithFields(logTags).WithField("entry_id", entryID).Debug("Tombstoned measurement entry")
	return nil
}

/*
FindPossibleDuplicate check whether an entry looks like one already recorded

	@param ctx context.Context - execution context
	@param candidate models.Entry - the entry about to be saved
	@returns the entry it resembles, or nil
*/
func (r *entryRepository) FindPossibleDuplicate(
	ctx context.Context, candidate models.Entry,
) (*models.Entry, error) {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	entries, err := r.cachedEntries(ctx)
	if err != nil {
		return nil, err
	}

	for _, existing := range entries {
		if existing.ID == candidate.ID {
			continue
		}
		if looksLikeDuplicate(candidate, existing) {
			match := existing
			return &match, nil
		}
	}
	return nil, nil
}

// looksLikeDuplicate apply the advisory duplicate heuristic
func looksLikeDuplicate(candidate, existing models.Entry) bool {
	delta := candidate.MeasuredAt.Sub(existing.MeasuredAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > duplicateTimeWindow {
		return false
	}

	if !floatsWithin(candidate.WeightKG, existing.WeightKG, duplicateWeightTolerance) {
		return false
	}

	// Waist matches when both entries lack one, or both agree within tolerance
	if candidate.WaistCM == nil && existing.WaistCM == nil {
		return true
	}
	return floatsWithin(candidate.WaistCM, existing.WaistCM, duplicateWaistTolerance)
}

// floatsWithin both values present and within tolerance, or both absent
func floatsWithin(a, b *float64, tolerance float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	delta := *a - *b
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}

/*
ApplyRemote merge remote copies of this user's entries into local storage

	@param ctx context.Context - execution context
	@param remote []models.Entry - the remote entry versions
	@returns number of entries applied
*/
func (r *entryRepository) ApplyRemote(ctx context.Context, remote []models.Entry) (int, error) {
	logTags := r.GetLogTagsForContext(ctx)

	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	if !r.keys.Unlocked() {
		return 0, encryption.ErrVaultLocked
	}

	applied := 0
	for _, incoming := range remote {
		var existingRecord models.StoredRecord
		haveLocal := true
		if dbErr := r.persistence.UseDatabase(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				var err error
				existingRecord, err = dbClient.GetRecord(dbCtx, db.RecordTableEntries, incoming.ID)
				return err
			},
		); dbErr != nil {
			if !errors.Is(dbErr, db.ErrNotFound) {
				return applied, fmt.Errorf("failed to check local entry '%s' [%w]", incoming.ID, dbErr)
			}
			haveLocal = false
		}

		if haveLocal && !incoming.UpdatedAt.After(existingRecord.UpdatedAt) {
			// Local copy is as new or newer; stability prefers it on a tie
			continue
		}

		record, err := r.sealEntry(ctx, incoming)
		if err != nil {
			return applied, fmt.Errorf("failed to seal remote entry '%s' [%w]", incoming.ID, err)
		}
		if dbErr := r.persistence.UseDatabase(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				return dbClient.PutRecord(dbCtx, db.RecordTableEntries, record)
			},
		); dbErr != nil {
			return applied, fmt.Errorf("failed to store remote entry '%s' [%w]", incoming.ID, dbErr)
		}

		r.replaceCachedEntry(incoming)
		applied++
	}

	if applied > 0 {
		log.WithFields(logTags).WithField("applied", applied).Info("Merged remote entry versions")
	}
	return applied, nil
}

/*
StatusSummary build the compact status report pushed to the relay

	@param ctx context.Context - execution context
	@param share models.ShareSettings - sharing toggles limiting the report
	@returns the status report
*/
func (r *entryRepository) StatusSummary(
	ctx context.Context, share models.ShareSettings,
) (models.StatusReport, error) {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	entries, err := r.cachedEntries(ctx)
	if err != nil {
		return models.StatusReport{}, err
	}

	report := models.StatusReport{}
	today := time.Now().Local().Format("2006-01-02")

	for _, entry := range entries {
		if entry.DateLocal == today {
			report.LoggedToday = true
		}
		if entry.DateLocal > report.LastEntryDate {
			report.LastEntryDate = entry.DateLocal
		}
		// Entries are sorted newest first; take the first value seen
		if share.ShareWeight && report.WeightKG == nil && entry.WeightKG != nil {
			report.WeightKG = entry.WeightKG
		}
		if share.ShareWaist && report.WaistCM == nil && entry.WaistCM != nil {
			report.WaistCM = entry.WaistCM
		}
	}

	return report, nil
}
