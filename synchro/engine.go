package synchro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/store"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// PushState push direction state machine position
type PushState string

const (
	// PushStateIdle no push in flight
	PushStateIdle PushState = "IDLE"
	// PushStateCollecting gathering local records past the watermark
	PushStateCollecting PushState = "COLLECTING"
	// PushStateSending batch handed to the relay, outcome pending
	PushStateSending PushState = "SENDING"
	// PushStateCommitted last batch accepted and the watermark advanced
	PushStateCommitted PushState = "COMMITTED"
)

/*
SyncEngine reconciles local vault state against the relay.

Push collects every record at or past the watermark and only advances the
watermark after the relay accepts the whole batch, so an interrupted push is
simply retried. Pull replaces the per friend caches wholesale; records the
relay attributes to this user merge back into local storage last-write-wins.
*/
type SyncEngine interface {
	/*
		PushCycle push local records updated since the watermark

			@param ctx context.Context - execution context
			@returns number of records pushed
	*/
	PushCycle(ctx context.Context) (int, error)

	/*
		PullCycle fetch shared history and reminders from the relay

			@param ctx context.Context - execution context
	*/
	PullCycle(ctx context.Context) error

	/*
		PushStatus push the compact status summary

			@param ctx context.Context - execution context
	*/
	PushStatus(ctx context.Context) error

	/*
		PushReminders push every local reminder schedule, tombstones included

			@param ctx context.Context - execution context
	*/
	PushReminders(ctx context.Context) error

	/*
		Friends read the per friend history caches from the last pull

			@returns per friend shared history
	*/
	Friends() []models.FriendHistory

	/*
		CurrentPushState read the push state machine position
	*/
	CurrentPushState() PushState

	/*
		SetIdentity install the friend code identifying this user's own records
		in pull responses

			@param friendCode string - this user's friend code
	*/
	SetIdentity(friendCode string)
}

// syncEngineImpl implements SyncEngine
type syncEngineImpl struct {
	goutils.Component

	persistence db.Client
	keys        encryption.KeyManager
	entries     store.EntryRepository
	reminders   store.ReminderStore
	relay       RelayClient

	// rotationLock shared with the key manager; sync holds the read side so a
	// rotation never interleaves with a cycle
	rotationLock *sync.RWMutex

	share models.ShareSettings

	stateLock     sync.RWMutex
	pushState     PushState
	ownFriendCode string
	friendCache   []models.FriendHistory
}

// SyncEngineParams sync engine init parameters
type SyncEngineParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"-"`
	// Keys vault key manager
	Keys encryption.KeyManager `validate:"-"`
	// Entries the entry repository
	Entries store.EntryRepository `validate:"-"`
	// Reminders the reminder store
	Reminders store.ReminderStore `validate:"-"`
	// Relay the relay client
	Relay RelayClient `validate:"-"`
	// RotationLock shared lock serializing key rotation against sync; optional
	RotationLock *sync.RWMutex `validate:"-"`
	// OwnFriendCode this user's friend code; needed to recognize own records in pulls
	OwnFriendCode string
	// Share sharing toggles applied to status pushes
	Share models.ShareSettings
}

/*
NewSyncEngine define new sync engine

	@param ctx context.Context - execution context
	@param params SyncEngineParams - engine parameters
	@returns engine instance
*/
func NewSyncEngine(_ context.Context, params SyncEngineParams) (SyncEngine, error) {
	logTags := log.Fields{"module": "synchro", "component": "sync-engine"}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid sync engine init parameters [%w]", err)
	}

	instance := &syncEngineImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:   params.Persistence,
		keys:          params.Keys,
		entries:       params.Entries,
		reminders:     params.Reminders,
		relay:         params.Relay,
		rotationLock:  params.RotationLock,
		share:         params.Share,
		pushState:     PushStateIdle,
		ownFriendCode: params.OwnFriendCode,
	}
	if instance.rotationLock == nil {
		instance.rotationLock = &sync.RWMutex{}
	}
	return instance, nil
}

// setPushState record a push state machine transition
func (e *syncEngineImpl) setPushState(state PushState) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.pushState = state
}

// CurrentPushState read the push state machine position
func (e *syncEngineImpl) CurrentPushState() PushState {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.pushState
}

// SetIdentity install the friend code identifying this user's own records
func (e *syncEngineImpl) SetIdentity(friendCode string) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.ownFriendCode = friendCode
}

// identity read this user's friend code
func (e *syncEngineImpl) identity() string {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.ownFriendCode
}

// Friends read the per friend history caches from the last pull
func (e *syncEngineImpl) Friends() []models.FriendHistory {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	result := make([]models.FriendHistory, len(e.friendCache))
	copy(result, e.friendCache)
	return result
}

// collectPushBatch decrypt every entry record at or past the watermark
func (e *syncEngineImpl) collectPushBatch(
	ctx context.Context,
) ([]models.WireEntry, time.Time, error) {
	logTags := e.GetLogTagsForContext(ctx)

	var watermark models.SyncWatermark
	var records []models.StoredRecord
	if dbErr := e.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			watermark, err = dbClient.GetSyncWatermark(dbCtx)
			if err != nil {
				return err
			}
			filter := db.RecordQueryFilter{}
			if !watermark.PushedThrough.IsZero() {
				since := watermark.PushedThrough
				filter.UpdatedSince = &since
			}
			records, err = dbClient.ListRecords(dbCtx, db.RecordTableEntries, filter)
			return err
		},
	); dbErr != nil {
		return nil, time.Time{}, fmt.Errorf("failed to collect push batch [%w]", dbErr)
	}

	batch := make([]models.WireEntry, 0, len(records))
	var maxUpdated time.Time
	for _, record := range records {
		if record.UpdatedAt.After(maxUpdated) {
			maxUpdated = record.UpdatedAt
		}
		if record.IsDeleted {
			// Tombstones travel as bare metadata
			batch = append(batch, models.WireEntry{
				EntryID:   record.ID,
				UpdatedAt: record.UpdatedAt,
				IsDeleted: true,
			})
			continue
		}
		entry, err := e.decodeEntryRecord(ctx, record)
		if err != nil {
			if errors.Is(err, encryption.ErrVaultLocked) {
				return nil, time.Time{}, err
			}
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Leaving undecryptable record out of push batch")
			continue
		}
		batch = append(batch, entryToWire(entry))
	}

	return batch, maxUpdated, nil
}

// decodeEntryRecord open one encrypted record and reconstruct the entry
func (e *syncEngineImpl) decodeEntryRecord(
	ctx context.Context, record models.StoredRecord,
) (models.Entry, error) {
	var raw json.RawMessage
	if err := e.keys.DecryptPayload(ctx, record.Ciphertext, record.Nonce, &raw); err != nil {
		return models.Entry{}, err
	}
	return models.DecodeEntryPayload(raw, record)
}

/*
PushCycle push local records updated since the watermark

	@param ctx context.Context - execution context
	@returns number of records pushed
*/
func (e *syncEngineImpl) PushCycle(ctx context.Context) (int, error) {
	logTags := e.GetLogTagsForContext(ctx)

	e.rotationLock.RLock()
	defer e.rotationLock.RUnlock()

	if !e.keys.Unlocked() {
		return 0, encryption.ErrVaultLocked
	}

	e.setPushState(PushStateCollecting)
	batch, maxUpdated, err := e.collectPushBatch(ctx)
	if err != nil {
		e.setPushState(PushStateIdle)
		return 0, err
	}
	if len(batch) == 0 {
		e.setPushState(PushStateIdle)
		return 0, nil
	}

	e.setPushState(PushStateSending)
	if _, err := e.relay.PushHistory(ctx, batch); err != nil {
		// Watermark untouched; the whole batch retries next cycle
		e.setPushState(PushStateIdle)
		return 0, fmt.Errorf("push batch rejected [%w]", err)
	}

	if dbErr := e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.SetSyncWatermark(dbCtx, maxUpdated); err != nil {
				return err
			}
			return dbClient.RecordPushEvent(dbCtx, len(batch), maxUpdated)
		},
	); dbErr != nil {
		e.setPushState(PushStateIdle)
		return 0, fmt.Errorf("failed to advance push watermark [%w]", dbErr)
	}

	e.setPushState(PushStateCommitted)
	log.WithFields(logTags).
		WithField("pushed", len(batch)).
		WithField("watermark", maxUpdated).
		Info("Push batch committed")
	return len(batch), nil
}

/*
PullCycle fetch shared history and reminders from the relay

	@param ctx context.Context - execution context
*/
func (e *syncEngineImpl) PullCycle(ctx context.Context) error {
	logTags := e.GetLogTagsForContext(ctx)

	e.rotationLock.RLock()
	defer e.rotationLock.RUnlock()

	if !e.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	history, err := e.relay.FetchHistory(ctx, "")
	if err != nil {
		return fmt.Errorf("history pull failed [%w]", err)
	}

	ownCode := e.identity()
	friends := make([]models.FriendHistory, 0, len(history.Friends))
	for _, friend := range history.Friends {
		if friend.FriendCode == ownCode {
			// This user's records coming back from another device
			remote := make([]models.Entry, 0, len(friend.Entries))
			for _, wire := range friend.Entries {
				remote = append(remote, wireToEntry(wire))
			}
			applied, err := e.entries.ApplyRemote(ctx, remote)
			if err != nil {
				return fmt.Errorf("failed to merge own remote records [%w]", err)
			}
			log.WithFields(logTags).
				WithField("applied", applied).
				Debug("Merged own records from relay")
			continue
		}
		friends = append(friends, friend)
	}

	e.stateLock.Lock()
	e.friendCache = friends
	e.stateLock.Unlock()

	wireReminders, err := e.relay.FetchReminders(ctx)
	if err != nil {
		return fmt.Errorf("reminder pull failed [%w]", err)
	}
	reminders := make([]models.Reminder, 0, len(wireReminders))
	for _, wire := range wireReminders {
		reminders = append(reminders, wireToReminder(wire))
	}
	if err := e.reminders.ApplyRemote(ctx, reminders); err != nil {
		return fmt.Errorf("failed to apply relay reminders [%w]", err)
	}

	log.WithFields(logTags).
		WithField("friends", len(friends)).
		WithField("reminders", len(reminders)).
		Debug("Pull cycle complete")
	return nil
}

/*
PushStatus push the compact status summary

	@param ctx context.Context - execution context
*/
func (e *syncEngineImpl) PushStatus(ctx context.Context) error {
	e.rotationLock.RLock()
	defer e.rotationLock.RUnlock()

	report, err := e.entries.StatusSummary(ctx, e.share)
	if err != nil {
		return fmt.Errorf("failed to build status report [%w]", err)
	}
	if err := e.relay.PushStatus(ctx, report); err != nil {
		return fmt.Errorf("status push failed [%w]", err)
	}
	return nil
}

/*
PushReminders push every local reminder schedule, tombstones included

	@param ctx context.Context - execution context
*/
func (e *syncEngineImpl) PushReminders(ctx context.Context) error {
	e.rotationLock.RLock()
	defer e.rotationLock.RUnlock()

	if !e.keys.Unlocked() {
		return encryption.ErrVaultLocked
	}

	logTags := e.GetLogTagsForContext(ctx)

	var records []models.StoredRecord
	if dbErr := e.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			records, err = dbClient.ListRecords(dbCtx, db.RecordTableReminders, db.RecordQueryFilter{})
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to list reminder records [%w]", dbErr)
	}

	batch := make([]models.WireReminder, 0, len(records))
	for _, record := range records {
		if record.IsDeleted {
			batch = append(batch, models.WireReminder{
				ReminderID: record.ID,
				UpdatedAt:  record.UpdatedAt,
				IsDeleted:  true,
			})
			continue
		}
		var raw json.RawMessage
		if err := e.keys.DecryptPayload(ctx, record.Ciphertext, record.Nonce, &raw); err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Leaving undecryptable reminder out of push batch")
			continue
		}
		reminder, err := models.DecodeReminderPayload(raw, record)
		if err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("record_id", record.ID).
				Warn("Leaving malformed reminder out of push batch")
			continue
		}
		batch = append(batch, reminderToWire(reminder))
	}

	if len(batch) == 0 {
		return nil
	}
	if err := e.relay.PushReminders(ctx, batch); err != nil {
		return fmt.Errorf("reminder push failed [%w]", err)
	}
	return nil
}
