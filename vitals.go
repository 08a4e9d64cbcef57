// Package vitals - local-first encrypted body metrics tracking
package vitals

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/relay"
	"github.com/alwitt/vitals/store"
	"github.com/alwitt/vitals/synchro"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Vault one user session over the local encrypted store.
//
// Each instance is backed by a SQL database; the vault starts locked and must
// be unlocked through the key manager before entries are readable.
type Vault struct {
	// Persistence the local database client
	Persistence db.Client
	// Keys the vault key manager
	Keys encryption.KeyManager
	// Entries the measurement entry repository
	Entries store.EntryRepository
	// Reminders the reminder schedule store
	Reminders store.ReminderStore

	// rotationLock shared between the key manager and any sync engines so key
	// rotation never interleaves with a sync cycle
	rotationLock *sync.RWMutex
}

/*
NewVault initialize a vault instance

	@param ctx context.Context - execution context
	@param dbDialector gorm.Dialector - GORM dialector
	@param dbLogLevel logger.LogLevel - SQL log level
	@returns new vault instance
*/
func NewVault(
	ctx context.Context, dbDialector gorm.Dialector, dbLogLevel logger.LogLevel,
) (*Vault, error) {
	// Prepare persistence
	persistence, err := db.NewConnection(dbDialector, dbLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}

	rotationLock := &sync.RWMutex{}

	// Prepare key manager
	keys, err := encryption.NewKeyManager(ctx, encryption.KeyManagerParams{
		Persistence:  persistence,
		RotationLock: rotationLock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized key manager [%w]", err)
	}

	entries, err := store.NewEntryRepository(ctx, persistence, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized entry repository [%w]", err)
	}

	reminders, err := store.NewReminderStore(ctx, persistence, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized reminder store [%w]", err)
	}

	return &Vault{
		Persistence:  persistence,
		Keys:         keys,
		Entries:      entries,
		Reminders:    reminders,
		rotationLock: rotationLock,
	}, nil
}

/*
ConnectRelay attach a sync engine for a relay

The engine shares the vault's rotation lock, so key rotation waits out any
in-flight sync cycle and vice versa.

	@param ctx context.Context - execution context
	@param relayBaseURL string - relay base URL
	@param share models.ShareSettings - sharing toggles applied to status pushes
	@returns the relay client and sync engine
*/
func (v *Vault) ConnectRelay(
	ctx context.Context, relayBaseURL string, share models.ShareSettings,
) (synchro.RelayClient, synchro.SyncEngine, error) {
	client, err := synchro.NewRelayClient(ctx, relayBaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialized relay client [%w]", err)
	}

	engine, err := synchro.NewSyncEngine(ctx, synchro.SyncEngineParams{
		Persistence:  v.Persistence,
		Keys:         v.Keys,
		Entries:      v.Entries,
		Reminders:    v.Reminders,
		Relay:        client,
		RotationLock: v.rotationLock,
		Share:        share,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialized sync engine [%w]", err)
	}

	return client, engine, nil
}

/*
NewRelayServer initialize a relay store and its HTTP router

	@param ctx context.Context - execution context
	@param dbDialector gorm.Dialector - GORM dialector
	@param dbLogLevel logger.LogLevel - SQL log level
	@returns the relay store and router
*/
func NewRelayServer(
	ctx context.Context, dbDialector gorm.Dialector, dbLogLevel logger.LogLevel,
) (relay.Store, *mux.Router, error) {
	persistence, err := db.NewConnection(dbDialector, dbLogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}

	relayStore, err := relay.NewStore(ctx, persistence)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialized relay store [%w]", err)
	}

	router, err := relay.NewRouter(ctx, relayStore)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialized relay router [%w]", err)
	}

	return relayStore, router, nil
}
