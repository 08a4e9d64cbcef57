package vitals_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/vitals"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func ptrFloat64(v float64) *float64 {
	return &v
}

// prepareTestVault build a vault over a fresh temp database and unlock it
func prepareTestVault(assert *assert.Assertions, ctx context.Context) *vitals.Vault {
	testDB := fmt.Sprintf("/tmp/vitals_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Vault test database")

	vault, err := vitals.NewVault(ctx, db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(vault.Persistence.RunSQLInTransaction(ctx, db.DefineTables))
	assert.Nil(vault.Keys.UnlockDevice(ctx))
	return vault
}

// TestVaultEndToEnd exercises the full local flow of a single vault: entry
// lifecycle under the device key, putting the vault behind a passphrase,
// and reopening everything after a lock.
func TestVaultEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctx := context.Background()
	vault := prepareTestVault(assert, ctx)

	// ------------------------------------------------------------------
	// 1. Record a measurement entry
	// ------------------------------------------------------------------
	entry, err := vault.Entries.Save(ctx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
		WaistCM:    ptrFloat64(92.0),
		Note:       "after breakfast",
	})
	assert.Nil(err)
	assert.NotEmpty(entry.ID)

	// ------------------------------------------------------------------
	// 2. Put the vault behind a passphrase; the entry must survive the
	//    re-encryption
	// ------------------------------------------------------------------
	assert.Nil(vault.Keys.SetPassphrase(ctx, "correct horse battery staple"))

	entries, err := vault.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Len(entries, 1)
	assert.Equal(81.5, *entries[0].WeightKG)

	// ------------------------------------------------------------------
	// 3. Lock and reopen with the passphrase
	// ------------------------------------------------------------------
	vault.Keys.Lock()
	_, err = vault.Entries.LoadAll(ctx)
	assert.Error(err)

	assert.Nil(vault.Keys.UnlockWithPassphrase(ctx, "correct horse battery staple"))
	entries, err = vault.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Len(entries, 1)
	assert.Equal("after breakfast", entries[0].Note)

	// ------------------------------------------------------------------
	// 4. Soft delete hides the entry from reads
	// ------------------------------------------------------------------
	assert.Nil(vault.Entries.Delete(ctx, entry.ID))
	entries, err = vault.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Empty(entries)
}

// TestVaultRelaySyncEndToEnd drives two vaults of the same user against one
// relay: records pushed from one device land on the other, and a soft delete
// propagates without resurrecting.
func TestVaultRelaySyncEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctx := context.Background()

	// ------------------------------------------------------------------
	// 1. Stand up the relay
	// ------------------------------------------------------------------
	relayDB := fmt.Sprintf("/tmp/vitals_relay_ut_%s.db", ulid.Make().String())
	relayStore, router, err := vitals.NewRelayServer(
		ctx, db.GetSqliteDialector(relayDB), logger.Error,
	)
	assert.Nil(err)

	relaySQL, err := db.NewConnection(db.GetSqliteDialector(relayDB), logger.Error)
	assert.Nil(err)
	assert.Nil(relaySQL.RunSQLInTransaction(ctx, relay.DefineTables))

	server := httptest.NewServer(router)
	defer server.Close()

	// ------------------------------------------------------------------
	// 2. Two vaults of the same user connect and register
	// ------------------------------------------------------------------
	userID := uuid.NewString()
	share := models.ShareSettings{ShareWeight: true, ShareWaist: true}

	vaultA := prepareTestVault(assert, ctx)
	clientA, engineA, err := vaultA.ConnectRelay(ctx, server.URL, share)
	assert.Nil(err)
	regA, err := clientA.Register(ctx, models.RegisterRequest{
		UserID:      userID,
		FriendCode:  "alice-" + uuid.NewString()[:8],
		DisplayName: "alice",
	})
	assert.Nil(err)
	engineA.SetIdentity(regA.FriendCode)

	vaultB := prepareTestVault(assert, ctx)
	clientB, engineB, err := vaultB.ConnectRelay(ctx, server.URL, share)
	assert.Nil(err)
	regB, err := clientB.Register(ctx, models.RegisterRequest{
		UserID:      userID,
		FriendCode:  "unused",
		DisplayName: "alice",
	})
	assert.Nil(err)
	assert.True(regB.Reissued)
	assert.Equal(regA.FriendCode, regB.FriendCode)
	engineB.SetIdentity(regB.FriendCode)

	// ------------------------------------------------------------------
	// 3. Device A records and pushes
	// ------------------------------------------------------------------
	entry, err := vaultA.Entries.Save(ctx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
	})
	assert.Nil(err)
	pushed, err := engineA.PushCycle(ctx)
	assert.Nil(err)
	assert.Equal(1, pushed)

	// ------------------------------------------------------------------
	// 4. Device B pulls and sees the entry
	// ------------------------------------------------------------------
	assert.Nil(engineB.PullCycle(ctx))
	entries, err := vaultB.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Len(entries, 1)
	assert.Equal(entry.ID, entries[0].ID)
	assert.Equal(81.5, *entries[0].WeightKG)

	// ------------------------------------------------------------------
	// 5. Device B deletes the entry and pushes the tombstone
	// ------------------------------------------------------------------
	assert.Nil(vaultB.Entries.Delete(ctx, entry.ID))
	pushed, err = engineB.PushCycle(ctx)
	assert.Nil(err)
	assert.GreaterOrEqual(pushed, 1)

	// ------------------------------------------------------------------
	// 6. Device A pulls; the entry is gone and repeated pulls never bring
	//    it back
	// ------------------------------------------------------------------
	assert.Nil(engineA.PullCycle(ctx))
	entries, err = vaultA.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Empty(entries)

	assert.Nil(engineA.PullCycle(ctx))
	entries, err = vaultA.Entries.LoadAll(ctx)
	assert.Nil(err)
	assert.Empty(entries)

	// ------------------------------------------------------------------
	// 7. Status pushed from device A is visible on the relay
	// ------------------------------------------------------------------
	_, err = vaultA.Entries.Save(ctx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.0),
	})
	assert.Nil(err)
	assert.Nil(engineA.PushStatus(ctx))
	report, err := relayStore.GetStatus(ctx, userID)
	assert.Nil(err)
	assert.True(report.LoggedToday)
	assert.Equal(81.0, *report.WeightKG)
}
