package synchro_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/relay"
	"github.com/alwitt/vitals/store"
	"github.com/alwitt/vitals/synchro"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func ptrFloat64(v float64) *float64 {
	return &v
}

// prepareTestRelay stand up a relay store behind its HTTP surface
func prepareTestRelay(
	assert *assert.Assertions, utCtx context.Context,
) (relay.Store, *httptest.Server) {
	testDB := fmt.Sprintf("/tmp/vitals_relay_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Relay test database")

	sqlClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(sqlClient.RunSQLInTransaction(utCtx, relay.DefineTables))

	relayStore, err := relay.NewStore(utCtx, sqlClient)
	assert.Nil(err)
	router, err := relay.NewRouter(utCtx, relayStore)
	assert.Nil(err)
	return relayStore, httptest.NewServer(router)
}

// testDevice one device's full local stack plus its relay connection
type testDevice struct {
	keys      encryption.KeyManager
	entries   store.EntryRepository
	reminders store.ReminderStore
	client    synchro.RelayClient
	engine    synchro.SyncEngine
}

// prepareTestDevice build a device stack and register it with the relay.
// Devices of the same user pass the same userID; the relay issues each
// device its own token and keeps the friend code.
func prepareTestDevice(
	assert *assert.Assertions, utCtx context.Context,
	relayURL, userID, displayName string,
) *testDevice {
	testDB := fmt.Sprintf("/tmp/vitals_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Device test database")

	sqlClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(sqlClient.RunSQLInTransaction(utCtx, db.DefineTables))

	keys, err := encryption.NewKeyManager(utCtx, encryption.KeyManagerParams{
		Persistence: sqlClient,
	})
	assert.Nil(err)
	assert.Nil(keys.UnlockDevice(utCtx))

	entries, err := store.NewEntryRepository(utCtx, sqlClient, keys)
	assert.Nil(err)
	reminders, err := store.NewReminderStore(utCtx, sqlClient, keys)
	assert.Nil(err)

	client, err := synchro.NewRelayClient(utCtx, relayURL)
	assert.Nil(err)
	registration, err := client.Register(utCtx, models.RegisterRequest{
		UserID:      userID,
		FriendCode:  displayName + "-" + uuid.NewString()[:8],
		DisplayName: displayName,
	})
	assert.Nil(err)

	engine, err := synchro.NewSyncEngine(utCtx, synchro.SyncEngineParams{
		Persistence:   sqlClient,
		Keys:          keys,
		Entries:       entries,
		Reminders:     reminders,
		Relay:         client,
		OwnFriendCode: registration.FriendCode,
		Share:         models.ShareSettings{ShareWeight: true, ShareWaist: true},
	})
	assert.Nil(err)

	return &testDevice{
		keys: keys, entries: entries, reminders: reminders, client: client, engine: engine,
	}
}

func TestSyncEnginePushCycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	relayStore, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	userID := uuid.NewString()
	device := prepareTestDevice(assert, utCtx, server.URL, userID, "alice")

	// 1. Nothing to push yet
	pushed, err := device.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Equal(0, pushed)
	assert.Equal(synchro.PushStateIdle, device.engine.CurrentPushState())

	_, err = device.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC().Add(-time.Hour),
		WeightKG:   ptrFloat64(82.0),
	})
	assert.Nil(err)
	saved, err := device.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
	})
	assert.Nil(err)

	// 2. Both records go out and the state machine lands on committed
	pushed, err = device.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Equal(2, pushed)
	assert.Equal(synchro.PushStateCommitted, device.engine.CurrentPushState())

	history, err := relayStore.ListFriendHistory(utCtx, userID, nil)
	assert.Nil(err)
	assert.Len(history[0].Entries, 2)

	// 3. The watermark bound is inclusive, so the boundary record goes out
	//    again; the relay's upsert gate makes the replay a no-op
	pushed, err = device.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Equal(1, pushed)
	history, err = relayStore.ListFriendHistory(utCtx, userID, nil)
	assert.Nil(err)
	assert.Len(history[0].Entries, 2)

	// 4. An edit moves the record past the watermark and it pushes again
	saved.WeightKG = ptrFloat64(81.0)
	_, err = device.entries.Save(utCtx, saved)
	assert.Nil(err)
	pushed, err = device.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.GreaterOrEqual(pushed, 1)

	history, err = relayStore.ListFriendHistory(utCtx, userID, nil)
	assert.Nil(err)
	byID := map[string]models.WireEntry{}
	for _, entry := range history[0].Entries {
		byID[entry.EntryID] = entry
	}
	assert.Equal(81.0, *byID[saved.ID].WeightKG)
}

func TestSyncEnginePushFailureKeepsWatermark(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	relayStore, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	userID := uuid.NewString()
	device := prepareTestDevice(assert, utCtx, server.URL, userID, "alice")

	_, err := device.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
	})
	assert.Nil(err)

	// 1. Invalidate the token; the relay refuses the push
	device.client.SetToken("stale-token")
	_, err = device.engine.PushCycle(utCtx)
	assert.ErrorIs(err, synchro.ErrRelayRejected)
	assert.Equal(synchro.PushStateIdle, device.engine.CurrentPushState())

	// 2. Re-register and retry; the untouched watermark means the whole
	//    batch goes out this time
	registration, err := device.client.Register(utCtx, models.RegisterRequest{
		UserID:      userID,
		FriendCode:  "unused",
		DisplayName: "alice",
	})
	assert.Nil(err)
	assert.True(registration.Reissued)

	pushed, err := device.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Equal(1, pushed)

	history, err := relayStore.ListFriendHistory(utCtx, userID, nil)
	assert.Nil(err)
	assert.Len(history[0].Entries, 1)
}

func TestSyncEngineLockedVault(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	_, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	device := prepareTestDevice(assert, utCtx, server.URL, uuid.NewString(), "alice")
	device.keys.Lock()

	_, err := device.engine.PushCycle(utCtx)
	assert.ErrorIs(err, encryption.ErrVaultLocked)
	assert.ErrorIs(device.engine.PullCycle(utCtx), encryption.ErrVaultLocked)
	assert.ErrorIs(device.engine.PushReminders(utCtx), encryption.ErrVaultLocked)
}

func TestSyncEngineMultiDeviceMerge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	_, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	// Same user on two devices
	userID := uuid.NewString()
	deviceA := prepareTestDevice(assert, utCtx, server.URL, userID, "alice")
	deviceB := prepareTestDevice(assert, utCtx, server.URL, userID, "alice")

	// 1. Device A records an entry and pushes it
	saved, err := deviceA.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
		Note:       "morning",
	})
	assert.Nil(err)
	pushed, err := deviceA.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Equal(1, pushed)

	// 2. Device B pulls and the entry lands in its local store
	assert.Nil(deviceB.engine.PullCycle(utCtx))
	entries, err := deviceB.entries.LoadAll(utCtx)
	assert.Nil(err)
	assert.Len(entries, 1)
	assert.Equal(saved.ID, entries[0].ID)
	assert.Equal(81.5, *entries[0].WeightKG)

	// The user's own records never show up as a friend
	assert.Empty(deviceB.engine.Friends())

	// 3. Device B deletes the entry and pushes the tombstone
	assert.Nil(deviceB.entries.Delete(utCtx, saved.ID))
	pushed, err = deviceB.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.GreaterOrEqual(pushed, 1)

	// 4. Device A pulls; the record disappears and never resurrects
	assert.Nil(deviceA.engine.PullCycle(utCtx))
	entries, err = deviceA.entries.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(entries)

	assert.Nil(deviceA.engine.PullCycle(utCtx))
	entries, err = deviceA.entries.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(entries)
}

func TestSyncEngineFriendPull(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	relayStore, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	aliceID := uuid.NewString()
	bobID := uuid.NewString()
	alice := prepareTestDevice(assert, utCtx, server.URL, aliceID, "alice")
	bob := prepareTestDevice(assert, utCtx, server.URL, bobID, "bob")

	// 1. Alice pushes, sharing weight only with bob
	_, err := alice.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
		WaistCM:    ptrFloat64(92.0),
	})
	assert.Nil(err)
	_, err = alice.engine.PushCycle(utCtx)
	assert.Nil(err)
	assert.Nil(relayStore.SetShareSettings(
		utCtx, aliceID, bobID, models.ShareSettings{ShareWeight: true},
	))

	// 2. Bob's pull caches alice's history under her code, waist stripped
	assert.Nil(bob.engine.PullCycle(utCtx))
	friends := bob.engine.Friends()
	assert.Len(friends, 1)
	assert.Len(friends[0].Entries, 1)
	assert.Equal(81.5, *friends[0].Entries[0].WeightKG)
	assert.Nil(friends[0].Entries[0].WaistCM)

	// Alice's entries stay out of bob's own store
	entries, err := bob.entries.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(entries)
}

func TestSyncEngineStatusAndReminders(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	relayStore, server := prepareTestRelay(assert, utCtx)
	defer server.Close()

	userID := uuid.NewString()
	device := prepareTestDevice(assert, utCtx, server.URL, userID, "alice")

	// 1. Status push lands on the relay
	_, err := device.entries.Save(utCtx, models.Entry{
		MeasuredAt: time.Now().UTC(),
		WeightKG:   ptrFloat64(81.5),
	})
	assert.Nil(err)
	assert.Nil(device.engine.PushStatus(utCtx))

	report, err := relayStore.GetStatus(utCtx, userID)
	assert.Nil(err)
	assert.True(report.LoggedToday)
	assert.Equal(81.5, *report.WeightKG)

	// 2. Reminder push and round trip back through a pull
	saved, err := device.reminders.Save(utCtx, models.Reminder{
		Message:   "weigh in",
		TimeOfDay: "07:30",
		Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		Timezone:  "UTC",
		Enabled:   true,
	})
	assert.Nil(err)
	assert.Nil(device.engine.PushReminders(utCtx))

	relayReminders, err := relayStore.ListReminders(utCtx, userID)
	assert.Nil(err)
	assert.Len(relayReminders, 1)
	assert.Equal(saved.ID, relayReminders[0].ReminderID)
	assert.NotNil(relayReminders[0].NextFireAt)

	// 3. A tombstone pushed from this device survives the next pull
	assert.Nil(device.reminders.Delete(utCtx, saved.ID))
	assert.Nil(device.engine.PushReminders(utCtx))
	assert.Nil(device.engine.PullCycle(utCtx))

	local, err := device.reminders.LoadAll(utCtx)
	assert.Nil(err)
	assert.Empty(local)
}
