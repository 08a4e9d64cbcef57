package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMergeUsers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := prepareTestStore(assert, utCtx)

	// Same person registered twice from different devices
	oldReg, oldID := registerTestUser(assert, utCtx, uut, "alice-old")
	newReg, newID := registerTestUser(assert, utCtx, uut, "alice-new")
	_, friendID := registerTestUser(assert, utCtx, uut, "bob")

	baseTime := time.Now().UTC()

	// 1. Seed both identities. One entry ID exists under both; the
	//    surviving identity's copy must win the merge.
	sharedEntryID := uuid.NewString()
	oldOnlyEntryID := uuid.NewString()
	applied, err := uut.UpsertEntries(utCtx, oldID, []models.WireEntry{
		{EntryID: sharedEntryID, WeightKG: ptrFloat64(99.0), UpdatedAt: baseTime},
		{EntryID: oldOnlyEntryID, WeightKG: ptrFloat64(82.0), UpdatedAt: baseTime},
	})
	assert.Nil(err)
	assert.Equal(2, applied)
	applied, err = uut.UpsertEntries(utCtx, newID, []models.WireEntry{
		{EntryID: sharedEntryID, WeightKG: ptrFloat64(81.0), UpdatedAt: baseTime},
	})
	assert.Nil(err)
	assert.Equal(1, applied)

	// Old identity shared with bob, and a stale link points at the new identity
	assert.Nil(uut.SetShareSettings(utCtx, oldID, friendID, models.ShareSettings{ShareWeight: true}))
	assert.Nil(uut.SetShareSettings(utCtx, oldID, newID, models.ShareSettings{ShareWeight: true}))
	assert.Nil(uut.UpsertStatus(utCtx, oldID, models.StatusReport{LoggedToday: true}))
	assert.Nil(uut.UpsertStatus(utCtx, newID, models.StatusReport{LoggedToday: false}))

	// 2. Merging a user into itself is refused; unknown users too
	assert.NotNil(uut.MergeUsers(utCtx, newID, newID))
	assert.ErrorIs(uut.MergeUsers(utCtx, uuid.NewString(), newID), relay.ErrUnknownUser)

	// 3. Merge the old identity into the new one
	assert.Nil(uut.MergeUsers(utCtx, oldID, newID))

	// The old identity is gone
	_, err = uut.ResolveToken(utCtx, oldReg.Token)
	assert.ErrorIs(err, relay.ErrInvalidToken)

	// The surviving identity now holds both entries, with its own copy of
	// the colliding one intact
	history, err := uut.ListFriendHistory(utCtx, newID, nil)
	assert.Nil(err)
	assert.Equal(newReg.FriendCode, history[0].FriendCode)
	byID := map[string]models.WireEntry{}
	for _, entry := range history[0].Entries {
		byID[entry.EntryID] = entry
	}
	assert.Len(byID, 2)
	assert.Equal(81.0, *byID[sharedEntryID].WeightKG)
	assert.Equal(82.0, *byID[oldOnlyEntryID].WeightKG)

	// The sharing link to bob followed the merge
	history, err = uut.ListFriendHistory(utCtx, friendID, nil)
	assert.Nil(err)
	assert.Len(history, 2)
	assert.Equal(newReg.FriendCode, history[1].FriendCode)

	// The old-to-new link would now point at itself and was dropped
	history, err = uut.ListFriendHistory(utCtx, newID, nil)
	assert.Nil(err)
	assert.Len(history, 1)

	// The surviving identity's status report was kept
	report, err := uut.GetStatus(utCtx, newID)
	assert.Nil(err)
	assert.False(report.LoggedToday)
}
