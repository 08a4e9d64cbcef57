package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestDBSystemParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := prepareTestClient(assert, utCtx)

	// 1. The singleton entry self creates in pre-initialization
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		params, err := dbClient.GetSystemParamEntry(ctx)
		assert.Nil(err)
		assert.Equal(models.SystemStatePreInit, params.State)
		return nil
	}))

	// 2. Walk the initialization state machine
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkSystemInitializing(ctx)
	}))
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkSystemInitialized(ctx)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		params, err := dbClient.GetSystemParamEntry(ctx)
		assert.Nil(err)
		assert.Equal(models.SystemStateRunning, params.State)
		return nil
	}))

	// 3. Regressing to initializing from running is rejected
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkSystemInitializing(ctx)
	})
	assert.NotNil(err)
}

func TestDBCryptoMetadataSingleton(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := prepareTestClient(assert, utCtx)

	// 1. Empty vault has no metadata
	err := uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.GetCryptoMetadata(ctx)
		return err
	})
	assert.ErrorIs(err, db.ErrNotFound)

	// 2. Store device mode metadata
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.PutCryptoMetadata(ctx, models.CryptoMetadata{
			Mode:            models.CryptoModeDevice,
			CheckCiphertext: []byte("check-1"),
			CheckNonce:      []byte("nonce-1"),
		})
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		meta, err := dbClient.GetCryptoMetadata(ctx)
		assert.Nil(err)
		assert.Equal(models.CryptoModeDevice, meta.Mode)
		return nil
	}))

	// 3. Flipping to passphrase mode overwrites the singleton
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.PutCryptoMetadata(ctx, models.CryptoMetadata{
			Mode:            models.CryptoModePassphrase,
			Salt:            []byte("salty"),
			Iterations:      310000,
			CheckCiphertext: []byte("check-2"),
			CheckNonce:      []byte("nonce-2"),
		})
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		meta, err := dbClient.GetCryptoMetadata(ctx)
		assert.Nil(err)
		assert.Equal(models.CryptoModePassphrase, meta.Mode)
		assert.Equal([]byte("salty"), meta.Salt)
		assert.Equal(310000, meta.Iterations)
		assert.Equal([]byte("check-2"), meta.CheckCiphertext)
		return nil
	}))
}

func TestDBSyncWatermark(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := prepareTestClient(assert, utCtx)

	// 1. Before the first push the watermark is zero valued
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		watermark, err := dbClient.GetSyncWatermark(ctx)
		assert.Nil(err)
		assert.True(watermark.PushedThrough.IsZero())
		return nil
	}))

	// 2. Advancing is an upsert
	first := time.Now().UTC().Add(-time.Hour)
	second := time.Now().UTC()
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.SetSyncWatermark(ctx, first)
	}))
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.SetSyncWatermark(ctx, second)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		watermark, err := dbClient.GetSyncWatermark(ctx)
		assert.Nil(err)
		assert.Equal(second.UnixMilli(), watermark.PushedThrough.UnixMilli())
		return nil
	}))

	// 3. Push events record the batch milestone
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.RecordPushEvent(ctx, 7, second)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
			EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypePushCompleted},
		})
		assert.Nil(err)
		assert.Len(events, 1)

		validate := validator.New()
		assert.Nil(models.RegisterWithValidator(validate))
		parsed, err := events[0].ParseMetadata(validate)
		assert.Nil(err)
		pushMeta, ok := parsed.(models.SystemEventSyncRelated)
		assert.True(ok)
		assert.Equal(7, pushMeta.Pushed)
		return nil
	}))
}
