package encryption_test

import (
	"context"
	"testing"

	"github.com/alwitt/vitals/encryption"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPayloadRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	sqlClient := prepareTestDB(assert, utCtx)

	uut, err := encryption.NewKeyManager(utCtx, encryption.KeyManagerParams{
		Persistence: sqlClient,
	})
	assert.Nil(err)

	// 1. Locked manager refuses both directions
	_, _, err = uut.EncryptPayload(utCtx, map[string]string{"a": "b"})
	assert.ErrorIs(err, encryption.ErrVaultLocked)
	assert.ErrorIs(
		uut.DecryptPayload(utCtx, []byte("x"), []byte("y"), &map[string]string{}),
		encryption.ErrVaultLocked,
	)

	assert.Nil(uut.UnlockDevice(utCtx))

	// 2. A payload survives the round trip
	weight := 81.5
	payload := models.EntryPayload{
		PayloadVersion: models.EntryPayloadVersion,
		DateLocal:      "2026-03-02",
		WeightKG:       &weight,
		Note:           uuid.NewString(),
	}
	ciphertext, nonce, err := uut.EncryptPayload(utCtx, &payload)
	assert.Nil(err)
	assert.NotEmpty(ciphertext)
	assert.NotEmpty(nonce)

	var recovered models.EntryPayload
	assert.Nil(uut.DecryptPayload(utCtx, ciphertext, nonce, &recovered))
	assert.Equal(payload.Note, recovered.Note)
	assert.Equal(weight, *recovered.WeightKG)

	// 3. Nonces never repeat across encryptions
	_, nonce2, err := uut.EncryptPayload(utCtx, &payload)
	assert.Nil(err)
	assert.NotEqual(nonce, nonce2)

	// 4. Tampered ciphertext is rejected as a decryption failure
	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[0] ^= 0xff
	err = uut.DecryptPayload(utCtx, tampered, nonce, &recovered)
	assert.ErrorIs(err, encryption.ErrDecryptionFailed)

	// 5. The wrong nonce is rejected too
	err = uut.DecryptPayload(utCtx, ciphertext, nonce2, &recovered)
	assert.ErrorIs(err, encryption.ErrDecryptionFailed)
}
