package encryption

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// keyCheckPayload the canary sealed into crypto metadata to validate a key
type keyCheckPayload struct {
	Check string `json:"check"`
}

// deriveKey run the passphrase through PBKDF2-SHA256
func deriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key(
		[]byte(passphrase), salt, iterations, chacha20poly1305.KeySize, sha256.New,
	)
}

// newRandomKey generate fresh symmetric key material
func newRandomKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to read key material from RNG [%w]", err)
	}
	return key, nil
}

// makeKeyCheck seal the sentinel canary under a candidate key
func makeKeyCheck(key []byte) ([]byte, []byte, error) {
	plaintext, err := json.Marshal(keyCheckPayload{Check: models.KeyCheckSentinel})
	if err != nil {
		return nil, nil, fmt.Errorf("key check serialization failed [%w]", err)
	}
	ciphertext, nonce, err := sealBytes(key, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal key check [%w]", err)
	}
	return ciphertext, nonce, nil
}

// verifyKeyCheck validate a candidate key against the stored canary
func verifyKeyCheck(key []byte, ciphertext []byte, nonce []byte) error {
	plaintext, err := openBytes(key, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("key check did not open [%w]", ErrInvalidPassphrase)
	}
	var parsed keyCheckPayload
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		return fmt.Errorf("key check parse failed [%w]", ErrInvalidPassphrase)
	}
	if parsed.Check != models.KeyCheckSentinel {
		return fmt.Errorf("key check sentinel mismatch [%w]", ErrInvalidPassphrase)
	}
	return nil
}

/*
UnlockDevice obtain or create the random persistent device key

	@param ctx context.Context - execution context
*/
func (m *keyManagerImpl) UnlockDevice(ctx context.Context) error {
	logTags := m.LogTags

	var key []byte
	if dbErr := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			meta, err := dbClient.GetCryptoMetadata(dbCtx)
			if err != nil {
				if !errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("failed to read crypto metadata [%w]", err)
				}
				// First launch; initialize the vault in device mode
				key, err = m.initializeVault(dbCtx, dbClient)
				return err
			}

			if meta.Mode == models.CryptoModePassphrase {
				return ErrPassphraseRequired
			}

			deviceKey, err := dbClient.GetDeviceKey(dbCtx)
			if err != nil {
				return fmt.Errorf("failed to fetch device key [%w]", err)
			}
			key = deviceKey.Material

			if len(meta.CheckCiphertext) == 0 {
				// No prior check; this key becomes the new baseline
				meta.CheckCiphertext, meta.CheckNonce, err = makeKeyCheck(key)
				if err != nil {
					return err
				}
				return dbClient.PutCryptoMetadata(dbCtx, meta)
			}

			return verifyKeyCheck(key, meta.CheckCiphertext, meta.CheckNonce)
		},
	); dbErr != nil {
		if errors.Is(dbErr, ErrPassphraseRequired) {
			return ErrPassphraseRequired
		}
		return fmt.Errorf("device unlock failed [%w]", dbErr)
	}

	m.installKey(key)
	log.WithFields(logTags).Debug("Device key unlocked")
	return nil
}

// initializeVault first launch setup; creates the device key and crypto metadata
func (m *keyManagerImpl) initializeVault(
	ctx context.Context, dbClient db.Database,
) ([]byte, error) {
	if err := dbClient.MarkSystemInitializing(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark vault initializing [%w]", err)
	}

	key, err := newRandomKey()
	if err != nil {
		return nil, err
	}
	if err := dbClient.PutDeviceKey(ctx, models.DeviceKey{
		ID: models.GlobalDeviceKeyEntryID, Material: key,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist device key [%w]", err)
	}

	checkCipher, checkNonce, err := makeKeyCheck(key)
	if err != nil {
		return nil, err
	}
	if err := dbClient.PutCryptoMetadata(ctx, models.CryptoMetadata{
		ID:              models.GlobalCryptoMetadataEntryID,
		Mode:            models.CryptoModeDevice,
		CheckCiphertext: checkCipher,
		CheckNonce:      checkNonce,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist crypto metadata [%w]", err)
	}

	if err := dbClient.RecordKeyModeEvent(
		ctx, models.SystemEventTypeDeviceKeyCreated, models.CryptoModeDevice,
	); err != nil {
		return nil, err
	}

	if err := dbClient.MarkSystemInitialized(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark vault initialized [%w]", err)
	}

	return key, nil
}

/*
UnlockWithPassphrase derive the key from a passphrase and validate it

	@param ctx context.Context - execution context
	@param passphrase string - the user passphrase
*/
func (m *keyManagerImpl) UnlockWithPassphrase(ctx context.Context, passphrase string) error {
	var key []byte
	if dbErr := m.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			meta, err := dbClient.GetCryptoMetadata(dbCtx)
			if err != nil {
				return fmt.Errorf("failed to read crypto metadata [%w]", err)
			}

			if meta.Mode != models.CryptoModePassphrase {
				return fmt.Errorf("vault is not in passphrase mode")
			}

			key = deriveKey(passphrase, meta.Salt, meta.Iterations)

			if len(meta.CheckCiphertext) == 0 {
				// No prior check; this key becomes the new baseline
				return nil
			}
			return verifyKeyCheck(key, meta.CheckCiphertext, meta.CheckNonce)
		},
	); dbErr != nil {
		if errors.Is(dbErr, ErrInvalidPassphrase) {
			return ErrInvalidPassphrase
		}
		return fmt.Errorf("passphrase unlock failed [%w]", dbErr)
	}

	m.installKey(key)
	log.WithFields(m.LogTags).Debug("Passphrase key unlocked")
	return nil
}

/*
SetPassphrase rotate the vault onto a passphrase derived key

	@param ctx context.Context - execution context
	@param passphrase string - the new user passphrase
*/
func (m *keyManagerImpl) SetPassphrase(ctx context.Context, passphrase string) error {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate KDF salt [%w]", err)
	}

	newKey := deriveKey(passphrase, salt, m.iterations)

	newMeta := models.CryptoMetadata{
		ID:         models.GlobalCryptoMetadataEntryID,
		Mode:       models.CryptoModePassphrase,
		Salt:       salt,
		Iterations: m.iterations,
	}

	return m.rotateTo(ctx, newKey, newMeta, models.SystemEventTypePassphraseEnabled)
}

/*
DisablePassphrase rotate the vault back onto the device key

	@param ctx context.Context - execution context
*/
func (m *keyManagerImpl) DisablePassphrase(ctx context.Context) error {
	var deviceKey models.DeviceKey
	if dbErr := m.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			deviceKey, err = dbClient.GetDeviceKey(dbCtx)
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to fetch device key [%w]", dbErr)
	}

	newMeta := models.CryptoMetadata{
		ID:   models.GlobalCryptoMetadataEntryID,
		Mode: models.CryptoModeDevice,
	}

	return m.rotateTo(ctx, deviceKey.Material, newMeta, models.SystemEventTypePassphraseDisabled)
}

// rotateTo re-encrypt every stored record under a new key, then flip metadata.
//
// Runs in one storage transaction: a crash mid-rotation rolls everything back,
// so metadata and ciphertexts can never disagree. Serialized against sync via
// the rotation lock.
func (m *keyManagerImpl) rotateTo(
	ctx context.Context,
	newKey []byte,
	newMeta models.CryptoMetadata,
	eventType models.SystemEventTypeENUMType,
) error {
	m.rotationLock.Lock()
	defer m.rotationLock.Unlock()

	oldKey, err := m.currentKey()
	if err != nil {
		return err
	}

	logTags := m.LogTags
	rewritten := 0

	if dbErr := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			for _, table := range []db.RecordTable{db.RecordTableEntries, db.RecordTableReminders} {
				records, err := dbClient.ListRecords(dbCtx, table, db.RecordQueryFilter{})
				if err != nil {
					return fmt.Errorf("failed to list %s for re-encryption [%w]", table, err)
				}

				for _, record := range records {
					plaintext, err := openBytes(oldKey, record.Ciphertext, record.Nonce)
					if err != nil {
						// Rotation must be lossless; a record that does not open
						// under the active key aborts the whole operation
						return fmt.Errorf(
							"record %s in %s failed to open during rotation [%w]",
							record.ID, table, err,
						)
					}

					ciphertext, nonce, err := sealBytes(newKey, plaintext)
					if err != nil {
						return fmt.Errorf(
							"record %s in %s failed to re-encrypt [%w]", record.ID, table, err,
						)
					}

					if err := dbClient.ReplaceRecordCiphertext(
						dbCtx, table, record.ID, ciphertext, nonce,
					); err != nil {
						return err
					}
					rewritten++
				}
			}

			// Metadata flips only after every record is re-encrypted
			newMeta.CheckCiphertext, newMeta.CheckNonce, err = makeKeyCheck(newKey)
			if err != nil {
				return err
			}
			if err := dbClient.PutCryptoMetadata(dbCtx, newMeta); err != nil {
				return fmt.Errorf("failed to persist crypto metadata [%w]", err)
			}

			return dbClient.RecordKeyModeEvent(dbCtx, eventType, newMeta.Mode)
		},
	); dbErr != nil {
		return fmt.Errorf("key rotation to mode %s failed [%w]", newMeta.Mode, dbErr)
	}

	m.installKey(newKey)
	log.WithFields(logTags).
		WithField("mode", newMeta.Mode).
		WithField("records", rewritten).
		Info("Key rotation complete")
	return nil
}
