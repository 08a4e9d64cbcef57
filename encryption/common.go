// Package encryption - vault key management and record encryption
package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrVaultLocked no validated key is available; data operations must refuse
var ErrVaultLocked = errors.New("vault locked")

// ErrInvalidPassphrase the key check payload failed to validate
var ErrInvalidPassphrase = errors.New("invalid passphrase")

// ErrPassphraseRequired the vault is in passphrase mode; device unlock not possible
var ErrPassphraseRequired = errors.New("passphrase required")

// ErrDecryptionFailed the key is wrong or the record data is corrupted.
//
// Per-record recoverable; callers skip and log rather than abort a full load.
var ErrDecryptionFailed = errors.New("decryption failed")

// DefaultKDFIterations default passphrase key derivation work factor
const DefaultKDFIterations = 310000

// kdfSaltLen random salt length for passphrase key derivation
const kdfSaltLen = 16

/*
KeyManager owns the at-rest symmetric key for the vault.

It manages the key lifecycle (device bound vs. passphrase derived, rotation with
full re-encryption) and performs every encrypt/decrypt in the system; nothing
else touches key material.
*/
type KeyManager interface {
	/*
		ActiveMode report the persisted encryption mode

			@param ctx context.Context - execution context
			@returns the mode recorded in crypto metadata
	*/
	ActiveMode(ctx context.Context) (models.CryptoModeENUMType, error)

	/*
		Unlocked whether a validated key is currently active
	*/
	Unlocked() bool

	/*
		UnlockDevice obtain or create the random persistent device key

		On first launch this initializes the vault in device mode. Fails with
		ErrPassphraseRequired when the vault is in passphrase mode.

			@param ctx context.Context - execution context
	*/
	UnlockDevice(ctx context.Context) error

	/*
		UnlockWithPassphrase derive the key from a passphrase and validate it

		Fails with ErrInvalidPassphrase if the key check payload does not validate.

			@param ctx context.Context - execution context
			@param passphrase string - the user passphrase
	*/
	UnlockWithPassphrase(ctx context.Context, passphrase string) error

	/*
		Lock drop the active key
	*/
	Lock()

	/*
		SetPassphrase rotate the vault onto a passphrase derived key

		Re-encrypts every stored entry and reminder under the new key and only then
		persists the new crypto metadata; the whole rotation runs in one storage
		transaction so a crash leaves metadata and ciphertexts consistent.

			@param ctx context.Context - execution context
			@param passphrase string - the new user passphrase
	*/
	SetPassphrase(ctx context.Context, passphrase string) error

	/*
		DisablePassphrase rotate the vault back onto the device key

		Same re-encryption discipline as SetPassphrase.

			@param ctx context.Context - execution context
	*/
	DisablePassphrase(ctx context.Context) error

	/*
		EncryptPayload seal a payload under the active key

		A fresh random nonce is generated per call; nonces are never reused across
		encryptions under the same key.

			@param ctx context.Context - execution context
			@param payload interface{} - JSON serializable payload
			@returns ciphertext and nonce
	*/
	EncryptPayload(ctx context.Context, payload interface{}) ([]byte, []byte, error)

	/*
		DecryptPayload open a sealed payload with the active key

			@param ctx context.Context - execution context
			@param ciphertext []byte - the sealed payload
			@param nonce []byte - the nonce used at seal time
			@param target interface{} - pointer receiving the parsed payload
	*/
	DecryptPayload(ctx context.Context, ciphertext []byte, nonce []byte, target interface{}) error
}

// keyManagerImpl implements KeyManager
type keyManagerImpl struct {
	goutils.Component

	persistence db.Client
	validator   *validator.Validate

	// rotationLock serializes key rotation against in-flight sync; rotation
	// takes the write side, sync cycles the read side.
	rotationLock *sync.RWMutex

	iterations int

	keyLock   sync.RWMutex
	activeKey []byte
}

// KeyManagerParams key manager init parameters
type KeyManagerParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"-"`
	// RotationLock shared lock serializing rotation against sync; optional
	RotationLock *sync.RWMutex `validate:"-"`
	// KDFIterations passphrase derivation work factor; defaults to DefaultKDFIterations
	KDFIterations int `validate:"omitempty,gte=200000"`
}

/*
NewKeyManager define new key manager

	@param ctx context.Context - execution context
	@param params KeyManagerParams - manager parameters
	@returns manager instance
*/
func NewKeyManager(_ context.Context, params KeyManagerParams) (KeyManager, error) {
	logTags := log.Fields{"module": "encryption", "component": "key-manager"}

	instance := &keyManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:  params.Persistence,
		validator:    validator.New(),
		rotationLock: params.RotationLock,
		iterations:   params.KDFIterations,
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid key manager init parameters [%w]", err)
	}

	if instance.rotationLock == nil {
		instance.rotationLock = &sync.RWMutex{}
	}
	if instance.iterations == 0 {
		instance.iterations = DefaultKDFIterations
	}

	return instance, nil
}

// Unlocked whether a validated key is currently active
func (m *keyManagerImpl) Unlocked() bool {
	m.keyLock.RLock()
	defer m.keyLock.RUnlock()
	return len(m.activeKey) > 0
}

// Lock drop the active key
func (m *keyManagerImpl) Lock() {
	m.keyLock.Lock()
	defer m.keyLock.Unlock()
	m.activeKey = nil
}

// currentKey read the active key
func (m *keyManagerImpl) currentKey() ([]byte, error) {
	m.keyLock.RLock()
	defer m.keyLock.RUnlock()
	if len(m.activeKey) == 0 {
		return nil, ErrVaultLocked
	}
	return m.activeKey, nil
}

// installKey set the active key
func (m *keyManagerImpl) installKey(key []byte) {
	m.keyLock.Lock()
	defer m.keyLock.Unlock()
	m.activeKey = key
}

/*
ActiveMode report the persisted encryption mode

	@param ctx context.Context - execution context
	@returns the mode recorded in crypto metadata
*/
func (m *keyManagerImpl) ActiveMode(ctx context.Context) (models.CryptoModeENUMType, error) {
	var meta models.CryptoMetadata
	if dbErr := m.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			meta, err = dbClient.GetCryptoMetadata(dbCtx)
			return err
		},
	); dbErr != nil {
		if errors.Is(dbErr, db.ErrNotFound) {
			// A vault with no metadata yet behaves as device mode
			return models.CryptoModeDevice, nil
		}
		return "", fmt.Errorf("failed to read crypto metadata [%w]", dbErr)
	}
	return meta.Mode, nil
}
