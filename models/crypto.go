// Package models - vault crypto data models
package models

import "time"

// CryptoModeENUMType at-rest encryption mode enum type
type CryptoModeENUMType string

const (
	// CryptoModeDevice records are encrypted under a random device bound key
	CryptoModeDevice CryptoModeENUMType = "DEVICE"
	// CryptoModePassphrase records are encrypted under a passphrase derived key
	CryptoModePassphrase CryptoModeENUMType = "PASSPHRASE"
)

// GlobalCryptoMetadataEntryID ID of the singleton crypto metadata entry
const GlobalCryptoMetadataEntryID = "crypto-metadata"

// KeyCheckSentinel known plaintext sealed into the key check payload
const KeyCheckSentinel = "vitals-key-check-v1"

// CryptoMetadata process-wide singleton describing the active encryption mode
type CryptoMetadata struct {
	// ID metadata entry ID. It must always be crypto-metadata
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=crypto-metadata"`

	// Mode the active at-rest encryption mode
	Mode CryptoModeENUMType `json:"mode" gorm:"column:mode;not null" validate:"required,crypto_mode"`

	// Salt key derivation salt; present only in passphrase mode
	Salt []byte `json:"salt,omitempty" gorm:"column:salt"`
	// Iterations key derivation work factor; meaningful only in passphrase mode
	Iterations int `json:"iterations" gorm:"column:iterations"`

	// CheckCiphertext the AEAD sealed key check canary
	CheckCiphertext []byte `json:"check_ciphertext" gorm:"column:check_ciphertext;not null" validate:"required"`
	// CheckNonce the AEAD nonce used for the key check canary
	CheckNonce []byte `json:"check_nonce" gorm:"column:check_nonce;not null" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalDeviceKeyEntryID ID of the singleton device key entry
const GlobalDeviceKeyEntryID = "device-key"

// DeviceKey the random persistent device bound key
//
// In device mode this key directly encrypts records. In passphrase mode it is
// retained so `disablePassphrase` can return to it.
type DeviceKey struct {
	// ID key entry ID. It must always be device-key
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=device-key"`

	// Material the raw symmetric key material
	Material []byte `json:"material" gorm:"column:material;not null" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalSyncWatermarkEntryID ID of the singleton sync watermark entry
const GlobalSyncWatermarkEntryID = "sync-watermark"

// SyncWatermark the latest `updated_at` of any entry already pushed to the relay
//
// Advances only after a successful push; the next push collects every record at
// or beyond it.
type SyncWatermark struct {
	// ID watermark entry ID. It must always be sync-watermark
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=sync-watermark"`

	// PushedThrough the watermark timestamp; zero before the first push
	PushedThrough time.Time `json:"pushed_through" gorm:"column:pushed_through"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
