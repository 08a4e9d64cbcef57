package models

import "time"

// StoredRecord one encrypted record at rest
//
// The measurement payload is opaque ciphertext. Sync bookkeeping fields
// (`UpdatedAt`, `IsDeleted`) stay outside the ciphertext so delta selection and
// tombstone propagation work without decrypting every row.
type StoredRecord struct {
	// ID record ID; matches the logical entry/reminder ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// Ciphertext the AEAD sealed payload
	Ciphertext []byte `json:"ciphertext" gorm:"column:ciphertext;not null" validate:"required"`
	// Nonce the AEAD nonce used; fresh random value per encryption
	Nonce []byte `json:"nonce" gorm:"column:nonce;not null" validate:"required"`

	// UpdatedAt last modification timestamp; strictly increases on every mutation.
	// Managed by the caller, not GORM; re-encryption must not disturb it.
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;not null;index;autoUpdateTime:false"`
	// IsDeleted tombstone marker; the row is retained for sync propagation
	IsDeleted bool `json:"is_deleted" gorm:"column:is_deleted;not null;default:false"`

	// CreatedAt record creation timestamp
	CreatedAt time.Time `json:"created_at"`
}
