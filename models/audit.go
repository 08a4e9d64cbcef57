package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeInitializing vault is being initialized
	SystemEventTypeInitializing SystemEventTypeENUMType = "VAULT_INITIALIZING"

	// SystemEventTypeInitialized vault is initialized
	SystemEventTypeInitialized SystemEventTypeENUMType = "VAULT_INITIALIZED"

	// SystemEventTypeDeviceKeyCreated a new device key was generated
	SystemEventTypeDeviceKeyCreated SystemEventTypeENUMType = "DEVICE_KEY_CREATED"

	// SystemEventTypePassphraseEnabled vault rotated onto a passphrase derived key
	SystemEventTypePassphraseEnabled SystemEventTypeENUMType = "PASSPHRASE_ENABLED"

	// SystemEventTypePassphraseDisabled vault rotated back onto the device key
	SystemEventTypePassphraseDisabled SystemEventTypeENUMType = "PASSPHRASE_DISABLED"

	// SystemEventTypeRecordUpserted an encrypted record was written
	SystemEventTypeRecordUpserted SystemEventTypeENUMType = "RECORD_UPSERTED"

	// SystemEventTypeRecordTombstoned an encrypted record was soft deleted
	SystemEventTypeRecordTombstoned SystemEventTypeENUMType = "RECORD_TOMBSTONED"

	// SystemEventTypePushCompleted a sync push batch was committed to the relay
	SystemEventTypePushCompleted SystemEventTypeENUMType = "SYNC_PUSH_COMPLETED"
)

// SystemEventAudit recording of events occurring at the vault level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	// Key lifecycle related system audit events
	case SystemEventTypeDeviceKeyCreated:
		fallthrough
	case SystemEventTypePassphraseEnabled:
		fallthrough
	case SystemEventTypePassphraseDisabled:
		var parsed SystemEventKeyModeRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Encrypted record related system audit events
	case SystemEventTypeRecordUpserted:
		fallthrough
	case SystemEventTypeRecordTombstoned:
		var parsed SystemEventRecordRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Sync related system audit events
	case SystemEventTypePushCompleted:
		var parsed SystemEventSyncRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SystemEventKeyModeRelated system event metadata related to key lifecycle
type SystemEventKeyModeRelated struct {
	// Mode the encryption mode after the event
	Mode CryptoModeENUMType `json:"mode" validate:"required,crypto_mode"`
}

// SystemEventRecordRelated system event metadata related to an encrypted record
type SystemEventRecordRelated struct {
	// RecordID the encrypted record ID
	RecordID string `json:"record_id" validate:"required,uuid_rfc4122"`
	// Table the record table the event touched
	Table string `json:"table" validate:"required"`
}

// SystemEventSyncRelated system event metadata related to a sync push
type SystemEventSyncRelated struct {
	// Pushed number of records in the committed batch
	Pushed int `json:"pushed" validate:"gte=0"`
	// Watermark the watermark after the batch committed
	Watermark time.Time `json:"watermark" validate:"required"`
}
