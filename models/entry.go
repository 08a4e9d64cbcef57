// Package models - core data models
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// LBToKG conversion factor from pounds to kilograms
	LBToKG = 0.45359237
	// INToCM conversion factor from inches to centimeters
	INToCM = 2.54
)

// Entry a single body measurement observation
type Entry struct {
	// ID client generated entry ID; stable across edits
	ID string `json:"id" validate:"required,uuid_rfc4122"`

	// MeasuredAt the logical event time in UTC
	MeasuredAt time.Time `json:"measured_at" validate:"required"`
	// DateLocal calendar date (`YYYY-MM-DD`) in the user's local zone at creation
	// time. Fixed at creation; never recomputed from `MeasuredAt`.
	DateLocal string `json:"date_local" validate:"required,datetime=2006-01-02"`

	// WeightKG body weight in kilograms
	WeightKG *float64 `json:"weight_kg,omitempty"`
	// WaistCM waist circumference in centimeters
	WaistCM *float64 `json:"waist_cm,omitempty"`
	// Note free text note
	Note string `json:"note,omitempty"`

	// CreatedAt entry creation timestamp; set once
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt last modification timestamp; the merge tiebreaker
	UpdatedAt time.Time `json:"updated_at"`

	// IsDeleted soft delete tombstone marker
	IsDeleted bool `json:"is_deleted"`
}

// EntryPayloadVersion current plaintext payload schema version
const EntryPayloadVersion = 2

// EntryPayload the versioned plaintext payload sealed inside an entry record.
//
// Version 1 payloads stored imperial measurements directly (`weight_lb`,
// `waist_in`). They are converted to metric on read and never re-persisted.
type EntryPayload struct {
	// PayloadVersion payload schema version
	PayloadVersion int `json:"payload_version"`

	// MeasuredAt the logical event time in UTC
	MeasuredAt time.Time `json:"measured_at"`
	// DateLocal calendar date in the user's local zone at creation time
	DateLocal string `json:"date_local"`

	// WeightKG body weight in kilograms (version >= 2)
	WeightKG *float64 `json:"weight_kg,omitempty"`
	// WaistCM waist circumference in centimeters (version >= 2)
	WaistCM *float64 `json:"waist_cm,omitempty"`

	// WeightLB legacy imperial body weight (version 1 only)
	WeightLB *float64 `json:"weight_lb,omitempty"`
	// WaistIN legacy imperial waist circumference (version 1 only)
	WaistIN *float64 `json:"waist_in,omitempty"`

	// Note free text note
	Note string `json:"note,omitempty"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

/*
NewEntryPayload build the canonical payload for an entry

	@param entry Entry - the source entry
	@returns payload in the current schema version
*/
func NewEntryPayload(entry Entry) EntryPayload {
	return EntryPayload{
		PayloadVersion: EntryPayloadVersion,
		MeasuredAt:     entry.MeasuredAt,
		DateLocal:      entry.DateLocal,
		WeightKG:       entry.WeightKG,
		WaistCM:        entry.WaistCM,
		Note:           entry.Note,
		CreatedAt:      entry.CreatedAt,
	}
}

/*
DecodeEntryPayload parse a plaintext payload and reconstruct the canonical entry

Legacy version 1 payloads carried imperial units; they are converted here at the
decode boundary so the rest of the system only ever sees metric values.

	@param raw []byte - plaintext payload JSON
	@param record StoredRecord - the enclosing encrypted record
	@returns the reconstructed entry
*/
func DecodeEntryPayload(raw []byte, record StoredRecord) (Entry, error) {
	var payload EntryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Entry{}, fmt.Errorf("entry payload parse failed [%w]", err)
	}

	entry := Entry{
		ID:         record.ID,
		MeasuredAt: payload.MeasuredAt,
		DateLocal:  payload.DateLocal,
		Note:       payload.Note,
		CreatedAt:  payload.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
		IsDeleted:  record.IsDeleted,
	}

	if payload.PayloadVersion >= EntryPayloadVersion {
		entry.WeightKG = payload.WeightKG
		entry.WaistCM = payload.WaistCM
		return entry, nil
	}

	// Legacy shape stored imperial units
	if payload.WeightLB != nil {
		converted := *payload.WeightLB * LBToKG
		entry.WeightKG = &converted
	}
	if payload.WaistIN != nil {
		converted := *payload.WaistIN * INToCM
		entry.WaistCM = &converted
	}
	return entry, nil
}
