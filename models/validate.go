package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	if err := v.RegisterValidation(
		"crypto_mode", validateCryptoModeType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_state", validateSystemStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_event_type", validateSystemEventType,
	); err != nil {
		return err
	}

	return nil
}

func validateCryptoModeType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch CryptoModeENUMType(fl.Field().String()) {
	case CryptoModeDevice:
		fallthrough
	case CryptoModePassphrase:
		return true
	}
	return false
}

func validateSystemStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemStateENUMType(fl.Field().String()) {
	case SystemStatePreInit:
		fallthrough
	case SystemStateInit:
		fallthrough
	case SystemStateRunning:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeInitializing:
		fallthrough
	case SystemEventTypeInitialized:
		fallthrough
	case SystemEventTypeDeviceKeyCreated:
		fallthrough
	case SystemEventTypePassphraseEnabled:
		fallthrough
	case SystemEventTypePassphraseDisabled:
		fallthrough
	case SystemEventTypeRecordUpserted:
		fallthrough
	case SystemEventTypeRecordTombstoned:
		fallthrough
	case SystemEventTypePushCompleted:
		return true
	}
	return false
}
