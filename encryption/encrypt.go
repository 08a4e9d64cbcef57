package encryption

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealBytes encrypt plaintext under a key with a fresh random nonce
func sealBytes(key []byte, plaintext []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate AEAD nonce [%w]", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// openBytes decrypt ciphertext under a key with its recorded nonce
func openBytes(key []byte, ciphertext []byte, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("AEAD open rejected ciphertext [%w]", ErrDecryptionFailed)
	}

	return plaintext, nil
}

/*
EncryptPayload seal a payload under the active key

	@param ctx context.Context - execution context
	@param payload interface{} - JSON serializable payload
	@returns ciphertext and nonce
*/
func (m *keyManagerImpl) EncryptPayload(
	_ context.Context, payload interface{},
) ([]byte, []byte, error) {
	key, err := m.currentKey()
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("payload serialization failed [%w]", err)
	}

	ciphertext, nonce, err := sealBytes(key, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal payload [%w]", err)
	}

	return ciphertext, nonce, nil
}

/*
DecryptPayload open a sealed payload with the active key

	@param ctx context.Context - execution context
	@param ciphertext []byte - the sealed payload
	@param nonce []byte - the nonce used at seal time
	@param target interface{} - pointer receiving the parsed payload
*/
func (m *keyManagerImpl) DecryptPayload(
	_ context.Context, ciphertext []byte, nonce []byte, target interface{},
) error {
	key, err := m.currentKey()
	if err != nil {
		return err
	}

	plaintext, err := openBytes(key, ciphertext, nonce)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("payload parse failed [%w]", err)
	}
	return nil
}
