// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package store

import (
	"crypto/rand"
	"encoding/json"

	"github.com/samber/oops"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/tripvault/tripvault/internal/plugin"
)

const nonceSize = 24

// SettingsCipher seals extension settings with NaCl secretbox before they
// reach the database. The nonce is prepended to the ciphertext.
type SettingsCipher struct {
	key *[32]byte
}

// Compile-time interface check.
var _ plugin.SettingsCipher = (*SettingsCipher)(nil)

// NewSettingsCipher creates a cipher with the given 32-byte key.
func NewSettingsCipher(key *[32]byte) *SettingsCipher {
	return &SettingsCipher{key: key}
}

// Seal serializes and encrypts a settings map.
func (c *SettingsCipher) Seal(settings map[string]any) ([]byte, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	plaintext, err := json.Marshal(settings)
	if err != nil {
		return nil, oops.In("store").Hint("settings must be JSON-serializable").Wrap(err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, c.key), nil
}

// Open decrypts and deserializes a sealed settings blob. An empty blob
// opens to an empty map.
func (c *SettingsCipher) Open(encrypted []byte) (map[string]any, error) {
	if len(encrypted) == 0 {
		return map[string]any{}, nil
	}
	if len(encrypted) < nonceSize {
		return nil, oops.In("store").New("sealed settings blob is truncated")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], encrypted[:nonceSize])
	plaintext, ok := secretbox.Open(nil, encrypted[nonceSize:], &nonce, c.key)
	if !ok {
		return nil, oops.In("store").
			Hint("settings key may have changed since the blob was sealed").
			New("failed to decrypt settings")
	}

	var settings map[string]any
	if err := json.Unmarshal(plaintext, &settings); err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// PlainCipher stores settings as plain JSON, for deployments without a
// configured settings key.
type PlainCipher struct{}

var _ plugin.SettingsCipher = PlainCipher{}

// Seal serializes a settings map without encrypting it.
func (PlainCipher) Seal(settings map[string]any) ([]byte, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, oops.In("store").Hint("settings must be JSON-serializable").Wrap(err)
	}
	return data, nil
}

// Open deserializes a plain settings blob.
func (PlainCipher) Open(encrypted []byte) (map[string]any, error) {
	if len(encrypted) == 0 {
		return map[string]any{}, nil
	}
	var settings map[string]any
	if err := json.Unmarshal(encrypted, &settings); err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}
