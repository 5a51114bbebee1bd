// Package middleware provides HTTP middleware for the gatekeeper server:
// bearer-token authentication backed by bcrypt-hashed API keys, per-IP
// throttling of failed auth attempts, and structured request logging.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored hash.
// Legacy SHA-256 hashes remain supported for keys minted before the
// switch to bcrypt.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)); err == nil {
		return true
	}

	return legacyAPIKeyMatchesHash(expectedHash, secret)
}

func legacyAPIKeyMatchesHash(expectedHash, secret string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(secret))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}
