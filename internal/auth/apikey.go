// Package auth provides the credential primitives behind the block directory's
// capability check: statically provisioned API keys stored as bcrypt hashes, and
// HS256 JWTs carrying a scopes claim.
// See internal/middleware/auth.go for the request-time logic that uses them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// KeyRecord is one provisioned API key: a display name, its bcrypt hash, and the
// scopes it grants.
type KeyRecord struct {
	Name   string
	Hash   string
	Scopes []string
}

// GenerateAPIKey creates a new random API key with the given prefix.
// Returns the full key (shown once) and its bcrypt hash (stored in config).
func GenerateAPIKey(prefix string) (key string, hash string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	key = prefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey returns the bcrypt hash of key.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("API key is empty")
	}
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hashBytes), nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey))
	return err == nil
}

// MatchAPIKey returns the first record whose hash matches providedKey.
func MatchAPIKey(providedKey string, records []KeyRecord) (*KeyRecord, bool) {
	for i := range records {
		if ValidateAPIKey(providedKey, records[i].Hash) {
			return &records[i], true
		}
	}
	return nil, false
}

// ExtractBearerToken extracts the credential from an Authorization header.
// Expected format: "Bearer <token>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}

	return token, nil
}
