// Package auth provides API key generation and verification for the freeip
// API. Keys are shown once when generated; only their bcrypt hashes are
// kept in the configuration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "fip"
	// displayRandomLength is how much of the random part a display prefix shows
	displayRandomLength = 8

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72
)

// GeneratedAPIKey contains a newly generated API key and its hash
type GeneratedAPIKey struct {
	Key       string `json:"key"`        // The actual API key (only shown once)
	Hash      string `json:"hash"`       // bcrypt hash for api.auth.key_hashes
	KeyPrefix string `json:"key_prefix"` // Display-safe prefix
}

// GenerateAPIKey creates a new random API key and hashes it.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	return generateAPIKey(BcryptCost)
}

func generateAPIKey(cost int) (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters; lower case, padding trimmed
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	randomPart = randomPart[:APIKeyLength]

	fullKey := APIKeyPrefix + "_" + randomPart

	hash, err := hashAPIKey(fullKey, cost)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:       fullKey,
		Hash:      hash,
		KeyPrefix: CreateDisplayPrefix(fullKey),
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for storage in the
// configuration.
func HashAPIKey(apiKey string) (string, error) {
	return hashAPIKey(apiKey, BcryptCost)
}

func hashAPIKey(apiKey string, cost int) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(apiKey)) == nil
}

// bcryptInput pre-hashes keys longer than bcrypt accepts.
func bcryptInput(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// IsValidAPIKeyFormat checks if an API key has the correct format
func IsValidAPIKeyFormat(apiKey string) bool {
	randomPart, ok := strings.CutPrefix(apiKey, APIKeyPrefix+"_")
	if !ok || len(randomPart) != APIKeyLength {
		return false
	}

	for _, char := range randomPart {
		if (char < 'a' || char > 'z') && (char < '2' || char > '7') {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	randomPart := strings.TrimPrefix(apiKey, APIKeyPrefix+"_")
	return fmt.Sprintf("%s_%s...", APIKeyPrefix, randomPart[:displayRandomLength])
}

// Keyring verifies presented keys against the configured hashes.
// Successful verifications are remembered by SHA-256 digest so bcrypt
// runs once per key and process.
type Keyring struct {
	hashes []string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewKeyring checks every hash is a bcrypt hash and returns a keyring
// accepting the keys they were made from.
func NewKeyring(hashes []string) (*Keyring, error) {
	if len(hashes) == 0 {
		return nil, fmt.Errorf("at least one API key hash is required")
	}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d is not a bcrypt hash: %w", i, err)
		}
	}
	return &Keyring{
		hashes:   append([]string(nil), hashes...),
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Authenticate reports whether apiKey matches one of the hashes.
func (k *Keyring) Authenticate(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	digest := sha256.Sum256([]byte(apiKey))

	k.mu.RLock()
	_, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range k.hashes {
		if ValidateAPIKey(apiKey, h) {
			k.mu.Lock()
			k.verified[digest] = struct{}{}
			k.mu.Unlock()
			return true
		}
	}
	return false
}

// Len returns the number of configured hashes.
func (k *Keyring) Len() int {
	return len(k.hashes)
}
