package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mr-tron/base58"

	"github.com/kilnworks/kiln/errors"
)

// APIKeyPrefix precedes every issued key so leaked secrets are greppable.
const APIKeyPrefix = "kiln_"

// GenerateAPIKey returns a fresh bearer credential: the prefix plus 24 random
// bytes in base58btc. The clear key is shown once at issue time; only its
// digest is persisted.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate key material")
	}
	return APIKeyPrefix + base58.Encode(buf), nil
}

// HashAPIKey returns the sha256 hex digest under which a key is stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
