// ABOUTME: Opaque bearer token generation with kind prefixes
// ABOUTME: Tokens are random hex and carry no parseable meaning

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Token prefixes identify the credential kind to humans reading logs. The
// value after the prefix is random and must never be parsed for meaning.
const (
	SessionTokenPrefix   = "st_"
	MasterKeyPrefix      = "mak_"
	TenantKeyPrefix      = "tak_"
	tokenRandomByteCount = 32
)

// GenerateToken returns a new unguessable token with the given prefix.
func GenerateToken(prefix string) (string, error) {
	buf := make([]byte, tokenRandomByteCount)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// NewSessionToken returns a fresh session bearer token.
func NewSessionToken() (string, error) {
	return GenerateToken(SessionTokenPrefix)
}

// NewMasterKey returns a fresh master API key value.
func NewMasterKey() (string, error) {
	return GenerateToken(MasterKeyPrefix)
}

// NewTenantKey returns a fresh tenant-scoped API key value.
func NewTenantKey() (string, error) {
	return GenerateToken(TenantKeyPrefix)
}
