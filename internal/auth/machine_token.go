package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Format: omb_<uuid>_<64 hex chars>
const machineTokenPrefix = "omb_"

const secretBytes = 32

type MachineTokenGenerator struct{}

func NewMachineTokenGenerator() *MachineTokenGenerator {
	return &MachineTokenGenerator{}
}

// GenerateMachineToken returns a new token and the hash to put in the
// config. The token itself is shown once and never stored.
func (m *MachineTokenGenerator) GenerateMachineToken() (string, string, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token := machineTokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secret)
	return token, m.HashToken(token), nil
}

// HashToken hashes a machine token for storage
func (m *MachineTokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// TokenID returns the public id part of a well-formed token, safe to log.
func (m *MachineTokenGenerator) TokenID(token string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(token, machineTokenPrefix)
	if !ok {
		return uuid.Nil, false
	}
	idPart, secret, ok := strings.Cut(rest, "_")
	if !ok || len(secret) != 2*secretBytes {
		return uuid.Nil, false
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ValidateTokenFormat checks if token has correct format
func (m *MachineTokenGenerator) ValidateTokenFormat(token string) bool {
	_, ok := m.TokenID(token)
	return ok
}
