package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "pnio_"

// GenerateMachineToken creates a new machine token
// Format: pnio_<uuid>_<random_secret>
func GenerateMachineToken() (string, error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	return fmt.Sprintf("%s%s_%s", machineTokenPrefix, id.String(), hex.EncodeToString(secretBytes)), nil
}

// ValidateTokenFormat checks if token has correct format
func ValidateTokenFormat(token string) bool {
	if len(token) != len(machineTokenPrefix)+36+1+64 || !strings.HasPrefix(token, machineTokenPrefix) {
		return false
	}
	rest := token[len(machineTokenPrefix):]
	if _, err := uuid.Parse(rest[:36]); err != nil || rest[36] != '_' {
		return false
	}
	_, err := hex.DecodeString(rest[37:])
	return err == nil
}
