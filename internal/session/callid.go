package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const callIDBytes = 16

// NewCallID returns 16 random bytes as 32 lowercase hex characters
func NewCallID() (string, error) {
	b := make([]byte, callIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate call id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
