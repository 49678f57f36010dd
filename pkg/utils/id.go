package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenBytes is the entropy of an invite token (256 bits).
const TokenBytes = 32

// GenerateToken returns a hex encoded token read from crypto/rand.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func GenerateGrantID() string {
	return uuid.NewString()
}

func GenerateGuestID() string {
	return "guest_" + uuid.NewString()
}

func GenerateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
