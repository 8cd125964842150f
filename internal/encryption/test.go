package encryption

import (
	"fmt"
	"strings"

	"endcat-go/internal/endcat"
)

// testPrefix is prepended by TestSealer to make sealed output clearly
// different from plaintext while remaining deterministic and reversible.
const testPrefix = "test:"

// TestSealer is a simple, deterministic sealer for testing. It requires no
// key material.
type TestSealer struct{}

var _ endcat.TokenSealer = (*TestSealer)(nil)

// NewTestSealer creates a new TestSealer.
func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (*TestSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return testPrefix + plaintext, nil
}

func (*TestSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	rest, ok := strings.CutPrefix(sealed, testPrefix)
	if !ok {
		return "", fmt.Errorf("invalid test seal")
	}
	return rest, nil
}
