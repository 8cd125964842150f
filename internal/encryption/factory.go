package encryption

import (
	"fmt"

	"endcat-go/internal/config"
	"endcat-go/internal/endcat"
)

// NewSealerFromConfig creates a TokenSealer based on the configuration type.
// Type "none" returns a nil sealer: tokens are stored in plaintext.
func NewSealerFromConfig(cfg config.EncryptionConfig) (endcat.TokenSealer, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeSealer(cfg), nil
	case "test":
		return NewTestSealer(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
