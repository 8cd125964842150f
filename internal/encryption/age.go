package encryption

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"endcat-go/internal/config"
	"endcat-go/internal/endcat"
)

// sealedPrefix marks a value produced by AgeSealer. Values without it are
// treated as plaintext written before sealing was enabled.
const sealedPrefix = "age:"

// AgeSealer implements endcat.TokenSealer using filippo.io/age with an
// X25519 identity kept in a local key file. The key file is generated on
// first use with mode 0600.
type AgeSealer struct {
	keyPath string

	mu       sync.Mutex
	identity *age.X25519Identity
}

var _ endcat.TokenSealer = (*AgeSealer)(nil)

// NewAgeSealer creates a new AgeSealer from configuration.
func NewAgeSealer(cfg config.EncryptionConfig) *AgeSealer {
	return &AgeSealer{keyPath: cfg.KeyPath}
}

// Seal encrypts plaintext to the local identity and returns it as
// "age:" followed by standard base64.
func (s *AgeSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	identity, err := s.loadIdentity()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal. A value without the sealed prefix is returned as is.
func (s *AgeSealer) Open(sealed string) (string, error) {
	rest, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return sealed, nil
	}
	identity, err := s.loadIdentity()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("decoding sealed token: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted token: %w", err)
	}
	return string(plaintext), nil
}

// IsConfigured returns true if the key file exists.
func (s *AgeSealer) IsConfigured() bool {
	_, err := os.Stat(s.keyPath)
	return err == nil
}

// loadIdentity reads the identity from the key file, generating the file
// if it does not exist yet.
func (s *AgeSealer) loadIdentity() (*age.X25519Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, nil
	}
	if s.keyPath == "" {
		return nil, fmt.Errorf("encryption key_path is not configured")
	}

	data, err := os.ReadFile(s.keyPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		identity, err := s.generate()
		if err != nil {
			return nil, err
		}
		s.identity = identity
		return identity, nil
	case err != nil:
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in key file")
	}
	identity, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("key file does not hold an X25519 identity")
	}
	s.identity = identity
	return identity, nil
}

func (s *AgeSealer) generate() (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	// O_EXCL so a concurrently created key is never overwritten.
	f, err := os.OpenFile(s.keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", identity.Recipient(), identity); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return identity, nil
}
