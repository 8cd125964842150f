package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

const filePerm = 0644

// writeAtomic streams r into a temp file beside dest and renames it over
// dest, so readers see either the old or the new content. It returns the
// hex SHA-256 of what was written.
func writeAtomic(dest string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	h := sha256.New()
	if err := fill(tmp, r, h); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file for %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replacing %s: %w", dest, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fill(f *os.File, r io.Reader, h hash.Hash) error {
	if _, err := io.Copy(f, io.TeeReader(r, h)); err != nil {
		return err
	}
	if err := f.Chmod(filePerm); err != nil {
		return err
	}
	return f.Sync()
}
