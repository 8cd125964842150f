package endcat

import (
	"context"
	"io"
)

// Vault stores off-machine snapshots of the local database.
// All operations stream so large databases are never held in memory.
type Vault interface {
	// PutSnapshot stores a named snapshot. size is the number of bytes that
	// will be read from r. version is stored alongside for consistency checks.
	PutSnapshot(ctx context.Context, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot retrieves a named snapshot and writes it to w.
	GetSnapshot(ctx context.Context, name string, w io.Writer) error

	// SnapshotVersion returns the version stored with a snapshot, or 0 if
	// no snapshot exists.
	SnapshotVersion(ctx context.Context, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible.
	ValidateSetup(ctx context.Context) error
}
