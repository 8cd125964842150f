// Package mirror keeps a local directory in step with a remote metadata
// bundle described by a manifest.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"endcat-go/internal/endcat"
)

// Phase is a reconciliation step. Phases only move forward.
type Phase string

const (
	PhaseVerifying   Phase = "verifying"
	PhaseDownloading Phase = "downloading"
	PhaseCleaning    Phase = "cleaning"
	PhaseDone        Phase = "done"
)

// Progress is one reconciliation event. Path is slash separated and
// relative to the mirror root.
type Progress struct {
	Phase   Phase
	Current int
	Total   int
	Path    string
}

// ProgressFunc receives progress events synchronously and in order.
// It may be nil.
type ProgressFunc func(Progress)

// Status describes the mirror on disk.
type Status struct {
	Path           string
	IsEmpty        bool
	FileCount      int
	HasManifest    bool
	CurrentVersion string
}

// Reconciler drives one mirror root toward a remote manifest.
type Reconciler struct {
	root    string
	fetcher *Fetcher
	locks   *endcat.KeyedMutex
	logger  endcat.Logger
}

// NewReconciler creates a Reconciler for root. locks may be shared with
// other components; the reconciler locks on MirrorLockKey(root).
func NewReconciler(root string, fetcher *Fetcher, locks *endcat.KeyedMutex, logger endcat.Logger) *Reconciler {
	if locks == nil {
		locks = endcat.NewKeyedMutex()
	}
	return &Reconciler{
		root:    root,
		fetcher: fetcher,
		locks:   locks,
		logger:  logger,
	}
}

// Root returns the mirror directory.
func (r *Reconciler) Root() string {
	return r.root
}

// Update brings the mirror up to date with the manifest for base and
// version, downloading only files that are missing or fail their checksum
// and deleting files the manifest no longer lists. The sidecar is written
// last, so a failed run is never recorded as current.
//
// An empty base is not an error: the mirror is left alone and reported
// empty.
func (r *Reconciler) Update(ctx context.Context, base, version string, progress ProgressFunc) (*Status, error) {
	if strings.TrimSpace(base) == "" {
		return r.emptyStatus(), nil
	}

	unlock, err := r.locks.Lock(ctx, endcat.MirrorLockKey(r.root))
	if err != nil {
		return nil, fmt.Errorf("waiting for mirror lock: %w", err)
	}
	defer unlock()

	if err := os.MkdirAll(r.root, 0755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	emit(progress, Progress{Phase: PhaseVerifying, Current: 0, Total: 1, Path: SidecarName})
	m, err := r.fetcher.Fetch(ctx, base, version)
	if err != nil {
		return nil, err
	}

	queue, err := r.verify(ctx, m, progress)
	if err != nil {
		return nil, err
	}
	r.logger.Info("mirror verified", "root", r.root, "entries", len(m.Entries), "stale", len(queue))

	if err := r.download(ctx, m, queue, progress); err != nil {
		return nil, err
	}
	return r.finish(ctx, m, progress)
}

// Reset wipes the mirror and downloads every file of the manifest again.
// The manifest is fetched before anything is removed.
func (r *Reconciler) Reset(ctx context.Context, base, version string, progress ProgressFunc) (*Status, error) {
	if strings.TrimSpace(base) == "" {
		return r.emptyStatus(), nil
	}

	unlock, err := r.locks.Lock(ctx, endcat.MirrorLockKey(r.root))
	if err != nil {
		return nil, fmt.Errorf("waiting for mirror lock: %w", err)
	}
	defer unlock()

	m, err := r.fetcher.Fetch(ctx, base, version)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(r.root); err != nil {
		return nil, fmt.Errorf("removing mirror directory: %w", err)
	}
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	r.logger.Info("mirror wiped", "root", r.root)

	if err := r.download(ctx, m, m.Entries, progress); err != nil {
		return nil, err
	}
	return r.finish(ctx, m, progress)
}

// Status reports what is on disk, creating the root if it is missing.
// The file count includes the sidecar.
func (r *Reconciler) Status() (*Status, error) {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	count := 0
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting mirror files: %w", err)
	}

	status := &Status{Path: r.root, IsEmpty: count == 0, FileCount: count}
	sidecar := filepath.Join(r.root, SidecarName)
	if _, err := os.Stat(sidecar); err == nil {
		status.HasManifest = true
		status.CurrentVersion = readSidecarVersion(sidecar)
	}
	return status, nil
}

func (r *Reconciler) emptyStatus() *Status {
	return &Status{Path: r.root, IsEmpty: true}
}

// verify returns the entries that need downloading.
func (r *Reconciler) verify(ctx context.Context, m *Manifest, progress ProgressFunc) ([]ManifestEntry, error) {
	var queue []ManifestEntry
	for i, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit(progress, Progress{Phase: PhaseVerifying, Current: i + 1, Total: len(m.Entries), Path: e.Path})

		local := r.localPath(e.Path)
		info, err := os.Stat(local)
		if err != nil || !info.Mode().IsRegular() {
			queue = append(queue, e)
			continue
		}
		if e.Checksum == "" {
			continue
		}
		sum, err := FileChecksum(local)
		if err != nil {
			r.logger.Debug("unreadable mirror file, queueing download", "path", e.Path, "error", err)
			queue = append(queue, e)
			continue
		}
		if !strings.EqualFold(sum, e.Checksum) {
			queue = append(queue, e)
		}
	}
	return queue, nil
}

func (r *Reconciler) download(ctx context.Context, m *Manifest, entries []ManifestEntry, progress ProgressFunc) error {
	base := ManifestBase(m.URL)
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(progress, Progress{Phase: PhaseDownloading, Current: i + 1, Total: len(entries), Path: e.Path})

		dest := r.localPath(e.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", e.Path, err)
		}
		// The manifest names a file here; anything else in the way goes.
		if info, err := os.Lstat(dest); err == nil && !info.Mode().IsRegular() {
			if err := os.RemoveAll(dest); err != nil {
				return fmt.Errorf("removing %s: %w", e.Path, err)
			}
		}

		body, err := r.fetcher.open(ctx, base+e.Path, e.Path)
		if err != nil {
			return err
		}
		sum, err := writeAtomic(dest, body)
		body.Close()
		if err != nil {
			return err
		}

		if e.Checksum != "" && !strings.EqualFold(sum, e.Checksum) {
			r.logger.Warn("downloaded file does not match manifest checksum", "path", e.Path, "want", e.Checksum, "got", sum)
		}
	}
	return nil
}

// finish removes files outside the manifest, then commits the sidecar and
// rescans. A sidecar already holding the same bytes is left untouched.
func (r *Reconciler) finish(ctx context.Context, m *Manifest, progress ProgressFunc) (*Status, error) {
	if err := r.clean(ctx, m, progress); err != nil {
		return nil, err
	}

	sidecar := filepath.Join(r.root, SidecarName)
	if current, err := os.ReadFile(sidecar); err != nil || !bytes.Equal(current, m.Raw()) {
		if _, err := writeAtomic(sidecar, bytes.NewReader(m.Raw())); err != nil {
			return nil, fmt.Errorf("writing manifest sidecar: %w", err)
		}
	}
	emit(progress, Progress{Phase: PhaseDone, Current: 1, Total: 1, Path: SidecarName})

	status, err := r.Status()
	if err != nil {
		return nil, err
	}
	r.logger.Info("mirror up to date", "root", r.root, "version", status.CurrentVersion, "files", status.FileCount)
	return status, nil
}

func (r *Reconciler) clean(ctx context.Context, m *Manifest, progress ProgressFunc) error {
	keep := m.PathSet()

	var extra []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == SidecarName {
			return nil
		}
		if _, ok := keep[rel]; !ok {
			extra = append(extra, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning mirror: %w", err)
	}

	for i, rel := range extra {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(progress, Progress{Phase: PhaseCleaning, Current: i + 1, Total: len(extra), Path: rel})
		if err := os.Remove(r.localPath(rel)); err != nil {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
	}
	if len(extra) > 0 {
		r.logger.Info("removed files not in manifest", "root", r.root, "count", len(extra))
	}
	return nil
}

func (r *Reconciler) localPath(rel string) string {
	return filepath.Join(r.root, filepath.FromSlash(rel))
}

func readSidecarVersion(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	v, _ := fields["package_version"].(string)
	return v
}

func emit(progress ProgressFunc, p Progress) {
	if progress != nil {
		progress(p)
	}
}

