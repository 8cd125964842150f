package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"endcat-go/internal/endcat"
	"endcat-go/internal/testutil"
)

// bundleHost serves a manifest and its files under /bundle/.
type bundleHost struct {
	mu       sync.Mutex
	version  string
	files    map[string]string
	noSum    map[string]bool // entries published without a checksum
	badSum   map[string]bool // entries published with a wrong checksum
	failures map[string]int  // entry path -> status code
	hits     map[string]int
	headers  http.Header

	srv *httptest.Server
}

func newBundleHost(t *testing.T, files map[string]string) *bundleHost {
	t.Helper()
	h := &bundleHost{
		version:  "1.0.0",
		files:    files,
		noSum:    map[string]bool{},
		badSum:   map[string]bool{},
		failures: map[string]int{},
		hits:     map[string]int{},
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *bundleHost) base() string {
	return h.srv.URL + "/bundle/"
}

func (h *bundleHost) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rel, ok := strings.CutPrefix(r.URL.Path, "/bundle/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.hits[rel]++

	if rel == SidecarName {
		h.headers = r.Header.Clone()
		if code := h.failures[SidecarName]; code != 0 {
			w.WriteHeader(code)
			return
		}
		w.Write(h.manifestBytes())
		return
	}
	if code := h.failures[rel]; code != 0 {
		w.WriteHeader(code)
		return
	}
	body, ok := h.files[rel]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(body))
}

func (h *bundleHost) manifestBytes() []byte {
	type entry struct {
		Path     string `json:"path"`
		Checksum string `json:"checksum"`
		Size     int    `json:"size"`
	}
	doc := struct {
		PackageVersion string  `json:"package_version"`
		ItemCount      int     `json:"item_count"`
		Entries        []entry `json:"entries"`
	}{PackageVersion: h.version, ItemCount: len(h.files)}

	paths := make([]string, 0, len(h.files))
	for p := range h.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		body := h.files[p]
		e := entry{Path: p, Size: len(body)}
		switch {
		case h.noSum[p]:
		case h.badSum[p]:
			e.Checksum = strings.Repeat("0", 64)
		default:
			// Upper case on purpose: comparison is case-insensitive.
			e.Checksum = strings.ToUpper(testutil.SHA256Hex([]byte(body)))
		}
		doc.Entries = append(doc.Entries, e)
	}
	data, _ := json.Marshal(doc)
	return data
}

func (h *bundleHost) fileHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p, c := range h.hits {
		if p != SidecarName {
			n += c
		}
	}
	return n
}

func (h *bundleHost) set(fn func(h *bundleHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func newTestReconciler(t *testing.T, root string) *Reconciler {
	t.Helper()
	logger := endcat.NewNopLogger()
	return NewReconciler(root, NewFetcher(nil, logger), nil, logger)
}

type progressLog struct {
	events []Progress
}

func (l *progressLog) record(p Progress) { l.events = append(l.events, p) }

func (l *progressLog) phase(ph Phase) []Progress {
	var out []Progress
	for _, e := range l.events {
		if e.Phase == ph {
			out = append(out, e)
		}
	}
	return out
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func sampleFiles() map[string]string {
	return map[string]string{
		"index.json":         `{"items":2}`,
		"chars/perlica.json": `{"name":"Perlica"}`,
		"weapons/blade.json": `{"name":"Blade"}`,
	}
}

func TestReconciler_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh mirror downloads everything", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := filepath.Join(t.TempDir(), "metadata")
		r := newTestReconciler(t, root)

		var log progressLog
		status, err := r.Update(ctx, host.base(), "", log.record)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		for p, body := range sampleFiles() {
			if got := readFile(t, filepath.Join(root, filepath.FromSlash(p))); got != body {
				t.Errorf("%s = %q, want %q", p, got, body)
			}
		}
		if string(host.manifestBytes()) != readFile(t, filepath.Join(root, SidecarName)) {
			t.Error("sidecar does not hold the raw manifest bytes")
		}

		want := Status{Path: root, IsEmpty: false, FileCount: 4, HasManifest: true, CurrentVersion: "1.0.0"}
		if *status != want {
			t.Errorf("Update() status = %+v, want %+v", *status, want)
		}

		if len(log.events) == 0 {
			t.Fatal("no progress events")
		}
		if log.events[0] != (Progress{Phase: PhaseVerifying, Current: 0, Total: 1, Path: SidecarName}) {
			t.Errorf("first event = %+v, want early manifest event", log.events[0])
		}
		if n := len(log.phase(PhaseVerifying)); n != 4 {
			t.Errorf("verifying events = %d, want 4", n)
		}
		downloads := log.phase(PhaseDownloading)
		if len(downloads) != 3 || downloads[2].Current != 3 || downloads[2].Total != 3 {
			t.Errorf("downloading events = %+v, want 3 of 3", downloads)
		}
		if n := len(log.phase(PhaseCleaning)); n != 0 {
			t.Errorf("cleaning events = %d, want 0", n)
		}
		if last := log.events[len(log.events)-1]; last.Phase != PhaseDone {
			t.Errorf("last event = %+v, want done", last)
		}

		// Phases never go backwards.
		order := map[Phase]int{PhaseVerifying: 0, PhaseDownloading: 1, PhaseCleaning: 2, PhaseDone: 3}
		for i := 1; i < len(log.events); i++ {
			if order[log.events[i].Phase] < order[log.events[i-1].Phase] {
				t.Fatalf("phase went from %s back to %s", log.events[i-1].Phase, log.events[i].Phase)
			}
		}
	})

	t.Run("second update is a no-op", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}
		before := host.fileHits()
		sidecar := filepath.Join(root, SidecarName)
		sidecarBefore, err := os.Stat(sidecar)
		if err != nil {
			t.Fatal(err)
		}

		var log progressLog
		if _, err := r.Update(ctx, host.base(), "", log.record); err != nil {
			t.Fatalf("second Update() error = %v", err)
		}
		if host.fileHits() != before {
			t.Errorf("second Update() downloaded %d files, want 0", host.fileHits()-before)
		}
		if len(log.phase(PhaseDownloading)) != 0 || len(log.phase(PhaseCleaning)) != 0 {
			t.Errorf("second Update() events = %+v, want verify only", log.events)
		}

		sidecarAfter, err := os.Stat(sidecar)
		if err != nil {
			t.Fatal(err)
		}
		if !os.SameFile(sidecarBefore, sidecarAfter) || !sidecarAfter.ModTime().Equal(sidecarBefore.ModTime()) {
			t.Error("second Update() rewrote the unchanged sidecar")
		}
	})

	t.Run("changed manifest rewrites the sidecar", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}
		host.version = "1.0.1"

		status, err := r.Update(ctx, host.base(), "", nil)
		if err != nil {
			t.Fatalf("second Update() error = %v", err)
		}
		if status.CurrentVersion != "1.0.1" {
			t.Errorf("CurrentVersion = %q, want 1.0.1", status.CurrentVersion)
		}
	})

	t.Run("directory in place of a file is replaced", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		host.noSum["index.json"] = true
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "index.json", "stray.txt"), "stray")
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		info, err := os.Stat(filepath.Join(root, "index.json"))
		if err != nil {
			t.Fatal(err)
		}
		if !info.Mode().IsRegular() {
			t.Fatalf("index.json mode = %v, want a regular file", info.Mode())
		}
		if got := readFile(t, filepath.Join(root, "index.json")); got != sampleFiles()["index.json"] {
			t.Errorf("index.json = %q, want manifest content", got)
		}
	})

	t.Run("only changed files are downloaded", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}
		writeFile(t, filepath.Join(root, "chars", "perlica.json"), "corrupted")
		before := host.fileHits()

		var log progressLog
		if _, err := r.Update(ctx, host.base(), "", log.record); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got := host.fileHits() - before; got != 1 {
			t.Errorf("downloads = %d, want 1", got)
		}
		downloads := log.phase(PhaseDownloading)
		if len(downloads) != 1 || downloads[0].Path != "chars/perlica.json" {
			t.Errorf("downloading events = %+v, want chars/perlica.json", downloads)
		}
		if got := readFile(t, filepath.Join(root, "chars", "perlica.json")); got != sampleFiles()["chars/perlica.json"] {
			t.Errorf("repaired file = %q", got)
		}
	})

	t.Run("existing file without checksum is trusted", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		host.noSum["index.json"] = true
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "index.json"), "local edit")
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got := readFile(t, filepath.Join(root, "index.json")); got != "local edit" {
			t.Errorf("index.json = %q, want local content kept", got)
		}
	})

	t.Run("files outside the manifest are removed", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "stale.json"), "x")
		writeFile(t, filepath.Join(root, "chars", "old.json"), "y")
		r := newTestReconciler(t, root)

		var log progressLog
		status, err := r.Update(ctx, host.base(), "", log.record)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		for _, p := range []string{"stale.json", "chars/old.json"} {
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(p))); !os.IsNotExist(err) {
				t.Errorf("%s still present", p)
			}
		}
		cleaning := log.phase(PhaseCleaning)
		if len(cleaning) != 2 || cleaning[1].Total != 2 {
			t.Errorf("cleaning events = %+v, want 2 of 2", cleaning)
		}
		if status.FileCount != 4 {
			t.Errorf("FileCount = %d, want 4", status.FileCount)
		}
	})

	t.Run("removed manifest entries are cleaned", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)
		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}

		host.set(func(h *bundleHost) {
			delete(h.files, "weapons/blade.json")
			h.version = "1.1.0"
		})
		status, err := r.Update(ctx, host.base(), "", nil)
		if err != nil {
			t.Fatalf("second Update() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "weapons", "blade.json")); !os.IsNotExist(err) {
			t.Error("weapons/blade.json still present")
		}
		if status.CurrentVersion != "1.1.0" || status.FileCount != 3 {
			t.Errorf("status = %+v, want version 1.1.0 with 3 files", status)
		}
	})

	t.Run("failed download keeps the old sidecar", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)
		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}
		oldSidecar := readFile(t, filepath.Join(root, SidecarName))

		host.set(func(h *bundleHost) {
			h.version = "2.0.0"
			h.files["chars/new.json"] = "new"
			h.failures["chars/new.json"] = http.StatusInternalServerError
		})

		_, err := r.Update(ctx, host.base(), "", nil)
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("Update() error = %v, want *StatusError", err)
		}
		if err.Error() != "HTTP 500 when downloading chars/new.json" {
			t.Errorf("Update() error = %q", err.Error())
		}
		if readFile(t, filepath.Join(root, SidecarName)) != oldSidecar {
			t.Error("sidecar changed after a failed update")
		}

		status, err := r.Status()
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if status.CurrentVersion != "1.0.0" {
			t.Errorf("CurrentVersion = %q, want 1.0.0", status.CurrentVersion)
		}
	})

	t.Run("downloaded checksum mismatch is kept", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		host.badSum["index.json"] = true
		root := t.TempDir()
		r := newTestReconciler(t, root)

		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got := readFile(t, filepath.Join(root, "index.json")); got != sampleFiles()["index.json"] {
			t.Errorf("index.json = %q", got)
		}
	})

	t.Run("manifest http error", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		host.failures[SidecarName] = http.StatusNotFound
		root := t.TempDir()
		r := newTestReconciler(t, root)

		_, err := r.Update(ctx, host.base(), "", nil)
		if err == nil || !strings.HasPrefix(err.Error(), "HTTP 404 when fetching manifest: ") {
			t.Errorf("Update() error = %v, want manifest 404", err)
		}
		if _, err := os.Stat(filepath.Join(root, SidecarName)); !os.IsNotExist(err) {
			t.Error("sidecar written after manifest failure")
		}
	})

	t.Run("manifest bypasses caches", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		r := newTestReconciler(t, t.TempDir())
		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got := host.headers.Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
			t.Errorf("Cache-Control = %q", got)
		}
		if got := host.headers.Get("Pragma"); got != "no-cache" {
			t.Errorf("Pragma = %q", got)
		}
	})

	t.Run("empty base url is a no-op", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "never-created")
		r := newTestReconciler(t, root)

		var log progressLog
		status, err := r.Update(ctx, "  ", "1.0", log.record)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if *status != (Status{Path: root, IsEmpty: true}) {
			t.Errorf("Update() status = %+v, want empty", *status)
		}
		if len(log.events) != 0 {
			t.Errorf("events = %+v, want none", log.events)
		}
		if _, err := os.Stat(root); !os.IsNotExist(err) {
			t.Error("root created for an empty base url")
		}
	})

	t.Run("waits for the mirror lock", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		locks := endcat.NewKeyedMutex()
		logger := endcat.NewNopLogger()
		r := NewReconciler(root, NewFetcher(nil, logger), locks, logger)

		unlock, ok := locks.TryLock(endcat.MirrorLockKey(root))
		if !ok {
			t.Fatal("TryLock() failed")
		}
		defer unlock()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := r.Update(cctx, host.base(), "", nil); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Update() error = %v, want deadline exceeded", err)
		}
		if host.fileHits() != 0 {
			t.Error("files downloaded without holding the lock")
		}
	})
}

func TestReconciler_Reset(t *testing.T) {
	ctx := context.Background()

	t.Run("redownloads everything", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)
		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		writeFile(t, filepath.Join(root, "junk", "extra.bin"), "junk")
		before := host.fileHits()

		var log progressLog
		status, err := r.Reset(ctx, host.base(), "", log.record)
		if err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		if got := host.fileHits() - before; got != 3 {
			t.Errorf("downloads = %d, want 3", got)
		}
		if n := len(log.phase(PhaseDownloading)); n != 3 {
			t.Errorf("downloading events = %d, want 3", n)
		}
		if n := len(log.phase(PhaseVerifying)); n != 0 {
			t.Errorf("verifying events = %d, want 0", n)
		}
		if _, err := os.Stat(filepath.Join(root, "junk")); !os.IsNotExist(err) {
			t.Error("junk directory survived a reset")
		}
		if !status.HasManifest || status.FileCount != 4 {
			t.Errorf("status = %+v, want sidecar and 4 files", status)
		}
	})

	t.Run("manifest failure leaves the mirror alone", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		root := t.TempDir()
		r := newTestReconciler(t, root)
		if _, err := r.Update(ctx, host.base(), "", nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		host.set(func(h *bundleHost) { h.failures[SidecarName] = http.StatusBadGateway })

		if _, err := r.Reset(ctx, host.base(), "", nil); err == nil {
			t.Fatal("Reset() expected error")
		}
		status, err := r.Status()
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if status.FileCount != 4 {
			t.Errorf("FileCount = %d after failed reset, want 4", status.FileCount)
		}
	})

	t.Run("failed download leaves no sidecar", func(t *testing.T) {
		host := newBundleHost(t, sampleFiles())
		host.failures["weapons/blade.json"] = http.StatusForbidden
		root := t.TempDir()
		r := newTestReconciler(t, root)

		if _, err := r.Reset(ctx, host.base(), "", nil); err == nil {
			t.Fatal("Reset() expected error")
		}
		if _, err := os.Stat(filepath.Join(root, SidecarName)); !os.IsNotExist(err) {
			t.Error("sidecar written by a failed reset")
		}
	})

	t.Run("empty base url is a no-op", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "keep.json"), "x")
		r := newTestReconciler(t, root)

		if _, err := r.Reset(ctx, "", "", nil); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		if readFile(t, filepath.Join(root, "keep.json")) != "x" {
			t.Error("Reset() with empty base touched the mirror")
		}
	})
}

func TestReconciler_Status(t *testing.T) {
	t.Run("creates missing root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "a", "b")
		status, err := newTestReconciler(t, root).Status()
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if !status.IsEmpty || status.HasManifest || status.FileCount != 0 {
			t.Errorf("Status() = %+v, want empty", status)
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			t.Errorf("root not created: %v", err)
		}
	})

	t.Run("unreadable sidecar has no version", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, SidecarName), "not json")
		writeFile(t, filepath.Join(root, "x", "y.json"), "{}")

		status, err := newTestReconciler(t, root).Status()
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		want := Status{Path: root, FileCount: 2, HasManifest: true}
		if *status != want {
			t.Errorf("Status() = %+v, want %+v", *status, want)
		}
	})
}

func TestFetcher_Summary(t *testing.T) {
	host := newBundleHost(t, sampleFiles())
	f := NewFetcher(nil, endcat.NewNopLogger())

	summary, err := f.Summary(context.Background(), host.base(), "")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.PackageVersion != "1.0.0" || summary.EntryCount != 3 {
		t.Errorf("Summary() = %+v", summary)
	}
	var total int64
	for _, body := range sampleFiles() {
		total += int64(len(body))
	}
	if summary.TotalSize != total {
		t.Errorf("TotalSize = %d, want %d", summary.TotalSize, total)
	}
	if summary.URL != host.base()+SidecarName {
		t.Errorf("URL = %q", summary.URL)
	}
}
