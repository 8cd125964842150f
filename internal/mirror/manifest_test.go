package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"endcat-go/internal/testutil"
)

func TestParseManifest(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		data := []byte(`{
			"package_version": "1.0.3",
			"metadata_checksum": "abc",
			"item_count": 2,
			"entries": [
				{"path": "chars/a.json", "checksum": "AA", "size": 10},
				{"path": "", "checksum": "skipped"},
				{"path": "./weapons//b.json", "size": 5}
			]
		}`)
		m, err := ParseManifest(data)
		if err != nil {
			t.Fatalf("ParseManifest() error = %v", err)
		}
		if m.PackageVersion != "1.0.3" || m.ItemCount == nil || *m.ItemCount != 2 {
			t.Errorf("header = %q/%v", m.PackageVersion, m.ItemCount)
		}
		if len(m.Entries) != 2 {
			t.Fatalf("len(Entries) = %d, want 2", len(m.Entries))
		}
		if m.Entries[1].Path != "weapons/b.json" {
			t.Errorf("Entries[1].Path = %q, want cleaned path", m.Entries[1].Path)
		}
		if m.TotalSize() != 15 {
			t.Errorf("TotalSize() = %d, want 15", m.TotalSize())
		}
		if string(m.Raw()) != string(data) {
			t.Error("Raw() does not return the parsed bytes")
		}
		if _, ok := m.PathSet()["chars/a.json"]; !ok {
			t.Error("PathSet() missing chars/a.json")
		}
	})

	t.Run("missing item count is nil", func(t *testing.T) {
		m, err := ParseManifest([]byte(`{"entries":[]}`))
		if err != nil {
			t.Fatalf("ParseManifest() error = %v", err)
		}
		if m.ItemCount != nil {
			t.Errorf("ItemCount = %v, want nil", *m.ItemCount)
		}
	})

	rejects := []struct {
		name string
		data string
		want string
	}{
		{"malformed json", `{"entries": [`, "decoding manifest"},
		{"absolute path", `{"entries":[{"path":"/etc/passwd"}]}`, "not a relative path"},
		{"escaping path", `{"entries":[{"path":"a/../../x"}]}`, "not a relative path"},
		{"backslash path", `{"entries":[{"path":"a\\b"}]}`, "not a relative path"},
		{"sidecar collision", `{"entries":[{"path":"manifest.json"}]}`, "sidecar"},
		{"duplicate after cleaning", `{"entries":[{"path":"a/b"},{"path":"a/./b"}]}`, "duplicate"},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseManifest() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	// Larger than one buffer.
	data := []byte(strings.Repeat("endfield", 20000))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum() error = %v", err)
	}
	if want := testutil.SHA256Hex(data); got != want {
		t.Errorf("FileChecksum() = %q, want %q", got, want)
	}

	if _, err := FileChecksum(filepath.Join(dir, "missing")); err == nil {
		t.Error("FileChecksum() expected error for missing file")
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.json")
	if err := os.WriteFile(dest, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := writeAtomic(dest, strings.NewReader("new content"))
	if err != nil {
		t.Fatalf("writeAtomic() error = %v", err)
	}
	if sum != testutil.SHA256Hex([]byte("new content")) {
		t.Errorf("writeAtomic() checksum = %q", sum)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new content" {
		t.Errorf("content = %q, want %q", got, "new content")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the destination", len(entries))
	}
}
