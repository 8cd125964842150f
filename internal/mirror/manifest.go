package mirror

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// SidecarName is the manifest file kept at the mirror root. It is written
// only after every file operation for that manifest succeeded.
const SidecarName = "manifest.json"

// ManifestEntry is one file of the metadata bundle. Path is relative and
// slash separated. Checksum is hex SHA-256 and may be empty.
type ManifestEntry struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Manifest is a parsed manifest.json.
type Manifest struct {
	PackageVersion   string          `json:"package_version"`
	MetadataChecksum string          `json:"metadata_checksum"`
	ItemCount        *int            `json:"item_count"`
	Entries          []ManifestEntry `json:"entries"`

	// URL is where the manifest was fetched from.
	URL string `json:"-"`

	raw []byte
}

// ParseManifest decodes manifest bytes. Entries without a path are
// dropped. Paths are cleaned; absolute paths, paths leaving the mirror
// root, the sidecar name itself and duplicates are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Entries))
	entries := m.Entries[:0]
	for _, e := range m.Entries {
		if strings.TrimSpace(e.Path) == "" {
			continue
		}
		clean := path.Clean(e.Path)
		if clean == "." || strings.Contains(e.Path, `\`) || !filepath.IsLocal(filepath.FromSlash(clean)) {
			return nil, fmt.Errorf("manifest entry %q is not a relative path inside the mirror", e.Path)
		}
		if clean == SidecarName {
			return nil, fmt.Errorf("manifest entry %q collides with the manifest sidecar", e.Path)
		}
		if _, dup := seen[clean]; dup {
			return nil, fmt.Errorf("duplicate manifest entry %q", e.Path)
		}
		seen[clean] = struct{}{}
		e.Path = clean
		entries = append(entries, e)
	}
	m.Entries = entries
	m.raw = append([]byte(nil), data...)
	return &m, nil
}

// Raw returns the bytes the manifest was parsed from.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// TotalSize sums the sizes of all entries.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		if e.Size > 0 {
			total += e.Size
		}
	}
	return total
}

// PathSet returns the set of entry paths.
func (m *Manifest) PathSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		set[e.Path] = struct{}{}
	}
	return set
}
