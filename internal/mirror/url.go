package mirror

import (
	"fmt"
	"strings"
)

const (
	repoMarker      = "endfield-cat-metadata"
	versionTemplate = "{version}"
)

// BuildManifestURL turns a configured base URL and a version into the URL
// of manifest.json.
//
// A base containing {version} has it substituted. Otherwise, if the base
// names the metadata repository, a jsDelivr style @v<version> tag is placed
// right after the repository name, replacing any tag already there. An
// empty version means "latest".
func BuildManifestURL(base, version string) (string, error) {
	u := strings.TrimSpace(base)
	if u == "" {
		return "", fmt.Errorf("base url is empty")
	}

	if strings.HasSuffix(u, SidecarName) {
		if i := strings.LastIndex(u, "/"); i >= 0 {
			u = u[:i+1]
		}
	}

	ver := strings.TrimSpace(version)
	if ver == "" {
		ver = "latest"
	}

	if strings.Contains(u, versionTemplate) {
		u = strings.ReplaceAll(u, versionTemplate, ver)
	} else if pos := strings.Index(u, repoMarker); pos >= 0 {
		head := u[:pos+len(repoMarker)]
		rest := u[pos+len(repoMarker):]
		slash := strings.Index(rest, "/")
		switch {
		case slash >= 0:
			// Any existing tag is dropped, the path after it is kept.
			u = head + "@v" + ver + rest[slash:]
		case strings.HasPrefix(rest, "@"):
			u = head + "@v" + ver
		default:
			u += "@v" + ver
		}
	}

	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u + SidecarName, nil
}

// ManifestBase returns the manifest URL up to and including its last slash.
// Entry paths are resolved against it.
func ManifestBase(manifestURL string) string {
	i := strings.LastIndex(manifestURL, "/")
	if i < 0 {
		return manifestURL + "/"
	}
	return manifestURL[:i+1]
}
