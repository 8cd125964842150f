package hgapi

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"endcat-go/internal/endcat"
)

// LogTailSize is how much of the end of the webview log is scanned.
const LogTailSize = 2 << 20

const webviewURLPrefix = "https://ef-webview."

// DefaultLogPath returns where the Windows game client writes its
// webview log.
func DefaultLogPath() (string, error) {
	if runtime.GOOS != "windows" {
		return "", fmt.Errorf("no default webview log location on %s, pass a log path", runtime.GOOS)
	}
	home := os.Getenv("USERPROFILE")
	if home == "" {
		return "", fmt.Errorf("USERPROFILE is not set")
	}
	return filepath.Join(home, "AppData", "LocalLow", "Hypergryph", "Endfield", "sdklogs", "HGWebview.log"), nil
}

// ReadLogTail returns at most limit bytes from the end of the file at path.
func ReadLogTail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening webview log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat webview log: %w", err)
	}
	start := info.Size() - limit
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking webview log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading webview log: %w", err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// ExtractGachaURL finds the newest gacha page URL in log text. A
// character-pool page is preferred over any other gacha page.
func ExtractGachaURL(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for _, marker := range []string{"/page/gacha_char", "/page/gacha_"} {
		for i := len(lines) - 1; i >= 0; i-- {
			line := lines[i]
			if !strings.Contains(line, marker) || !strings.Contains(line, webviewURLPrefix) {
				continue
			}
			if u := urlFromLine(line); u != "" {
				return u, true
			}
		}
	}
	return "", false
}

func urlFromLine(line string) string {
	start := strings.Index(line, webviewURLPrefix)
	if start < 0 {
		return ""
	}
	rest := line[start:]
	if end := strings.IndexFunc(rest, unicode.IsSpace); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimRight(rest, "\"')]},;")
}

// ParseGachaURL extracts the session parameters from a gacha page URL.
// Only the hypergryph provider is supported for log-based sessions.
func ParseGachaURL(raw string) (*endcat.GachaSession, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing gacha url: %w", err)
	}
	q := u.Query()

	token := q.Get("u8_token")
	if token == "" {
		return nil, fmt.Errorf("gacha url has no u8_token parameter")
	}
	serverID := q.Get("server_id")
	if serverID == "" {
		serverID = endcat.DefaultServerID
	}

	provider := endcat.ProviderHypergryph
	host := u.Hostname()
	if rest, ok := strings.CutPrefix(host, "ef-webview."); ok {
		if p, ok := strings.CutSuffix(rest, ".com"); ok && p != "" {
			provider = p
		}
	}
	if provider != endcat.ProviderHypergryph {
		return nil, fmt.Errorf("log sync only supports the hypergryph provider, found %s", provider)
	}

	return &endcat.GachaSession{
		Provider:  provider,
		U8Token:   token,
		ServerID:  serverID,
		SourceURL: raw,
	}, nil
}

// SessionFromLog reads the webview log at path and returns the session of
// the newest gacha page opened in the game client.
func SessionFromLog(path string) (*endcat.GachaSession, error) {
	text, err := ReadLogTail(path, LogTailSize)
	if err != nil {
		return nil, err
	}
	raw, ok := ExtractGachaURL(text)
	if !ok {
		return nil, fmt.Errorf("no gacha page url found in %s: open the gacha history page in game first", path)
	}
	return ParseGachaURL(raw)
}
