package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// fingerprintPayload is the canonical serialization hashed into the cache
// key. Only output-affecting fields participate: item kind and addressing,
// normalized content, language, and cache-relevant options. Priority,
// concurrency and retry settings are deliberately excluded to maximize the
// hit rate.
type fingerprintPayload struct {
	Kind     ItemKind `json:"kind"`
	Path     string   `json:"path,omitempty"`
	Content  string   `json:"content,omitempty"`
	Language string   `json:"language,omitempty"`
	URL      string   `json:"url,omitempty"`
	Branch   string   `json:"branch,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// Fingerprint computes the content-addressed cache key for an item: a
// SHA-256 over the canonical (normalized content, options) serialization.
func Fingerprint(it *Item) (string, error) {
	p := fingerprintPayload{Kind: it.Kind}

	switch it.Kind {
	case KindFile:
		if it.File == nil {
			return "", fmt.Errorf("item %s: kind file without file spec", it.ID)
		}
		// Path intentionally left out: identical content under different
		// names is the same analysis.
		p.Content = normalizeContent(it.File.Content)
		p.Language = strings.ToLower(it.File.Language)
	case KindRepository:
		if it.Repository == nil {
			return "", fmt.Errorf("item %s: kind repository without repository spec", it.ID)
		}
		p.URL = strings.TrimSuffix(strings.TrimSpace(it.Repository.URL), "/")
		p.Branch = it.Repository.Branch
	case KindDirectory:
		if it.Directory == nil {
			return "", fmt.Errorf("item %s: kind directory without directory spec", it.ID)
		}
		p.Path = it.Directory.Path
		p.Files = append([]string(nil), it.Directory.Files...)
	default:
		return "", fmt.Errorf("item %s: unknown kind %q", it.ID, it.Kind)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeContent strips BOM and canonicalizes line endings so that
// byte-identical analyses of the same logical content share a key.
func normalizeContent(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
