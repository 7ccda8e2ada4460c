// Package metrics is the built-in Analyzer used by the CLI and the
// standalone server: it computes cheap source metrics (lines, bytes,
// comment density, language) without calling out to any external service.
package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/codelens/codelens/pkg/analysis"
)

// MaxContentBytes bounds a single file's content; larger payloads fail
// terminally as payload_too_large.
const MaxContentBytes = 10 << 20

// FileMetrics is the per-file analysis result.
type FileMetrics struct {
	Path         string `json:"path"`
	Language     string `json:"language"`
	Bytes        int    `json:"bytes"`
	Lines        int    `json:"lines"`
	CodeLines    int    `json:"code_lines"`
	CommentLines int    `json:"comment_lines"`
	BlankLines   int    `json:"blank_lines"`
}

// DirectoryMetrics aggregates FileMetrics over a directory item.
type DirectoryMetrics struct {
	Path      string         `json:"path"`
	Files     []FileMetrics  `json:"files"`
	Bytes     int            `json:"bytes"`
	Lines     int            `json:"lines"`
	Languages map[string]int `json:"languages"`
}

// Analyzer implements analysis.Analyzer over local content.
type Analyzer struct{}

func New() *Analyzer { return &Analyzer{} }

func (a *Analyzer) Analyze(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
	switch item.Kind {
	case analysis.KindFile:
		m, err := analyzeContent(item.File.Path, item.File.Content, item.File.Language)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	case analysis.KindDirectory:
		m, err := analyzeDirectory(ctx, item.Directory)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	case analysis.KindRepository:
		return nil, analysis.NewFailure(analysis.FailValidation,
			"repository items require a remote analyzer")
	default:
		return nil, analysis.NewFailure(analysis.FailValidation, "unknown item kind %q", item.Kind)
	}
}

func analyzeContent(path, content, language string) (FileMetrics, error) {
	if len(content) > MaxContentBytes {
		return FileMetrics{}, analysis.NewFailure(analysis.FailPayloadTooLarge,
			"%s: %d bytes exceeds %d byte limit", path, len(content), MaxContentBytes)
	}
	if language == "" {
		language = DetectLanguage(path)
	}

	m := FileMetrics{Path: path, Language: language, Bytes: len(content)}
	marker := commentMarker(language)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		m.Lines++
		switch {
		case trimmed == "":
			m.BlankLines++
		case marker != "" && strings.HasPrefix(trimmed, marker):
			m.CommentLines++
		default:
			m.CodeLines++
		}
	}
	// A trailing newline does not open a new line.
	if strings.HasSuffix(content, "\n") {
		m.Lines--
		m.BlankLines--
	}
	return m, nil
}

func analyzeDirectory(ctx context.Context, spec *analysis.DirectorySpec) (DirectoryMetrics, error) {
	out := DirectoryMetrics{Path: spec.Path, Languages: make(map[string]int)}
	for _, rel := range spec.Files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		full := filepath.Join(spec.Path, rel)
		data, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				return out, analysis.NewFailure(analysis.FailValidation, "%s: file not found", full)
			}
			return out, err
		}
		m, err := analyzeContent(rel, string(data), "")
		if err != nil {
			return out, err
		}
		out.Files = append(out.Files, m)
		out.Bytes += m.Bytes
		out.Lines += m.Lines
		out.Languages[m.Language]++
	}
	return out, nil
}

var extLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".rb":    "ruby",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rs":    "rust",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".md":    "markdown",
	".tf":    "terraform",
	".lua":   "lua",
	".kt":    "kotlin",
	".swift": "swift",
	".cs":    "csharp",
	".php":   "php",
}

// DetectLanguage guesses a language from the file extension, "unknown"
// when the extension is unfamiliar.
func DetectLanguage(path string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "unknown"
}

func commentMarker(language string) string {
	switch language {
	case "go", "java", "javascript", "typescript", "c", "cpp", "rust", "kotlin", "swift", "csharp", "php":
		return "//"
	case "python", "ruby", "shell", "yaml", "terraform":
		return "#"
	case "sql", "lua":
		return "--"
	default:
		return ""
	}
}
