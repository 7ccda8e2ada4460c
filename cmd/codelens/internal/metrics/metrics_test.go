package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codelens/codelens/pkg/analysis"
)

func TestAnalyze_File(t *testing.T) {
	a := New()
	item := &analysis.Item{
		ID:   "a",
		Kind: analysis.KindFile,
		File: &analysis.FileSpec{
			Path:    "main.go",
			Content: "package main\n\n// entrypoint\nfunc main() {}\n",
		},
	}

	raw, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.NoError(t, err)

	var m FileMetrics
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, "go", m.Language)
	require.Equal(t, 4, m.Lines)
	require.Equal(t, 2, m.CodeLines)
	require.Equal(t, 1, m.CommentLines)
	require.Equal(t, 1, m.BlankLines)
}

func TestAnalyze_FileLanguageOverride(t *testing.T) {
	a := New()
	item := &analysis.Item{
		ID:   "a",
		Kind: analysis.KindFile,
		File: &analysis.FileSpec{Path: "script", Content: "# comment\necho hi\n", Language: "shell"},
	}

	raw, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.NoError(t, err)

	var m FileMetrics
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, "shell", m.Language)
	require.Equal(t, 1, m.CommentLines)
}

func TestAnalyze_PayloadTooLarge(t *testing.T) {
	a := New()
	item := &analysis.Item{
		ID:   "big",
		Kind: analysis.KindFile,
		File: &analysis.FileSpec{Path: "big.txt", Content: strings.Repeat("x", MaxContentBytes+1)},
	}

	_, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.Error(t, err)

	failure := analysis.ClassifyError(err)
	require.Equal(t, analysis.FailPayloadTooLarge, failure.Code)
	require.False(t, failure.Code.Retryable())
}

func TestAnalyze_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.py"), []byte("# hi\nprint(1)\n"), 0o644))

	a := New()
	item := &analysis.Item{
		ID:        "d",
		Kind:      analysis.KindDirectory,
		Directory: &analysis.DirectorySpec{Path: dir, Files: []string{"a.go", "b.py"}},
	}

	raw, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.NoError(t, err)

	var m DirectoryMetrics
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Len(t, m.Files, 2)
	require.Equal(t, 3, m.Lines)
	require.Equal(t, 1, m.Languages["go"])
	require.Equal(t, 1, m.Languages["python"])
}

func TestAnalyze_DirectoryMissingFile(t *testing.T) {
	a := New()
	item := &analysis.Item{
		ID:        "d",
		Kind:      analysis.KindDirectory,
		Directory: &analysis.DirectorySpec{Path: t.TempDir(), Files: []string{"nope.go"}},
	}

	_, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.Error(t, err)
	require.Equal(t, analysis.FailValidation, analysis.ClassifyError(err).Code)
}

func TestAnalyze_RepositoryUnsupported(t *testing.T) {
	a := New()
	item := &analysis.Item{
		ID:         "r",
		Kind:       analysis.KindRepository,
		Repository: &analysis.RepositorySpec{URL: "https://example.com/repo.git"},
	}

	_, err := a.Analyze(context.Background(), item, analysis.Options{})
	require.Error(t, err)
	require.Equal(t, analysis.FailValidation, analysis.ClassifyError(err).Code)
}

func TestDetectLanguage(t *testing.T) {
	require.Equal(t, "go", DetectLanguage("pkg/engine/queue.go"))
	require.Equal(t, "typescript", DetectLanguage("src/App.TSX"))
	require.Equal(t, "unknown", DetectLanguage("Makefile"))
}
