package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_IdenticalContentSharesKey(t *testing.T) {
	a := fileItem("a", "package main\n")
	b := fileItem("b", "package main\n")
	// Different paths, same content and language.
	b.File.Path = "elsewhere/main.go"

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64) // hex-encoded SHA-256
}

func TestFingerprint_ContentChangesKey(t *testing.T) {
	a := fileItem("a", "package main\n")
	b := fileItem("b", "package other\n")

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.NotEqual(t, fa, fb)
}

func TestFingerprint_LanguageChangesKey(t *testing.T) {
	a := fileItem("a", "x = 1")
	b := fileItem("b", "x = 1")
	b.File.Language = "python"

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	assert.NotEqual(t, fa, fb)
}

func TestFingerprint_NormalizesLineEndings(t *testing.T) {
	unix := fileItem("a", "line1\nline2\n")
	dos := fileItem("b", "line1\r\nline2\r\n")
	bom := fileItem("c", "\uFEFFline1\nline2\n")

	fu, _ := Fingerprint(unix)
	fd, _ := Fingerprint(dos)
	fb, _ := Fingerprint(bom)

	assert.Equal(t, fu, fd)
	assert.Equal(t, fu, fb)
}

func TestFingerprint_RepositoryAddressing(t *testing.T) {
	a := &Item{ID: "a", Kind: KindRepository, Repository: &RepositorySpec{URL: "https://example.com/repo", Branch: "main"}}
	b := &Item{ID: "b", Kind: KindRepository, Repository: &RepositorySpec{URL: "https://example.com/repo/", Branch: "main"}}
	c := &Item{ID: "c", Kind: KindRepository, Repository: &RepositorySpec{URL: "https://example.com/repo", Branch: "dev"}}

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	fc, _ := Fingerprint(c)

	assert.Equal(t, fa, fb, "trailing slash should not change the key")
	assert.NotEqual(t, fa, fc, "branch affects output")
}

func TestFingerprint_KindMismatchFails(t *testing.T) {
	_, err := Fingerprint(&Item{ID: "a", Kind: KindDirectory})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	f := ClassifyError(NewFailure(FailValidation, "bad input"))
	require.NotNil(t, f)
	assert.Equal(t, FailValidation, f.Code)
	assert.False(t, f.Code.Retryable())

	f = ClassifyError(assert.AnError)
	require.NotNil(t, f)
	assert.Equal(t, FailTransient, f.Code)
	assert.True(t, f.Code.Retryable())

	assert.Nil(t, ClassifyError(nil))
}
