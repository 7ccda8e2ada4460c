package analysis

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemStatus is the lifecycle state of a single work item.
//
// pending -> running -> completed | failed | skipped
//
// failed may transition back to pending when the retry manager re-attempts
// the item; skipped is reached without ever entering running (dependency
// failure or job cancellation).
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// IsTerminal reports whether the item is finished for the current
// processing phase.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

func (s ItemStatus) String() string { return string(s) }

// ItemKind discriminates the work item variants.
type ItemKind string

const (
	KindFile       ItemKind = "file"
	KindRepository ItemKind = "repository"
	KindDirectory  ItemKind = "directory"
)

// IsValid checks if the ItemKind is a known variant.
func (k ItemKind) IsValid() bool {
	switch k {
	case KindFile, KindRepository, KindDirectory:
		return true
	default:
		return false
	}
}

// SkipReason explains why an item was skipped without running.
type SkipReason string

const (
	SkipDependencyFailed SkipReason = "dependency_failed"
	SkipJobCancelled     SkipReason = "job_cancelled"
)

// FileSpec addresses a single source file carried inline.
type FileSpec struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// RepositorySpec addresses a remote repository. Fetching is the Analyzer's
// concern; the engine only fingerprints the addressing.
type RepositorySpec struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// DirectorySpec addresses a directory tree with an explicit file list.
type DirectorySpec struct {
	Path  string   `json:"path"`
	Files []string `json:"files,omitempty"`
}

// Item is one unit of analyzable content within a bulk job. Exactly one of
// File/Repository/Directory is set, matching Kind.
type Item struct {
	ID   string   `json:"id"`
	Kind ItemKind `json:"kind"`

	File       *FileSpec       `json:"file,omitempty"`
	Repository *RepositorySpec `json:"repository,omitempty"`
	Directory  *DirectorySpec  `json:"directory,omitempty"`

	// DependsOn lists item ids in the same job that must reach a terminal
	// state before this item becomes eligible. Must form a DAG.
	DependsOn []string `json:"depends_on,omitempty"`

	Status     ItemStatus `json:"status"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Attempt counts execution attempts so far, bounded by
	// Options.RetryPolicy.MaxRetries + 1.
	Attempt int `json:"attempt"`

	Result  json.RawMessage `json:"result,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`

	// Fingerprint is the content-addressed cache key, computed at enqueue.
	Fingerprint string `json:"fingerprint,omitempty"`

	// CacheHit marks results served from the content cache without an
	// Analyzer invocation.
	CacheHit bool `json:"cache_hit,omitempty"`

	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Spec returns the kind-specific payload for fingerprinting and dispatch.
// Exhaustive over ItemKind.
func (it *Item) Spec() (any, error) {
	switch it.Kind {
	case KindFile:
		if it.File == nil {
			return nil, fmt.Errorf("item %s: kind file without file spec", it.ID)
		}
		return it.File, nil
	case KindRepository:
		if it.Repository == nil {
			return nil, fmt.Errorf("item %s: kind repository without repository spec", it.ID)
		}
		return it.Repository, nil
	case KindDirectory:
		if it.Directory == nil {
			return nil, fmt.Errorf("item %s: kind directory without directory spec", it.ID)
		}
		return it.Directory, nil
	default:
		return nil, fmt.Errorf("item %s: unknown kind %q", it.ID, it.Kind)
	}
}

// Language returns the language hint carried by the item, if any.
func (it *Item) Language() string {
	if it.Kind == KindFile && it.File != nil {
		return it.File.Language
	}
	return ""
}
