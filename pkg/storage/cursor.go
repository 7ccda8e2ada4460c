package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the decoded pagination cursor for job listings. The wire form
// is base64url-encoded JSON, opaque to clients.
type Cursor struct {
	LastJobID string `json:"id"`
	LastTime  int64  `json:"ts"` // CreatedAt, unix nanoseconds
}

// EncodeCursor serializes a cursor to its opaque wire form.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. An empty string decodes to nil
// (first page).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	return &c, nil
}
