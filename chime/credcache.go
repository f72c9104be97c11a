// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fosschime/chime-api/lib/codec"
)

// cachedCredential is the on-disk cache record.
type cachedCredential struct {
	Token    string    `cbor:"token"`
	StoredAt time.Time `cbor:"stored_at"`
}

// CredentialCache persists the session token across runs. The sign-in
// token handed to Connect is single-use on some deployments; the
// session token it yields stays valid through renewals, so caching
// the freshest one lets the next run reconnect without a new sign-in.
//
// Writes are atomic (temp file plus rename) and the cache file is
// created mode 0600.
type CredentialCache struct {
	path string
}

// NewCredentialCache returns a cache backed by the given file path.
// The file need not exist yet; its parent directory must.
func NewCredentialCache(path string) (*CredentialCache, error) {
	if path == "" {
		return nil, fmt.Errorf("chime: credential cache path is required")
	}
	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	if err != nil {
		return nil, fmt.Errorf("chime: credential cache directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("chime: credential cache parent %q is not a directory", parent)
	}
	return &CredentialCache{path: path}, nil
}

// Store writes the token to the cache, replacing any previous record.
func (c *CredentialCache) Store(token string) error {
	if token == "" {
		return fmt.Errorf("chime: refusing to cache empty token")
	}

	encoded, err := codec.Marshal(cachedCredential{
		Token:    token,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("chime: encoding credential: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".credcache-*")
	if err != nil {
		return fmt.Errorf("chime: writing credential cache: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chime: writing credential cache: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("chime: writing credential cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chime: writing credential cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("chime: writing credential cache: %w", err)
	}
	return nil
}

// Load returns the cached token, or "" with no error when the cache
// is empty.
func (c *CredentialCache) Load() (string, error) {
	encoded, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chime: reading credential cache: %w", err)
	}

	var record cachedCredential
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return "", fmt.Errorf("chime: decoding credential cache: %w", err)
	}
	return record.Token, nil
}

// Clear removes the cache file. Removing a nonexistent cache is not
// an error.
func (c *CredentialCache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chime: clearing credential cache: %w", err)
	}
	return nil
}
