// Package creds resolves site credentials from an external secret file.
// Credentials are injected at deployment time and never appear in site
// definitions or logs.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// FileStore reads credentials from a JSON file keyed by site ID:
//
//	{"shop": {"username": "u", "password": "p"}}
//
// The file is read once at startup; rotation requires a restart.
type FileStore struct {
	creds map[string]crawl.Credential
}

// NewFileStore loads the credential file at path.
func NewFileStore(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, crawl.E(crawl.KindConfig, "creds.NewFileStore", fmt.Errorf("read credentials file: %w", err))
	}
	var creds map[string]crawl.Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, crawl.E(crawl.KindConfig, "creds.NewFileStore", fmt.Errorf("parse credentials file: %w", err))
	}
	return &FileStore{creds: creds}, nil
}

// NewStaticStore builds a store from in-memory credentials (tests, CLI).
func NewStaticStore(creds map[string]crawl.Credential) *FileStore {
	if creds == nil {
		creds = make(map[string]crawl.Credential)
	}
	return &FileStore{creds: creds}
}

// Get returns the credential for a site, or ErrCredentialNotFound.
func (s *FileStore) Get(_ context.Context, siteID string) (crawl.Credential, error) {
	c, ok := s.creds[siteID]
	if !ok {
		return crawl.Credential{}, fmt.Errorf("site %s: %w", siteID, crawl.ErrCredentialNotFound)
	}
	return c, nil
}
