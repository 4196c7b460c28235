package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// localKBFileStore persists uploaded/fetched KB documents under
// <root>/<owner>/<collection>/<uuid>.<ext>, per spec.md §6's Persisted
// state layout. It implements kbapi.FileStore.
type localKBFileStore struct {
	root      string
	publicURL string
}

func newLocalKBFileStore(root, publicURL string) *localKBFileStore {
	return &localKBFileStore{root: root, publicURL: publicURL}
}

func (s *localKBFileStore) Save(_ context.Context, owner, collectionName, filename string, data []byte) (string, string, error) {
	dir := filepath.Join(s.root, owner, collectionName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("kbfilestore: mkdir: %w", err)
	}
	stored := fmt.Sprintf("%s%s", uuid.NewString(), filepath.Ext(filename))
	path := filepath.Join(dir, stored)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("kbfilestore: write: %w", err)
	}
	publicURL := fmt.Sprintf("%s/%s/%s/%s", s.publicURL, owner, collectionName, stored)
	return path, publicURL, nil
}
