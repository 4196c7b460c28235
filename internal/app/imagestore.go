package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// localImageStore persists generated images to disk under
// <root>/<owner>/img/<filename> and returns the public path the
// gateway's static file route serves them from. Static-file serving
// itself is outside spec.md's scope; this is only the Save side the
// googleimage connector needs.
type localImageStore struct {
	root      string
	publicURL string // e.g. "/static/public"
}

func newLocalImageStore(root, publicURL string) *localImageStore {
	return &localImageStore{root: root, publicURL: publicURL}
}

func (s *localImageStore) Save(_ context.Context, owner, filename string, data []byte, _ string) (string, error) {
	dir := filepath.Join(s.root, owner, "img")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("imagestore: mkdir: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("imagestore: write: %w", err)
	}
	return fmt.Sprintf("%s/%s/img/%s", s.publicURL, owner, filename), nil
}
