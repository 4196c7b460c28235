package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
)

// chromaStore talks to Chroma's REST API, treating a collection as the
// opaque {create, upsert, delete, query} boundary spec.md names — Chroma
// internals (HNSW index, embedding function) are never inspected here.
// It implements both ingest.VectorStore (Upsert) and kbquery.VectorStore
// (Query).
type chromaStore struct {
	baseURL string
	client  *http.Client
}

func newChromaStore(baseURL string) *chromaStore {
	return &chromaStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *chromaStore) collectionName(collectionID int) string {
	return "lamb_collection_" + strconv.Itoa(collectionID)
}

// Upsert implements ingest.VectorStore. Chunk text doubles as the
// document id's embedding input; Chroma computes embeddings itself
// using the collection's configured embedding function.
func (c *chromaStore) Upsert(ctx context.Context, collectionID int, chunks []ingest.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]string, len(chunks))
	metas := make([]map[string]any, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		docs[i] = ch.Text
		metas[i] = ch.Metadata
		ids[i] = fmt.Sprintf("%s_%d", c.collectionName(collectionID), i)
	}

	body, _ := json.Marshal(map[string]any{
		"documents": docs,
		"metadatas": metas,
		"ids":       ids,
	})

	path := fmt.Sprintf("/api/v1/collections/%s/upsert", c.collectionName(collectionID))
	return c.do(ctx, path, body)
}

// Query implements kbquery.VectorStore.
func (c *chromaStore) Query(ctx context.Context, collectionID int, queryText string, topK int, threshold float64) ([]kbquery.Result, error) {
	body, _ := json.Marshal(map[string]any{
		"query_texts": []string{queryText},
		"n_results":   topK,
	})

	path := fmt.Sprintf("/api/v1/collections/%s/query", c.collectionName(collectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chroma: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chroma: query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chroma: query: status %d", resp.StatusCode)
	}

	var out struct {
		Documents [][]string         `json:"documents"`
		Metadatas [][]map[string]any `json:"metadatas"`
		Distances [][]float64        `json:"distances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("chroma: decode query response: %w", err)
	}
	if len(out.Documents) == 0 {
		return nil, nil
	}

	results := make([]kbquery.Result, 0, len(out.Documents[0]))
	for i, doc := range out.Documents[0] {
		similarity := 1.0
		if i < len(out.Distances[0]) {
			similarity = 1.0 - out.Distances[0][i]
		}
		if similarity < threshold {
			continue
		}
		var meta map[string]any
		if i < len(out.Metadatas[0]) {
			meta = out.Metadatas[0][i]
		}
		results = append(results, kbquery.Result{Similarity: similarity, Data: doc, Metadata: meta})
	}
	return results, nil
}

func (c *chromaStore) do(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chroma: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chroma: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chroma: status %d", resp.StatusCode)
	}
	return nil
}
