package plugins

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/ingest"
)

// HierarchicalParams configures the "hierarchical" chunking strategy.
type HierarchicalParams struct {
	ParentChunkSize   int
	SplitByHeaders    bool
	ChildChunkSize    int
	ChildChunkOverlap int
	IncludeOutline    bool
}

func hierarchicalParamsFrom(params map[string]any) HierarchicalParams {
	p := HierarchicalParams{ParentChunkSize: 4000, SplitByHeaders: true, ChildChunkSize: 500, ChildChunkOverlap: 50}
	if v, ok := params["parent_chunk_size"].(int); ok && v > 0 {
		p.ParentChunkSize = v
	}
	if v, ok := params["split_by_headers"].(bool); ok {
		p.SplitByHeaders = v
	}
	if v, ok := params["child_chunk_size"].(int); ok && v > 0 {
		p.ChildChunkSize = v
	}
	if v, ok := params["child_chunk_overlap"].(int); ok && v >= 0 {
		p.ChildChunkOverlap = v
	}
	if v, ok := params["include_outline"].(bool); ok {
		p.IncludeOutline = v
	}
	return p
}

// HierarchicalPlugin produces parent chunks (optionally split at
// headings) and, for each parent, child chunks that are what actually
// get embedded — but each child's metadata carries the full parent text
// so retrieval can expand context at query time.
type HierarchicalPlugin struct{}

func (HierarchicalPlugin) Name() string { return "hierarchical" }

func (HierarchicalPlugin) Ingest(ctx context.Context, filePath string, params map[string]any, progress ingest.ProgressFunc, stats ingest.StatsFunc, cancelled func() bool) ([]ingest.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("hierarchical: read file: %w", err)
	}
	text := string(data)
	p := hierarchicalParamsFrom(params)

	var parents []string
	if p.SplitByHeaders {
		sections, intro := buildSectionTree(text)
		if intro != "" {
			parents = append(parents, intro)
		}
		for _, s := range sections {
			parents = append(parents, s.title+"\n\n"+s.body)
		}
	}
	if len(parents) == 0 {
		parents = packUnits(recursiveSplit(text, recursiveSeparators), StandardParams{ChunkSize: p.ParentChunkSize, ChunkOverlap: 0, Splitter: SplitterRecursive})
	}

	var chunks []ingest.Chunk
	childParams := StandardParams{ChunkSize: p.ChildChunkSize, ChunkOverlap: p.ChildChunkOverlap, Splitter: SplitterRecursive}

	for pi, parentText := range parents {
		parentID := fmt.Sprintf("parent_%d", pi)
		children := splitStandard(parentText, childParams)
		for ci, childText := range children {
			chunks = append(chunks, ingest.Chunk{
				Text: childText,
				Metadata: map[string]any{
					"chunk_level":    "child",
					"parent_chunk_id": parentID,
					"child_chunk_id": fmt.Sprintf("%s_child_%d", parentID, ci),
					"parent_text":    parentText,
					"strategy":       "hierarchical",
				},
			})
		}
		progress(pi+1, len(parents), fmt.Sprintf("Expanded parent %d/%d into %d children", pi+1, len(parents), len(children)))
		if cancelled() {
			return nil, ingest.ErrCancelled
		}
	}

	for i := range chunks {
		chunks[i].Metadata["chunk_index"] = i
		chunks[i].Metadata["chunk_count"] = len(chunks)
	}

	if p.IncludeOutline {
		chunks = append(chunks, ingest.Chunk{
			Text: buildOutline(parents),
			Metadata: map[string]any{
				"chunk_level": "outline",
				"strategy":    "hierarchical",
				"chunk_index": len(chunks),
				"chunk_count": len(chunks) + 1,
			},
		})
	}

	stats(buildStats(text, "hierarchical", chunks))
	return chunks, nil
}

// buildOutline renders a flat bulleted list of every parent's first
// line, for structural queries that want "what sections exist" rather
// than content similarity. Entries are not indented by heading level.
func buildOutline(parents []string) string {
	var b strings.Builder
	b.WriteString("Document outline:\n")
	for _, p := range parents {
		line := p
		if idx := strings.IndexByte(p, '\n'); idx >= 0 {
			line = p[:idx]
		}
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(line))
		b.WriteString("\n")
	}
	return b.String()
}
