// Package plugins implements C6's ingestion plugins: the chunking
// strategies (standard, by_page, by_section, hierarchical) every
// ingest.Plugin must offer, grounded on the original markitdown-based
// ingestion plugins but expressed as Go text processing rather than a
// port of the Python recursive splitter.
package plugins

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/ingest"
)

// SplitterType selects how standard chunking breaks text apart before
// applying size/overlap.
type SplitterType string

const (
	SplitterRecursive SplitterType = "recursive"
	SplitterCharacter SplitterType = "character"
	SplitterToken     SplitterType = "token"
)

// StandardParams configures the "standard" chunking strategy.
type StandardParams struct {
	ChunkSize    int
	ChunkOverlap int
	Splitter     SplitterType
}

func standardParamsFrom(params map[string]any) StandardParams {
	p := StandardParams{ChunkSize: 1000, ChunkOverlap: 200, Splitter: SplitterRecursive}
	if v, ok := params["chunk_size"].(int); ok && v > 0 {
		p.ChunkSize = v
	}
	if v, ok := params["chunk_overlap"].(int); ok && v >= 0 {
		p.ChunkOverlap = v
	}
	if v, ok := params["splitter_type"].(string); ok && v != "" {
		p.Splitter = SplitterType(v)
	}
	return p
}

// recursiveSeparators are tried in order, coarsest first, the same idea
// as a recursive-character text splitter: prefer paragraph breaks, fall
// back to sentence and then word boundaries.
var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

// splitStandard splits text into chunks of approximately chunkSize bytes
// with chunkOverlap bytes of overlap between consecutive chunks.
func splitStandard(text string, p StandardParams) []string {
	if p.ChunkSize <= 0 {
		return []string{text}
	}

	var units []string
	switch p.Splitter {
	case SplitterCharacter:
		units = strings.Split(text, "\n\n")
	case SplitterToken:
		units = strings.Fields(text)
	default:
		units = recursiveSplit(text, recursiveSeparators)
	}

	return packUnits(units, p)
}

// recursiveSplit breaks text on the first separator that actually
// appears, then recurses into pieces still longer than a soft limit.
func recursiveSplit(text string, seps []string) []string {
	if len(seps) == 0 || len(text) < 2000 {
		return []string{text}
	}
	sep := seps[0]
	if !strings.Contains(text, sep) {
		return recursiveSplit(text, seps[1:])
	}
	parts := strings.Split(text, sep)
	var out []string
	for _, part := range parts {
		if len(part) > 2000 {
			out = append(out, recursiveSplit(part, seps[1:])...)
		} else if strings.TrimSpace(part) != "" {
			out = append(out, part)
		}
	}
	return out
}

// packUnits greedily packs split units into chunks near ChunkSize bytes,
// carrying ChunkOverlap bytes from the tail of one chunk into the next.
func packUnits(units []string, p StandardParams) []string {
	var chunks []string
	var b strings.Builder

	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(b.String()))
		b.Reset()
	}

	for _, u := range units {
		if b.Len()+len(u) > p.ChunkSize && b.Len() > 0 {
			full := b.String()
			flush()
			if p.ChunkOverlap > 0 && len(full) > p.ChunkOverlap {
				b.WriteString(full[len(full)-p.ChunkOverlap:])
			}
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(u)
	}
	flush()

	if len(chunks) == 0 {
		return []string{strings.TrimSpace(strings.Join(units, " "))}
	}
	return chunks
}

// StandardPlugin is the default, fallback-of-last-resort chunking
// strategy used directly or as the fallback for by_page/by_section when
// their structural markers are absent.
type StandardPlugin struct{}

func (StandardPlugin) Name() string { return "standard" }

func (StandardPlugin) Ingest(ctx context.Context, filePath string, params map[string]any, progress ingest.ProgressFunc, stats ingest.StatsFunc, cancelled func() bool) ([]ingest.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("standard: read file: %w", err)
	}
	text := string(data)

	progress(0, 1, "Chunking document")
	p := standardParamsFrom(params)
	parts := splitStandard(text, p)

	chunks := toChunks(parts, "standard", nil)
	stats(buildStats(text, "standard", chunks))
	progress(1, 1, "Chunking complete")
	return chunks, nil
}

func toChunks(parts []string, strategy string, extra map[string]any) []ingest.Chunk {
	chunks := make([]ingest.Chunk, 0, len(parts))
	for i, text := range parts {
		meta := map[string]any{
			"chunk_index": i,
			"chunk_count": len(parts),
			"strategy":    strategy,
		}
		for k, v := range extra {
			meta[k] = v
		}
		chunks = append(chunks, ingest.Chunk{Text: text, Metadata: meta})
	}
	return chunks
}

func buildStats(text, strategy string, chunks []ingest.Chunk) ingest.ProcessingStats {
	cs := ingest.ChunkStats{Count: len(chunks)}
	total := 0
	for i, c := range chunks {
		n := len(c.Text)
		total += n
		if i == 0 || n < cs.MinSize {
			cs.MinSize = n
		}
		if n > cs.MaxSize {
			cs.MaxSize = n
		}
	}
	if len(chunks) > 0 {
		cs.AvgSize = float64(total) / float64(len(chunks))
	}

	preview := text
	if len(preview) > 2000 {
		preview = preview[:2000]
	}

	return ingest.ProcessingStats{
		ContentLength:    len(text),
		ChunkingStrategy: strategy,
		ChunkStats:       cs,
		MarkdownPreview:  preview,
	}
}

// pageMarkerPattern matches the page/slide boundary markers by_page
// chunking looks for.
var pageMarkerPattern = regexp.MustCompile(`(?m)^(?:<!--\s*Page\s+(\d+)\s*-->|<!--\s*Slide\s+(\d+)\s*-->|<!--\s*Page Break\s*-->|\[Page\s+(\d+)\])\s*$`)
