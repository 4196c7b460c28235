package plugins

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/ingest"
)

// ByPagePlugin splits on page/slide markers and groups pages_per_chunk
// consecutive pages into one chunk, attaching a page_range. Falls back
// to StandardPlugin when no markers are present.
type ByPagePlugin struct{}

func (ByPagePlugin) Name() string { return "by_page" }

func (ByPagePlugin) Ingest(ctx context.Context, filePath string, params map[string]any, progress ingest.ProgressFunc, stats ingest.StatsFunc, cancelled func() bool) ([]ingest.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("by_page: read file: %w", err)
	}
	text := string(data)

	pages := splitPages(text)
	if len(pages) <= 1 {
		progress(0, 1, "No page markers found, falling back to standard chunking")
		return StandardPlugin{}.Ingest(ctx, filePath, params, progress, stats, cancelled)
	}

	perChunk := 1
	if v, ok := params["pages_per_chunk"].(int); ok && v > 0 {
		perChunk = v
	}

	var texts []string
	var ranges []string
	for i := 0; i < len(pages); i += perChunk {
		end := i + perChunk
		if end > len(pages) {
			end = len(pages)
		}
		group := pages[i:end]
		var b strings.Builder
		for _, g := range group {
			b.WriteString(g.text)
			b.WriteString("\n")
		}
		texts = append(texts, strings.TrimSpace(b.String()))
		ranges = append(ranges, pageRangeLabel(group[0].number, group[len(group)-1].number))

		progress(end, len(pages), "Grouping pages into chunks")
		if cancelled() {
			return nil, ingest.ErrCancelled
		}
	}

	chunks := make([]ingest.Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, ingest.Chunk{Text: t, Metadata: map[string]any{
			"chunk_index": i,
			"chunk_count": len(texts),
			"strategy":    "by_page",
			"page_range":  ranges[i],
		}})
	}

	st := buildStats(text, "by_page", chunks)
	stats(st)
	progress(len(pages), len(pages), "Chunking complete")
	return chunks, nil
}

type page struct {
	number int
	text   string
}

func splitPages(text string) []page {
	locs := pageMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var pages []page
	for i, loc := range locs {
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		num := i + 1
		for g := 1; g < len(loc)/2; g++ {
			if loc[2*g] >= 0 {
				if n, err := strconv.Atoi(text[loc[2*g]:loc[2*g+1]]); err == nil {
					num = n
				}
			}
		}
		pages = append(pages, page{number: num, text: strings.TrimSpace(text[start:end])})
	}
	return pages
}

func pageRangeLabel(first, last int) string {
	if first == last {
		return strconv.Itoa(first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}
