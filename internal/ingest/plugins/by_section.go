package plugins

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/ingest"
)

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

type section struct {
	level    int
	title    string
	body     string
	parents  []string // titles of ancestor headings, root first
}

// BySectionPlugin builds a heading tree from Markdown `#`-`######` and
// emits one chunk per section at the configured level, prepending
// parent-heading titles (not parent body) as context. Falls back to
// StandardPlugin when the document has no headings.
type BySectionPlugin struct{}

func (BySectionPlugin) Name() string { return "by_section" }

func (BySectionPlugin) Ingest(ctx context.Context, filePath string, params map[string]any, progress ingest.ProgressFunc, stats ingest.StatsFunc, cancelled func() bool) ([]ingest.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("by_section: read file: %w", err)
	}
	text := string(data)

	level := 2
	if v, ok := params["split_on_heading"].(int); ok && v >= 1 && v <= 6 {
		level = v
	}

	sections, intro := buildSectionTree(text)
	if len(sections) == 0 {
		progress(0, 1, "No headings found, falling back to standard chunking")
		return StandardPlugin{}.Ingest(ctx, filePath, params, progress, stats, cancelled)
	}

	selected := selectLevel(sections, level)

	chunks := make([]ingest.Chunk, 0, len(selected)+1)
	if intro != "" {
		chunks = append(chunks, ingest.Chunk{Text: intro, Metadata: map[string]any{
			"chunk_index": 0,
			"strategy":    "by_section",
			"heading_path": "",
		}})
	}
	for i, s := range selected {
		path := strings.Join(append(append([]string{}, s.parents...), s.title), " > ")
		contextPrefix := ""
		if len(s.parents) > 0 {
			contextPrefix = strings.Join(s.parents, " > ") + "\n\n"
		}
		chunks = append(chunks, ingest.Chunk{
			Text: contextPrefix + s.body,
			Metadata: map[string]any{
				"chunk_index":  len(chunks),
				"strategy":     "by_section",
				"heading":      s.title,
				"heading_path": path,
			},
		})
		progress(i+1, len(selected), fmt.Sprintf("Chunked section %q", s.title))
		if cancelled() {
			return nil, ingest.ErrCancelled
		}
	}
	for i := range chunks {
		chunks[i].Metadata["chunk_count"] = len(chunks)
	}

	stats(buildStats(text, "by_section", chunks))
	return chunks, nil
}

// buildSectionTree walks the heading markers in document order, tracking
// ancestor titles by level, and returns the flattened section list plus
// any text that precedes the first heading.
func buildSectionTree(text string) ([]section, string) {
	locs := headingPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil, ""
	}

	intro := strings.TrimSpace(text[:locs[0][0]])

	var sections []section
	var stack []string // titles by level-1 index

	for i, loc := range locs {
		hashes := text[loc[2]:loc[3]]
		lvl := len(hashes)
		title := strings.TrimSpace(text[loc[4]:loc[5]])

		bodyStart := loc[1]
		bodyEnd := len(text)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])

		if lvl-1 < len(stack) {
			stack = stack[:lvl-1]
		}
		parents := append([]string{}, stack...)
		stack = append(stack[:min(len(stack), lvl-1)], title)

		sections = append(sections, section{level: lvl, title: title, body: body, parents: parents})
	}
	return sections, intro
}

func selectLevel(sections []section, level int) []section {
	var out []section
	for _, s := range sections {
		if s.level == level {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return sections // level not present at all; emit every section rather than dropping content
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
