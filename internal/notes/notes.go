// Package notes loads source notes and splits them into candidate chunks
// without calling an external service. The splitter backs the offline
// extraction fallback used when no API key is configured.
package notes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/notekeep/retain/internal/merge"
)

const (
	// targetSize is the preferred chunk length in bytes; small adjacent
	// blocks are merged up to it.
	targetSize = 400
	// maxSize is the hard cap before a block is split on line boundaries.
	maxSize = 600
)

// ErrOfflineIncremental is returned when an incremental re-extraction is
// requested without a configured extraction service; the splitter cannot
// produce per-chunk decisions.
var ErrOfflineIncremental = errors.New("notes: incremental extraction requires a configured extraction service")

// Title derives a note title from its path: the base name without extension.
func Title(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads a note file and returns its title and content.
func Load(path string) (title, content string, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read note: %w", err)
	}
	return Title(path), string(b), nil
}

// Exists is the file-existence predicate used by orphan cleanup.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Split breaks note content into chunk-sized sections: split on headings and
// blank-line gaps, merge small neighbors, hard-split anything oversized.
func Split(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}
	return mergeBlocks(splitBlocks(content))
}

// Splitter implements merge.Extractor offline. It only supports initial
// extraction; incremental decisions need the real service.
type Splitter struct{}

var _ merge.Extractor = Splitter{}

// Extract splits the note content into chunks.
func (Splitter) Extract(_ context.Context, _, noteContent string) ([]merge.NewChunk, error) {
	sections := Split(noteContent)
	chunks := make([]merge.NewChunk, 0, len(sections))
	for _, s := range sections {
		chunks = append(chunks, merge.NewChunk{Content: s})
	}
	return chunks, nil
}

// ExtractIncremental always fails: keep/modify/delete verdicts cannot be
// derived from a text split.
func (Splitter) ExtractIncremental(_ context.Context, _, _ string, _ []merge.ExistingChunk) (merge.Batch, error) {
	return merge.Batch{}, ErrOfflineIncremental
}

// splitBlocks splits text on heading lines and double newlines.
func splitBlocks(text string) []string {
	lines := strings.Split(text, "\n")
	var blocks []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}

	prevEmpty := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") && len(current) > 0 {
			flush()
		}
		if trimmed == "" {
			if prevEmpty && len(current) > 0 {
				flush()
			}
			prevEmpty = true
			current = append(current, line)
			continue
		}
		prevEmpty = false
		current = append(current, line)
	}
	flush()

	return blocks
}

// mergeBlocks combines small blocks up to targetSize and hard-splits
// oversized ones.
func mergeBlocks(blocks []string) []string {
	var results []string
	accum := ""

	flushAccum := func() {
		t := strings.TrimSpace(accum)
		if t == "" {
			return
		}
		if len(t) > maxSize {
			results = append(results, hardSplit(t)...)
		} else {
			results = append(results, t)
		}
		accum = ""
	}

	for _, b := range blocks {
		if accum == "" {
			accum = b
			continue
		}
		combined := accum + "\n\n" + b
		if len(combined) <= targetSize {
			accum = combined
		} else {
			flushAccum()
			accum = b
		}
	}
	flushAccum()

	return results
}

// hardSplit breaks text that exceeds maxSize on line boundaries.
func hardSplit(text string) []string {
	lines := strings.Split(text, "\n")
	var results []string
	var current []string
	curLen := 0

	flush := func() {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			results = append(results, t)
		}
		current = nil
		curLen = 0
	}

	for _, line := range lines {
		if curLen+len(line) > targetSize && len(current) > 0 {
			flush()
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	flush()

	return results
}
