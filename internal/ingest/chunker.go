package ingest

import (
	"strconv"
	"strings"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// chunk is one embeddable slice of a book's text.
type chunk struct {
	Content string
	Meta    map[string]string
}

// chunkText splits text into rune windows of the given size with overlap
// between consecutive windows.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var parts []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			parts = append(parts, part)
		}
		if end == len(runes) {
			break
		}
	}
	return parts
}

// chunkSections chunks every section, tagging each chunk with the section's
// provenance plus its index within the section.
func chunkSections(sections []section, size, overlap int) []chunk {
	var chunks []chunk
	for _, sec := range sections {
		for idx, part := range chunkText(sec.Text, size, overlap) {
			meta := map[string]string{"chunk": strconv.Itoa(idx)}
			for k, v := range sec.Meta {
				meta[k] = v
			}
			chunks = append(chunks, chunk{Content: part, Meta: meta})
		}
	}
	return chunks
}
