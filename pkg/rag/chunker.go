// Package rag maintains per-session and per-knowledge-base vector indexes:
// documents are chunked, embedded, and stored in chromem collections with a
// flat inner-product fallback when no embedder is reachable at query time.
package rag

const (
	// ChunkSize is the sliding window width in characters.
	ChunkSize = 500
	// ChunkOverlap is how many characters consecutive chunks share.
	ChunkOverlap = 50
)

// Chunk splits text into overlapping windows. Split points respect rune
// boundaries so multibyte characters are never cut.
func Chunk(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= ChunkSize {
		return []string{text}
	}

	step := ChunkSize - ChunkOverlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
