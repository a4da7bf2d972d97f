package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Result is one retrieved chunk.
type Result struct {
	Text     string
	Score    float32
	Metadata map[string]string
}

// Collection naming: session indexes and KB indexes share one store but
// never collide.
func SessionCollection(sessionID string) string { return "session_" + sessionID }
func KBCollection(kbID string) string           { return "kb_" + kbID }

// backend is the minimal vector store the index needs. chromem is the
// primary implementation; flatBackend is the in-memory fallback.
type backend interface {
	upsert(ctx context.Context, collection, id, text string, vector []float32, metadata map[string]string) error
	search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	drop(collection string) error
	persist() error
}

// Index chunks, embeds and retrieves documents per collection.
type Index struct {
	embedder Embedder
	backend  backend
}

// NewIndex opens a persistent index under root. A persistence failure
// degrades to the in-memory flat backend so retrieval still works for the
// process lifetime.
func NewIndex(root string, embedder Embedder) *Index {
	b, err := newChromemBackend(root)
	if err != nil {
		slog.Warn("Falling back to in-memory vector index", "error", err)
		return &Index{embedder: embedder, backend: newFlatBackend()}
	}
	return &Index{embedder: embedder, backend: b}
}

// NewMemoryIndex builds an index on the flat backend. Tests use this.
func NewMemoryIndex(embedder Embedder) *Index {
	return &Index{embedder: embedder, backend: newFlatBackend()}
}

// AddDocument chunks and embeds text into the collection. The docID scopes
// chunk ids so re-indexing a document overwrites its old chunks.
func (x *Index) AddDocument(ctx context.Context, collection, docID, text string, metadata map[string]string) error {
	chunks := Chunk(text)
	for i, chunk := range chunks {
		vector, err := x.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d: %w", i, err)
		}
		meta := map[string]string{"doc_id": docID}
		for k, v := range metadata {
			meta[k] = v
		}
		id := fmt.Sprintf("%s_%d", docID, i)
		if err := x.backend.upsert(ctx, collection, id, chunk, vector, meta); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", i, err)
		}
	}
	if err := x.backend.persist(); err != nil {
		slog.Warn("Failed to persist vector index", "collection", collection, "error", err)
	}
	return nil
}

// Search returns up to topK chunks ordered by score descending.
func (x *Index) Search(ctx context.Context, collection, query string, topK int) ([]Result, error) {
	vector, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return x.backend.search(ctx, collection, vector, topK)
}

// DropCollection removes a collection, e.g. when its session or KB is
// deleted.
func (x *Index) DropCollection(collection string) error {
	if err := x.backend.drop(collection); err != nil {
		return err
	}
	return x.backend.persist()
}

type chromemBackend struct {
	db   *chromem.DB
	path string
	mu   sync.Mutex
}

func newChromemBackend(root string) (*chromemBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	path := filepath.Join(root, "vectors.gob")

	var db *chromem.DB
	if _, err := os.Stat(path); err == nil {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			slog.Warn("Failed to load vector database, starting fresh", "path", path, "error", err)
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}
	return &chromemBackend{db: db, path: path}, nil
}

// noEmbed guards against chromem computing embeddings itself; vectors are
// always precomputed.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be precomputed")
}

func (b *chromemBackend) collection(name string) (*chromem.Collection, error) {
	return b.db.GetOrCreateCollection(name, nil, noEmbed)
}

func (b *chromemBackend) upsert(ctx context.Context, collection, id, text string, vector []float32, metadata map[string]string) error {
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Metadata:  metadata,
		Embedding: vector,
	}
	return col.AddDocuments(ctx, []chromem.Document{doc}, 1)
}

func (b *chromemBackend) search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := b.collection(collection)
	if err != nil {
		return nil, err
	}
	// chromem rejects topK larger than the collection.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{Text: h.Content, Score: h.Similarity, Metadata: h.Metadata})
	}
	return results, nil
}

func (b *chromemBackend) drop(collection string) error {
	return b.db.DeleteCollection(collection)
}

func (b *chromemBackend) persist() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Export(b.path, false, "")
}

// flatBackend is an exhaustive inner-product store used when persistence is
// unavailable.
type flatBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string]flatDoc // collection -> id -> doc
}

type flatDoc struct {
	text     string
	vector   []float32
	metadata map[string]string
}

func newFlatBackend() *flatBackend {
	return &flatBackend{docs: make(map[string]map[string]flatDoc)}
}

func (b *flatBackend) upsert(ctx context.Context, collection, id, text string, vector []float32, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	col := b.docs[collection]
	if col == nil {
		col = make(map[string]flatDoc)
		b.docs[collection] = col
	}
	col[id] = flatDoc{text: text, vector: normalize(vector), metadata: metadata}
	return nil
}

func (b *flatBackend) search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	query := normalize(vector)
	var results []Result
	for _, doc := range b.docs[collection] {
		results = append(results, Result{
			Text:     doc.text,
			Score:    dot(query, doc.vector),
			Metadata: doc.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (b *flatBackend) drop(collection string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, collection)
	return nil
}

func (b *flatBackend) persist() error { return nil }

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
