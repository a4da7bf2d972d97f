package rag

import (
	"context"
	"fmt"

	"github.com/agentplane/agentplane/pkg/store"
)

// Ingestor pushes stored documents and attachments into the vector index.
type Ingestor struct {
	store *store.Store
	index *Index
}

func NewIngestor(s *store.Store, index *Index) *Ingestor {
	return &Ingestor{store: s, index: index}
}

// IndexKBDocument extracts, chunks and indexes one knowledge base document,
// then marks it indexed. Documents that extract to nothing are still marked
// so retries do not spin on them.
func (in *Ingestor) IndexKBDocument(ctx context.Context, doc *store.KBDocument) error {
	text := doc.Content
	if doc.Type == "file" {
		text = ExtractText(doc.FilePath, "")
	}

	if text != "" {
		meta := map[string]string{"kb_id": doc.KBID}
		if err := in.index.AddDocument(ctx, KBCollection(doc.KBID), doc.ID, text, meta); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	return in.store.MarkDocumentIndexed(ctx, doc.ID)
}

// IndexAttachment makes a session attachment's text searchable within its
// session collection. Images and unextractable files are skipped.
func (in *Ingestor) IndexAttachment(ctx context.Context, att *store.Attachment) error {
	if att.Classification != "document" {
		return nil
	}
	text := ExtractText(att.StoragePath, att.MediaType)
	if text == "" {
		return nil
	}

	meta := map[string]string{"filename": att.Filename}
	if err := in.index.AddDocument(ctx, SessionCollection(att.SessionID), att.ID, text, meta); err != nil {
		return fmt.Errorf("failed to index attachment %s: %w", att.ID, err)
	}
	return nil
}

// DropSession removes a session's attachment index.
func (in *Ingestor) DropSession(sessionID string) error {
	return in.index.DropCollection(SessionCollection(sessionID))
}

// DropKB removes a knowledge base's index.
func (in *Ingestor) DropKB(kbID string) error {
	return in.index.DropCollection(KBCollection(kbID))
}
