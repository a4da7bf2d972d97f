package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	kb.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (id, owner_id, name, shared, created_at) VALUES (?, ?, ?, ?, ?)`,
		kb.ID, kb.OwnerID, kb.Name, kb.Shared, kb.CreatedAt)
	return err
}

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, shared, created_at FROM knowledge_bases WHERE id = ?`, id)
	var kb KnowledgeBase
	err := row.Scan(&kb.ID, &kb.OwnerID, &kb.Name, &kb.Shared, &kb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

func (s *Store) DeleteKnowledgeBase(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_documents WHERE kb_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) CreateKBDocument(ctx context.Context, doc *KBDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_documents (id, kb_id, type, content, file_path, indexed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.KBID, doc.Type, doc.Content, doc.FilePath, doc.Indexed, doc.CreatedAt)
	return err
}

func (s *Store) ListKBDocuments(ctx context.Context, kbID string) ([]*KBDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kb_id, type, content, file_path, indexed, created_at FROM kb_documents WHERE kb_id = ? ORDER BY created_at`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*KBDocument
	for rows.Next() {
		var doc KBDocument
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Type, &doc.Content, &doc.FilePath, &doc.Indexed, &doc.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (s *Store) MarkDocumentIndexed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE kb_documents SET indexed = 1 WHERE id = ?`, id)
	return err
}

// HasIndexedDocuments reports whether any document of the KB has been indexed.
// The engine uses this to decide between kb_context and kb_warning.
func (s *Store) HasIndexedDocuments(ctx context.Context, kbID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kb_documents WHERE kb_id = ? AND indexed = 1`, kbID).Scan(&count)
	return count > 0, err
}
