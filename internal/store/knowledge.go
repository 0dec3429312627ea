// ABOUTME: Knowledge base metadata rows for SQLStore
// ABOUTME: Name is the business key; document counts are mirrored from the external indexer

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const knowledgeBaseColumns = `id, name, description, collection_name, embedding_model,
	document_count, metadata, created_at, updated_at`

func scanKnowledgeBase(row rowScanner) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var metadata sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&kb.ID,
		&kb.Name,
		&kb.Description,
		&kb.CollectionName,
		&kb.EmbeddingModel,
		&kb.DocumentCount,
		&metadata,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if kb.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if kb.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if kb.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &kb, nil
}

func (s *SQLStore) getKnowledgeBase(ctx context.Context, c conn, name string, lock bool) (*KnowledgeBase, error) {
	query := `SELECT ` + knowledgeBaseColumns + ` FROM knowledge_bases WHERE name = ?`
	if lock {
		query += s.forUpdate()
	}
	kb, err := scanKnowledgeBase(c.queryRow(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("knowledge base", name)
	}
	if err != nil {
		return nil, storageErr("querying knowledge base", err)
	}
	return kb, nil
}

func (s *SQLStore) insertKnowledgeBase(ctx context.Context, c conn, params KnowledgeBaseUpsert) (*KnowledgeBase, error) {
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.now()
	kb := &KnowledgeBase{
		ID:             s.ids.NewID(),
		Name:           params.Name,
		Description:    params.Description,
		CollectionName: params.CollectionName,
		EmbeddingModel: params.EmbeddingModel,
		Metadata:       params.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = c.exec(ctx, `
		INSERT INTO knowledge_bases (`+knowledgeBaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		kb.ID, kb.Name, kb.Description, kb.CollectionName, kb.EmbeddingModel,
		0, metadata, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, &ConflictError{Reason: fmt.Sprintf("knowledge base %q already exists", kb.Name), Err: err}
		}
		return nil, storageErr("inserting knowledge base", err)
	}
	return kb, nil
}

// UpsertKnowledgeBase creates a knowledge base or updates the description,
// embedding model and metadata of the one with the same name. Pointing an
// existing name at a different collection is a conflict.
func (s *SQLStore) UpsertKnowledgeBase(ctx context.Context, params KnowledgeBaseUpsert) (*KnowledgeBase, error) {
	if err := validateKnowledgeBase(params); err != nil {
		return nil, err
	}

	var result *KnowledgeBase
	var created bool
	err := s.withTx(ctx, "upserting knowledge base", func(c conn) error {
		kb, err := s.getKnowledgeBase(ctx, c, params.Name, true)
		if errors.Is(err, ErrNotFound) {
			result, err = s.insertKnowledgeBase(ctx, c, params)
			created = err == nil
			return err
		}
		if err != nil {
			return err
		}

		if kb.CollectionName != params.CollectionName {
			return &ConflictError{Reason: fmt.Sprintf(
				"knowledge base %q is bound to collection %q, not %q",
				kb.Name, kb.CollectionName, params.CollectionName)}
		}

		kb.Description = params.Description
		kb.EmbeddingModel = params.EmbeddingModel
		kb.Metadata = params.Metadata
		kb.UpdatedAt = later(kb.UpdatedAt, s.now())

		metadata, err := encodeMetadata(kb.Metadata)
		if err != nil {
			return err
		}
		_, err = c.exec(ctx, `
			UPDATE knowledge_bases
			SET description = ?, embedding_model = ?, metadata = ?, updated_at = ?
			WHERE id = ?
		`, kb.Description, kb.EmbeddingModel, metadata, formatTime(kb.UpdatedAt), kb.ID)
		if err != nil {
			return storageErr("updating knowledge base", err)
		}
		result = kb
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("upserted knowledge base", "name", result.Name, "created", created)
	return result, nil
}

// CreateKnowledgeBase inserts a knowledge base and fails with ErrConflict if the name is taken.
func (s *SQLStore) CreateKnowledgeBase(ctx context.Context, params KnowledgeBaseUpsert) (*KnowledgeBase, error) {
	if err := validateKnowledgeBase(params); err != nil {
		return nil, err
	}

	var result *KnowledgeBase
	err := s.withTx(ctx, "creating knowledge base", func(c conn) error {
		var err error
		result, err = s.insertKnowledgeBase(ctx, c, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created knowledge base", "name", result.Name, "collection", result.CollectionName)
	return result, nil
}

// GetKnowledgeBase retrieves a knowledge base by name.
func (s *SQLStore) GetKnowledgeBase(ctx context.Context, name string) (*KnowledgeBase, error) {
	return s.getKnowledgeBase(ctx, s.reader(), name, false)
}

// ListKnowledgeBases returns all knowledge bases ordered by name.
func (s *SQLStore) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := s.reader().query(ctx,
		`SELECT `+knowledgeBaseColumns+` FROM knowledge_bases ORDER BY name ASC`)
	if err != nil {
		return nil, storageErr("querying knowledge bases", err)
	}
	defer rows.Close()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, storageErr("scanning knowledge base row", err)
		}
		kbs = append(kbs, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating knowledge base rows", err)
	}
	return kbs, nil
}

// SetDocumentCount stores the externally reported document count.
func (s *SQLStore) SetDocumentCount(ctx context.Context, name string, count int) error {
	if count < 0 {
		return invalid("document_count", "must not be negative")
	}

	err := s.withTx(ctx, "setting document count", func(c conn) error {
		kb, err := s.getKnowledgeBase(ctx, c, name, true)
		if err != nil {
			return err
		}
		_, err = c.exec(ctx,
			`UPDATE knowledge_bases SET document_count = ?, updated_at = ? WHERE id = ?`,
			count, formatTime(later(kb.UpdatedAt, s.now())), kb.ID)
		if err != nil {
			return storageErr("updating document count", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("set document count", "name", name, "count", count)
	return nil
}

// DeleteKnowledgeBase removes the metadata row. Conversations referencing the
// name keep their kb_name; the reference is soft.
func (s *SQLStore) DeleteKnowledgeBase(ctx context.Context, name string) error {
	err := s.withTx(ctx, "deleting knowledge base", func(c conn) error {
		res, err := c.exec(ctx, `DELETE FROM knowledge_bases WHERE name = ?`, name)
		if err != nil {
			return storageErr("deleting knowledge base", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("deleting knowledge base", err)
		}
		if n == 0 {
			return notFound("knowledge base", name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted knowledge base", "name", name)
	return nil
}
