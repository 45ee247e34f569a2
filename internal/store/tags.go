package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pbaille/classifier/internal/domain"
)

// SaveTag creates or replaces a tag together with its training examples
func (s *Store) SaveTag(ctx context.Context, tag domain.Tag, examples []domain.Example) (*domain.Tag, error) {
	if tag.Bias == 0 {
		tag.Bias = 1.0
	}
	tag.UpdatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tags (id, name, bias, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, bias = excluded.bias, updated_at = excluded.updated_at
		`, tag.ID, tag.Name, tag.Bias, tag.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert tag: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM tag_examples WHERE tag_id = ?", tag.ID); err != nil {
			return fmt.Errorf("delete examples: %w", err)
		}
		for _, x := range examples {
			_, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO tag_examples (tag_id, entry_id, positive) VALUES (?, ?, ?)",
				tag.ID, x.EntryID, x.Positive,
			)
			if err != nil {
				return fmt.Errorf("insert example: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &tag, nil
}

// GetTag retrieves a tag by ID
func (s *Store) GetTag(ctx context.Context, id int64) (*domain.Tag, error) {
	var tag domain.Tag
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, bias, updated_at FROM tags WHERE id = ?", id,
	).Scan(&tag.ID, &tag.Name, &tag.Bias, &tag.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// ListTags returns all tags
func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, bias, updated_at FROM tags ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Bias, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}

	return tags, rows.Err()
}

// TrainingCorpus loads the token vectors of a tag's cached examples.
// Examples that are not cached or not tokenized are skipped. A tag that is
// unknown or has no usable positive example has no corpus.
func (s *Store) TrainingCorpus(ctx context.Context, tagID int64) (*domain.TrainingCorpus, error) {
	tag, err := s.GetTag(ctx, tagID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("tag %d: %w", tagID, ErrTrainingCorpusUnavailable)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT x.entry_id, x.positive, t.term, t.frequency
		FROM tag_examples x
		JOIN entry_tokens t ON t.entry_id = x.entry_id
		WHERE x.tag_id = ?
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("load training corpus: %w", err)
	}
	defer rows.Close()

	corpus := &domain.TrainingCorpus{
		Tag:      *tag,
		Positive: make(map[int64]domain.Tokens),
		Negative: make(map[int64]domain.Tokens),
	}
	for rows.Next() {
		var entryID int64
		var positive bool
		var term string
		var frequency int
		if err := rows.Scan(&entryID, &positive, &term, &frequency); err != nil {
			return nil, fmt.Errorf("scan example token: %w", err)
		}
		target := corpus.Negative
		if positive {
			target = corpus.Positive
		}
		if target[entryID] == nil {
			target[entryID] = domain.Tokens{}
		}
		target[entryID][term] = frequency
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load training corpus: %w", err)
	}

	if len(corpus.Positive) == 0 {
		return nil, fmt.Errorf("tag %d has no cached positive examples: %w", tagID, ErrTrainingCorpusUnavailable)
	}
	return corpus, nil
}
