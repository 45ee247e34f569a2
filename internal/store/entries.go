package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pbaille/classifier/internal/domain"
)

const entryColumns = "id, feed_id, title, alternate, self, content, content_type, text, updated, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(
		&e.ID, &e.FeedID, &e.Title, &e.Alternate, &e.Self,
		&e.Content, &e.ContentType, &e.Text, &e.Updated, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEntry stores a new entry under an existing feed
func (s *Store) CreateEntry(ctx context.Context, entry domain.Entry) (*domain.Entry, error) {
	now := time.Now().UTC()
	if entry.Updated.IsZero() {
		entry.Updated = now
	}
	entry.Updated = entry.Updated.UTC()
	if entry.ContentType == "" {
		entry.ContentType = "text"
	}
	entry.CreatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM feeds WHERE id = ?", entry.FeedID)
		if err != nil {
			return fmt.Errorf("find feed: %w", err)
		}
		if !found {
			return fmt.Errorf("feed %d: %w", entry.FeedID, ErrFeedNotFound)
		}

		found, err = exists(ctx, tx, "SELECT 1 FROM entries WHERE id = ?", entry.ID)
		if err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		if found {
			return fmt.Errorf("entry %d: %w", entry.ID, ErrDuplicateID)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO entries ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			entry.ID, entry.FeedID, entry.Title, entry.Alternate, entry.Self,
			entry.Content, entry.ContentType, entry.Text, entry.Updated, entry.CreatedAt,
		)
		if isConstraint(err) {
			return fmt.Errorf("entry %d: %w", entry.ID, ErrDuplicateID)
		}
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// GetEntry retrieves an entry by ID
func (s *Store) GetEntry(ctx context.Context, id int64) (*domain.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// DeleteEntry removes an entry, its tokens and its taggings
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM entries WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		if !found {
			return fmt.Errorf("entry %d: %w", id, ErrNotFound)
		}

		cascade := []string{
			"DELETE FROM taggings WHERE entry_id = ?",
			"DELETE FROM entry_tokens WHERE entry_id = ?",
			"DELETE FROM entries WHERE id = ?",
		}
		for _, q := range cascade {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete entry: %w", err)
			}
		}
		return nil
	})
}

// CountEntries returns the number of cached entries
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// UntokenizedEntries returns entries with text but without tokens, most
// recently updated first.
func (s *Store) UntokenizedEntries(ctx context.Context, limit int) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries e
		WHERE e.text != ''
		  AND NOT EXISTS (SELECT 1 FROM entry_tokens t WHERE t.entry_id = e.id)
		ORDER BY e.updated DESC, e.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list untokenized entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}

	return entries, rows.Err()
}
