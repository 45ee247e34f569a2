package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pbaille/classifier/internal/domain"
)

// UpsertTagging creates or updates the tagging of an entry for a tag
func (s *Store) UpsertTagging(ctx context.Context, tagging domain.Tagging) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM entries WHERE id = ?", tagging.EntryID)
		if err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		if !found {
			return fmt.Errorf("entry %d: %w", tagging.EntryID, ErrEntryNotFound)
		}
		return upsertTagging(ctx, tx, tagging, time.Now().UTC())
	})
}

func upsertTagging(ctx context.Context, tx *sql.Tx, t domain.Tagging, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO taggings (entry_id, tag_id, matched, strength, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entry_id, tag_id)
		DO UPDATE SET matched = excluded.matched, strength = excluded.strength
	`, t.EntryID, t.TagID, t.Matched, t.Strength, now)
	if err != nil {
		return fmt.Errorf("upsert tagging: %w", err)
	}
	return nil
}

// ReplaceTaggingsForTag atomically makes the taggings of a tag exactly the
// given set. Stale rows are removed, unchanged rows are left untouched and
// taggings of entries deleted in the meantime are skipped.
func (s *Store) ReplaceTaggingsForTag(ctx context.Context, tagID int64, taggings []domain.Tagging) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := taggingsForTag(ctx, tx, tagID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		wanted := make(map[int64]bool, len(taggings))
		for _, t := range taggings {
			t.TagID = tagID
			wanted[t.EntryID] = true
			if old, ok := existing[t.EntryID]; ok && old == t {
				continue
			}

			found, err := exists(ctx, tx, "SELECT 1 FROM entries WHERE id = ?", t.EntryID)
			if err != nil {
				return fmt.Errorf("find entry: %w", err)
			}
			if !found {
				continue
			}
			if err := upsertTagging(ctx, tx, t, now); err != nil {
				return err
			}
		}

		for entryID := range existing {
			if wanted[entryID] {
				continue
			}
			_, err := tx.ExecContext(ctx,
				"DELETE FROM taggings WHERE entry_id = ? AND tag_id = ?", entryID, tagID,
			)
			if err != nil {
				return fmt.Errorf("delete tagging: %w", err)
			}
		}
		return nil
	})
}

func taggingsForTag(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, tagID int64) (map[int64]domain.Tagging, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT entry_id, tag_id, matched, strength FROM taggings WHERE tag_id = ?", tagID,
	)
	if err != nil {
		return nil, fmt.Errorf("get taggings: %w", err)
	}
	defer rows.Close()

	taggings := make(map[int64]domain.Tagging)
	for rows.Next() {
		var t domain.Tagging
		if err := rows.Scan(&t.EntryID, &t.TagID, &t.Matched, &t.Strength); err != nil {
			return nil, fmt.Errorf("scan tagging: %w", err)
		}
		taggings[t.EntryID] = t
	}
	return taggings, rows.Err()
}

// Taggings returns the taggings of a tag ordered by entry id
func (s *Store) Taggings(ctx context.Context, tagID int64) ([]domain.Tagging, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry_id, tag_id, matched, strength FROM taggings WHERE tag_id = ? ORDER BY entry_id",
		tagID,
	)
	if err != nil {
		return nil, fmt.Errorf("get taggings: %w", err)
	}
	defer rows.Close()

	var taggings []domain.Tagging
	for rows.Next() {
		var t domain.Tagging
		if err := rows.Scan(&t.EntryID, &t.TagID, &t.Matched, &t.Strength); err != nil {
			return nil, fmt.Errorf("scan tagging: %w", err)
		}
		taggings = append(taggings, t)
	}
	return taggings, rows.Err()
}

// CountTaggings counts the taggings of a tag with the given matched flag
func (s *Store) CountTaggings(ctx context.Context, tagID int64, matched bool) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM taggings WHERE tag_id = ? AND matched = ?", tagID, matched,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count taggings: %w", err)
	}
	return n, nil
}
