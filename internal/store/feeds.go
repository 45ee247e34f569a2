package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pbaille/classifier/internal/domain"
)

// CreateFeed stores a new feed. Republishing an existing id is an error.
func (s *Store) CreateFeed(ctx context.Context, id int64, title string) (*domain.Feed, error) {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM feeds WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("find feed: %w", err)
		}
		if found {
			return fmt.Errorf("feed %d: %w", id, ErrDuplicateID)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO feeds (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
			id, title, now, now,
		)
		if isConstraint(err) {
			return fmt.Errorf("feed %d: %w", id, ErrDuplicateID)
		}
		if err != nil {
			return fmt.Errorf("insert feed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.Feed{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetFeed retrieves a feed by ID
func (s *Store) GetFeed(ctx context.Context, id int64) (*domain.Feed, error) {
	var feed domain.Feed
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM feeds WHERE id = ?",
		id,
	).Scan(&feed.ID, &feed.Title, &feed.CreatedAt, &feed.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return &feed, nil
}

// DeleteFeed removes a feed together with its entries, their tokens and
// their taggings.
func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM feeds WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("find feed: %w", err)
		}
		if !found {
			return fmt.Errorf("feed %d: %w", id, ErrNotFound)
		}

		cascade := []string{
			"DELETE FROM taggings WHERE entry_id IN (SELECT id FROM entries WHERE feed_id = ?)",
			"DELETE FROM entry_tokens WHERE entry_id IN (SELECT id FROM entries WHERE feed_id = ?)",
			"DELETE FROM entries WHERE feed_id = ?",
			"DELETE FROM feeds WHERE id = ?",
		}
		for _, q := range cascade {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete feed: %w", err)
			}
		}
		return nil
	})
}
