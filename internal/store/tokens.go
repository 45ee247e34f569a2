package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pbaille/classifier/internal/domain"
)

// ReplaceTokens atomically replaces the token vector of an entry. It fails
// with ErrEntryNotFound, leaving nothing behind, when the entry is gone.
func (s *Store) ReplaceTokens(ctx context.Context, entryID int64, tokens domain.Tokens) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM entries WHERE id = ?", entryID)
		if err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		if !found {
			return fmt.Errorf("entry %d: %w", entryID, ErrEntryNotFound)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM entry_tokens WHERE entry_id = ?", entryID); err != nil {
			return fmt.Errorf("delete tokens: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO entry_tokens (entry_id, term, frequency) VALUES (?, ?, ?)",
		)
		if err != nil {
			return fmt.Errorf("prepare insert tokens: %w", err)
		}
		defer stmt.Close()

		for term, frequency := range tokens {
			if frequency <= 0 || term == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, entryID, term, frequency); err != nil {
				return fmt.Errorf("insert token: %w", err)
			}
		}
		return nil
	})
}

// Tokens returns the current token vector of an entry. An untokenized
// entry has an empty vector.
func (s *Store) Tokens(ctx context.Context, entryID int64) (domain.Tokens, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT term, frequency FROM entry_tokens WHERE entry_id = ?", entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	defer rows.Close()

	tokens := domain.Tokens{}
	for rows.Next() {
		var term string
		var frequency int
		if err := rows.Scan(&term, &frequency); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens[term] = frequency
	}

	return tokens, rows.Err()
}

// CountTokenizedEntries returns the number of entries having tokens
func (s *Store) CountTokenizedEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT entry_id) FROM entry_tokens",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tokenized entries: %w", err)
	}
	return n, nil
}

// EachTokenizedEntry calls fn for every tokenized entry, most recently
// updated first. Iteration stops at the first error fn returns, and that
// error is returned.
func (s *Store) EachTokenizedEntry(ctx context.Context, fn func(entryID int64, tokens domain.Tokens) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, t.term, t.frequency
		FROM entries e
		JOIN entry_tokens t ON t.entry_id = e.id
		ORDER BY e.updated DESC, e.id DESC
	`)
	if err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	defer rows.Close()

	var current int64
	var tokens domain.Tokens
	for rows.Next() {
		var id int64
		var term string
		var frequency int
		if err := rows.Scan(&id, &term, &frequency); err != nil {
			return fmt.Errorf("scan token: %w", err)
		}
		if tokens != nil && id != current {
			if err := fn(current, tokens); err != nil {
				return err
			}
			tokens = nil
		}
		if tokens == nil {
			current = id
			tokens = domain.Tokens{}
		}
		tokens[term] = frequency
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	if tokens != nil {
		return fn(current, tokens)
	}
	return nil
}

var errStopIteration = errors.New("stop iteration")

// Background returns the token vectors of up to limit recently updated
// tokenized entries, skipping the ones in exclude.
func (s *Store) Background(ctx context.Context, limit int, exclude map[int64]bool) (map[int64]domain.Tokens, error) {
	background := make(map[int64]domain.Tokens)
	if limit <= 0 {
		return background, nil
	}

	err := s.EachTokenizedEntry(ctx, func(id int64, tokens domain.Tokens) error {
		if exclude[id] {
			return nil
		}
		background[id] = tokens
		if len(background) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("load background: %w", err)
	}
	return background, nil
}
