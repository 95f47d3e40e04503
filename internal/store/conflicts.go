package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const conflictColumns = `id, fact_a_id, fact_b_id, similarity, conflict_type, status,
	resolution, resolved_by, resolved_at, created_at`

// GetConflict retrieves a conflict by ID. Returns (nil, nil) when no conflict
// exists.
func (s *SQLiteStore) GetConflict(ctx context.Context, id int64) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id,
	)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting conflict %d: %w", id, err)
	}
	return c, nil
}

// OpenConflicts returns unresolved conflicts, newest first, with both facts
// attached for review surfaces.
func (s *SQLiteStore) OpenConflicts(ctx context.Context, limit int) ([]*ConflictDetail, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE status = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		ConflictStatusOpen, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open conflicts: %w", err)
	}

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	details := make([]*ConflictDetail, 0, len(conflicts))
	for _, c := range conflicts {
		d := &ConflictDetail{Conflict: *c}
		if d.FactA, err = s.GetFact(ctx, c.FactAID); err != nil {
			return nil, err
		}
		if d.FactB, err = s.GetFact(ctx, c.FactBID); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

// ResolveConflict applies a human decision to an open conflict:
//
//	keep_a  - archive fact B, fact A stands
//	keep_b  - activate fact B and supersede fact A with it
//	merged  - fold fact B into fact A as a corroboration, archive fact B
//
// The losing fact is never deleted, only archived or superseded.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	switch resolution {
	case ResolutionKeepA, ResolutionKeepB, ResolutionMerged:
	default:
		return fmt.Errorf("invalid resolution %q (valid: keep_a, keep_b, merged)", resolution)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning resolve: %w", err)
	}
	defer tx.Rollback()

	var factAID, factBID int64
	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT fact_a_id, fact_b_id, status FROM conflicts WHERE id = ?", id,
	).Scan(&factAID, &factBID, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("conflict %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("loading conflict %d: %w", id, err)
	}
	if status != ConflictStatusOpen {
		return fmt.Errorf("conflict %d already resolved", id)
	}

	now := time.Now().UTC()
	switch resolution {
	case ResolutionKeepA:
		if err := archiveFactTx(ctx, tx, factBID, now); err != nil {
			return err
		}

	case ResolutionKeepB:
		_, err := tx.ExecContext(ctx,
			"UPDATE facts SET status = ?, updated_at = ? WHERE id = ?",
			FactStatusActive, now, factBID,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("fact %d duplicates an existing active fact", factBID)
		}
		if err != nil {
			return fmt.Errorf("activating fact %d: %w", factBID, err)
		}
		// The loser may have been superseded by another path in the
		// meantime; the resolution still stands either way.
		_, err = tx.ExecContext(ctx,
			"UPDATE facts SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL",
			FactStatusSuperseded, factBID, now, factAID,
		)
		if err != nil {
			return fmt.Errorf("superseding fact %d: %w", factAID, err)
		}

	case ResolutionMerged:
		var content, channel string
		err := tx.QueryRowContext(ctx,
			"SELECT content, source_channel FROM facts WHERE id = ?", factBID,
		).Scan(&content, &channel)
		if err == sql.ErrNoRows {
			return fmt.Errorf("fact %d not found", factBID)
		}
		if err != nil {
			return fmt.Errorf("loading fact %d: %w", factBID, err)
		}
		if err := corroborateFact(ctx, tx, factAID, CorroborateOpts{
			Channel: channel,
			Content: content,
		}); err != nil {
			return err
		}
		if err := archiveFactTx(ctx, tx, factBID, now); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE conflicts SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ? WHERE id = ? AND status = ?",
		ConflictStatusResolved, resolution, "user", now, id, ConflictStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("stamping conflict %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conflict %d already resolved", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing resolve: %w", err)
	}
	return nil
}

func archiveFactTx(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	result, err := tx.ExecContext(ctx,
		"UPDATE facts SET status = ?, updated_at = ? WHERE id = ?",
		FactStatusArchived, now, id,
	)
	if err != nil {
		return fmt.Errorf("archiving fact %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fact %d not found", id)
	}
	return nil
}

func insertConflict(ctx context.Context, ex execContexter, c *Conflict, now time.Time) error {
	result, err := ex.ExecContext(ctx,
		`INSERT INTO conflicts (fact_a_id, fact_b_id, similarity, conflict_type, status,
		                        resolution, resolved_by, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FactAID, c.FactBID, c.Similarity, c.ConflictType, c.Status,
		nullableString(c.Resolution), nullableString(c.ResolvedBy), nullableTime(c.ResolvedAt),
		now,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting conflict id: %w", err)
	}

	c.ID = id
	c.CreatedAt = now
	return nil
}

func scanConflict(r rowScanner) (*Conflict, error) {
	c := &Conflict{}
	var resolution, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := r.Scan(&c.ID, &c.FactAID, &c.FactBID, &c.Similarity, &c.ConflictType, &c.Status,
		&resolution, &resolvedBy, &resolvedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.Resolution = resolution.String
	c.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		c.ResolvedAt = &t
	}
	return c, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
