package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ActiveGoals returns all active goal facts, oldest first.
func (s *SQLiteStore) ActiveGoals(ctx context.Context) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE status = ? AND fact_type = ?
		 ORDER BY created_at ASC, id ASC`,
		FactStatusActive, FactTypeGoal,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active goals: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// FindActiveGoalContaining returns the newest active goal whose content
// contains the phrase, case-insensitively. Returns (nil, nil) when none match.
func (s *SQLiteStore) FindActiveGoalContaining(ctx context.Context, phrase string) (*Fact, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE status = ? AND fact_type = ? AND instr(LOWER(content), LOWER(?)) > 0
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		FactStatusActive, FactTypeGoal, phrase,
	)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active goal: %w", err)
	}
	return f, nil
}

// CompleteGoal marks an active goal as completed: the type flips to
// completed_goal, the status to archived, and the trigger sentence is kept
// in metadata for audit. Completing a goal twice is an error.
func (s *SQLiteStore) CompleteGoal(ctx context.Context, id int64, trigger string, score float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning goal completion: %w", err)
	}
	defer tx.Rollback()

	var factType, status string
	var rawMeta sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT fact_type, status, metadata FROM facts WHERE id = ?", id,
	).Scan(&factType, &status, &rawMeta)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("loading fact %d: %w", id, err)
	}
	if factType != FactTypeGoal {
		return fmt.Errorf("fact %d is a %s, not a goal", id, factType)
	}
	if status != FactStatusActive {
		return fmt.Errorf("goal %d is %s, not active", id, status)
	}

	now := time.Now().UTC()
	meta := unmarshalMetadata(rawMeta)
	if meta == nil {
		meta = &FactMetadata{}
	}
	meta.CompletionTrigger = truncate(strings.TrimSpace(trigger), 200)
	meta.CompletionScore = score

	_, err = tx.ExecContext(ctx,
		"UPDATE facts SET fact_type = ?, status = ?, completed_at = ?, metadata = ?, updated_at = ? WHERE id = ?",
		FactTypeCompletedGoal, FactStatusArchived, now, marshalMetadata(meta), now, id,
	)
	if err != nil {
		return fmt.Errorf("completing goal %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing goal completion: %w", err)
	}
	return nil
}
