package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogEvent appends an entry to the decision log. The log is append-only;
// nothing in the engine updates or deletes rows from it.
func (s *SQLiteStore) LogEvent(ctx context.Context, e *FactEvent) error {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO fact_events (event_type, fact_id, related_fact_id, detail, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventType, e.FactID, nullableID(e.RelatedFactID), e.Detail, e.RunID, now,
	)
	if err != nil {
		return fmt.Errorf("logging event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting event id: %w", err)
	}

	e.ID = id
	e.CreatedAt = now
	return nil
}

// RecentEvents returns the newest decision-log entries.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]*FactEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, fact_id, related_fact_id, detail, run_id, created_at
		 FROM fact_events
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*FactEvent
	for rows.Next() {
		e := &FactEvent{}
		var related sql.NullInt64
		var detail, runID sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.FactID, &related, &detail, &runID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if related.Valid {
			v := related.Int64
			e.RelatedFactID = &v
		}
		e.Detail = detail.String
		e.RunID = runID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats returns current database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	now := time.Now().UTC()

	queries := []struct {
		query string
		args  []interface{}
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM facts", nil, &stats.TotalFacts},
		{"SELECT COUNT(*) FROM facts WHERE status = 'active'", nil, &stats.ActiveFacts},
		{"SELECT COUNT(*) FROM facts WHERE status = 'active' AND fact_type = 'goal'", nil, &stats.ActiveGoals},
		{"SELECT COUNT(*) FROM facts WHERE status = 'active' AND fact_type = 'goal' AND deadline IS NOT NULL AND deadline < ?",
			[]interface{}{now}, &stats.OverdueGoals},
		{"SELECT COUNT(*) FROM facts WHERE status = 'needs_review'", nil, &stats.NeedsReview},
		{"SELECT COUNT(*) FROM conflicts WHERE status = 'open'", nil, &stats.OpenConflicts},
		{"SELECT COUNT(*) FROM fact_events", nil, &stats.EventCount},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	// MAX() loses the DATETIME decltype, so the driver hands back raw text.
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM fact_events WHERE event_type IN (?, ?, ?, ?, ?)`,
		EventCreated, EventMerged, EventSkipped, EventFlagged, EventGoalCompleted,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("querying last extraction: %w", err)
	}
	if last.Valid && last.String != "" {
		if t, err := parseStoreTime(last.String); err == nil {
			stats.LastExtraction = &t
		}
	}

	return stats, nil
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
