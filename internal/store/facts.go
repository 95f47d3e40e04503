package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxContentLength caps fact content. Longer inputs are cut at a word
// boundary rather than rejected so a rambling message still yields a fact.
const MaxContentLength = 2000

const factColumns = `id, content, fact_type, category, confidence, status, extraction_method,
	tags, source_channel, content_hash, deadline, completed_at, superseded_by,
	archival_ref, archival_synced_at, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertFact inserts a new fact. Returns ErrDuplicateFact when an active fact
// with the same content hash already exists on the same channel.
func (s *SQLiteStore) InsertFact(ctx context.Context, f *Fact) (int64, error) {
	if err := prepareFact(f); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	id, err := insertFact(ctx, s.db, f, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateFact
		}
		return 0, fmt.Errorf("inserting fact: %w", err)
	}
	return id, nil
}

// GetFact retrieves a fact by ID. Returns (nil, nil) when no fact exists.
func (s *SQLiteStore) GetFact(ctx context.Context, id int64) (*Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, id,
	)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting fact %d: %w", id, err)
	}
	return f, nil
}

// ListFacts returns facts with filtering and pagination.
func (s *SQLiteStore) ListFacts(ctx context.Context, opts ListOpts) ([]*Fact, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	query := `SELECT ` + factColumns + ` FROM facts`
	args := []interface{}{}

	var where []string
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.FactType != "" {
		where = append(where, "fact_type = ?")
		args = append(args, opts.FactType)
	}
	if opts.Channel != "" {
		where = append(where, "source_channel = ?")
		args = append(args, opts.Channel)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	orderBy := "created_at DESC, id DESC"
	if opts.SortBy == "confidence" {
		orderBy = "confidence DESC, id DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT ? OFFSET ?", orderBy)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// UpdateFactConfidence sets the confidence value for a fact.
func (s *SQLiteStore) UpdateFactConfidence(ctx context.Context, id int64, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0,1]", confidence)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE facts SET confidence = ?, updated_at = ? WHERE id = ?",
		confidence, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating fact confidence: %w", err)
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

// SupersedeFact marks the loser superseded by the winner. Supersession only
// ever points from older facts to strictly newer ones, which is what keeps
// superseded_by chains acyclic.
func (s *SQLiteStore) SupersedeFact(ctx context.Context, loserID, winnerID int64, reason string) error {
	if loserID == winnerID {
		return fmt.Errorf("fact %d cannot supersede itself", loserID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning supersede: %w", err)
	}
	defer tx.Rollback()

	var loserCreated time.Time
	var loserMeta sql.NullString
	var supersededBy sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT created_at, metadata, superseded_by FROM facts WHERE id = ?", loserID,
	).Scan(&loserCreated, &loserMeta, &supersededBy)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %d not found", loserID)
	}
	if err != nil {
		return fmt.Errorf("loading fact %d: %w", loserID, err)
	}
	if supersededBy.Valid {
		return fmt.Errorf("fact %d already superseded by %d", loserID, supersededBy.Int64)
	}

	var winnerCreated time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT created_at FROM facts WHERE id = ?", winnerID,
	).Scan(&winnerCreated)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %d not found", winnerID)
	}
	if err != nil {
		return fmt.Errorf("loading fact %d: %w", winnerID, err)
	}

	if winnerCreated.Before(loserCreated) ||
		(winnerCreated.Equal(loserCreated) && winnerID < loserID) {
		return fmt.Errorf("fact %d cannot supersede newer fact %d", winnerID, loserID)
	}

	meta := unmarshalMetadata(loserMeta)
	if reason != "" {
		if meta == nil {
			meta = &FactMetadata{}
		}
		meta.SupersededReason = reason
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE facts SET status = ?, superseded_by = ?, metadata = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL",
		FactStatusSuperseded, winnerID, marshalMetadata(meta), time.Now().UTC(), loserID,
	)
	if err != nil {
		return fmt.Errorf("superseding fact %d: %w", loserID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fact %d already superseded", loserID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing supersede: %w", err)
	}
	return nil
}

// CorroborateFact absorbs a new observation into an existing active fact:
// the contributing channel joins the metadata union, confidence rises by the
// corroboration boost (capped at 1.0), and the content is replaced when the
// new text is sufficiently longer. No new rows are created.
func (s *SQLiteStore) CorroborateFact(ctx context.Context, id int64, opts CorroborateOpts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning corroborate: %w", err)
	}
	defer tx.Rollback()

	if err := corroborateFact(ctx, tx, id, opts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing corroborate: %w", err)
	}
	return nil
}

func corroborateFact(ctx context.Context, tx *sql.Tx, id int64, opts CorroborateOpts) error {
	if opts.Boost <= 0 {
		opts.Boost = 0.05
	}
	if opts.ReplaceGrowth <= 0 {
		opts.ReplaceGrowth = 0.2
	}

	var content, status string
	var confidence float64
	var rawMeta sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT content, confidence, status, metadata FROM facts WHERE id = ?", id,
	).Scan(&content, &confidence, &status, &rawMeta)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("loading fact %d: %w", id, err)
	}
	if status != FactStatusActive {
		return fmt.Errorf("fact %d is %s, not active", id, status)
	}

	now := time.Now().UTC()
	meta := unmarshalMetadata(rawMeta)
	if meta == nil {
		meta = &FactMetadata{}
	}
	meta.AddChannel(opts.Channel)
	meta.Corroborations++
	meta.LastCorroborated = &now

	newConfidence := confidence + opts.Boost
	if newConfidence > 1 {
		newConfidence = 1
	}

	newContent := content
	candidate := strings.TrimSpace(opts.Content)
	if candidate != "" && float64(len(candidate)) >= float64(len(content))*(1+opts.ReplaceGrowth) {
		newContent = capContent(candidate)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE facts SET content = ?, content_hash = ?, confidence = ?, metadata = ?, updated_at = ? WHERE id = ?",
		newContent, HashContent(newContent), newConfidence, marshalMetadata(meta), now, id,
	)
	if isUniqueViolation(err) {
		// The longer replacement collides with another active fact on this
		// channel. Keep the original content and still record the boost.
		_, err = tx.ExecContext(ctx,
			"UPDATE facts SET confidence = ?, metadata = ?, updated_at = ? WHERE id = ?",
			newConfidence, marshalMetadata(meta), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("corroborating fact %d: %w", id, err)
	}
	return nil
}

// SupersedeWithReplacement inserts f as a fresh active fact, marks the fact
// named by c.FactAID superseded by it, and records an already-resolved
// conflict row in the same transaction. Used when new content is classified
// as an update of existing content.
//
// Returns ErrDuplicateFact (with nothing committed) when f collides with an
// existing active fact.
func (s *SQLiteStore) SupersedeWithReplacement(ctx context.Context, f *Fact, c *Conflict) (int64, error) {
	if c == nil || c.FactAID == 0 {
		return 0, fmt.Errorf("supersede with replacement: conflict target required")
	}
	if err := prepareFact(f); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning supersede-replace: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	newID, err := insertFact(ctx, tx, f, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateFact
		}
		return 0, fmt.Errorf("inserting replacement fact: %w", err)
	}

	// If the old fact was concurrently superseded or archived, the update
	// matches nothing; the replacement and conflict record still stand.
	_, err = tx.ExecContext(ctx,
		"UPDATE facts SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ? AND status = ?",
		FactStatusSuperseded, newID, now, c.FactAID, FactStatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("superseding fact %d: %w", c.FactAID, err)
	}

	c.FactBID = newID
	c.Status = ConflictStatusResolved
	c.Resolution = ResolutionKeepB
	c.ResolvedBy = "auto"
	c.ResolvedAt = &now
	if err := insertConflict(ctx, tx, c, now); err != nil {
		return 0, fmt.Errorf("recording update conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing supersede-replace: %w", err)
	}
	return newID, nil
}

// InsertForReview inserts f flagged for human review together with an open
// conflict row against the fact named by c.FactAID. This is the only path
// that produces a human-facing review item.
func (s *SQLiteStore) InsertForReview(ctx context.Context, f *Fact, c *Conflict) (int64, error) {
	if c == nil || c.FactAID == 0 {
		return 0, fmt.Errorf("insert for review: conflict target required")
	}
	f.Status = FactStatusNeedsReview
	if err := prepareFact(f); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert-for-review: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	newID, err := insertFact(ctx, tx, f, now)
	if err != nil {
		return 0, fmt.Errorf("inserting review fact: %w", err)
	}

	c.FactBID = newID
	c.Status = ConflictStatusOpen
	if err := insertConflict(ctx, tx, c, now); err != nil {
		return 0, fmt.Errorf("recording contradiction conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert-for-review: %w", err)
	}
	return newID, nil
}

// SyncCandidates returns active facts eligible for archival sync that have
// not been pushed yet: confidence at or above the floor and a durable type.
func (s *SQLiteStore) SyncCandidates(ctx context.Context, minConfidence float64, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE status = ? AND confidence >= ? AND archival_ref IS NULL
		   AND fact_type IN (?, ?, ?, ?)
		 ORDER BY confidence DESC, created_at ASC
		 LIMIT ?`,
		FactStatusActive, minConfidence,
		FactTypeFact, FactTypePreference, FactTypeDecision, FactTypeConstraint,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sync candidates: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// RecordArchivalRef stores the external archival reference for a fact.
// The reference is set once and never overwritten.
func (s *SQLiteStore) RecordArchivalRef(ctx context.Context, id int64, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("empty archival ref for fact %d", id)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE facts SET archival_ref = ?, archival_synced_at = ?, updated_at = ? WHERE id = ? AND archival_ref IS NULL",
		ref, time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording archival ref: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fact %d not found or already synced", id)
	}
	return nil
}

// AddChannel adds a channel to the metadata union if not already present.
func (m *FactMetadata) AddChannel(channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	for _, c := range m.Channels {
		if c == channel {
			return
		}
	}
	m.Channels = append(m.Channels, channel)
}

// prepareFact trims, caps, and defaults a fact before insert.
func prepareFact(f *Fact) error {
	f.Content = strings.TrimSpace(f.Content)
	if f.Content == "" {
		return fmt.Errorf("empty fact content")
	}
	f.Content = capContent(f.Content)
	if f.FactType == "" {
		f.FactType = FactTypeFact
	}
	if f.Category == "" {
		f.Category = CategoryOther
	}
	if f.Status == "" {
		f.Status = FactStatusActive
	}
	if f.ExtractionMethod == "" {
		f.ExtractionMethod = MethodPattern
	}
	if f.ContentHash == "" {
		f.ContentHash = HashContent(f.Content)
	}
	return nil
}

func insertFact(ctx context.Context, ex execContexter, f *Fact, now time.Time) (int64, error) {
	result, err := ex.ExecContext(ctx,
		`INSERT INTO facts (content, fact_type, category, confidence, status, extraction_method,
		                    tags, source_channel, content_hash, deadline, completed_at, metadata,
		                    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Content, f.FactType, f.Category, f.Confidence, f.Status, f.ExtractionMethod,
		joinTags(f.Tags), f.SourceChannel, f.ContentHash,
		nullableTime(f.Deadline), nullableTime(f.CompletedAt), marshalMetadata(f.Metadata),
		now, now,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}

	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return id, nil
}

func scanFact(r rowScanner) (*Fact, error) {
	f := &Fact{}
	var tags string
	var deadline, completedAt, syncedAt sql.NullTime
	var supersededBy sql.NullInt64
	var archivalRef, rawMeta sql.NullString

	err := r.Scan(&f.ID, &f.Content, &f.FactType, &f.Category, &f.Confidence, &f.Status,
		&f.ExtractionMethod, &tags, &f.SourceChannel, &f.ContentHash,
		&deadline, &completedAt, &supersededBy, &archivalRef, &syncedAt,
		&rawMeta, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.Tags = splitTags(tags)
	if deadline.Valid {
		t := deadline.Time.UTC()
		f.Deadline = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		f.CompletedAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time.UTC()
		f.ArchivalSyncedAt = &t
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		f.SupersededBy = &v
	}
	if archivalRef.Valid {
		f.ArchivalRef = archivalRef.String
	}
	f.Metadata = unmarshalMetadata(rawMeta)
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// marshalMetadata converts FactMetadata to a JSON string for storage.
// Returns empty string (not "null") if metadata is nil.
func marshalMetadata(m *FactMetadata) string {
	if m == nil {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// unmarshalMetadata converts a JSON string (or sql.NullString) back to FactMetadata.
func unmarshalMetadata(s sql.NullString) *FactMetadata {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m FactMetadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return &m
}

func joinTags(tags []string) string {
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// capContent cuts content at MaxContentLength, preferring a word boundary.
func capContent(content string) string {
	if len(content) <= MaxContentLength {
		return content
	}
	cut := strings.LastIndex(content[:MaxContentLength], " ")
	if cut <= 0 {
		cut = MaxContentLength
	}
	return strings.TrimSpace(content[:cut])
}
