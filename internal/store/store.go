// Package store provides the SQLite storage layer for Understory.
//
// All engine state lives in a single SQLite database file:
// - Facts with type, confidence, and lifecycle status
// - Conflicts between disagreeing facts, open until resolved
// - An append-only event log of engine decisions
//
// Every mutation commits as a single independent transaction; there is no
// cross-call state to roll back, so background jobs can be abandoned
// mid-batch and re-run safely.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.understory/understory.db"

// Fact lifecycle statuses.
const (
	FactStatusActive      = "active"
	FactStatusSuperseded  = "superseded"
	FactStatusNeedsReview = "needs_review"
	FactStatusArchived    = "archived"
)

// Fact types.
const (
	FactTypeFact          = "fact"
	FactTypePreference    = "preference"
	FactTypeGoal          = "goal"
	FactTypeCompletedGoal = "completed_goal"
	FactTypeDecision      = "decision"
	FactTypeConstraint    = "constraint"
	FactTypeContact       = "contact"
)

// Fact categories.
const (
	CategoryPersonal  = "personal"
	CategoryWork      = "work"
	CategoryPeople    = "people"
	CategorySchedule  = "schedule"
	CategoryTechnical = "technical"
	CategoryOther     = "other"
)

// Extraction methods (provenance, immutable after creation).
const (
	MethodTag     = "tag"
	MethodPattern = "pattern"
	MethodAI      = "ai"
	MethodManual  = "manual"
)

// Conflict types.
const (
	ConflictUpdate        = "update"
	ConflictClarification = "clarification"
	ConflictContradiction = "contradiction"
)

// Conflict statuses.
const (
	ConflictStatusOpen     = "open"
	ConflictStatusResolved = "resolved"
)

// Conflict resolutions.
const (
	ResolutionKeepA  = "keep_a"
	ResolutionKeepB  = "keep_b"
	ResolutionMerged = "merged"
)

// ErrDuplicateFact is returned when an insert collides with an existing
// active fact carrying the same content hash and source channel. Callers
// on the live ingest path treat this as a successful no-op.
var ErrDuplicateFact = errors.New("duplicate active fact")

// Fact is a single unit of remembered knowledge.
type Fact struct {
	ID               int64         `json:"id"`
	Content          string        `json:"content"`
	FactType         string        `json:"type"`
	Category         string        `json:"category"`
	Confidence       float64       `json:"confidence"`
	Status           string        `json:"status"`
	ExtractionMethod string        `json:"extraction_method"`
	Tags             []string      `json:"tags,omitempty"`
	SourceChannel    string        `json:"source_channel"`
	ContentHash      string        `json:"content_hash,omitempty"`
	Deadline         *time.Time    `json:"deadline,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	SupersededBy     *int64        `json:"superseded_by,omitempty"`
	ArchivalRef      string        `json:"archival_ref,omitempty"`
	ArchivalSyncedAt *time.Time    `json:"archival_synced_at,omitempty"`
	Metadata         *FactMetadata `json:"metadata,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// FactMetadata holds merge bookkeeping that does not warrant its own columns.
type FactMetadata struct {
	Channels          []string   `json:"channels,omitempty"`
	Corroborations    int        `json:"corroborations,omitempty"`
	LastCorroborated  *time.Time `json:"last_corroborated,omitempty"`
	CompletionTrigger string     `json:"completion_trigger,omitempty"`
	CompletionScore   float64    `json:"completion_score,omitempty"`
	SupersededReason  string     `json:"superseded_reason,omitempty"`
}

// Conflict records a detected disagreement between two facts.
// Fact A is the pre-existing fact, fact B the incoming one.
type Conflict struct {
	ID           int64      `json:"id"`
	FactAID      int64      `json:"fact_a_id"`
	FactBID      int64      `json:"fact_b_id"`
	Similarity   float64    `json:"similarity"`
	ConflictType string     `json:"conflict_type"`
	Status       string     `json:"status"`
	Resolution   string     `json:"resolution,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ConflictDetail pairs a conflict with both facts for review surfaces.
type ConflictDetail struct {
	Conflict
	FactA *Fact `json:"fact_a"`
	FactB *Fact `json:"fact_b"`
}

// FactEvent is an entry in the append-only decision log.
type FactEvent struct {
	ID            int64     `json:"id"`
	EventType     string    `json:"event_type"`
	FactID        int64     `json:"fact_id,omitempty"`
	RelatedFactID *int64    `json:"related_fact_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event types for the decision log.
const (
	EventCreated       = "created"
	EventMerged        = "merged"
	EventSuperseded    = "superseded"
	EventFlagged       = "flagged"
	EventSkipped       = "skipped"
	EventGoalCompleted = "goal_completed"
	EventConsolidated  = "consolidated"
	EventArchived      = "archived"
	EventResolved      = "resolved"
)

// ListOpts controls filtering and pagination for ListFacts.
type ListOpts struct {
	Status   string
	FactType string
	Channel  string
	Limit    int
	Offset   int
	SortBy   string // "date" (default) or "confidence"
}

// CorroborateOpts controls an in-place merge of a new observation into an
// existing fact.
type CorroborateOpts struct {
	Channel       string
	Content       string  // candidate text; replaces stored content when sufficiently longer
	Boost         float64 // confidence increment per corroboration
	ReplaceGrowth float64 // minimum relative length growth before content is replaced
}

// StoreStats holds the aggregate counts exposed to reporting surfaces.
type StoreStats struct {
	TotalFacts     int64      `json:"total_facts"`
	ActiveFacts    int64      `json:"active_facts"`
	ActiveGoals    int64      `json:"active_goals"`
	OverdueGoals   int64      `json:"overdue_goals"`
	NeedsReview    int64      `json:"needs_review"`
	OpenConflicts  int64      `json:"open_conflicts"`
	EventCount     int64      `json:"event_count"`
	LastExtraction *time.Time `json:"last_extraction,omitempty"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the core storage interface.
type Store interface {
	// Facts
	InsertFact(ctx context.Context, f *Fact) (int64, error)
	GetFact(ctx context.Context, id int64) (*Fact, error)
	ListFacts(ctx context.Context, opts ListOpts) ([]*Fact, error)
	UpdateFactConfidence(ctx context.Context, id int64, confidence float64) error
	SupersedeFact(ctx context.Context, loserID, winnerID int64, reason string) error
	CorroborateFact(ctx context.Context, id int64, opts CorroborateOpts) error
	SupersedeWithReplacement(ctx context.Context, f *Fact, c *Conflict) (int64, error)
	InsertForReview(ctx context.Context, f *Fact, c *Conflict) (int64, error)

	// Goals
	ActiveGoals(ctx context.Context) ([]*Fact, error)
	FindActiveGoalContaining(ctx context.Context, phrase string) (*Fact, error)
	CompleteGoal(ctx context.Context, id int64, trigger string, score float64) error

	// Conflicts
	GetConflict(ctx context.Context, id int64) (*Conflict, error)
	OpenConflicts(ctx context.Context, limit int) ([]*ConflictDetail, error)
	ResolveConflict(ctx context.Context, id int64, resolution string) error

	// Archival sync
	SyncCandidates(ctx context.Context, minConfidence float64, limit int) ([]*Fact, error)
	RecordArchivalRef(ctx context.Context, id int64, ref string) error

	// Events
	LogEvent(ctx context.Context, e *FactEvent) error
	RecentEvents(ctx context.Context, limit int) ([]*FactEvent, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: cfg.DBPath,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// GetDB returns the underlying *sql.DB for packages that need direct query
// access (e.g., internal/observe). Callers still go through typed store
// methods for mutations.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// parseStoreTime parses a raw SQLite timestamp string. Needed when scanning
// expression columns (MAX, COALESCE) where the driver loses the DATETIME
// decltype and returns text.
func parseStoreTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", raw)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
