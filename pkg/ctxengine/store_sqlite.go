package ctxengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// SQLiteStore is the canonical persistent store for packages, patterns,
// strategies, and consumption records.
type SQLiteStore struct {
	db            *sql.DB
	retryAttempts int
	retryBase     time.Duration
}

// NewSQLiteStore creates/opens the database at opts.Path.
func NewSQLiteStore(opts config.StoreOptions) (*SQLiteStore, error) {
	path := opts.Path
	if path == "" {
		path = "ctxforge.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Multiple worker roles share this store through one process. A single
	// shared connection avoids writer lock contention with SQLite under
	// concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := time.Duration(opts.RetryBaseMS) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	store := &SQLiteStore{db: db, retryAttempts: attempts, retryBase: base}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS context_packages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'general',
			summary TEXT NOT NULL DEFAULT '',
			content_ref TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS context_packages_scope_idx ON context_packages(session_id, group_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS package_contents (
			ref TEXT PRIMARY KEY,
			body TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS error_patterns (
			hash TEXT NOT NULL,
			project TEXT NOT NULL,
			signature_json TEXT NOT NULL DEFAULT '{}',
			solution TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			occurrences INTEGER NOT NULL DEFAULT 1,
			language TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_seen_at_ms INTEGER NOT NULL,
			ttl_days INTEGER NOT NULL DEFAULT 90,
			PRIMARY KEY (project, hash)
		);`,
		`CREATE INDEX IF NOT EXISTS error_patterns_expiry_idx ON error_patterns(last_seen_at_ms);`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			insight TEXT NOT NULL,
			helpfulness INTEGER NOT NULL DEFAULT 0,
			language TEXT NOT NULL DEFAULT '',
			framework TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS strategies_scope_idx ON strategies(project, topic, helpfulness);`,
		`CREATE TABLE IF NOT EXISTS consumption_records (
			session_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			package_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, group_id, role, iteration, package_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// isContention reports whether err looks like transient SQLite lock
// contention worth retrying.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs op, retrying contention errors with exponential backoff
// (base, 2x, 4x...) for a bounded attempt count.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := s.retryBase
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !isContention(err) || attempt >= s.retryAttempts {
			return err
		}
		logger.WarnCF("store", "Retrying after lock contention", map[string]interface{}{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

func (s *SQLiteStore) InsertPackage(ctx context.Context, pkg ContextPackage, content string) (ContextPackage, error) {
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	if pkg.ContentRef == "" {
		pkg.ContentRef = "pkg/" + pkg.ID
	}
	if pkg.ContentType == "" {
		pkg.ContentType = ContentGeneral
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now()
	}
	if !pkg.Priority.Valid() {
		return ContextPackage{}, fmt.Errorf("insert package: invalid priority %q", pkg.Priority)
	}

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("insert package begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
INSERT INTO context_packages (id, session_id, group_id, priority, content_type, summary, content_ref, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			pkg.ID, pkg.SessionID, pkg.GroupID, string(pkg.Priority), string(pkg.ContentType),
			pkg.Summary, pkg.ContentRef, pkg.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO package_contents (ref, body) VALUES (?, ?)
ON CONFLICT(ref) DO UPDATE SET body=excluded.body`,
			pkg.ContentRef, content); err != nil {
			return fmt.Errorf("insert package content: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return ContextPackage{}, err
	}
	return pkg, nil
}

func scanPackage(row interface{ Scan(...any) error }) (ContextPackage, error) {
	var pkg ContextPackage
	var priority, contentType string
	var createdMS int64
	if err := row.Scan(&pkg.ID, &pkg.SessionID, &pkg.GroupID, &priority, &contentType,
		&pkg.Summary, &pkg.ContentRef, &createdMS); err != nil {
		return ContextPackage{}, err
	}
	pkg.Priority = Priority(priority)
	pkg.ContentType = ContentType(contentType)
	pkg.CreatedAt = time.UnixMilli(createdMS)
	return pkg, nil
}

func (s *SQLiteStore) GetPackage(ctx context.Context, id string) (ContextPackage, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, group_id, priority, content_type, summary, content_ref, created_at_ms
FROM context_packages WHERE id = ?`, id)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContextPackage{}, ErrNotFound
	}
	if err != nil {
		return ContextPackage{}, fmt.Errorf("get package: %w", err)
	}
	return pkg, nil
}

// ListPackages returns the session's packages in insertion order. A
// non-positive limit means no limit; the assembler relies on the full
// candidate set to report a truthful overflow count.
func (s *SQLiteStore) ListPackages(ctx context.Context, sessionID, groupID string, limit int) ([]ContextPackage, error) {
	query := `
SELECT id, session_id, group_id, priority, content_type, summary, content_ref, created_at_ms
FROM context_packages
WHERE session_id = ?`
	args := []any{sessionID}
	if groupID != "" {
		query += ` AND group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []ContextPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetContent(ctx context.Context, ref string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM package_contents WHERE ref = ?`, ref).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get content: %w", err)
	}
	return body, nil
}

// EscalatePackagePriority raises a package's priority, for example when it
// becomes error-relevant. Downgrades are rejected: ranking and matching
// never silently lower a priority.
func (s *SQLiteStore) EscalatePackagePriority(ctx context.Context, id string, to Priority) error {
	if !to.Valid() {
		return fmt.Errorf("escalate package: invalid priority %q", to)
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("escalate package begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		err = tx.QueryRowContext(ctx, `SELECT priority FROM context_packages WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("escalate package read: %w", err)
		}
		if to.rank() < Priority(current).rank() {
			return ErrPriorityDowngrade
		}
		if to.rank() == Priority(current).rank() {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `UPDATE context_packages SET priority = ? WHERE id = ?`, string(to), id); err != nil {
			return fmt.Errorf("escalate package write: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) UpsertPattern(ctx context.Context, pat ErrorPattern) (ErrorPattern, error) {
	if pat.Hash == "" {
		return ErrorPattern{}, fmt.Errorf("upsert pattern: empty hash")
	}
	now := time.Now()
	if pat.CreatedAt.IsZero() {
		pat.CreatedAt = now
	}
	if pat.LastSeenAt.IsZero() {
		pat.LastSeenAt = now
	}
	if pat.TTLDays <= 0 {
		pat.TTLDays = 90
	}
	pat.Confidence = clampConfidence(pat.Confidence)
	sigJSON, err := json.Marshal(pat.Signature)
	if err != nil {
		return ErrorPattern{}, fmt.Errorf("upsert pattern encode signature: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO error_patterns (hash, project, signature_json, solution, confidence, occurrences, language, created_at_ms, last_seen_at_ms, ttl_days)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT(project, hash) DO UPDATE SET
	occurrences = occurrences + 1,
	last_seen_at_ms = excluded.last_seen_at_ms,
	solution = excluded.solution`,
			pat.Hash, pat.Project, string(sigJSON), pat.Solution, pat.Confidence,
			pat.Language, pat.CreatedAt.UnixMilli(), pat.LastSeenAt.UnixMilli(), pat.TTLDays)
		if err != nil {
			return fmt.Errorf("upsert pattern: %w", err)
		}
		return nil
	})
	if err != nil {
		return ErrorPattern{}, err
	}
	return s.GetPattern(ctx, pat.Project, pat.Hash)
}

func scanPattern(row interface{ Scan(...any) error }) (ErrorPattern, error) {
	var pat ErrorPattern
	var sigJSON string
	var createdMS, seenMS int64
	if err := row.Scan(&pat.Hash, &pat.Project, &sigJSON, &pat.Solution, &pat.Confidence,
		&pat.Occurrences, &pat.Language, &createdMS, &seenMS, &pat.TTLDays); err != nil {
		return ErrorPattern{}, err
	}
	if err := json.Unmarshal([]byte(sigJSON), &pat.Signature); err != nil {
		// A corrupt signature leaves the pattern matchable by hash only.
		pat.Signature = ErrorSignature{}
	}
	pat.CreatedAt = time.UnixMilli(createdMS)
	pat.LastSeenAt = time.UnixMilli(seenMS)
	return pat, nil
}

func (s *SQLiteStore) GetPattern(ctx context.Context, project, hash string) (ErrorPattern, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT hash, project, signature_json, solution, confidence, occurrences, language, created_at_ms, last_seen_at_ms, ttl_days
FROM error_patterns WHERE project = ? AND hash = ?`, project, hash)
	pat, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrorPattern{}, ErrNotFound
	}
	if err != nil {
		return ErrorPattern{}, fmt.Errorf("get pattern: %w", err)
	}
	return pat, nil
}

// SetPatternConfidence writes an absolute confidence value. Concurrent
// updates are last-write-wins; confidence is heuristic, not safety-critical.
func (s *SQLiteStore) SetPatternConfidence(ctx context.Context, project, hash string, confidence float64, seenAt time.Time) error {
	confidence = clampConfidence(confidence)
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE error_patterns SET confidence = ?, last_seen_at_ms = ? WHERE project = ? AND hash = ?`,
			confidence, seenAt.UnixMilli(), project, hash)
		if err != nil {
			return fmt.Errorf("set pattern confidence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ListPatterns(ctx context.Context, project string, limit int) ([]ErrorPattern, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT hash, project, signature_json, solution, confidence, occurrences, language, created_at_ms, last_seen_at_ms, ttl_days
FROM error_patterns WHERE project = ?
ORDER BY confidence DESC, occurrences DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []ErrorPattern
	for rows.Next() {
		pat, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

// SweepExpiredPatterns deletes patterns whose last_seen + ttl has elapsed
// and returns how many were removed.
func (s *SQLiteStore) SweepExpiredPatterns(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
DELETE FROM error_patterns WHERE last_seen_at_ms + ttl_days * 86400000 < ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("sweep patterns: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

func (s *SQLiteStore) InsertStrategy(ctx context.Context, st Strategy) (Strategy, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
	if st.Helpfulness < 0 {
		st.Helpfulness = 0
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO strategies (id, project, topic, insight, helpfulness, language, framework, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.Project, st.Topic, st.Insight, st.Helpfulness,
			st.Language, st.Framework, st.CreatedAt.UnixMilli(), st.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert strategy: %w", err)
		}
		return nil
	})
	if err != nil {
		return Strategy{}, err
	}
	return st, nil
}

func (s *SQLiteStore) BumpStrategyHelpfulness(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE strategies SET helpfulness = helpfulness + 1, updated_at_ms = ? WHERE id = ?`,
			time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("bump strategy: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ListStrategies(ctx context.Context, project, topic string, limit int) ([]Strategy, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, project, topic, insight, helpfulness, language, framework, created_at_ms, updated_at_ms
FROM strategies WHERE project = ?`
	args := []any{project}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY helpfulness DESC, updated_at_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var st Strategy
		var createdMS, updatedMS int64
		if err := rows.Scan(&st.ID, &st.Project, &st.Topic, &st.Insight, &st.Helpfulness,
			&st.Language, &st.Framework, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		st.CreatedAt = time.UnixMilli(createdMS)
		st.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordConsumption inserts a delivery record. The composite primary key
// plus INSERT OR IGNORE makes repeated identical calls produce exactly one
// row without erroring, which is what prevents double counting under races.
func (s *SQLiteStore) RecordConsumption(ctx context.Context, rec ConsumptionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO consumption_records (session_id, group_id, role, iteration, package_id, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.GroupID, string(rec.Role), rec.Iteration, rec.PackageID, rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("record consumption: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListConsumption(ctx context.Context, sessionID, groupID string, role Role, iteration int) ([]ConsumptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, group_id, role, iteration, package_id, created_at_ms
FROM consumption_records
WHERE session_id = ? AND group_id = ? AND role = ? AND iteration = ?
ORDER BY created_at_ms ASC, package_id ASC`,
		sessionID, groupID, string(role), iteration)
	if err != nil {
		return nil, fmt.Errorf("list consumption: %w", err)
	}
	defer rows.Close()

	var out []ConsumptionRecord
	for rows.Next() {
		var rec ConsumptionRecord
		var role string
		var createdMS int64
		if err := rows.Scan(&rec.SessionID, &rec.GroupID, &role, &rec.Iteration, &rec.PackageID, &createdMS); err != nil {
			return nil, fmt.Errorf("scan consumption: %w", err)
		}
		rec.Role = Role(role)
		rec.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}
