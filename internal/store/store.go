package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"copybot/internal/domain"
)

// minPrefixLen is the shortest id prefix GetRule accepts.
const minPrefixLen = 4

// ErrAmbiguousID is returned when an id prefix matches more than one rule.
var ErrAmbiguousID = errors.New("rule id prefix is ambiguous")

// SQLiteStore implements domain.RuleStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.RuleStore = (*SQLiteStore)(nil)

// Config configures a SQLiteStore.
type Config struct {
	DBPath string
	Logger *slog.Logger
}

func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, path: cfg.DBPath, logger: logger, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// AddRule inserts rule and returns it as stored. An empty ID gets a fresh
// UUID and a zero CreatedAt is set to now.
func (s *SQLiteStore) AddRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	if rule.SourceChatID == 0 {
		return rule, fmt.Errorf("add rule: source chat id is required")
	}
	if rule.TargetChatID == 0 && rule.TargetUsername == "" {
		return rule, fmt.Errorf("add rule: target chat is required")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO copy_rules (
			id, name, source_chat_id, target_chat_id, target_username, thread_id,
			disable_notification, protect_content, disable_web_page_preview,
			enabled, created_at, expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.SourceChatID, rule.TargetChatID, rule.TargetUsername, rule.ThreadID,
		rule.DisableNotification, rule.ProtectContent, rule.DisableWebPagePreview,
		rule.Enabled, rule.CreatedAt.Unix(), unixOrNil(rule.ExpiresAt), rule.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return rule, fmt.Errorf("add rule: a rule for %d -> %s already exists", rule.SourceChatID, rule.Target())
		}
		return rule, fmt.Errorf("add rule: %w", err)
	}
	return rule, nil
}

const ruleColumns = `id, name, source_chat_id, target_chat_id, target_username, thread_id,
	disable_notification, protect_content, disable_web_page_preview,
	enabled, created_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (domain.Rule, error) {
	var (
		r         domain.Rule
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Name, &r.SourceChatID, &r.TargetChatID, &r.TargetUsername, &r.ThreadID,
		&r.DisableNotification, &r.ProtectContent, &r.DisableWebPagePreview,
		&r.Enabled, &createdAt, &expiresAt)
	if err != nil {
		return r, err
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		r.ExpiresAt = &t
	}
	return r, nil
}

// GetRule looks a rule up by full id or by a unique id prefix of at least
// four characters. The prefix is compared literally.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM copy_rules WHERE id = ?`, id))
	if err == nil {
		return &rule, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	if len(id) < minPrefixLen {
		return nil, fmt.Errorf("get rule %s: %w", id, domain.ErrRuleNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM copy_rules WHERE substr(id, 1, length(?1)) = ?1 LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	matches, err := collectRules(rows)
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("get rule %s: %w", id, domain.ErrRuleNotFound)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("get rule %s: %w", id, ErrAmbiguousID)
	}
}

func collectRules(rows *sql.Rows) ([]domain.Rule, error) {
	defer rows.Close()
	var rules []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListRules returns every stored rule, oldest first.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM copy_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules, err := collectRules(rows)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// RulesForSource returns the enabled rules for sourceChatID that have not
// expired at now.
func (s *SQLiteStore) RulesForSource(ctx context.Context, sourceChatID int64, now time.Time) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM copy_rules
		 WHERE source_chat_id = ? AND enabled = 1 AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at, id`,
		sourceChatID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("rules for source %d: %w", sourceChatID, err)
	}
	rules, err := collectRules(rows)
	if err != nil {
		return nil, fmt.Errorf("rules for source %d: %w", sourceChatID, err)
	}
	return rules, nil
}

// SourceChats returns the distinct source chat ids of enabled rules.
func (s *SQLiteStore) SourceChats(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_chat_id FROM copy_rules WHERE enabled = 1 ORDER BY source_chat_id`)
	if err != nil {
		return nil, fmt.Errorf("source chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("source chats: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM copy_rules WHERE id = ?`, rule.ID); err != nil {
		return fmt.Errorf("delete rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE copy_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().Unix(), rule.ID,
	); err != nil {
		return fmt.Errorf("update rule %s: %w", rule.ID, err)
	}
	return nil
}

// PruneExpired deletes rules whose expiry is at or before now and returns
// how many were removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM copy_rules WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune expired rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune expired rules: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned expired rules", "count", n)
	}
	return int(n), nil
}

// Stats summarises the rule table for status output.
type Stats struct {
	Total         int
	Enabled       int
	Expired       int
	Sources       int
	SchemaVersion int
	SizeBytes     int64
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(enabled), 0),
			COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT source_chat_id)
		 FROM copy_rules`, now.Unix(),
	).Scan(&st.Total, &st.Enabled, &st.Expired, &st.Sources)
	if err != nil {
		return st, fmt.Errorf("rule stats: %w", err)
	}

	if st.SchemaVersion, err = GetSchemaVersion(s.db); err != nil {
		return st, fmt.Errorf("rule stats: %w", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.SizeBytes = pageCount * pageSize
		}
	}
	return st, nil
}

// Backup writes a consistent copy of the database to dest.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup: %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
