package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"price-alert-engine/internal/models"

	_ "modernc.org/sqlite"
)

const (
	sqliteRuleColumns    = `id, owner_id, symbol, operator, threshold, cooldown_ns, channels, active, version, created_at, updated_at`
	sqliteFireColumns    = `id, rule_id, rule_version, symbol, operator, threshold, value, quote_at, fired_at, dispatched_at, created_at, previous_close`
	sqliteAttemptColumns = `id, fire_id, channel_id, channel_kind, status, attempts, next_retry_at, last_error, created_at, updated_at`
)

// SQLite is the embedded single-node backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at path. ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps an in-memory database on a single connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := runSQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	return runSQLiteMigrations(ctx, s.db)
}

func (s *SQLite) UpsertRule(ctx context.Context, rule models.Rule) (models.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	channels, err := encodeChannels(rule.Channels)
	if err != nil {
		return models.Rule{}, err
	}
	now := toNanos(time.Now())

	row := s.db.QueryRowContext(ctx, `INSERT INTO rules (
			id, owner_id, symbol, operator, threshold, cooldown_ns, channels, active, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET owner_id    = excluded.owner_id,
			symbol      = excluded.symbol,
			operator    = excluded.operator,
			threshold   = excluded.threshold,
			cooldown_ns = excluded.cooldown_ns,
			channels    = excluded.channels,
			active      = excluded.active,
			version     = rules.version + 1,
			updated_at  = excluded.updated_at
		RETURNING `+sqliteRuleColumns,
		rule.ID, rule.OwnerID, rule.Symbol, string(rule.Operator), rule.Threshold.String(),
		cooldownNanos(rule.Cooldown), string(channels), rule.Active, now, now,
	)
	stored, err := scanSQLiteRule(row)
	if err != nil {
		return models.Rule{}, fmt.Errorf("upsert rule: %w", err)
	}
	return stored, nil
}

func (s *SQLite) GetRule(ctx context.Context, id string) (models.Rule, error) {
	rule, err := scanSQLiteRule(s.db.QueryRowContext(ctx, `SELECT `+sqliteRuleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (s *SQLite) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, `SELECT `+sqliteRuleColumns+` FROM rules WHERE active = 1 ORDER BY symbol, id`)
}

func (s *SQLite) ListRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, `SELECT `+sqliteRuleColumns+` FROM rules ORDER BY symbol, id`)
}

func (s *SQLite) listRules(ctx context.Context, query string) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]models.Rule, 0)
	for rows.Next() {
		rule, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *SQLite) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET active = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		active, toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) LoadState(ctx context.Context, ruleID string) (models.EvaluationState, error) {
	var (
		st            models.EvaluationState
		side          string
		observed      string
		lastQuoteAt   *int64
		lastValue     *string
		lastFiredAt   *int64
		cooldownUntil *int64
		updatedAt     int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
			rule_id, side, observed_side, last_quote_at, last_value, last_fired_at,
			cooldown_until, rule_version, version, updated_at
		FROM evaluation_states WHERE rule_id = ?`, ruleID).Scan(
		&st.RuleID, &side, &observed, &lastQuoteAt, &lastValue, &lastFiredAt,
		&cooldownUntil, &st.RuleVersion, &st.Version, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewEvaluationState(ruleID), nil
	}
	if err != nil {
		return models.EvaluationState{}, fmt.Errorf("load state: %w", err)
	}

	st.Side = models.Side(side)
	st.ObservedSide = models.Side(observed)
	st.LastQuoteAt = fromNanosPtr(lastQuoteAt)
	st.LastFiredAt = fromNanosPtr(lastFiredAt)
	st.CooldownUntil = fromNanosPtr(cooldownUntil)
	st.UpdatedAt = fromNanos(updatedAt)
	if lastValue != nil {
		v, err := parseDecimal("last value", *lastValue)
		if err != nil {
			return models.EvaluationState{}, err
		}
		st.LastValue = &v
	}
	return st, nil
}

func (s *SQLite) Commit(ctx context.Context, state models.EvaluationState, expectedVersion int64, fire *models.FireEvent) (models.EvaluationState, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EvaluationState{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `INSERT INTO evaluation_states (
				rule_id, side, observed_side, last_quote_at, last_value, last_fired_at,
				cooldown_until, rule_version, version, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (rule_id) DO NOTHING`,
			state.RuleID, string(state.Side), string(state.ObservedSide),
			toNanosPtr(state.LastQuoteAt), decimalPtrString(state.LastValue), toNanosPtr(state.LastFiredAt),
			toNanosPtr(state.CooldownUntil), state.RuleVersion, toNanos(now),
		)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE evaluation_states
			SET side = ?, observed_side = ?, last_quote_at = ?, last_value = ?, last_fired_at = ?,
				cooldown_until = ?, rule_version = ?, version = version + 1, updated_at = ?
			WHERE rule_id = ? AND version = ?`,
			string(state.Side), string(state.ObservedSide),
			toNanosPtr(state.LastQuoteAt), decimalPtrString(state.LastValue), toNanosPtr(state.LastFiredAt),
			toNanosPtr(state.CooldownUntil), state.RuleVersion, toNanos(now),
			state.RuleID, expectedVersion,
		)
	}
	if err != nil {
		return models.EvaluationState{}, fmt.Errorf("write state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.EvaluationState{}, ErrConflict
	}

	if fire != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO fire_events (`+sqliteFireColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			fire.ID, fire.RuleID, fire.RuleVersion, fire.Symbol, string(fire.Operator),
			fire.Threshold.String(), fire.Value.String(), toNanos(fire.QuoteAt), toNanos(fire.FiredAt), toNanos(now),
			decimalPtrString(fire.PreviousClose),
		); err != nil {
			return models.EvaluationState{}, fmt.Errorf("insert fire: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.EvaluationState{}, fmt.Errorf("commit tx: %w", err)
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	if fire != nil {
		fire.CreatedAt = now
	}
	return state, nil
}

func (s *SQLite) GetFire(ctx context.Context, id string) (models.FireEvent, error) {
	fire, err := scanSQLiteFire(s.db.QueryRowContext(ctx, `SELECT `+sqliteFireColumns+` FROM fire_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FireEvent{}, fmt.Errorf("fire %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.FireEvent{}, fmt.Errorf("get fire: %w", err)
	}
	return fire, nil
}

func (s *SQLite) ListUndispatchedFires(ctx context.Context, createdBefore time.Time, limit int) ([]models.FireEvent, error) {
	return s.listFires(ctx, `SELECT `+sqliteFireColumns+` FROM fire_events
		WHERE dispatched_at IS NULL AND created_at < ? ORDER BY created_at LIMIT ?`, toNanos(createdBefore), limit)
}

func (s *SQLite) ListFiresBetween(ctx context.Context, from, to time.Time) ([]models.FireEvent, error) {
	return s.listFires(ctx, `SELECT `+sqliteFireColumns+` FROM fire_events
		WHERE fired_at >= ? AND fired_at < ? ORDER BY fired_at`, toNanos(from), toNanos(to))
}

func (s *SQLite) ListRecentFires(ctx context.Context, ruleID string, limit int) ([]models.FireEvent, error) {
	return s.listFires(ctx, `SELECT `+sqliteFireColumns+` FROM fire_events
		WHERE (?1 = '' OR rule_id = ?1) ORDER BY fired_at DESC LIMIT ?2`, ruleID, limit)
}

func (s *SQLite) listFires(ctx context.Context, query string, args ...any) ([]models.FireEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fires: %w", err)
	}
	defer rows.Close()

	fires := make([]models.FireEvent, 0)
	for rows.Next() {
		fire, err := scanSQLiteFire(rows)
		if err != nil {
			return nil, err
		}
		fires = append(fires, fire)
	}
	return fires, rows.Err()
}

func (s *SQLite) MarkFireDispatched(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE fire_events SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`, toNanos(at), id); err != nil {
		return fmt.Errorf("mark fire dispatched: %w", err)
	}
	return nil
}

func (s *SQLite) EnsureAttempt(ctx context.Context, attempt models.DeliveryAttempt) (models.DeliveryAttempt, bool, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO delivery_attempts (`+sqliteAttemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fire_id, channel_id) DO NOTHING`,
		attempt.ID, attempt.FireID, attempt.ChannelID, attempt.ChannelKind, string(attempt.Status),
		attempt.Attempts, toNanos(attempt.NextRetryAt), attempt.LastError,
		toNanos(attempt.CreatedAt), toNanos(attempt.CreatedAt),
	)
	if err != nil {
		return models.DeliveryAttempt{}, false, fmt.Errorf("ensure attempt: %w", err)
	}
	n, _ := res.RowsAffected()

	stored, err := scanSQLiteAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAttemptColumns+` FROM delivery_attempts WHERE fire_id = ? AND channel_id = ?`,
		attempt.FireID, attempt.ChannelID))
	if err != nil {
		return models.DeliveryAttempt{}, false, fmt.Errorf("load attempt: %w", err)
	}
	return stored, n == 1, nil
}

func (s *SQLite) GetAttempt(ctx context.Context, id string) (models.DeliveryAttempt, error) {
	attempt, err := scanSQLiteAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAttemptColumns+` FROM delivery_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DeliveryAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return attempt, nil
}

func (s *SQLite) UpdateAttempt(ctx context.Context, attempt models.DeliveryAttempt) error {
	if attempt.UpdatedAt.IsZero() {
		attempt.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE delivery_attempts
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(attempt.Status), attempt.Attempts, toNanos(attempt.NextRetryAt), attempt.LastError,
		toNanos(attempt.UpdatedAt), attempt.ID,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ClaimDueAttempts(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE delivery_attempts
		SET next_retry_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE status IN ('pending', 'failed')
			  AND next_retry_at <= ?
			  AND attempts < ?
			ORDER BY next_retry_at
			LIMIT ?
		)
		RETURNING `+sqliteAttemptColumns,
		toNanos(now.Add(lease)), toNanos(now), toNanos(now), maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due attempts: %w", err)
	}
	defer rows.Close()
	return collectSQLiteAttempts(rows)
}

func (s *SQLite) ListAttemptsForFire(ctx context.Context, fireID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAttemptColumns+` FROM delivery_attempts
		WHERE fire_id = ? ORDER BY created_at, channel_id`, fireID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for fire: %w", err)
	}
	defer rows.Close()
	return collectSQLiteAttempts(rows)
}

func (s *SQLite) ListRecentAttempts(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAttemptColumns+` FROM delivery_attempts
		WHERE (?1 = '' OR status = ?1) ORDER BY updated_at DESC LIMIT ?2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	defer rows.Close()
	return collectSQLiteAttempts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectSQLiteAttempts(rows *sql.Rows) ([]models.DeliveryAttempt, error) {
	attempts := make([]models.DeliveryAttempt, 0)
	for rows.Next() {
		attempt, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanSQLiteRule(row rowScanner) (models.Rule, error) {
	var (
		rule       models.Rule
		operator   string
		threshold  string
		cooldownNs *int64
		channels   string
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&rule.ID, &rule.OwnerID, &rule.Symbol, &operator, &threshold, &cooldownNs,
		&channels, &rule.Active, &rule.Version, &createdAt, &updatedAt); err != nil {
		return models.Rule{}, err
	}

	var err error
	rule.Operator = models.Operator(operator)
	if rule.Threshold, err = parseDecimal("threshold", threshold); err != nil {
		return models.Rule{}, err
	}
	if rule.Channels, err = decodeChannels([]byte(channels)); err != nil {
		return models.Rule{}, err
	}
	rule.Cooldown = nanosCooldown(cooldownNs)
	rule.CreatedAt = fromNanos(createdAt)
	rule.UpdatedAt = fromNanos(updatedAt)
	return rule, nil
}

func scanSQLiteFire(row rowScanner) (models.FireEvent, error) {
	var (
		fire         models.FireEvent
		operator     string
		threshold    string
		value        string
		quoteAt      int64
		firedAt      int64
		dispatchedAt *int64
		createdAt    int64
		prevClose    *string
	)
	if err := row.Scan(&fire.ID, &fire.RuleID, &fire.RuleVersion, &fire.Symbol, &operator, &threshold,
		&value, &quoteAt, &firedAt, &dispatchedAt, &createdAt, &prevClose); err != nil {
		return models.FireEvent{}, err
	}

	var err error
	fire.Operator = models.Operator(operator)
	if fire.Threshold, err = parseDecimal("threshold", threshold); err != nil {
		return models.FireEvent{}, err
	}
	if fire.Value, err = parseDecimal("value", value); err != nil {
		return models.FireEvent{}, err
	}
	if fire.PreviousClose, err = parseDecimalPtr("previous close", prevClose); err != nil {
		return models.FireEvent{}, err
	}
	fire.QuoteAt = fromNanos(quoteAt)
	fire.FiredAt = fromNanos(firedAt)
	fire.DispatchedAt = fromNanosPtr(dispatchedAt)
	fire.CreatedAt = fromNanos(createdAt)
	return fire, nil
}

func scanSQLiteAttempt(row rowScanner) (models.DeliveryAttempt, error) {
	var (
		attempt     models.DeliveryAttempt
		status      string
		nextRetryAt int64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&attempt.ID, &attempt.FireID, &attempt.ChannelID, &attempt.ChannelKind, &status,
		&attempt.Attempts, &nextRetryAt, &attempt.LastError, &createdAt, &updatedAt); err != nil {
		return models.DeliveryAttempt{}, err
	}
	attempt.Status = models.DeliveryStatus(status)
	attempt.NextRetryAt = fromNanos(nextRetryAt)
	attempt.CreatedAt = fromNanos(createdAt)
	attempt.UpdatedAt = fromNanos(updatedAt)
	return attempt, nil
}

var _ Backend = (*SQLite)(nil)
