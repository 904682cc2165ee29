package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"price-alert-engine/internal/models"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional state write lost a race.
	ErrConflict = errors.New("storage: version conflict")
)

// RuleStore reads and administers alert rules.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]models.Rule, error)
	ListRules(ctx context.Context) ([]models.Rule, error)
	GetRule(ctx context.Context, id string) (models.Rule, error)
	UpsertRule(ctx context.Context, rule models.Rule) (models.Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
}

// StateStore owns per-rule evaluation state.
type StateStore interface {
	// LoadState returns a fresh unknown state when the rule was never evaluated.
	LoadState(ctx context.Context, ruleID string) (models.EvaluationState, error)
	// Commit writes state and the optional fire in one transaction, provided the
	// stored version still equals expectedVersion. It returns ErrConflict otherwise.
	Commit(ctx context.Context, state models.EvaluationState, expectedVersion int64, fire *models.FireEvent) (models.EvaluationState, error)
}

// FireStore exposes fire history.
type FireStore interface {
	GetFire(ctx context.Context, id string) (models.FireEvent, error)
	ListUndispatchedFires(ctx context.Context, createdBefore time.Time, limit int) ([]models.FireEvent, error)
	MarkFireDispatched(ctx context.Context, id string, at time.Time) error
	ListFiresBetween(ctx context.Context, from, to time.Time) ([]models.FireEvent, error)
	// ListRecentFires returns the newest fires; a non-empty ruleID narrows them to one rule.
	ListRecentFires(ctx context.Context, ruleID string, limit int) ([]models.FireEvent, error)
}

// DeliveryStore owns delivery attempts.
type DeliveryStore interface {
	// EnsureAttempt inserts the attempt unless one exists for (fire id, channel id),
	// in which case the stored attempt is returned and created is false.
	EnsureAttempt(ctx context.Context, attempt models.DeliveryAttempt) (stored models.DeliveryAttempt, created bool, err error)
	GetAttempt(ctx context.Context, id string) (models.DeliveryAttempt, error)
	UpdateAttempt(ctx context.Context, attempt models.DeliveryAttempt) error
	// ClaimDueAttempts leases due, non-terminal attempts by moving next_retry_at to now+lease.
	ClaimDueAttempts(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.DeliveryAttempt, error)
	ListAttemptsForFire(ctx context.Context, fireID string) ([]models.DeliveryAttempt, error)
	// ListRecentAttempts returns the most recently updated attempts; an empty status means any.
	ListRecentAttempts(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.DeliveryAttempt, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	RuleStore
	StateStore
	FireStore
	DeliveryStore
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}

const (
	ruleColumns = `id, owner_id, symbol, operator, threshold::text, cooldown_ns, channels, active, version, created_at, updated_at`

	upsertRuleSQL = `INSERT INTO rules (
        id, owner_id, symbol, operator, threshold, cooldown_ns, channels, active, version, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,1,now(),now()
    )
    ON CONFLICT (id) DO UPDATE
    SET owner_id    = EXCLUDED.owner_id,
        symbol      = EXCLUDED.symbol,
        operator    = EXCLUDED.operator,
        threshold   = EXCLUDED.threshold,
        cooldown_ns = EXCLUDED.cooldown_ns,
        channels    = EXCLUDED.channels,
        active      = EXCLUDED.active,
        version     = rules.version + 1,
        updated_at  = now()
    RETURNING ` + ruleColumns + `;`

	getRuleSQL         = `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1;`
	listRulesSQL       = `SELECT ` + ruleColumns + ` FROM rules ORDER BY symbol, id;`
	listActiveRulesSQL = `SELECT ` + ruleColumns + ` FROM rules WHERE active ORDER BY symbol, id;`
	setRuleActiveSQL   = `UPDATE rules SET active = $2, version = version + 1, updated_at = now() WHERE id = $1;`

	loadStateSQL = `SELECT
        rule_id, side, observed_side, last_quote_at, last_value::text, last_fired_at,
        cooldown_until, rule_version, version, updated_at
    FROM evaluation_states
    WHERE rule_id = $1;`

	insertStateSQL = `INSERT INTO evaluation_states (
        rule_id, side, observed_side, last_quote_at, last_value, last_fired_at,
        cooldown_until, rule_version, version, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,1,$9
    )
    ON CONFLICT (rule_id) DO NOTHING;`

	updateStateSQL = `UPDATE evaluation_states
    SET side           = $2,
        observed_side  = $3,
        last_quote_at  = $4,
        last_value     = $5,
        last_fired_at  = $6,
        cooldown_until = $7,
        rule_version   = $8,
        version        = version + 1,
        updated_at     = $9
    WHERE rule_id = $1
      AND version = $10;`

	fireColumns = `id, rule_id, rule_version, symbol, operator, threshold::text, value::text, quote_at, fired_at, dispatched_at, created_at, previous_close::text`

	insertFireSQL = `INSERT INTO fire_events (
        id, rule_id, rule_version, symbol, operator, threshold, value, quote_at, fired_at, created_at, previous_close
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	getFireSQL              = `SELECT ` + fireColumns + ` FROM fire_events WHERE id = $1;`
	listUndispatchedFireSQL = `SELECT ` + fireColumns + ` FROM fire_events WHERE dispatched_at IS NULL AND created_at < $1 ORDER BY created_at LIMIT $2;`
	markFireDispatchedSQL   = `UPDATE fire_events SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL;`
	listFiresBetweenSQL     = `SELECT ` + fireColumns + ` FROM fire_events WHERE fired_at >= $1 AND fired_at < $2 ORDER BY fired_at;`
	listRecentFiresSQL      = `SELECT ` + fireColumns + ` FROM fire_events
        WHERE ($1::text = '' OR rule_id = $1) ORDER BY fired_at DESC LIMIT $2;`

	attemptColumns = `id, fire_id, channel_id, channel_kind, status, attempts, next_retry_at, last_error, created_at, updated_at`

	ensureAttemptSQL = `INSERT INTO delivery_attempts (
        id, fire_id, channel_id, channel_kind, status, attempts, next_retry_at, last_error, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$9
    )
    ON CONFLICT (fire_id, channel_id) DO NOTHING;`

	getAttemptByKeySQL = `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE fire_id = $1 AND channel_id = $2;`
	getAttemptSQL      = `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE id = $1;`

	updateAttemptSQL = `UPDATE delivery_attempts
    SET status        = $2,
        attempts      = $3,
        next_retry_at = $4,
        last_error    = $5,
        updated_at    = $6
    WHERE id = $1;`

	claimDueAttemptsSQL = `WITH due AS (
        SELECT id
        FROM delivery_attempts
        WHERE status IN ('pending', 'failed')
          AND next_retry_at <= $1
          AND attempts < $2
        ORDER BY next_retry_at
        LIMIT $3
        FOR UPDATE SKIP LOCKED
    )
    UPDATE delivery_attempts d
    SET next_retry_at = $4,
        updated_at    = $1
    FROM due
    WHERE d.id = due.id
    RETURNING d.id, d.fire_id, d.channel_id, d.channel_kind, d.status, d.attempts,
              d.next_retry_at, d.last_error, d.created_at, d.updated_at;`

	listAttemptsForFireSQL = `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE fire_id = $1 ORDER BY created_at, channel_id;`
	listRecentAttemptsSQL  = `SELECT ` + attemptColumns + ` FROM delivery_attempts
        WHERE ($1::text = '' OR status = $1) ORDER BY updated_at DESC LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	return fn(tx)
}

// UpsertRule inserts a rule or updates it, bumping its version.
func (s *Store) UpsertRule(ctx context.Context, rule models.Rule) (models.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	channels, err := encodeChannels(rule.Channels)
	if err != nil {
		return models.Rule{}, err
	}

	row := pool.QueryRow(ctx, upsertRuleSQL,
		rule.ID,
		rule.OwnerID,
		rule.Symbol,
		string(rule.Operator),
		rule.Threshold.String(),
		cooldownNanos(rule.Cooldown),
		channels,
		rule.Active,
	)
	stored, err := scanRule(row)
	if err != nil {
		return models.Rule{}, fmt.Errorf("upsert rule: %w", err)
	}
	return stored, nil
}

// GetRule loads a rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (models.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Rule{}, err
	}
	rule, err := scanRule(pool.QueryRow(ctx, getRuleSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListActiveRules lists rules eligible for evaluation.
func (s *Store) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, listActiveRulesSQL)
}

// ListRules lists every rule.
func (s *Store) ListRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, listRulesSQL)
}

func (s *Store) listRules(ctx context.Context, query string) ([]models.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]models.Rule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// SetRuleActive toggles a rule; the version bump re-baselines its evaluation state.
func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setRuleActiveSQL, id, active)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// LoadState loads evaluation state for a rule.
func (s *Store) LoadState(ctx context.Context, ruleID string) (models.EvaluationState, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.EvaluationState{}, err
	}

	var (
		st        models.EvaluationState
		side      string
		observed  string
		lastValue *string
	)
	err = pool.QueryRow(ctx, loadStateSQL, ruleID).Scan(
		&st.RuleID,
		&side,
		&observed,
		&st.LastQuoteAt,
		&lastValue,
		&st.LastFiredAt,
		&st.CooldownUntil,
		&st.RuleVersion,
		&st.Version,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewEvaluationState(ruleID), nil
	}
	if err != nil {
		return models.EvaluationState{}, fmt.Errorf("load state: %w", err)
	}

	st.Side = models.Side(side)
	st.ObservedSide = models.Side(observed)
	st.LastQuoteAt = utcPtr(st.LastQuoteAt)
	st.LastFiredAt = utcPtr(st.LastFiredAt)
	st.CooldownUntil = utcPtr(st.CooldownUntil)
	if lastValue != nil {
		v, convErr := parseDecimal("last value", *lastValue)
		if convErr != nil {
			return models.EvaluationState{}, convErr
		}
		st.LastValue = &v
	}
	return st, nil
}

// Commit persists state and an optional fire atomically under a version check.
func (s *Store) Commit(ctx context.Context, state models.EvaluationState, expectedVersion int64, fire *models.FireEvent) (models.EvaluationState, error) {
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if expectedVersion == 0 {
			tag, err = tx.Exec(ctx, insertStateSQL,
				state.RuleID,
				string(state.Side),
				string(state.ObservedSide),
				state.LastQuoteAt,
				decimalPtrString(state.LastValue),
				state.LastFiredAt,
				state.CooldownUntil,
				state.RuleVersion,
				now,
			)
		} else {
			tag, err = tx.Exec(ctx, updateStateSQL,
				state.RuleID,
				string(state.Side),
				string(state.ObservedSide),
				state.LastQuoteAt,
				decimalPtrString(state.LastValue),
				state.LastFiredAt,
				state.CooldownUntil,
				state.RuleVersion,
				now,
				expectedVersion,
			)
		}
		if err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		if fire != nil {
			if _, err := tx.Exec(ctx, insertFireSQL,
				fire.ID,
				fire.RuleID,
				fire.RuleVersion,
				fire.Symbol,
				string(fire.Operator),
				fire.Threshold.String(),
				fire.Value.String(),
				fire.QuoteAt,
				fire.FiredAt,
				now,
				decimalPtrString(fire.PreviousClose),
			); err != nil {
				return fmt.Errorf("insert fire: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.EvaluationState{}, err
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	if fire != nil {
		fire.CreatedAt = now
	}
	return state, nil
}

// GetFire loads a fire event.
func (s *Store) GetFire(ctx context.Context, id string) (models.FireEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.FireEvent{}, err
	}
	fire, err := scanFire(pool.QueryRow(ctx, getFireSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FireEvent{}, fmt.Errorf("fire %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.FireEvent{}, fmt.Errorf("get fire: %w", err)
	}
	return fire, nil
}

// ListUndispatchedFires lists committed fires whose fan-out never completed.
func (s *Store) ListUndispatchedFires(ctx context.Context, createdBefore time.Time, limit int) ([]models.FireEvent, error) {
	return s.listFires(ctx, listUndispatchedFireSQL, createdBefore, limit)
}

// ListFiresBetween lists fires within a time window.
func (s *Store) ListFiresBetween(ctx context.Context, from, to time.Time) ([]models.FireEvent, error) {
	return s.listFires(ctx, listFiresBetweenSQL, from, to)
}

// ListRecentFires lists the most recent fires, optionally for one rule.
func (s *Store) ListRecentFires(ctx context.Context, ruleID string, limit int) ([]models.FireEvent, error) {
	return s.listFires(ctx, listRecentFiresSQL, ruleID, limit)
}

func (s *Store) listFires(ctx context.Context, query string, args ...any) ([]models.FireEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fires: %w", err)
	}
	defer rows.Close()

	fires := make([]models.FireEvent, 0)
	for rows.Next() {
		fire, scanErr := scanFire(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		fires = append(fires, fire)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return fires, nil
}

// MarkFireDispatched records completion of the initial fan-out.
func (s *Store) MarkFireDispatched(ctx context.Context, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, markFireDispatchedSQL, id, at.UTC()); err != nil {
		return fmt.Errorf("mark fire dispatched: %w", err)
	}
	return nil
}

// EnsureAttempt creates the attempt for (fire id, channel id) unless it already exists.
func (s *Store) EnsureAttempt(ctx context.Context, attempt models.DeliveryAttempt) (models.DeliveryAttempt, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.DeliveryAttempt{}, false, err
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	tag, err := pool.Exec(ctx, ensureAttemptSQL,
		attempt.ID,
		attempt.FireID,
		attempt.ChannelID,
		attempt.ChannelKind,
		string(attempt.Status),
		attempt.Attempts,
		attempt.NextRetryAt.UTC(),
		attempt.LastError,
		attempt.CreatedAt.UTC(),
	)
	if err != nil {
		return models.DeliveryAttempt{}, false, fmt.Errorf("ensure attempt: %w", err)
	}

	stored, err := scanAttempt(pool.QueryRow(ctx, getAttemptByKeySQL, attempt.FireID, attempt.ChannelID))
	if err != nil {
		return models.DeliveryAttempt{}, false, fmt.Errorf("load attempt: %w", err)
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetAttempt loads an attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id string) (models.DeliveryAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.DeliveryAttempt{}, err
	}
	attempt, err := scanAttempt(pool.QueryRow(ctx, getAttemptSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DeliveryAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return attempt, nil
}

// UpdateAttempt persists the mutable fields of an attempt.
func (s *Store) UpdateAttempt(ctx context.Context, attempt models.DeliveryAttempt) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if attempt.UpdatedAt.IsZero() {
		attempt.UpdatedAt = time.Now().UTC()
	}
	tag, err := pool.Exec(ctx, updateAttemptSQL,
		attempt.ID,
		string(attempt.Status),
		attempt.Attempts,
		attempt.NextRetryAt.UTC(),
		attempt.LastError,
		attempt.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrNotFound)
	}
	return nil
}

// ClaimDueAttempts leases due attempts; SKIP LOCKED keeps concurrent claimers disjoint.
func (s *Store) ClaimDueAttempts(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.DeliveryAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	rows, err := pool.Query(ctx, claimDueAttemptsSQL, now, maxAttempts, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// ListAttemptsForFire lists every channel attempt of a fire.
func (s *Store) ListAttemptsForFire(ctx context.Context, fireID string) ([]models.DeliveryAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAttemptsForFireSQL, fireID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for fire: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListRecentAttempts lists the most recently updated attempts, optionally in one status.
func (s *Store) ListRecentAttempts(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.DeliveryAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAttemptsSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]models.DeliveryAttempt, error) {
	attempts := make([]models.DeliveryAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

func scanRule(row pgx.Row) (models.Rule, error) {
	var (
		rule       models.Rule
		operator   string
		threshold  string
		cooldownNs *int64
		channels   []byte
	)
	if err := row.Scan(
		&rule.ID,
		&rule.OwnerID,
		&rule.Symbol,
		&operator,
		&threshold,
		&cooldownNs,
		&channels,
		&rule.Active,
		&rule.Version,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return models.Rule{}, err
	}

	var err error
	rule.Operator = models.Operator(operator)
	if rule.Threshold, err = parseDecimal("threshold", threshold); err != nil {
		return models.Rule{}, err
	}
	if rule.Channels, err = decodeChannels(channels); err != nil {
		return models.Rule{}, err
	}
	rule.Cooldown = nanosCooldown(cooldownNs)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, nil
}

func scanFire(row pgx.Row) (models.FireEvent, error) {
	var (
		fire      models.FireEvent
		operator  string
		threshold string
		value     string
		prevClose *string
	)
	if err := row.Scan(
		&fire.ID,
		&fire.RuleID,
		&fire.RuleVersion,
		&fire.Symbol,
		&operator,
		&threshold,
		&value,
		&fire.QuoteAt,
		&fire.FiredAt,
		&fire.DispatchedAt,
		&fire.CreatedAt,
		&prevClose,
	); err != nil {
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
	fire.QuoteAt = fire.QuoteAt.UTC()
	fire.FiredAt = fire.FiredAt.UTC()
	fire.CreatedAt = fire.CreatedAt.UTC()
	fire.DispatchedAt = utcPtr(fire.DispatchedAt)
	return fire, nil
}

func scanAttempt(row pgx.Row) (models.DeliveryAttempt, error) {
	var (
		attempt models.DeliveryAttempt
		status  string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.FireID,
		&attempt.ChannelID,
		&attempt.ChannelKind,
		&status,
		&attempt.Attempts,
		&attempt.NextRetryAt,
		&attempt.LastError,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	); err != nil {
		return models.DeliveryAttempt{}, err
	}
	attempt.Status = models.DeliveryStatus(status)
	attempt.NextRetryAt = attempt.NextRetryAt.UTC()
	attempt.CreatedAt = attempt.CreatedAt.UTC()
	attempt.UpdatedAt = attempt.UpdatedAt.UTC()
	return attempt, nil
}

var _ Backend = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
