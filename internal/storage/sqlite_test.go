package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedRule(t *testing.T, db *storage.SQLite) models.Rule {
	t.Helper()
	rule, err := db.UpsertRule(context.Background(), models.Rule{
		OwnerID:   "u1",
		Symbol:    "ACME",
		Operator:  models.CrossesAbove,
		Threshold: decimal.RequireFromString("100.50"),
		Channels: []models.ChannelTarget{
			{Kind: "email", Address: "ops@example.com"},
			{ID: "tg-main", Kind: "telegram", Address: "12345"},
		},
		Active: true,
	})
	require.NoError(t, err)
	return rule
}

func TestSQLite_UpsertRule(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	rule := seedRule(t, db)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, int64(1), rule.Version)
	assert.True(t, rule.Threshold.Equal(decimal.RequireFromString("100.5")))
	assert.Nil(t, rule.Cooldown)
	require.Len(t, rule.Channels, 2)
	assert.Equal(t, "email:ops@example.com", rule.Channels[0].ID)
	assert.Equal(t, "tg-main", rule.Channels[1].ID)

	cooldown := 10 * time.Minute
	rule.Threshold = decimal.NewFromInt(120)
	rule.Cooldown = &cooldown
	updated, err := db.UpsertRule(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	require.NotNil(t, updated.Cooldown)
	assert.Equal(t, cooldown, *updated.Cooldown)

	got, err := db.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.Threshold.Equal(decimal.NewFromInt(120)))

	_, err = db.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLite_SetRuleActive(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	rule := seedRule(t, db)

	require.NoError(t, db.SetRuleActive(ctx, rule.ID, false))

	active, err := db.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := db.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	assert.Equal(t, int64(2), all[0].Version, "停用规则应递增版本")

	assert.ErrorIs(t, db.SetRuleActive(ctx, "missing", true), storage.ErrNotFound)
}

func TestSQLite_CommitCompareAndSwap(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	rule := seedRule(t, db)

	st, err := db.LoadState(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SideUnknown, st.Side)
	assert.Zero(t, st.Version)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	value := decimal.RequireFromString("99.5")
	st.Side = models.SideBelow
	st.ObservedSide = models.SideBelow
	st.LastQuoteAt = &at
	st.LastValue = &value
	st.RuleVersion = rule.Version

	committed, err := db.Commit(ctx, st, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.Version)

	// a second writer that also saw "nothing stored" must lose
	_, err = db.Commit(ctx, st, 0, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	loaded, err := db.LoadState(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SideBelow, loaded.Side)
	require.NotNil(t, loaded.LastQuoteAt)
	assert.True(t, loaded.LastQuoteAt.Equal(at))
	require.NotNil(t, loaded.LastValue)
	assert.True(t, loaded.LastValue.Equal(value))

	later := at.Add(time.Minute)
	until := later.Add(time.Hour)
	loaded.Side = models.SideAbove
	loaded.ObservedSide = models.SideAbove
	loaded.LastQuoteAt = &later
	loaded.LastFiredAt = &later
	loaded.CooldownUntil = &until
	fire := &models.FireEvent{
		ID:          "fire-1",
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Symbol:      rule.Symbol,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		Value:       decimal.RequireFromString("101"),
		QuoteAt:     later,
		FiredAt:     later,
	}

	// stale version: neither the state nor the fire may be written
	_, err = db.Commit(ctx, loaded, 7, fire)
	require.ErrorIs(t, err, storage.ErrConflict)
	_, err = db.GetFire(ctx, "fire-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	committed, err = db.Commit(ctx, loaded, 1, fire)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed.Version)

	storedFire, err := db.GetFire(ctx, "fire-1")
	require.NoError(t, err)
	assert.True(t, storedFire.Value.Equal(decimal.NewFromInt(101)))
	assert.True(t, storedFire.FiredAt.Equal(later))
	assert.Nil(t, storedFire.DispatchedAt)
}

func TestSQLite_UndispatchedFires(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	rule := seedRule(t, db)

	st := models.NewEvaluationState(rule.ID)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st.Side = models.SideAbove
	st.LastQuoteAt = &at
	prev := decimal.RequireFromString("97.35")
	fire := &models.FireEvent{ID: "f1", RuleID: rule.ID, Symbol: "ACME", Operator: rule.Operator,
		Threshold: rule.Threshold, Value: decimal.NewFromInt(101), QuoteAt: at, FiredAt: at, PreviousClose: &prev}
	_, err := db.Commit(ctx, st, 0, fire)
	require.NoError(t, err)

	pending, err := db.ListUndispatchedFires(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "f1", pending[0].ID)
	require.NotNil(t, pending[0].PreviousClose, "previous close 应随 fire 持久化")
	assert.True(t, pending[0].PreviousClose.Equal(prev))

	pending, err = db.ListUndispatchedFires(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "刚写入的 fire 不应被恢复")

	require.NoError(t, db.MarkFireDispatched(ctx, "f1", time.Now()))
	pending, err = db.ListUndispatchedFires(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	between, err := db.ListFiresBetween(ctx, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, between, 1)
}

func commitFire(t *testing.T, db *storage.SQLite, rule models.Rule, id string) models.FireEvent {
	t.Helper()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st := models.NewEvaluationState(rule.ID)
	st.Side = models.SideAbove
	st.LastQuoteAt = &at
	fire := &models.FireEvent{ID: id, RuleID: rule.ID, Symbol: rule.Symbol, Operator: rule.Operator,
		Threshold: rule.Threshold, Value: decimal.NewFromInt(101), QuoteAt: at, FiredAt: at}
	_, err := db.Commit(context.Background(), st, 0, fire)
	require.NoError(t, err)
	return *fire
}

func TestSQLite_EnsureAttemptIdempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	rule := seedRule(t, db)
	fire := commitFire(t, db, rule, "f1")
	stored, err := db.GetFire(ctx, fire.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PreviousClose)

	attempt := models.DeliveryAttempt{
		FireID:      fire.ID,
		ChannelID:   "tg-main",
		ChannelKind: "telegram",
		Status:      models.StatusPending,
		NextRetryAt: time.Now().Add(time.Minute),
	}
	first, created, err := db.EnsureAttempt(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := db.EnsureAttempt(ctx, attempt)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	attempts, err := db.ListAttemptsForFire(ctx, fire.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestSQLite_ClaimDueAttempts(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	rule := seedRule(t, db)
	fire := commitFire(t, db, rule, "f1")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ensure := func(channel string, status models.DeliveryStatus, attempts int, next time.Time) models.DeliveryAttempt {
		a, _, err := db.EnsureAttempt(ctx, models.DeliveryAttempt{
			FireID: fire.ID, ChannelID: channel, ChannelKind: "log",
			Status: status, Attempts: attempts, NextRetryAt: next,
		})
		require.NoError(t, err)
		return a
	}
	due := ensure("due", models.StatusFailed, 1, now.Add(-time.Second))
	ensure("later", models.StatusFailed, 1, now.Add(time.Minute))
	ensure("sent", models.StatusSent, 1, now.Add(-time.Minute))
	ensure("spent", models.StatusFailed, 5, now.Add(-time.Minute))

	claimed, err := db.ClaimDueAttempts(ctx, now, 2*time.Minute, 5, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.True(t, claimed[0].NextRetryAt.Equal(now.Add(2*time.Minute)), "claim should lease the attempt")

	again, err := db.ClaimDueAttempts(ctx, now, 2*time.Minute, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased attempt must not be claimed twice")

	claimed[0].Status = models.StatusSent
	claimed[0].Attempts = 2
	require.NoError(t, db.UpdateAttempt(ctx, claimed[0]))
	got, err := db.GetAttempt(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestSQLite_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	db, err := storage.NewSQLite(ctx, path)
	require.NoError(t, err)
	rule := seedRule(t, db)
	commitFire(t, db, rule, "f1")
	db.Close()

	reopened, err := storage.NewSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	st, err := reopened.LoadState(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SideAbove, st.Side)
	assert.Equal(t, int64(1), st.Version)

	_, err = reopened.GetFire(ctx, "f1")
	require.NoError(t, err)
}

func TestSQLite_InMemory(t *testing.T) {
	db, err := storage.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(context.Background()))
	seedRule(t, db)
}

func TestSQLite_ListRecentFiltersBeforeLimit(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	acme := seedRule(t, db)
	other, err := db.UpsertRule(ctx, models.Rule{
		OwnerID: "u2", Symbol: "MSFT", Operator: models.CrossesBelow,
		Threshold: decimal.NewFromInt(300),
		Channels:  []models.ChannelTarget{{Kind: "email", Address: "u2@example.com"}},
		Active:    true,
	})
	require.NoError(t, err)
	fire := commitFire(t, db, acme, "f-acme")
	commitFire(t, db, other, "f-other")

	fires, err := db.ListRecentFires(ctx, acme.ID, 1)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	assert.Equal(t, "f-acme", fires[0].ID)

	fires, err = db.ListRecentFires(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, fires, 2)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	exhausted, _, err := db.EnsureAttempt(ctx, models.DeliveryAttempt{
		FireID: fire.ID, ChannelID: "old", ChannelKind: "telegram", Status: models.StatusPending,
		NextRetryAt: base, CreatedAt: base,
	})
	require.NoError(t, err)
	exhausted.Status = models.StatusExhausted
	exhausted.UpdatedAt = base
	require.NoError(t, db.UpdateAttempt(ctx, exhausted))

	for i := 1; i <= 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		_, _, err := db.EnsureAttempt(ctx, models.DeliveryAttempt{
			FireID: fire.ID, ChannelID: "sent-" + string(rune('0'+i)), ChannelKind: "email",
			Status: models.StatusSent, Attempts: 1, NextRetryAt: at, CreatedAt: at,
		})
		require.NoError(t, err)
	}

	newest, err := db.ListRecentAttempts(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	for _, a := range newest {
		assert.Equal(t, models.StatusSent, a.Status)
	}

	got, err := db.ListRecentAttempts(ctx, models.StatusExhausted, 3)
	require.NoError(t, err)
	require.Len(t, got, 1, "exhausted attempt older than the limit window is still found")
	assert.Equal(t, "old", got[0].ChannelID)
}
