// Package postgres provides a PostgreSQL implementation of the gosubs.Storage interface.
// Every invariant the manager relies on (one live subscription per user,
// unique gateway ids, optimistic versioning, bounded usage counters) is
// enforced by a constraint or a single conditional statement.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger gosubs.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending migrations in New
	AutoMigrate bool

	// Cleanup configuration. Usage counters are kept for audit unless
	// CleanupEnabled is set and UsageRetention is positive.
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	UsageRetention  time.Duration // How long counters of ended subscriptions are kept (0: forever)

	// Logger is used for migrations and cleanup (default: NoopLogger)
	Logger gosubs.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  false,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      config.Logger,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const (
	uniqueViolation = "23505"

	liveSubscriptionIndex = "subscriptions_one_live_idx"
)

func constraintViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Plans

const planColumns = `id, name, type, description, COALESCE(external_plan_id, ''), billing_cycle,
	price_amount, price_currency, quotas, features, trial, status, created_at, updated_at`

func scanPlan(row pgx.Row) (*gosubs.Plan, error) {
	var p gosubs.Plan
	var quotas, features, trial []byte
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Description, &p.ExternalPlanID, &p.BillingCycle,
		&p.Price.Amount, &p.Price.Currency, &quotas, &features, &trial, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(quotas, &p.Quotas); err != nil {
		return nil, fmt.Errorf("failed to decode plan quotas: %w", err)
	}
	if err := unmarshalJSON(features, &p.Features); err != nil {
		return nil, fmt.Errorf("failed to decode plan features: %w", err)
	}
	if err := unmarshalJSON(trial, &p.Trial); err != nil {
		return nil, fmt.Errorf("failed to decode plan trial: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

type planDocs struct {
	quotas, features, trial []byte
}

func encodePlan(p *gosubs.Plan) (planDocs, error) {
	var d planDocs
	var err error
	quotas := p.Quotas
	if quotas == nil {
		quotas = map[gosubs.ResourceType]gosubs.Quota{}
	}
	features := p.Features
	if features == nil {
		features = map[string]bool{}
	}
	if d.quotas, err = marshalJSON(quotas); err != nil {
		return d, err
	}
	if d.features, err = marshalJSON(features); err != nil {
		return d, err
	}
	if d.trial, err = marshalJSON(p.Trial); err != nil {
		return d, err
	}
	return d, nil
}

// CreatePlan implements gosubs.PlanStore
func (s *Storage) CreatePlan(ctx context.Context, plan *gosubs.Plan) error {
	docs, err := encodePlan(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, type, description, external_plan_id, billing_cycle,
				price_amount, price_currency, quotas, features, trial, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		plan.ID, plan.Name, plan.Type, plan.Description, plan.ExternalPlanID, string(plan.BillingCycle),
		plan.Price.Amount, plan.Price.Currency, docs.quotas, docs.features, docs.trial,
		string(plan.Status), plan.CreatedAt, plan.UpdatedAt,
	)
	if constraint, ok := constraintViolation(err); ok && constraint != "plans_pkey" {
		return gosubs.ErrDuplicatePlan
	}
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetPlan implements gosubs.PlanStore
func (s *Storage) GetPlan(ctx context.Context, id string) (*gosubs.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// UpdatePlan implements gosubs.PlanStore
func (s *Storage) UpdatePlan(ctx context.Context, plan *gosubs.Plan) error {
	docs, err := encodePlan(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans SET name = $2, type = $3, description = $4, price_amount = $5, price_currency = $6,
				quotas = $7, features = $8, trial = $9, status = $10, updated_at = $11
			WHERE id = $1`,
		plan.ID, plan.Name, plan.Type, plan.Description, plan.Price.Amount, plan.Price.Currency,
		docs.quotas, docs.features, docs.trial, string(plan.Status), plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gosubs.ErrPlanNotFound
	}
	return nil
}

// DeletePlan implements gosubs.PlanStore. The in-use check and the delete
// are one statement.
func (s *Storage) DeletePlan(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM plans WHERE id = $1 AND NOT EXISTS (
				SELECT 1 FROM subscriptions WHERE plan_id = $1 AND status IN ('active', 'trialing'))`,
		id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM plans WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check plan: %w", err)
	}
	if !exists {
		return gosubs.ErrPlanNotFound
	}
	return gosubs.ErrPlanInUse
}

// ListPlans implements gosubs.PlanStore
func (s *Storage) ListPlans(ctx context.Context, filter gosubs.PlanFilter) ([]*gosubs.Plan, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Cycle != "" {
		add("billing_cycle = $%d", string(filter.Cycle))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM plans`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count plans: %w", err)
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset())
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM plans%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
			planColumns, clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]*gosubs.Plan, 0, limit)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, total, nil
}

// Subscriptions

const subscriptionColumns = `id, user_id, plan_id, COALESCE(external_subscription_id, ''), external_customer_id,
	status, billing_cycle, price_amount, price_currency, trial, start_date, end_date, next_billing_date,
	features, quotas, cancellation, remote_sync_pending, metadata, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*gosubs.Subscription, error) {
	var sub gosubs.Subscription
	var trial, features, quotas, cancellation, metadata []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&sub.Status, &sub.BillingCycle, &sub.Price.Amount, &sub.Price.Currency, &trial,
		&sub.StartDate, &sub.EndDate, &sub.NextBillingDate, &features, &quotas, &cancellation,
		&sub.RemoteSyncPending, &metadata, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, doc := range []struct {
		raw []byte
		v   interface{}
	}{
		{trial, &sub.Trial},
		{features, &sub.Features},
		{quotas, &sub.Quotas},
		{cancellation, &sub.Cancellation},
		{metadata, &sub.Metadata},
	} {
		if err := unmarshalJSON(doc.raw, doc.v); err != nil {
			return nil, fmt.Errorf("failed to decode subscription %s: %w", sub.ID, err)
		}
	}
	sub.StartDate = sub.StartDate.UTC()
	sub.EndDate = sub.EndDate.UTC()
	sub.NextBillingDate = sub.NextBillingDate.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

type subscriptionDocs struct {
	trial, features, quotas, cancellation, metadata []byte
}

func encodeSubscription(sub *gosubs.Subscription) (subscriptionDocs, error) {
	var d subscriptionDocs
	var err error
	features := sub.Features
	if features == nil {
		features = map[string]bool{}
	}
	quotas := sub.Quotas
	if quotas == nil {
		quotas = map[gosubs.ResourceType]gosubs.Quota{}
	}
	if sub.Trial != nil {
		if d.trial, err = marshalJSON(sub.Trial); err != nil {
			return d, err
		}
	}
	if d.features, err = marshalJSON(features); err != nil {
		return d, err
	}
	if d.quotas, err = marshalJSON(quotas); err != nil {
		return d, err
	}
	if sub.Cancellation != nil {
		if d.cancellation, err = marshalJSON(sub.Cancellation); err != nil {
			return d, err
		}
	}
	if sub.Metadata != nil {
		if d.metadata, err = marshalJSON(sub.Metadata); err != nil {
			return d, err
		}
	}
	return d, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, subscriptionID string, entries []gosubs.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO subscription_history (subscription_id, action, from_status, to_status, detail, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
			subscriptionID, e.Action, string(e.From), string(e.To), e.Detail, e.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// CreateSubscription implements gosubs.SubscriptionStore
func (s *Storage) CreateSubscription(ctx context.Context, sub *gosubs.Subscription) error {
	docs, err := encodeSubscription(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_id, external_subscription_id, external_customer_id,
				status, billing_cycle, price_amount, price_currency, trial, start_date, end_date,
				next_billing_date, features, quotas, cancellation, remote_sync_pending, metadata,
				version, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21)`,
		sub.ID, sub.UserID, sub.PlanID, sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		string(sub.Status), string(sub.BillingCycle), sub.Price.Amount, sub.Price.Currency, docs.trial,
		sub.StartDate, sub.EndDate, sub.NextBillingDate, docs.features, docs.quotas, docs.cancellation,
		sub.RemoteSyncPending, docs.metadata, sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if constraint, ok := constraintViolation(err); ok {
		if constraint == liveSubscriptionIndex {
			return gosubs.ErrLiveSubscriptionExists
		}
		return gosubs.ErrDuplicateSubscription
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if err := insertHistory(ctx, tx, sub.ID, sub.History); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Storage) getSubscription(ctx context.Context, where string, arg string) (*gosubs.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if err := s.loadHistory(ctx, []*gosubs.Subscription{sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

// loadHistory fills the history of subs with one query.
func (s *Storage) loadHistory(ctx context.Context, subs []*gosubs.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	ids := make([]string, len(subs))
	byID := make(map[string]*gosubs.Subscription, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
		byID[sub.ID] = sub
		sub.History = []gosubs.HistoryEntry{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT subscription_id, action, from_status, to_status, detail, occurred_at
			FROM subscription_history WHERE subscription_id = ANY($1) ORDER BY id`,
		ids)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var subID string
		var e gosubs.HistoryEntry
		if err := rows.Scan(&subID, &e.Action, &e.From, &e.To, &e.Detail, &e.Timestamp); err != nil {
			return fmt.Errorf("failed to scan history: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		byID[subID].History = append(byID[subID].History, e)
	}
	return rows.Err()
}

// GetSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gosubs.Subscription, error) {
	return s.getSubscription(ctx, "id = $1", id)
}

// GetSubscriptionByExternalID implements gosubs.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*gosubs.Subscription, error) {
	return s.getSubscription(ctx, "external_subscription_id = $1", externalID)
}

// GetLiveSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetLiveSubscription(ctx context.Context, userID string) (*gosubs.Subscription, error) {
	return s.getSubscription(ctx,
		"user_id = $1 AND status IN ('trialing', 'active', 'past_due', 'paused')", userID)
}

func (s *Storage) querySubscriptions(ctx context.Context, sql string, args ...interface{}) ([]*gosubs.Subscription, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]*gosubs.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	rows.Close()

	if err := s.loadHistory(ctx, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// ListSubscriptions implements gosubs.SubscriptionStore
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*gosubs.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID)
}

// ListRemoteSyncPending implements gosubs.SubscriptionStore
func (s *Storage) ListRemoteSyncPending(ctx context.Context, limit int) ([]*gosubs.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE remote_sync_pending ORDER BY updated_at LIMIT $1`,
		limit)
}

// UpdateSubscription implements gosubs.SubscriptionStore. The version check
// is part of the UPDATE, and history rows are appended in the same transaction.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gosubs.Subscription, expectedVersion int64, appended []gosubs.HistoryEntry) error {
	docs, err := encodeSubscription(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE subscriptions SET status = $3, plan_id = $4, external_customer_id = $5, billing_cycle = $6,
				price_amount = $7, price_currency = $8, trial = $9, start_date = $10, end_date = $11,
				next_billing_date = $12, features = $13, quotas = $14, cancellation = $15,
				remote_sync_pending = $16, metadata = $17, version = $18, updated_at = $19
			WHERE id = $1 AND version = $2`,
		sub.ID, expectedVersion, string(sub.Status), sub.PlanID, sub.ExternalCustomerID,
		string(sub.BillingCycle), sub.Price.Amount, sub.Price.Currency, docs.trial,
		sub.StartDate, sub.EndDate, sub.NextBillingDate, docs.features, docs.quotas,
		docs.cancellation, sub.RemoteSyncPending, docs.metadata, sub.Version, sub.UpdatedAt,
	)
	if constraint, ok := constraintViolation(err); ok && constraint == liveSubscriptionIndex {
		return gosubs.ErrLiveSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if !exists {
			return gosubs.ErrSubscriptionNotFound
		}
		return gosubs.ErrStaleSubscription
	}

	if err := insertHistory(ctx, tx, sub.ID, appended); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Usage ledger

// InitUsage implements gosubs.UsageLedger
func (s *Storage) InitUsage(ctx context.Context, subscriptionID string, limits map[gosubs.ResourceType]float64) error {
	if len(limits) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for resource, limit := range limits {
		batch.Queue(
			`INSERT INTO usage_counters (subscription_id, resource, current, limit_amount)
				VALUES ($1, $2, 0, $3)
				ON CONFLICT (subscription_id, resource) DO NOTHING`,
			subscriptionID, string(resource), limit,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to init usage: %w", err)
	}
	return nil
}

// Reserve implements gosubs.UsageLedger. The limit check and the increment
// are one conditional UPDATE.
func (s *Storage) Reserve(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (gosubs.Reservation, error) {
	res := gosubs.Reservation{Resource: resource}
	err := s.pool.QueryRow(ctx,
		`UPDATE usage_counters SET current = current + $3, updated_at = NOW()
			WHERE subscription_id = $1 AND resource = $2
				AND (limit_amount < 0 OR current + $3 <= limit_amount)
			RETURNING current, limit_amount`,
		subscriptionID, string(resource), amount).Scan(&res.Current, &res.Limit)
	if err == nil {
		res.Allowed = true
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("failed to reserve usage: %w", err)
	}

	// Denied: report the counter as it stands. A missing counter has limit 0.
	err = s.pool.QueryRow(ctx,
		`SELECT current, limit_amount FROM usage_counters WHERE subscription_id = $1 AND resource = $2`,
		subscriptionID, string(resource)).Scan(&res.Current, &res.Limit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("failed to read usage: %w", err)
	}
	return res, nil
}

// Release implements gosubs.UsageLedger
func (s *Storage) Release(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (float64, error) {
	var current float64
	err := s.pool.QueryRow(ctx,
		`UPDATE usage_counters SET current = GREATEST(current - $3, 0), updated_at = NOW()
			WHERE subscription_id = $1 AND resource = $2
			RETURNING current`,
		subscriptionID, string(resource), amount).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release usage: %w", err)
	}
	return current, nil
}

// Usage implements gosubs.UsageLedger
func (s *Storage) Usage(ctx context.Context, subscriptionID string) (map[gosubs.ResourceType]gosubs.UsageCounter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource, current, limit_amount FROM usage_counters WHERE subscription_id = $1`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[gosubs.ResourceType]gosubs.UsageCounter)
	for rows.Next() {
		var resource string
		var counter gosubs.UsageCounter
		if err := rows.Scan(&resource, &counter.Current, &counter.Limit); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		usage[gosubs.ResourceType(resource)] = counter
	}
	return usage, rows.Err()
}

// Payments

const paymentColumns = `id, user_id, COALESCE(subscription_id, ''), external_payment_id, external_order_id,
	amount, currency, status, method, error_detail, refund_amount, refund_reason, refunded_at,
	COALESCE(receipt_number, ''), created_at, updated_at`

func scanPayment(row pgx.Row) (*gosubs.Payment, error) {
	var p gosubs.Payment
	var refundAmount int64
	var refundReason string
	var refundedAt *time.Time
	err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.ExternalPaymentID, &p.ExternalOrderID,
		&p.Amount, &p.Currency, &p.Status, &p.Method, &p.ErrorDetail, &refundAmount, &refundReason,
		&refundedAt, &p.ReceiptNumber, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if refundAmount > 0 {
		p.Refund = &gosubs.Refund{Amount: refundAmount, Reason: refundReason}
		if refundedAt != nil {
			p.Refund.RefundedAt = refundedAt.UTC()
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// InsertPayment implements gosubs.PaymentStore. Duplicate deliveries are
// absorbed by the unique external_payment_id constraint.
func (s *Storage) InsertPayment(ctx context.Context, p *gosubs.Payment) (*gosubs.Payment, bool, error) {
	var refundAmount int64
	var refundReason string
	var refundedAt *time.Time
	if p.Refund != nil {
		refundAmount = p.Refund.Amount
		refundReason = p.Refund.Reason
		refundedAt = &p.Refund.RefundedAt
	}

	stored, err := scanPayment(s.pool.QueryRow(ctx,
		`INSERT INTO payments (id, user_id, subscription_id, external_payment_id, external_order_id,
				amount, currency, status, method, error_detail, refund_amount, refund_reason, refunded_at,
				receipt_number, created_at, updated_at, refund_reported)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, $16, $11)
			ON CONFLICT (external_payment_id) DO NOTHING
			RETURNING `+paymentColumns,
		p.ID, p.UserID, p.SubscriptionID, p.ExternalPaymentID, p.ExternalOrderID,
		p.Amount, p.Currency, string(p.Status), p.Method, p.ErrorDetail, refundAmount, refundReason,
		refundedAt, p.ReceiptNumber, p.CreatedAt, p.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if _, ok := constraintViolation(err); ok {
		return nil, false, gosubs.ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}

	existing, err := s.GetPaymentByExternalID(ctx, p.ExternalPaymentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Storage) getPayment(ctx context.Context, where, arg string) (*gosubs.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// GetPayment implements gosubs.PaymentStore
func (s *Storage) GetPayment(ctx context.Context, id string) (*gosubs.Payment, error) {
	return s.getPayment(ctx, "id = $1", id)
}

// GetPaymentByExternalID implements gosubs.PaymentStore
func (s *Storage) GetPaymentByExternalID(ctx context.Context, externalID string) (*gosubs.Payment, error) {
	return s.getPayment(ctx, "external_payment_id = $1", externalID)
}

// ListPayments implements gosubs.PaymentStore
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*gosubs.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1 ORDER BY created_at, id`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*gosubs.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// UpdatePaymentStatus implements gosubs.PaymentStore
func (s *Storage) UpdatePaymentStatus(ctx context.Context, id string, from, to gosubs.PaymentStatus, errorDetail string) (*gosubs.Payment, error) {
	if !from.CanMoveTo(to) {
		return nil, gosubs.ErrPaymentStatus
	}
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`UPDATE payments SET status = $3, error_detail = COALESCE(NULLIF($4, ''), error_detail), updated_at = NOW()
			WHERE id = $1 AND status = $2
			RETURNING `+paymentColumns,
		id, string(from), string(to), errorDetail))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if _, err := s.GetPayment(ctx, id); err != nil {
		return nil, err
	}
	return nil, gosubs.ErrPaymentStatus
}

// ApplyRefund implements gosubs.PaymentStore. The payment row is locked for
// the transaction, so concurrent refunds of one payment are applied in turn,
// and the payment_refunds primary key rejects a refund id seen before.
func (s *Storage) ApplyRefund(ctx context.Context, id string, r gosubs.RefundRecord) (*gosubs.Payment, bool, error) {
	if err := r.Validate(); err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var totals gosubs.RefundTotals
	err = tx.QueryRow(ctx,
		`SELECT refund_issued, refund_reported FROM payments WHERE id = $1 FOR UPDATE`, id,
	).Scan(&totals.Issued, &totals.Reported)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, gosubs.ErrPaymentNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock payment: %w", err)
	}
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get payment: %w", err)
	}

	if r.ID != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO payment_refunds (payment_id, refund_id, amount, reason, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (payment_id, refund_id) DO NOTHING`,
			id, r.ID, r.Amount, r.Reason, r.At)
		if err != nil {
			return nil, false, fmt.Errorf("failed to record refund: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return p, false, nil
		}
	}

	next, changed, err := totals.Next(p, r)
	if err != nil {
		return nil, false, err
	}
	if changed {
		p.SetRefunded(next.Total(), r.Reason, r.At)
	}
	_, err = tx.Exec(ctx,
		`UPDATE payments SET refund_issued = $2, refund_reported = $3, refund_amount = $4,
				refund_reason = $5, refunded_at = $6, status = $7, updated_at = $8
			WHERE id = $1`,
		id, next.Issued, next.Reported, next.Total(), refundReason(p), refundedAt(p), string(p.Status), p.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return p, changed, nil
}

func refundReason(p *gosubs.Payment) string {
	if p.Refund == nil {
		return ""
	}
	return p.Refund.Reason
}

func refundedAt(p *gosubs.Payment) *time.Time {
	if p.Refund == nil {
		return nil
	}
	return &p.Refund.RefundedAt
}

// Cleanup

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("usage cleanup failed", gosubs.F("error", err.Error()))
			}
		}
	}
}

// Cleanup deletes usage counters of subscriptions that ended more than
// UsageRetention ago. It does nothing while UsageRetention is 0. Returns the
// number of deleted counters.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.UsageRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.UsageRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_counters u USING subscriptions sub
			WHERE u.subscription_id = sub.id
				AND sub.status IN ('cancelled', 'completed')
				AND sub.updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage counters: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("usage counters pruned", gosubs.F("count", n))
	}
	return tag.RowsAffected(), nil
}

var _ gosubs.Storage = (*Storage)(nil)
