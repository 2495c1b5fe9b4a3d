package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrItemNotFound indicates the identifier is not tracked.
	ErrItemNotFound = errors.New("storage: tracked item not found")
)

const (
	listIdentifiersSQL = `SELECT external_id FROM products
    WHERE platform = $1
    ORDER BY id;`

	countProductsSQL = `SELECT COUNT(*) FROM products WHERE platform = $1;`

	insertProductSQL = `INSERT INTO products (platform, external_id, topic)
    VALUES ($1, $2, $3)
    ON CONFLICT (platform, external_id) DO NOTHING;`

	removeIdentifiersSQL = `DELETE FROM products
    WHERE platform = $1 AND external_id = ANY($2);`

	oldestIdentifiersSQL = `SELECT external_id FROM products
    WHERE platform = $1
    ORDER BY id
    LIMIT $2;`

	getItemSQL = `SELECT
        platform, external_id, topic, title, url,
        current_price, previous_price, old_price, current_discount,
        baseline_price, baseline_discount, baseline_set_at,
        stable_count, is_stable,
        dead_fail_count, last_dead_reason, no_image_fail_count,
        rating, in_stock, inserted_at, last_checked_at
    FROM products
    WHERE platform = $1 AND external_id = $2;`

	updateItemSQL = `UPDATE products SET
        topic             = $3,
        title             = $4,
        url               = $5,
        current_price     = $6,
        previous_price    = $7,
        old_price         = $8,
        current_discount  = $9,
        baseline_price    = $10,
        baseline_discount = $11,
        baseline_set_at   = $12,
        stable_count      = $13,
        is_stable         = $14,
        dead_fail_count   = $15,
        last_dead_reason  = $16,
        no_image_fail_count = $17,
        rating            = $18,
        in_stock          = $19,
        last_checked_at   = $20
    WHERE platform = $1 AND external_id = $2;`

	markDeadCheckSQL = `UPDATE products
    SET dead_fail_count = dead_fail_count + 1, last_dead_reason = $3
    WHERE platform = $1 AND external_id = $2
    RETURNING dead_fail_count;`

	markImageFailSQL = `UPDATE products
    SET no_image_fail_count = no_image_fail_count + 1
    WHERE platform = $1 AND external_id = $2
    RETURNING no_image_fail_count;`

	resetImageFailSQL = `UPDATE products
    SET no_image_fail_count = 0
    WHERE platform = $1 AND external_id = $2;`

	deadIdentifiersSQL = `SELECT external_id FROM products
    WHERE platform = $1
      AND (dead_fail_count >= $2 OR no_image_fail_count >= $3)
    ORDER BY id;`

	appendObservationSQL = `INSERT INTO price_history (
        platform, external_id, price, old_price, discount, rating, in_stock, checked_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listObservationsSQL = `SELECT
        platform, external_id, price, old_price, discount, rating, in_stock, checked_at
    FROM price_history
    WHERE platform = $1 AND external_id = $2
      AND checked_at >= $3 AND checked_at < $4
    ORDER BY checked_at;`

	recentObservationsSQL = `SELECT
        platform, external_id, price, old_price, discount, rating, in_stock, checked_at
    FROM price_history
    WHERE platform = $1
    ORDER BY checked_at DESC
    LIMIT $2;`

	lastRotationSQL = `SELECT last_rotation_at FROM platform_state WHERE platform = $1;`

	markRotationSQL = `INSERT INTO platform_state (platform, last_rotation_at)
    VALUES ($1, $2)
    ON CONFLICT (platform) DO UPDATE SET last_rotation_at = EXCLUDED.last_rotation_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ItemStore reads and writes per-item monitoring state.
type ItemStore interface {
	GetItem(ctx context.Context, platform, externalID string) (TrackedItem, error)
	UpdateItem(ctx context.Context, item TrackedItem) error
}

// CatalogSet manages catalog membership for a platform.
type CatalogSet interface {
	ListIdentifiers(ctx context.Context, platform string) ([]string, error)
	Count(ctx context.Context, platform string) (int, error)
	AddItems(ctx context.Context, platform string, items []NewItem) (int, error)
	RemoveIdentifiers(ctx context.Context, platform string, ids []string) (int, error)
	OldestIdentifiers(ctx context.Context, platform string, n int) ([]string, error)
	DeadIdentifiers(ctx context.Context, platform string, deadAfter, noImageAfter int) ([]string, error)
}

// DeadMarker accumulates permanent-failure signals per item.
type DeadMarker interface {
	MarkDeadCheck(ctx context.Context, platform, externalID, reason string) (int, error)
}

// ImageFailStore tracks the soft-death image counter.
type ImageFailStore interface {
	MarkImageFail(ctx context.Context, platform, externalID string) (int, error)
	ResetImageFail(ctx context.Context, platform, externalID string) error
}

// RotationStore persists per-platform rotation timestamps.
type RotationStore interface {
	LastRotation(ctx context.Context, platform string) (*time.Time, error)
	MarkRotation(ctx context.Context, platform string, at time.Time) error
}

// ObservationStore is the append-only price history.
type ObservationStore interface {
	AppendObservation(ctx context.Context, obs Observation) error
	ListObservations(ctx context.Context, platform, externalID string, from, to time.Time) ([]Observation, error)
	RecentObservations(ctx context.Context, platform string, limit int) ([]Observation, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ ItemStore        = (*Store)(nil)
	_ CatalogSet       = (*Store)(nil)
	_ DeadMarker       = (*Store)(nil)
	_ ImageFailStore   = (*Store)(nil)
	_ RotationStore    = (*Store)(nil)
	_ ObservationStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// PlatformLockKey derives a stable advisory lock key for a platform name.
func PlatformLockKey(platform string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("dealwatch:" + platform))
	return int64(h.Sum64())
}

// Store aggregates access to the catalog and observation history.
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

// ListIdentifiers returns tracked identifiers in insertion order.
func (s *Store) ListIdentifiers(ctx context.Context, platform string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanIdentifiers(pool.Query(ctx, listIdentifiersSQL, platform))
}

// Count counts tracked identifiers for a platform.
func (s *Store) Count(ctx context.Context, platform string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countProductsSQL, platform).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count products: %w", scanErr)
	}
	return count, nil
}

// AddItems inserts newly sighted identifiers, skipping ones already tracked.
func (s *Store) AddItems(ctx context.Context, platform string, items []NewItem) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	added := 0
	for _, item := range items {
		tag, execErr := pool.Exec(ctx, insertProductSQL, platform, item.ExternalID, item.Topic)
		if execErr != nil {
			return added, fmt.Errorf("insert product %s: %w", item.ExternalID, execErr)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// RemoveIdentifiers deletes tracked identifiers and reports how many went away.
func (s *Store) RemoveIdentifiers(ctx context.Context, platform string, ids []string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, execErr := pool.Exec(ctx, removeIdentifiersSQL, platform, ids)
	if execErr != nil {
		return 0, fmt.Errorf("remove identifiers: %w", execErr)
	}
	return int(tag.RowsAffected()), nil
}

// OldestIdentifiers returns the n oldest-inserted identifiers.
func (s *Store) OldestIdentifiers(ctx context.Context, platform string, n int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanIdentifiers(pool.Query(ctx, oldestIdentifiersSQL, platform, n))
}

// GetItem loads the tracked state for one identifier.
func (s *Store) GetItem(ctx context.Context, platform, externalID string) (TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedItem{}, err
	}

	row := pool.QueryRow(ctx, getItemSQL, platform, externalID)
	item, scanErr := scanTrackedItem(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TrackedItem{}, ErrItemNotFound
		}
		return TrackedItem{}, scanErr
	}
	return item, nil
}

// UpdateItem persists all mutable fields of one tracked item in a single
// statement; the identifier's update is the atomic unit.
func (s *Store) UpdateItem(ctx context.Context, item TrackedItem) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateItemSQL,
		item.Platform,
		item.ExternalID,
		item.Topic,
		item.Title,
		item.URL,
		decimalArg(item.CurrentPrice),
		decimalArg(item.PreviousPrice),
		decimalArg(item.OldPrice),
		item.CurrentDiscount,
		decimalArg(item.BaselinePrice),
		item.BaselineDiscount,
		item.BaselineSetAt,
		item.StableCount,
		item.IsStable,
		item.DeadFailCount,
		item.LastDeadReason,
		item.NoImageFailCount,
		item.Rating,
		item.InStock,
		item.LastCheckedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update item %s: %w", item.ExternalID, execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MarkDeadCheck bumps the permanent-failure counter and returns the new value.
func (s *Store) MarkDeadCheck(ctx context.Context, platform, externalID, reason string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, markDeadCheckSQL, platform, externalID, reason).Scan(&count); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, ErrItemNotFound
		}
		return 0, fmt.Errorf("mark dead check: %w", scanErr)
	}
	return count, nil
}

// MarkImageFail bumps the image-failure counter and returns the new value.
func (s *Store) MarkImageFail(ctx context.Context, platform, externalID string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, markImageFailSQL, platform, externalID).Scan(&count); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, ErrItemNotFound
		}
		return 0, fmt.Errorf("mark image fail: %w", scanErr)
	}
	return count, nil
}

// ResetImageFail clears the image-failure counter.
func (s *Store) ResetImageFail(ctx context.Context, platform, externalID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, resetImageFailSQL, platform, externalID); execErr != nil {
		return fmt.Errorf("reset image fail: %w", execErr)
	}
	return nil
}

// DeadIdentifiers lists identifiers past either eviction threshold.
func (s *Store) DeadIdentifiers(ctx context.Context, platform string, deadAfter, noImageAfter int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanIdentifiers(pool.Query(ctx, deadIdentifiersSQL, platform, deadAfter, noImageAfter))
}

// LastRotation returns when the platform's catalog was last rotated, or nil.
func (s *Store) LastRotation(ctx context.Context, platform string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastRotationSQL, platform).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last rotation: %w", scanErr)
	}
	return &at, nil
}

// MarkRotation records a completed rotation.
func (s *Store) MarkRotation(ctx context.Context, platform string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markRotationSQL, platform, at); execErr != nil {
		return fmt.Errorf("mark rotation: %w", execErr)
	}
	return nil
}

// AppendObservation persists one price-history record.
func (s *Store) AppendObservation(ctx context.Context, obs Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, appendObservationSQL,
		obs.Platform,
		obs.ExternalID,
		obs.Price.String(),
		decimalArg(obs.OldPrice),
		obs.Discount,
		obs.Rating,
		obs.InStock,
		obs.CheckedAt,
	)
	if execErr != nil {
		return fmt.Errorf("append observation: %w", execErr)
	}
	return nil
}

// ListObservations lists one identifier's history within a time window.
func (s *Store) ListObservations(ctx context.Context, platform, externalID string, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listObservationsSQL, platform, externalID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	return scanObservations(rows)
}

// RecentObservations lists the platform's most recent history records.
func (s *Store) RecentObservations(ctx context.Context, platform string, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, recentObservationsSQL, platform, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent observations: %w", queryErr)
	}
	return scanObservations(rows)
}

func scanIdentifiers(rows pgx.Rows, queryErr error) ([]string, error) {
	if queryErr != nil {
		return nil, fmt.Errorf("query identifiers: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

func scanObservations(rows pgx.Rows) ([]Observation, error) {
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		var (
			obs      Observation
			priceStr string
			oldStr   sql.NullString
		)
		if err := rows.Scan(
			&obs.Platform,
			&obs.ExternalID,
			&priceStr,
			&oldStr,
			&obs.Discount,
			&obs.Rating,
			&obs.InStock,
			&obs.CheckedAt,
		); err != nil {
			return nil, err
		}

		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		obs.Price = price

		if oldStr.Valid {
			old, convErr := decimal.NewFromString(oldStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse old price: %w", convErr)
			}
			obs.OldPrice = &old
		}

		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func scanTrackedItem(row pgx.Row) (TrackedItem, error) {
	var (
		item             TrackedItem
		currentStr       sql.NullString
		previousStr      sql.NullString
		oldStr           sql.NullString
		baselineStr      sql.NullString
		title            sql.NullString
		url              sql.NullString
		topic            sql.NullString
		lastDeadReason   sql.NullString
		baselineSetAt    sql.NullTime
		lastCheckedAt    sql.NullTime
		currentDiscount  sql.NullFloat64
		baselineDiscount sql.NullFloat64
		rating           sql.NullFloat64
		inStock          sql.NullBool
	)

	if err := row.Scan(
		&item.Platform,
		&item.ExternalID,
		&topic,
		&title,
		&url,
		&currentStr,
		&previousStr,
		&oldStr,
		&currentDiscount,
		&baselineStr,
		&baselineDiscount,
		&baselineSetAt,
		&item.StableCount,
		&item.IsStable,
		&item.DeadFailCount,
		&lastDeadReason,
		&item.NoImageFailCount,
		&rating,
		&inStock,
		&item.InsertedAt,
		&lastCheckedAt,
	); err != nil {
		return TrackedItem{}, err
	}

	item.Topic = topic.String
	item.Title = title.String
	item.URL = url.String

	var convErr error
	if item.CurrentPrice, convErr = parseNullDecimal(currentStr); convErr != nil {
		return TrackedItem{}, fmt.Errorf("parse current price: %w", convErr)
	}
	if item.PreviousPrice, convErr = parseNullDecimal(previousStr); convErr != nil {
		return TrackedItem{}, fmt.Errorf("parse previous price: %w", convErr)
	}
	if item.OldPrice, convErr = parseNullDecimal(oldStr); convErr != nil {
		return TrackedItem{}, fmt.Errorf("parse old price: %w", convErr)
	}
	if item.BaselinePrice, convErr = parseNullDecimal(baselineStr); convErr != nil {
		return TrackedItem{}, fmt.Errorf("parse baseline price: %w", convErr)
	}

	if currentDiscount.Valid {
		v := currentDiscount.Float64
		item.CurrentDiscount = &v
	}
	if baselineDiscount.Valid {
		v := baselineDiscount.Float64
		item.BaselineDiscount = &v
	}
	if baselineSetAt.Valid {
		t := baselineSetAt.Time
		item.BaselineSetAt = &t
	}
	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		item.LastCheckedAt = &t
	}
	if lastDeadReason.Valid {
		v := lastDeadReason.String
		item.LastDeadReason = &v
	}
	if rating.Valid {
		v := rating.Float64
		item.Rating = &v
	}
	if inStock.Valid {
		v := inStock.Bool
		item.InStock = &v
	}

	return item, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
