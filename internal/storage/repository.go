package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oracle-price-feeds/internal/oracle"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSnapshotNotFound indicates no snapshot row exists for the feed.
	ErrSnapshotNotFound = errors.New("storage: snapshot not found")
)

const (
	upsertSnapshotSQL = `INSERT INTO feed_snapshots (
        query_id,
        caption,
        last_value,
        last_timestamp,
        pending,
        pending_request_id,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,NOW()
    )
    ON CONFLICT (query_id) DO UPDATE
    SET
        caption            = EXCLUDED.caption,
        last_value         = EXCLUDED.last_value,
        last_timestamp     = EXCLUDED.last_timestamp,
        pending            = EXCLUDED.pending,
        pending_request_id = EXCLUDED.pending_request_id,
        updated_at         = NOW();`

	getSnapshotSQL = `SELECT
        query_id,
        caption,
        last_value,
        last_timestamp,
        pending,
        pending_request_id,
        updated_at
    FROM feed_snapshots
    WHERE query_id = $1;`

	listSnapshotsSQL = `SELECT
        query_id,
        caption,
        last_value,
        last_timestamp,
        pending,
        pending_request_id,
        updated_at
    FROM feed_snapshots
    ORDER BY caption;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines persistence for feed public state.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap FeedSnapshot) error
	GetSnapshot(ctx context.Context, queryID common.Hash) (FeedSnapshot, error)
	ListSnapshots(ctx context.Context) ([]FeedSnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists feed snapshots in PostgreSQL.
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
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

// UpsertSnapshot persists or replaces the feed's single snapshot row.
// Values travel as decimal strings so the full uint64 range survives.
func (s *Store) UpsertSnapshot(ctx context.Context, snap FeedSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.QueryID.Hex(),
		snap.Caption,
		strconv.FormatUint(snap.LastValue, 10),
		strconv.FormatUint(snap.LastTimestamp, 10),
		snap.Pending,
		strconv.FormatUint(uint64(snap.PendingRequestID), 10),
	)
	if execErr != nil {
		return fmt.Errorf("upsert feed snapshot: %w", execErr)
	}
	return nil
}

// GetSnapshot loads the snapshot for one feed.
func (s *Store) GetSnapshot(ctx context.Context, queryID common.Hash) (FeedSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeedSnapshot{}, err
	}

	rows, queryErr := pool.Query(ctx, getSnapshotSQL, queryID.Hex())
	if queryErr != nil {
		return FeedSnapshot{}, fmt.Errorf("get feed snapshot: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return FeedSnapshot{}, rows.Err()
		}
		return FeedSnapshot{}, ErrSnapshotNotFound
	}
	return scanSnapshot(rows)
}

// ListSnapshots lists all persisted feed snapshots.
func (s *Store) ListSnapshots(ctx context.Context) ([]FeedSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list feed snapshots: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]FeedSnapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanSnapshot(rows pgx.Rows) (FeedSnapshot, error) {
	var (
		queryIDHex   string
		caption      string
		valueStr     string
		timestampStr string
		pending      bool
		requestStr   string
		updatedAt    time.Time
	)

	if err := rows.Scan(
		&queryIDHex,
		&caption,
		&valueStr,
		&timestampStr,
		&pending,
		&requestStr,
		&updatedAt,
	); err != nil {
		return FeedSnapshot{}, err
	}

	lastValue, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse last value: %w", err)
	}
	lastTimestamp, err := strconv.ParseUint(timestampStr, 10, 64)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse last timestamp: %w", err)
	}
	requestID, err := strconv.ParseUint(requestStr, 10, 64)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse pending request id: %w", err)
	}

	return FeedSnapshot{
		QueryID:          common.HexToHash(queryIDHex),
		Caption:          caption,
		LastValue:        lastValue,
		LastTimestamp:    lastTimestamp,
		Pending:          pending,
		PendingRequestID: oracle.RequestID(requestID),
		UpdatedAt:        updatedAt,
	}, nil
}

var (
	_ SnapshotStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
