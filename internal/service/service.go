package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-price-feeds/internal/config"
	"oracle-price-feeds/internal/feed"
	"oracle-price-feeds/internal/oracle"
	"oracle-price-feeds/internal/scheduler"
	"oracle-price-feeds/internal/storage"
)

// Runner binds one feed to the reward schedule its updates are paid with.
type Runner struct {
	Feed    *feed.Feed
	Rewards oracle.Rewards
}

// Service drives the request/complete cycle for every configured feed. The
// oracle network resolves requests asynchronously, so the service polls: an
// idle feed gets a new request, a pending feed is completed once the bridge
// reports the result as accepted.
type Service struct {
	scheduler *scheduler.Scheduler
	bridge    oracle.Bridge
	runners   []Runner
	store     storage.SnapshotStore
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the update service.
func New(cfg *config.Config, sched *scheduler.Scheduler, bridge oracle.Bridge, runners []Runner, store storage.SnapshotStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		bridge:    bridge,
		runners:   runners,
		store:     store,
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run restores persisted state and begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.restore(ctx); err != nil {
		return err
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// restore replays persisted snapshots into the freshly built feeds so a
// restart neither forgets the last value nor double-submits a pending request.
func (s *Service) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	for _, r := range s.runners {
		snap, err := s.store.GetSnapshot(ctx, r.Feed.QueryID())
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load snapshot for %s: %w", r.Feed.Caption(), err)
		}
		if err := r.Feed.Restore(feed.Snapshot{
			QueryID:          snap.QueryID,
			Caption:          snap.Caption,
			LastValue:        snap.LastValue,
			LastTimestamp:    snap.LastTimestamp,
			Pending:          snap.Pending,
			PendingRequestID: snap.PendingRequestID,
		}); err != nil {
			return err
		}
		s.logger.Info().Str("caption", r.Feed.Caption()).
			Bool("pending", snap.Pending).
			Msg("feed state restored")
	}
	return nil
}

// ProcessTick advances every feed one step.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	for _, r := range s.runners {
		s.step(ctx, r)
	}
	return nil
}

// step moves a single feed through its cycle. Errors never abort the tick:
// the next poll retries.
func (s *Service) step(ctx context.Context, r Runner) {
	logger := s.logger.With().Str("caption", r.Feed.Caption()).Logger()
	snap := r.Feed.Snapshot()

	if !snap.Pending {
		if err := r.Feed.RequestUpdate(ctx, r.Rewards); err != nil {
			logger.Error().Err(err).Msg("failed to request update")
			return
		}
		s.persist(ctx, r.Feed, logger)
		return
	}

	accepted, err := s.bridge.IsAccepted(ctx, snap.PendingRequestID)
	if err != nil {
		logger.Error().Err(err).Uint64("request_id", uint64(snap.PendingRequestID)).
			Msg("failed to check request status")
		return
	}
	if !accepted {
		logger.Debug().Uint64("request_id", uint64(snap.PendingRequestID)).
			Msg("request not resolved yet")
		return
	}

	if err := r.Feed.CompleteUpdate(ctx); err != nil {
		// ErrNotAccepted means we raced the bridge status; anything else is
		// logged and retried on the next poll as well.
		logger.Error().Err(err).Uint64("request_id", uint64(snap.PendingRequestID)).
			Msg("failed to complete update")
		return
	}
	s.persist(ctx, r.Feed, logger)
}

func (s *Service) persist(ctx context.Context, f *feed.Feed, logger zerolog.Logger) {
	if s.store == nil {
		return
	}

	snap := f.Snapshot()
	err := s.store.UpsertSnapshot(ctx, storage.FeedSnapshot{
		QueryID:          snap.QueryID,
		Caption:          snap.Caption,
		LastValue:        snap.LastValue,
		LastTimestamp:    snap.LastTimestamp,
		Pending:          snap.Pending,
		PendingRequestID: snap.PendingRequestID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist feed snapshot")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// RewardsFor resolves the reward schedule for a feed from configuration:
// caller mode passes the per-feed amounts through, fixed mode applies the
// bridge-wide constant to all three components.
func RewardsFor(fc config.FeedConfig, bridge config.BridgeConfig) (oracle.Rewards, error) {
	if fc.RewardMode == "fixed" {
		amt, err := parseAmount(bridge.FixedReward, "bridge.fixed_reward")
		if err != nil {
			return oracle.Rewards{}, err
		}
		return oracle.Rewards{Request: amt, Result: amt, Block: amt}, nil
	}

	request, err := parseAmount(fc.Rewards.Request, "rewards.request")
	if err != nil {
		return oracle.Rewards{}, err
	}
	result, err := parseAmount(fc.Rewards.Result, "rewards.result")
	if err != nil {
		return oracle.Rewards{}, err
	}
	block, err := parseAmount(fc.Rewards.Block, "rewards.block")
	if err != nil {
		return oracle.Rewards{}, err
	}
	return oracle.Rewards{Request: request, Result: result, Block: block}, nil
}

func parseAmount(s, field string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return amt, nil
}
