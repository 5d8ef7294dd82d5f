package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"onepass/internal/dedup"
	"onepass/internal/ledger"
	"onepass/internal/money"
	"onepass/pkg/logger"
)

// Custom errors for batch and trade admission
var (
	ErrDuplicateBatch = errors.New("batchPayId already exist")
	ErrDuplicateTrade = errors.New("duplicate trade request")
)

// Discoverer drains one user's upstream balance. The discovery engine is
// the production implementation.
type Discoverer interface {
	Discover(ctx context.Context, uid int64) int64
}

// Finisher delivers the batch finish notification to the upstream.
type Finisher interface {
	BatchPayFinish(ctx context.Context, batchID string) error
}

// Options tunes the finish-notification retry loop.
type Options struct {
	// FinishTimeout is the per-attempt local timeout. Default 600ms.
	FinishTimeout time.Duration
	// FinishInterval is the pause between failed attempts. Default 100ms.
	FinishInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.FinishTimeout == 0 {
		o.FinishTimeout = 600 * time.Millisecond
	}
	if o.FinishInterval == 0 {
		o.FinishInterval = 100 * time.Millisecond
	}
	return o
}

// UserAmount is one row of a balance query.
type UserAmount struct {
	Uid    int64
	Amount decimal.Decimal
}

// Service composes admission, discovery, the ledger and the finish
// notification into the batch lifecycle, and applies trades and balance
// queries against the ledger.
type Service struct {
	ids      dedup.Store
	ledger   *ledger.Ledger
	engine   Discoverer
	upstream Finisher
	opts     Options

	running sync.WaitGroup
}

// NewService creates a batch service instance.
func NewService(ids dedup.Store, l *ledger.Ledger, engine Discoverer, up Finisher, opts Options) *Service {
	return &Service{
		ids:      ids,
		ledger:   l,
		engine:   engine,
		upstream: up,
		opts:     opts.withDefaults(),
	}
}

// StartBatch admits batchID and, on first sight, launches the batch on a
// detached task. The admission decision is synchronous so the HTTP layer
// can answer immediately; discovery and the finish notification run in the
// background and are not cancelled by the request context. A duplicate id
// is rejected with ErrDuplicateBatch and no work starts.
func (s *Service) StartBatch(ctx context.Context, batchID string, uids []int64) error {
	admitted, err := s.ids.AdmitBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("batch admission failed: %w", err)
	}
	if !admitted {
		return ErrDuplicateBatch
	}

	logger.Info("batch admitted",
		zap.String("batch_id", batchID),
		zap.Int("users", len(uids)),
	)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.runBatch(context.Background(), batchID, uids)
	}()

	return nil
}

// runBatch fans discovery out over all users, credits each result, then
// notifies the upstream. Discovery across users is fully independent and
// unordered.
func (s *Service) runBatch(ctx context.Context, batchID string, uids []int64) {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, uid := range uids {
		uid := uid
		g.Go(func() error {
			amount := s.engine.Discover(gctx, uid)
			s.ledger.Credit(uid, amount)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("batch discovery finished",
		zap.String("batch_id", batchID),
		zap.Int("users", len(uids)),
		zap.Duration("elapsed", time.Since(start)),
	)

	s.notifyFinish(ctx, batchID)
}

// notifyFinish retries batchPayFinish until the upstream acknowledges with
// HTTP 200. Each attempt gets its own local timeout; everything else —
// non-200 status, transport failure, timeout — is retried indefinitely.
func (s *Service) notifyFinish(ctx context.Context, batchID string) {
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.FinishTimeout)
		defer cancel()
		return s.upstream.BatchPayFinish(attemptCtx, batchID)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(s.opts.FinishInterval), ctx))
	if err != nil {
		// Only possible when ctx is cancelled; StartBatch passes a context
		// that never is.
		logger.Warn("finish notification abandoned",
			zap.String("batch_id", batchID),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}

	logger.Info("finish notification acknowledged",
		zap.String("batch_id", batchID),
		zap.Int("attempts", attempt),
	)
}

// Trade applies a direct transfer between two ledger accounts. requestID
// is the idempotency key; admission precedes the transfer, so a rejected
// transfer still consumes the id.
func (s *Service) Trade(ctx context.Context, requestID string, sourceUID, targetUID int64, amount decimal.Decimal) error {
	admitted, err := s.ids.AdmitTrade(ctx, requestID)
	if err != nil {
		return fmt.Errorf("trade admission failed: %w", err)
	}
	if !admitted {
		return ErrDuplicateTrade
	}

	cents := money.ToCents(amount)
	if err := s.ledger.Transfer(sourceUID, targetUID, cents); err != nil {
		return err
	}

	logger.Info("trade applied",
		zap.String("request_id", requestID),
		zap.Int64("source_uid", sourceUID),
		zap.Int64("target_uid", targetUID),
		zap.Int64("amount_cents", cents),
	)
	return nil
}

// QueryAmounts reads current balances for the given uids. Accounts the
// ledger has never seen report a zero amount.
func (s *Service) QueryAmounts(uids []int64) []UserAmount {
	out := make([]UserAmount, 0, len(uids))
	for _, uid := range uids {
		cents, err := s.ledger.Balance(uid)
		if err != nil {
			cents = 0
		}
		out = append(out, UserAmount{Uid: uid, Amount: money.FromCents(cents)})
	}
	return out
}

// Wait blocks until every batch launched so far has completed its finish
// notification. Intended for tests and orderly shutdown.
func (s *Service) Wait() {
	s.running.Wait()
}
