package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"onepass/internal/upstream"
	"onepass/pkg/logger"
)

// Prober issues one probe-and-consume RPC against the upstream.
// *upstream.Client is the production implementation.
type Prober interface {
	GetPay(ctx context.Context, uid, amountCents int64, corrID string) upstream.Outcome
}

// Options tunes a discovery engine. Zero values select the defaults.
type Options struct {
	// TopAmount is the starting denomination in cents. Default 1_000_000.
	TopAmount int64
	// TopParallel is the worker budget for the first, large-denomination
	// pass. Default 500, floor 30.
	TopParallel int
	// HalvedParallel is the worker budget for every halved denomination.
	// After an exhaustive pass a halved denomination holds at most one
	// leftover unit, or two where halving an odd denomination truncated;
	// each worker loops until the denomination is exhausted, so the second
	// worker only buys resilience. Default 2.
	HalvedParallel int
	// MaxInflight bounds concurrent probes against the upstream across the
	// whole engine. Default 100.
	MaxInflight int64
	// RequestTimeout is the per-attempt local timeout, covering permit
	// acquisition plus the RPC round-trip.
	RequestTimeout time.Duration
	// RampDelay staggers workers 2 through 29 of a large pass so the launch
	// burst stays under the upstream's probe concurrency. Default 10ms.
	RampDelay time.Duration
	// KeepConsumedOnNotFound keeps the accumulated amount when a 404
	// arrives mid-loop instead of discarding it. The upstream protocol
	// treats a 404 as "the account never existed", so the default false
	// matches the provider contract.
	KeepConsumedOnNotFound bool
}

func (o Options) withDefaults() Options {
	if o.TopAmount == 0 {
		o.TopAmount = 1_000_000
	}
	if o.TopParallel == 0 {
		o.TopParallel = 500
	}
	if o.TopParallel < 30 {
		o.TopParallel = 30
	}
	if o.HalvedParallel == 0 {
		o.HalvedParallel = 2
	}
	if o.MaxInflight == 0 {
		o.MaxInflight = 100
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = time.Second
	}
	if o.RampDelay == 0 {
		o.RampDelay = 10 * time.Millisecond
	}
	return o
}

// Engine reconstructs upstream balances through probe-and-consume alone.
// The upstream exposes no balance query, so the engine drains a user by
// probing a halving schedule of denominations and summing what it managed
// to consume.
type Engine struct {
	prober   Prober
	opts     Options
	inflight *semaphore.Weighted
}

// NewEngine creates a discovery engine over the given prober.
func NewEngine(prober Prober, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		prober:   prober,
		opts:     opts,
		inflight: semaphore.NewWeighted(opts.MaxInflight),
	}
}

// Discover drains uid's full upstream balance and returns it in cents.
// One wide pass at the top denomination takes the bulk; each halved
// denomination afterwards picks up the residual left below the previous
// one, down to a single cent.
func (e *Engine) Discover(ctx context.Context, uid int64) int64 {
	total := e.extractAt(ctx, uid, e.opts.TopAmount, e.opts.TopParallel)
	for amount := e.opts.TopAmount / 2; amount >= 1; amount /= 2 {
		total += e.extractAt(ctx, uid, amount, e.opts.HalvedParallel)
	}

	logger.Info("discovery complete",
		zap.Int64("uid", uid),
		zap.Int64("total_cents", total),
	)
	return total
}

// extractAt drains as many units of amount as the upstream will give,
// using up to parallel concurrent probe loops. Only the sum matters, so
// workers feed an atomic accumulator instead of a result channel.
// Launching stops early once any worker has already terminated: a finished
// worker means the denomination is exhausted.
func (e *Engine) extractAt(ctx context.Context, uid, amount int64, parallel int) int64 {
	var total atomic.Int64
	var done atomic.Bool
	var wg sync.WaitGroup

	for i := 1; i <= parallel; i++ {
		if done.Load() {
			break
		}
		if parallel > 2 && i != 1 && i < 30 {
			time.Sleep(e.opts.RampDelay)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(e.singleProbe(ctx, uid, amount))
			done.Store(true)
		}()
	}
	wg.Wait()

	return total.Load()
}

// singleProbe consumes units of amount one at a time until the upstream
// reports the denomination exhausted. The correlation id is the
// failure-model-sensitive part: it rotates only after a definite Consumed.
// Every unknown outcome (gateway timeout, transport error, local timeout,
// stray business code) retries under the same id so the upstream can
// recognize the retry as the same logical probe and dedupe the debit.
func (e *Engine) singleProbe(ctx context.Context, uid, amount int64) int64 {
	var acc int64
	corrID := uuid.New().String()

	for {
		outcome := e.probeOnce(ctx, uid, amount, corrID)

		switch outcome.Kind {
		case upstream.Consumed:
			acc += outcome.Amount
			corrID = uuid.New().String()
		case upstream.Insufficient:
			// Whatever was consumed before stands; the residual is picked
			// up by smaller denominations.
			return acc
		case upstream.NotFound:
			if e.opts.KeepConsumedOnNotFound {
				return acc
			}
			return 0
		default:
			// BusinessOther, GatewayTimeout, TransportError and local
			// timeouts: outcome unknown, retry with the same corrID.
		}

		if ctx.Err() != nil {
			return acc
		}
	}
}

// probeOnce runs one attempt under the per-attempt timeout. The timeout
// window covers waiting for an in-flight permit as well as the RPC itself;
// the permit is released on every outcome, timeouts included.
func (e *Engine) probeOnce(ctx context.Context, uid, amount int64, corrID string) upstream.Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	if err := e.inflight.Acquire(attemptCtx, 1); err != nil {
		return upstream.Outcome{Kind: upstream.TransportError}
	}
	defer e.inflight.Release(1)

	return e.prober.GetPay(attemptCtx, uid, amount, corrID)
}
