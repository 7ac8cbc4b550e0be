// Package workload drives synthetic transactions through the lock hierarchy.
// It plays the part of the transaction scheduler: it begins transactions,
// asks the planner for locks before every simulated read or write, and ends
// each transaction by releasing everything it holds.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/mglock/cfg"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/lockctx"
	"github.com/maxpert/mglock/lockutil"
	"github.com/maxpert/mglock/telemetry"
	"github.com/maxpert/mglock/txn"
	"github.com/rs/zerolog/log"
)

// Result summarizes one Run.
type Result struct {
	Committed   int64         `json:"committed"`
	Aborted     int64         `json:"aborted"`
	Escalations int64         `json:"escalations"`
	Duration    time.Duration `json:"duration"`
}

// Runner executes transactions over a database -> table -> page -> record
// tree rooted at one hierarchy root.
type Runner struct {
	hierarchy   *lockctx.Hierarchy
	gen         *txn.Generator
	conf        cfg.WorkloadConfiguration
	root        string
	waitTimeout time.Duration
	seed        uint64

	committed   atomic.Int64
	aborted     atomic.Int64
	escalations atomic.Int64
}

// NewRunner creates a runner. waitTimeout bounds every individual lock
// request; zero leaves requests unbounded.
func NewRunner(h *lockctx.Hierarchy, gen *txn.Generator, conf cfg.WorkloadConfiguration, root string, waitTimeout time.Duration) *Runner {
	seed := conf.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Runner{
		hierarchy:   h,
		gen:         gen,
		conf:        conf,
		root:        root,
		waitTimeout: waitTimeout,
		seed:        seed,
	}
}

// Run executes conf.Transactions transactions on conf.Workers goroutines.
// Cancelling ctx stops handing out new transactions and aborts the running
// ones; the partial Result is returned together with ctx's error.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	jobs := make(chan struct{})
	r.committed.Store(0)
	r.aborted.Store(0)
	r.escalations.Store(0)

	var wg sync.WaitGroup
	for w := 0; w < r.conf.Workers; w++ {
		wg.Add(1)
		go func(worker uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(r.seed, worker))
			for range jobs {
				r.runTxn(ctx, rng)
			}
		}(uint64(w))
	}

feed:
	for i := 0; i < r.conf.Transactions; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	res := Result{
		Committed:   r.committed.Load(),
		Aborted:     r.aborted.Load(),
		Escalations: r.escalations.Load(),
		Duration:    time.Since(start),
	}
	log.Info().
		Int64("committed", res.Committed).
		Int64("aborted", res.Aborted).
		Int64("escalations", res.Escalations).
		Dur("duration", res.Duration).
		Msg("Workload finished")
	return res, ctx.Err()
}

func (r *Runner) runTxn(ctx context.Context, rng *rand.Rand) {
	tx := r.gen.Begin(r.conf.MemoryBudget)
	start := time.Now()

	err := r.execute(txn.WithTransaction(ctx, tx), tx, rng)

	// Commit and abort both end by dropping every lock.
	released := r.hierarchy.ReleaseAll(tx.ID())

	result := "committed"
	if err != nil {
		result = "aborted"
		r.aborted.Add(1)
		ev := log.Debug()
		if errors.Is(err, context.DeadlineExceeded) {
			ev = log.Warn()
		}
		ev.Err(err).
			Uint64("txn_id", uint64(tx.ID())).
			Int("released", len(released)).
			Msg("Transaction aborted")
	} else {
		r.committed.Add(1)
	}

	telemetry.WorkloadTxnTotal.With(result).Inc()
	telemetry.WorkloadTxnSeconds.With(result).Observe(time.Since(start).Seconds())
}

// execute performs OpsPerTxn random accesses. Roughly one in ten targets a
// whole table; the rest split between pages and records.
func (r *Runner) execute(ctx context.Context, tx txn.Transaction, rng *rand.Rand) error {
	root := r.hierarchy.Root(r.root)

	for op := 0; op < r.conf.OpsPerTxn; op++ {
		kind := lock.S
		if rng.Float64() < r.conf.WriteRatio {
			kind = lock.X
		}

		table := root.ChildContext(fmt.Sprintf("table%d", rng.IntN(r.conf.Tables)))
		target := table
		if rng.IntN(10) > 0 {
			target = table.ChildContext(fmt.Sprintf("page%d", rng.IntN(r.conf.PagesPerTable)))
			if rng.IntN(2) == 0 {
				target = target.ChildContext(fmt.Sprintf("record%d", rng.IntN(r.conf.RecordsPerPage)))
			}
		}

		if err := r.bounded(ctx, func(ctx context.Context) error {
			return lockutil.EnsureSufficientLockHeld(ctx, target, kind)
		}); err != nil {
			return errors.Wrapf(err, "%s on %s", kind, target.Name())
		}

		if table.NumChildLocks(tx.ID()) > tx.MemoryBudget() {
			if err := r.bounded(ctx, func(ctx context.Context) error {
				return table.Escalate(ctx, tx.ID())
			}); err != nil {
				return errors.Wrapf(err, "escalate %s", table.Name())
			}
			r.escalations.Add(1)
		}
	}
	return nil
}

// bounded runs one lock step under the per-request wait timeout.
func (r *Runner) bounded(ctx context.Context, step func(context.Context) error) error {
	if r.waitTimeout <= 0 {
		return step(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	return step(ctx)
}
