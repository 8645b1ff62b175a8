// Package dbworkload runs concurrent read/increment transactions against a
// database and checks that the lock manager kept them isolated.
package dbworkload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
	"github.com/teru01/lockdb/dbtx"
)

// counterOffset is where every page keeps its counter.
const counterOffset = 0

type Config struct {
	Workers     int
	TxPerWorker int
	TableID     uint32
	Pages       int
	OpsPerTx    int
	// WriteRatio is the share of operations that increment instead of read.
	WriteRatio float64
	// MaxRetries bounds how often an aborted transaction is restarted.
	MaxRetries int
	Backoff    time.Duration
	Seed       uint64
}

func DefaultConfig() Config {
	return Config{
		Workers:     8,
		TxPerWorker: 100,
		TableID:     1,
		Pages:       16,
		OpsPerTx:    4,
		WriteRatio:  0.3,
		MaxRetries:  20,
		Backoff:     time.Millisecond,
		Seed:        1,
	}
}

type Report struct {
	Committed int64 `json:"committed"`
	// Aborted counts every aborted attempt, retried or not.
	Aborted   int64 `json:"aborted"`
	Deadlocks int64 `json:"deadlocks"`
	Timeouts  int64 `json:"timeouts"`
	GaveUp    int64 `json:"gave_up"`
	// Increments is the number of committed counter increments; it must
	// equal the sum of all counters afterwards.
	Increments int64         `json:"increments"`
	CounterSum int64         `json:"counter_sum"`
	Violations int64         `json:"violations"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// OK reports whether the run saw no isolation problem.
func (r Report) OK() bool {
	return r.Violations == 0 && r.Increments == r.CounterSum
}

func (r Report) String() string {
	return fmt.Sprintf("committed=%d aborted=%d deadlocks=%d timeouts=%d gave_up=%d increments=%d counter_sum=%d violations=%d elapsed=%s",
		r.Committed, r.Aborted, r.Deadlocks, r.Timeouts, r.GaveUp, r.Increments, r.CounterSum, r.Violations, r.Elapsed)
}

type runner struct {
	cfg      Config
	registry *dbtx.Registry
	occ      []occupancy
	report   Report
	logger   *slog.Logger
}

// occupancy counts the transactions inside a page. It trails the lock
// manager: it is raised after a lock is granted and lowered before release.
type occupancy struct {
	readers atomic.Int32
	writers atomic.Int32
}

// Run executes the workload and returns its report. Lock conflicts are
// part of the workload; only unexpected errors end it early.
func Run(ctx context.Context, registry *dbtx.Registry, cfg Config) (Report, error) {
	if cfg.Workers <= 0 || cfg.Pages <= 0 || cfg.OpsPerTx <= 0 {
		return Report{}, fmt.Errorf("workers, pages and ops per transaction must be positive")
	}
	if cfg.Backoff < 0 || cfg.MaxRetries < 0 {
		return Report{}, fmt.Errorf("backoff and retries must not be negative")
	}
	r := &runner{
		cfg:      cfg,
		registry: registry,
		occ:      make([]occupancy, cfg.Pages),
		logger:   slog.Default(),
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range cfg.Workers {
		g.Go(func() error {
			return r.worker(gctx, w)
		})
	}
	err := g.Wait()
	r.report.Elapsed = time.Since(start)
	if err != nil {
		return r.snapshot(), err
	}

	sum, err := r.counterSum(ctx)
	if err != nil {
		return r.snapshot(), fmt.Errorf("verify counters: %w", err)
	}
	report := r.snapshot()
	report.CounterSum = sum
	r.logger.Info("workload finished", slog.String("report", report.String()))
	return report, nil
}

func (r *runner) snapshot() Report {
	return Report{
		Committed:  atomic.LoadInt64(&r.report.Committed),
		Aborted:    atomic.LoadInt64(&r.report.Aborted),
		Deadlocks:  atomic.LoadInt64(&r.report.Deadlocks),
		Timeouts:   atomic.LoadInt64(&r.report.Timeouts),
		GaveUp:     atomic.LoadInt64(&r.report.GaveUp),
		Increments: atomic.LoadInt64(&r.report.Increments),
		Violations: atomic.LoadInt64(&r.report.Violations),
		Elapsed:    r.report.Elapsed,
	}
}

func (r *runner) worker(ctx context.Context, id int) error {
	rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(id)))
	for range r.cfg.TxPerWorker {
		if err := r.runWithRetry(ctx, rng); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) runWithRetry(ctx context.Context, rng *rand.Rand) error {
	for attempt := 0; ; attempt++ {
		increments, err := r.attempt(ctx, rng)
		if err == nil {
			atomic.AddInt64(&r.report.Committed, 1)
			atomic.AddInt64(&r.report.Increments, int64(increments))
			return nil
		}
		if !dberr.IsAbort(err) {
			return err
		}
		atomic.AddInt64(&r.report.Aborted, 1)
		if errors.Is(err, dblock.ErrDeadlock) {
			atomic.AddInt64(&r.report.Deadlocks, 1)
		} else {
			atomic.AddInt64(&r.report.Timeouts, 1)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= r.cfg.MaxRetries {
			atomic.AddInt64(&r.report.GaveUp, 1)
			return nil
		}

		// 少しずつ待ちを伸ばす
		backoff := r.cfg.Backoff*time.Duration(attempt+1) + time.Duration(rng.Int64N(int64(r.cfg.Backoff)+1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt runs one transaction and returns how many increments it committed.
func (r *runner) attempt(ctx context.Context, rng *rand.Rand) (int, error) {
	tx := r.registry.Begin()
	held := make(map[int]dblock.LockMode)
	leave := func() {
		for page, mode := range held {
			r.exit(page, mode)
		}
	}

	increments := 0
	for range r.cfg.OpsPerTx {
		page := rng.IntN(r.cfg.Pages)
		pid := dbfile.NewPageID(r.cfg.TableID, page)
		write := rng.Float64() < r.cfg.WriteRatio

		v, err := tx.GetInt(ctx, pid, counterOffset)
		if err != nil {
			leave()
			return 0, r.finishFailed(tx, err)
		}
		if _, ok := held[page]; !ok {
			r.enter(page, dblock.Shared)
			held[page] = dblock.Shared
		}
		if !write {
			continue
		}
		if err := tx.SetInt(ctx, pid, counterOffset, v+1); err != nil {
			leave()
			return 0, r.finishFailed(tx, err)
		}
		if held[page] == dblock.Shared {
			r.exit(page, dblock.Shared)
			r.enter(page, dblock.Exclusive)
			held[page] = dblock.Exclusive
		}
		increments++
	}

	leave()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return increments, nil
}

// finishFailed makes sure tx is over. A lock conflict has already aborted it.
func (r *runner) finishFailed(tx *dbtx.Transaction, err error) error {
	if tx.State() == dbtx.Active {
		if abortErr := tx.Abort(); abortErr != nil {
			r.logger.Warn("failed to abort transaction", slog.Any("tx", tx.ID()), slog.Any("error", abortErr))
		}
	}
	return err
}

func (r *runner) enter(page int, mode dblock.LockMode) {
	o := &r.occ[page]
	if mode == dblock.Exclusive {
		if o.writers.Add(1) != 1 || o.readers.Load() != 0 {
			r.violation(page, mode)
		}
		return
	}
	o.readers.Add(1)
	if o.writers.Load() != 0 {
		r.violation(page, mode)
	}
}

func (r *runner) exit(page int, mode dblock.LockMode) {
	if mode == dblock.Exclusive {
		r.occ[page].writers.Add(-1)
	} else {
		r.occ[page].readers.Add(-1)
	}
}

func (r *runner) violation(page int, mode dblock.LockMode) {
	atomic.AddInt64(&r.report.Violations, 1)
	r.logger.Error("mutual exclusion violated", slog.Int("page", page), slog.String("mode", mode.String()))
}

func (r *runner) counterSum(ctx context.Context) (int64, error) {
	tx := r.registry.Begin()
	defer func() {
		if tx.State() == dbtx.Active {
			_ = tx.Commit()
		}
	}()
	var sum int64
	for page := range r.cfg.Pages {
		v, err := tx.GetInt(ctx, dbfile.NewPageID(r.cfg.TableID, page), counterOffset)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}
