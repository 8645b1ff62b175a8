package dbexecutor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
	"github.com/teru01/lockdb/dbtx"
)

// command runs on the session goroutine and returns the result tag.
type command func(ctx context.Context, tx *dbtx.Transaction) (string, error)

type job struct {
	run  command
	done chan ExecuteResult
	// set by whichever of the caller and the session gives up on the other first
	claimed atomic.Bool
}

func (j *job) claim() bool {
	return j.claimed.CompareAndSwap(false, true)
}

// session owns one named transaction and runs its commands in order.
type session struct {
	name      string
	tx        *dbtx.Transaction
	// cancelled by close so that a command stuck on a lock gives up
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      chan *job
	busy      atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	// closed when loop returns
	exited chan struct{}
}

func newSession(ctx context.Context, name string, tx *dbtx.Transaction) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		name:   name,
		tx:     tx,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan *job),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closed)
	})
}

// loop runs jobs until the transaction ends or the session is closed. finish
// is called once the transaction is over, before its last result is handed out.
func (s *session) loop(notify func(ExecuteResult), finish func()) {
	defer close(s.exited)
	defer s.cancel()
	defer finish()
	defer func() {
		if s.tx.State() != dbtx.Active {
			return
		}
		if err := s.tx.Abort(); err != nil {
			slog.Warn("failed to abort session transaction", slog.String("name", s.name), slog.Any("error", err))
		}
	}()

	for {
		var j *job
		select {
		case <-s.closed:
			return
		case j = <-s.jobs:
		}

		tag, err := j.run(s.ctx, s.tx)
		if err != nil && s.tx.State() == dbtx.Aborted {
			err = fmt.Errorf("%w; transaction aborted", err)
		}
		res := ExecuteResult{Session: s.name, Tag: tag, Err: err}
		finished := s.tx.State() != dbtx.Active
		if finished {
			finish()
		}
		s.busy.Store(false)
		if j.claim() {
			j.done <- res
		} else {
			notify(res)
		}
		if finished {
			return
		}
	}
}

func readCommand(pid dbfile.PageID, offset int) command {
	return func(ctx context.Context, tx *dbtx.Transaction) (string, error) {
		v, err := tx.GetInt(ctx, pid, offset)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("READ %s@%d = %d", pid, offset, v), nil
	}
}

func writeCommand(pid dbfile.PageID, offset int, value int64) command {
	return func(ctx context.Context, tx *dbtx.Transaction) (string, error) {
		if err := tx.SetInt(ctx, pid, offset, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("WRITE %s@%d = %d", pid, offset, value), nil
	}
}

func lockCommand(pid dbfile.PageID, mode dblock.LockMode) command {
	return func(ctx context.Context, tx *dbtx.Transaction) (string, error) {
		if err := tx.Lock(ctx, pid, mode); err != nil {
			return "", err
		}
		return fmt.Sprintf("LOCK %s %s", pid, mode), nil
	}
}

func releaseCommand(pid dbfile.PageID) command {
	return func(_ context.Context, tx *dbtx.Transaction) (string, error) {
		if err := tx.ReleasePage(pid); err != nil {
			return "", err
		}
		return fmt.Sprintf("RELEASE %s", pid), nil
	}
}

func holdsCommand(pid dbfile.PageID) command {
	return func(_ context.Context, tx *dbtx.Transaction) (string, error) {
		return fmt.Sprintf("HOLDS %s %t", pid, tx.HoldsLock(pid)), nil
	}
}

func locksCommand() command {
	return func(_ context.Context, tx *dbtx.Transaction) (string, error) {
		pages := tx.LockedPages()
		names := make([]string, len(pages))
		for i, pid := range pages {
			names[i] = pid.String()
		}
		return fmt.Sprintf("LOCKS %d %s", len(pages), strings.Join(names, " ")), nil
	}
}

func commitCommand() command {
	return func(_ context.Context, tx *dbtx.Transaction) (string, error) {
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return "COMMIT", nil
	}
}

func abortCommand() command {
	return func(_ context.Context, tx *dbtx.Transaction) (string, error) {
		if err := tx.Abort(); err != nil {
			return "", err
		}
		return "ABORT", nil
	}
}
