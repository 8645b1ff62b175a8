package dbexecutor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
)

// DefaultGrace is how long Execute waits for a command before reporting
// that its transaction is waiting for a lock.
const DefaultGrace = 100 * time.Millisecond

const helpText = `commands:
  begin NAME                          start a transaction called NAME
  read NAME TABLE PAGE [OFFSET]       read an int (shared lock)
  write NAME TABLE PAGE VALUE [OFFSET] write an int (exclusive lock)
  lock NAME TABLE PAGE S|X            lock a page without touching it
  release NAME TABLE PAGE             release one lock early
  holds NAME TABLE PAGE               does NAME hold a lock on the page
  locks NAME                          pages NAME holds
  commit NAME | abort NAME            end the transaction
  txs                                 named transactions and their state
  reset                               abort every transaction and clear the lock table
  dump                                lock table as JSON`

// ExecuteResult is the outcome of one command.
type ExecuteResult struct {
	// Session is the transaction name the command ran on, empty for global commands.
	Session string
	// Tag is a short description, e.g. "COMMIT", "READ 42", "WAITING".
	Tag string
	// Body holds multi-line output (dump, help).
	Body string
	Err  error
}

func (r ExecuteResult) String() string {
	var b strings.Builder
	if r.Session != "" {
		b.WriteString(r.Session)
		b.WriteString(": ")
	}
	if r.Err != nil {
		b.WriteString("ERROR ")
		b.WriteString(r.Err.Error())
	} else {
		b.WriteString(r.Tag)
	}
	if r.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.Body)
	}
	return b.String()
}

// Executor runs lock shell commands. Every named transaction gets its own
// goroutine, so a command blocked on a lock does not stop the others. The
// result of a command that outlived the grace period is handed to the
// notify callback once it finishes.
type Executor struct {
	db     *LockDB
	grace  time.Duration
	notify func(ExecuteResult)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type ExecutorOption func(*Executor)

func WithGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.grace = d
	}
}

func WithNotify(f func(ExecuteResult)) ExecutorOption {
	return func(e *Executor) {
		e.notify = f
	}
}

func NewExecutor(db *LockDB, opts ...ExecutorOption) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		db:       db,
		grace:    DefaultGrace,
		notify:   func(ExecuteResult) {},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute parses and runs one command line.
func (e *Executor) Execute(ctx context.Context, line string) ExecuteResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ExecuteResult{}
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "help":
		return ExecuteResult{Tag: "HELP", Body: helpText}
	case "dump":
		return e.dump()
	case "txs":
		return e.listSessions()
	case "reset":
		return e.reset()
	case "begin":
		if len(args) != 1 {
			return syntaxError("", "usage: begin NAME")
		}
		return e.begin(args[0])
	}

	if len(args) == 0 {
		return syntaxError("", fmt.Sprintf("unknown command %q, try help", verb))
	}
	name := args[0]
	run, err := e.parseSessionCommand(verb, name, args[1:])
	if err != nil {
		return ExecuteResult{Session: name, Err: err}
	}
	s, ok := e.session(name)
	if !ok {
		return ExecuteResult{Session: name, Err: fmt.Errorf("no transaction named %q", name)}
	}
	return e.submit(ctx, s, run)
}

func (e *Executor) parseSessionCommand(verb, name string, args []string) (command, error) {
	switch verb {
	case "read":
		pid, rest, err := parsePageArgs(args, 0, 1)
		if err != nil {
			return nil, err
		}
		offset, err := optionalInt(rest, 0)
		if err != nil {
			return nil, err
		}
		return readCommand(pid, offset), nil
	case "write":
		pid, rest, err := parsePageArgs(args, 1, 2)
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, dberr.New(dberr.CodeSyntaxError, fmt.Sprintf("invalid value %q", rest[0]), err)
		}
		offset, err := optionalInt(rest[1:], 0)
		if err != nil {
			return nil, err
		}
		return writeCommand(pid, offset, value), nil
	case "lock":
		pid, rest, err := parsePageArgs(args, 1, 1)
		if err != nil {
			return nil, err
		}
		mode, err := dblock.ParseLockMode(rest[0])
		if err != nil {
			return nil, dberr.New(dberr.CodeSyntaxError, err.Error(), nil)
		}
		return lockCommand(pid, mode), nil
	case "release":
		pid, _, err := parsePageArgs(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return releaseCommand(pid), nil
	case "holds":
		pid, _, err := parsePageArgs(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return holdsCommand(pid), nil
	case "locks":
		if len(args) != 0 {
			return nil, dberr.New(dberr.CodeSyntaxError, "usage: locks NAME", nil)
		}
		return locksCommand(), nil
	case "commit":
		return commitCommand(), nil
	case "abort", "rollback":
		return abortCommand(), nil
	}
	return nil, dberr.New(dberr.CodeSyntaxError, fmt.Sprintf("unknown command %q for %s, try help", verb, name), nil)
}

func (e *Executor) begin(name string) ExecuteResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[name]; ok {
		return ExecuteResult{Session: name, Err: fmt.Errorf("transaction %q already exists", name)}
	}
	s := newSession(e.ctx, name, e.db.Registry.Begin())
	e.sessions[name] = s
	var once sync.Once
	finish := func() {
		once.Do(func() {
			e.mu.Lock()
			if e.sessions[name] == s {
				delete(e.sessions, name)
			}
			e.mu.Unlock()
		})
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.loop(e.notify, finish)
	}()
	slog.Debug("session started", slog.String("name", name), slog.Any("tx", s.tx.ID()))
	return ExecuteResult{Session: name, Tag: fmt.Sprintf("BEGIN %s", s.tx.ID())}
}

func (e *Executor) session(name string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[name]
	return s, ok
}

// submit hands run to the session and waits up to the grace period for it.
func (e *Executor) submit(ctx context.Context, s *session, run command) ExecuteResult {
	if !s.busy.CompareAndSwap(false, true) {
		return ExecuteResult{Session: s.name, Err: fmt.Errorf("%s is still waiting for a lock", s.name)}
	}
	j := &job{run: run, done: make(chan ExecuteResult, 1)}
	select {
	case s.jobs <- j:
	case <-s.exited:
		return ExecuteResult{Session: s.name, Err: fmt.Errorf("transaction %q has ended", s.name)}
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case res := <-j.done:
		return res
	case <-timer.C:
	case <-ctx.Done():
	}
	if j.claim() {
		return ExecuteResult{Session: s.name, Tag: "WAITING"}
	}
	return <-j.done
}

func (e *Executor) listSessions() ExecuteResult {
	e.mu.Lock()
	names := slices.Sorted(maps.Keys(e.sessions))
	lines := make([]string, 0, len(names))
	for _, name := range names {
		tx := e.sessions[name].tx
		lines = append(lines, fmt.Sprintf("%s %s %s", name, tx.ID(), tx.State()))
	}
	e.mu.Unlock()
	return ExecuteResult{Tag: fmt.Sprintf("TXS %d", len(lines)), Body: strings.Join(lines, "\n")}
}

func (e *Executor) dump() ExecuteResult {
	out, err := json.MarshalIndent(e.db.Locks.Snapshot(), "", "  ")
	if err != nil {
		return ExecuteResult{Err: err}
	}
	return ExecuteResult{Tag: "DUMP", Body: string(out)}
}

// reset aborts every named transaction, waits for their goroutines and then
// clears whatever is left in the lock table.
func (e *Executor) reset() ExecuteResult {
	e.mu.Lock()
	sessions := slices.Collect(maps.Values(e.sessions))
	e.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	for _, s := range sessions {
		<-s.exited
	}
	e.db.Locks.Reset()
	slog.Info("lock table reset", slog.Int("aborted", len(sessions)))
	return ExecuteResult{Tag: fmt.Sprintf("RESET %d", len(sessions))}
}

// Close aborts every open transaction, including ones blocked on a lock.
func (e *Executor) Close() {
	e.cancel()
	e.mu.Lock()
	for _, s := range e.sessions {
		s.close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func parsePageArgs(args []string, minExtra, maxExtra int) (dbfile.PageID, []string, error) {
	if len(args) < 2+minExtra || len(args) > 2+maxExtra {
		return dbfile.PageID{}, nil, dberr.New(dberr.CodeSyntaxError, "expected TABLE PAGE arguments", nil)
	}
	table, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return dbfile.PageID{}, nil, dberr.New(dberr.CodeSyntaxError, fmt.Sprintf("invalid table %q", args[0]), err)
	}
	page, err := strconv.Atoi(args[1])
	if err != nil || page < 0 {
		return dbfile.PageID{}, nil, dberr.New(dberr.CodeSyntaxError, fmt.Sprintf("invalid page %q", args[1]), err)
	}
	return dbfile.NewPageID(uint32(table), page), args[2:], nil
}

func optionalInt(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, dberr.New(dberr.CodeSyntaxError, fmt.Sprintf("invalid offset %q", args[0]), err)
	}
	return n, nil
}

func syntaxError(session, msg string) ExecuteResult {
	return ExecuteResult{Session: session, Err: dberr.New(dberr.CodeSyntaxError, msg, nil)}
}
