package dbstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/teru01/lockdb/dbfile"
)

type PebbleStore struct {
	db       *pebble.DB
	pageSize int
	closed   atomic.Bool

	pagesRead    atomic.Int64
	pagesWritten atomic.Int64
}

type PebbleOptions struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS       vfs.FS
	CacheMB  int64
	NoSync   bool
	PageSize int
}

func OpenPebbleStore(dir string, opts PebbleOptions) (*PebbleStore, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", opts.PageSize)
	}
	pebbleOpts := &pebble.Options{FS: opts.FS}
	if opts.CacheMB > 0 {
		cache := pebble.NewCache(opts.CacheMB << 20)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}
	if opts.NoSync {
		pebbleOpts.DisableWAL = true
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db %s: %w", dir, err)
	}
	slog.Debug("page store opened", slog.String("dir", dir), slog.Int("pageSize", opts.PageSize))
	return &PebbleStore{db: db, pageSize: opts.PageSize}, nil
}

func (s *PebbleStore) PageSize() int {
	return s.pageSize
}

func (s *PebbleStore) ReadPage(pid dbfile.PageID) (*dbfile.Page, error) {
	val, closer, err := s.db.Get(pid.Key())
	if errors.Is(err, pebble.ErrNotFound) {
		s.pagesRead.Add(1)
		return dbfile.NewPage(pid, s.pageSize), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page %s: %w", pid, err)
	}
	defer closer.Close()

	data := make([]byte, s.pageSize)
	copy(data, val)
	s.pagesRead.Add(1)
	return dbfile.NewPageFromBytes(pid, data), nil
}

func (s *PebbleStore) WritePage(page *dbfile.Page) error {
	if page.Size() != s.pageSize {
		return fmt.Errorf("page %s has size %d, store expects %d", page.ID(), page.Size(), s.pageSize)
	}
	if err := s.db.Set(page.ID().Key(), page.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write page %s: %w", page.ID(), err)
	}
	s.pagesWritten.Add(1)
	return nil
}

func (s *PebbleStore) WritePages(pages []*dbfile.Page) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, page := range pages {
		if page.Size() != s.pageSize {
			return fmt.Errorf("page %s has size %d, store expects %d", page.ID(), page.Size(), s.pageSize)
		}
		if err := batch.Set(page.ID().Key(), page.Bytes(), nil); err != nil {
			return fmt.Errorf("failed to stage page %s: %w", page.ID(), err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit %d pages: %w", len(pages), err)
	}
	s.pagesWritten.Add(int64(len(pages)))
	return nil
}

func (s *PebbleStore) NumPages(tableID uint32) (int, error) {
	opts := &pebble.IterOptions{LowerBound: dbfile.TablePrefix(tableID)}
	if tableID < math.MaxUint32 {
		opts.UpperBound = dbfile.TablePrefix(tableID + 1)
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	pid, err := dbfile.PageIDFromKey(iter.Key())
	if err != nil {
		return 0, err
	}
	return pid.PageNum() + 1, nil
}

// Stats returns how many pages were read and written since open.
func (s *PebbleStore) Stats() (read, written int64) {
	return s.pagesRead.Load(), s.pagesWritten.Load()
}

func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
