package dbstorage

import (
	"fmt"
	"sync"

	"github.com/teru01/lockdb/dbfile"
)

// MemStore keeps pages in memory. It backs the shell's scratch mode and
// tests that must not start background goroutines.
type MemStore struct {
	mu       sync.RWMutex
	pages    map[dbfile.PageID][]byte
	pageSize int
}

func NewMemStore(pageSize int) *MemStore {
	return &MemStore{pages: make(map[dbfile.PageID][]byte), pageSize: pageSize}
}

func (s *MemStore) PageSize() int {
	return s.pageSize
}

func (s *MemStore) ReadPage(pid dbfile.PageID) (*dbfile.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make([]byte, s.pageSize)
	copy(data, s.pages[pid])
	return dbfile.NewPageFromBytes(pid, data), nil
}

func (s *MemStore) WritePage(page *dbfile.Page) error {
	return s.WritePages([]*dbfile.Page{page})
}

func (s *MemStore) WritePages(pages []*dbfile.Page) error {
	for _, page := range pages {
		if page.Size() != s.pageSize {
			return fmt.Errorf("page %s has size %d, store expects %d", page.ID(), page.Size(), s.pageSize)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, page := range pages {
		s.pages[page.ID()] = append([]byte(nil), page.Bytes()...)
	}
	return nil
}

func (s *MemStore) NumPages(tableID uint32) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for pid := range s.pages {
		if pid.TableID() == tableID && pid.PageNum()+1 > n {
			n = pid.PageNum() + 1
		}
	}
	return n, nil
}

func (s *MemStore) Close() error {
	return nil
}
