// Package dbstorage persists page images.
package dbstorage

import "github.com/teru01/lockdb/dbfile"

// PageStore reads and writes whole pages. Implementations must be safe for
// concurrent use; page locks are taken above this layer.
type PageStore interface {
	// ReadPage returns a zero-filled page when pid was never written.
	ReadPage(pid dbfile.PageID) (*dbfile.Page, error)
	WritePage(page *dbfile.Page) error
	// WritePages writes all pages or none of them.
	WritePages(pages []*dbfile.Page) error
	// NumPages is one past the highest page number written to the table.
	NumPages(tableID uint32) (int, error)
	PageSize() int
	Close() error
}
