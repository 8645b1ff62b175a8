package dbfile

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// KeySize is the length of the byte key produced by PageID.Key.
const KeySize = 4 + 8

// PageID identifies one page of one table. The zero value is table 0, page 0.
type PageID struct {
	tableID uint32
	pageNum int
}

func NewPageID(tableID uint32, pageNum int) PageID {
	return PageID{tableID: tableID, pageNum: pageNum}
}

func (id PageID) TableID() uint32 {
	return id.tableID
}

func (id PageID) PageNum() int {
	return id.pageNum
}

func (id PageID) Equals(other PageID) bool {
	return id == other
}

// Compare orders pages by table, then page number.
func (id PageID) Compare(other PageID) int {
	return cmp.Or(cmp.Compare(id.tableID, other.tableID), cmp.Compare(id.pageNum, other.pageNum))
}

func (id PageID) String() string {
	return fmt.Sprintf("[table %d, page %d]", id.tableID, id.pageNum)
}

// Key encodes the id so that pages of one table sort by page number.
func (id PageID) Key() []byte {
	key := make([]byte, KeySize)
	binary.BigEndian.PutUint32(key[:4], id.tableID)
	binary.BigEndian.PutUint64(key[4:], uint64(id.pageNum))
	return key
}

func PageIDFromKey(key []byte) (PageID, error) {
	if len(key) != KeySize {
		return PageID{}, fmt.Errorf("page key must be %d bytes, got %d", KeySize, len(key))
	}
	return PageID{
		tableID: binary.BigEndian.Uint32(key[:4]),
		pageNum: int(binary.BigEndian.Uint64(key[4:])),
	}, nil
}

// TablePrefix is the key prefix shared by every page of tableID.
func TablePrefix(tableID uint32) []byte {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, tableID)
	return prefix
}
