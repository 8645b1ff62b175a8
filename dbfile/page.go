package dbfile

import (
	"encoding/binary"
	"fmt"
)

const intSize = 8

// Page is the in-memory image of one page. It is not safe for concurrent
// use; the page lock of the owning transaction protects it.
type Page struct {
	id   PageID
	data []byte
}

func NewPage(id PageID, pageSize int) *Page {
	return &Page{id: id, data: make([]byte, pageSize)}
}

// NewPageFromBytes wraps data without copying it.
func NewPageFromBytes(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

func (p *Page) ID() PageID {
	return p.id
}

func (p *Page) Size() int {
	return len(p.data)
}

// Bytes returns the page image. The slice aliases the page.
func (p *Page) Bytes() []byte {
	return p.data
}

func (p *Page) Clone() *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &Page{id: p.id, data: data}
}

func (p *Page) GetInt(offset int) (int64, error) {
	if err := p.checkRange(offset, intSize); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p.data[offset : offset+intSize])), nil
}

func (p *Page) SetInt(offset int, value int64) error {
	if err := p.checkRange(offset, intSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.data[offset:offset+intSize], uint64(value))
	return nil
}

// bufferにbyte length, payloadを書き込む. intSize+len(s)を消費する
func (p *Page) SetString(offset int, s string) error {
	if err := p.checkRange(offset, intSize+len(s)); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.data[offset:offset+intSize], uint64(len(s)))
	copy(p.data[offset+intSize:], s)
	return nil
}

func (p *Page) GetString(offset int) (string, error) {
	if err := p.checkRange(offset, intSize); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint64(p.data[offset : offset+intSize]))
	if err := p.checkRange(offset+intSize, n); err != nil {
		return "", err
	}
	return string(p.data[offset+intSize : offset+intSize+n]), nil
}

func (p *Page) checkRange(offset, n int) error {
	if offset < 0 || n < 0 || offset+n > len(p.data) {
		return fmt.Errorf("range [%d, %d) out of page %s of size %d", offset, offset+n, p.id, len(p.data))
	}
	return nil
}
