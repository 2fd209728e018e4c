package mcisim

import (
	"fmt"
	"io"
	"os"
)

// MemImage is a medium held in memory.
type MemImage struct {
	data []byte
}

func NewMemImage(size int64) *MemImage {
	return &MemImage{data: make([]byte, size)}
}

func (m *MemImage) Bytes() []byte {
	return m.data
}

func (m *MemImage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n = copy(p, m.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

func (m *MemImage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	n = copy(m.data[off:], p)
	if n < len(p) {
		err = io.ErrShortWrite
	}
	return
}

// OpenImage opens or creates an image file and returns a card backed by it.
// Files smaller than cfg.Sectors are extended. If cfg.Sectors is 0 the size
// of the existing file is used.
func OpenImage(name string, cfg CardConfig) (*Card, *os.File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if cfg.Sectors == 0 {
		cfg.Sectors = uint32(fi.Size() / 512)
	}
	if err := cfg.Validate(); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	if size := int64(cfg.Sectors) * 512; fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return NewCard(cfg, f), f, nil
}
