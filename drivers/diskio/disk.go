package diskio

import (
	"errors"
	"io"
	"sync"
)

// Disk implements io.ReaderAt, io.WriterAt and io.Seeker for a Device. Accesses
// not aligned to sectors are carried out with read-modify-write of the
// surrounding sectors.
//
// Disk is safe for concurrent use.
type Disk struct {
	dev  Device
	size int64
	seek int64

	buf [SectorSize]byte
	mtx sync.Mutex
}

var ErrSeekOutOfRange = errors.New("seek out of range")

// NewDisk returns a Disk spanning all sectors of the initialized device dev.
func NewDisk(dev Device) (*Disk, error) {
	n, err := SectorCount(dev)
	if err != nil {
		return nil, err
	}
	return &Disk{dev: dev, size: int64(n) * SectorSize}, nil
}

func (v *Disk) Device() Device {
	return v.dev
}

func (v *Disk) Size() int64 {
	return v.size
}

func (v *Disk) ReadAt(p []byte, off int64) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.readAt(p, off)
}

func (v *Disk) readAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrSeekOutOfRange
	}
	if off >= v.size {
		return 0, io.EOF
	}
	if left := v.size - off; int64(len(p)) > left {
		p = p[:left]
		err = io.EOF
	}

	for len(p) > 0 {
		sector := uint32(off / SectorSize)
		skip := int(off % SectorSize)

		var nn int
		if skip != 0 || len(p) < SectorSize {
			if e := v.dev.Read(v.buf[:], sector, 1); e != nil {
				return n, e
			}
			nn = copy(p, v.buf[skip:])
		} else {
			count := min(len(p)/SectorSize, MaxCount)
			nn = count * SectorSize
			if e := v.dev.Read(p[:nn], sector, count); e != nil {
				return n, e
			}
		}
		p = p[nn:]
		off += int64(nn)
		n += nn
	}
	return
}

func (v *Disk) WriteAt(p []byte, off int64) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.writeAt(p, off)
}

func (v *Disk) writeAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > v.size {
		return 0, ErrSeekOutOfRange
	}
	if left := v.size - off; int64(len(p)) > left {
		p = p[:left]
		err = io.ErrShortWrite
	}

	for len(p) > 0 {
		sector := uint32(off / SectorSize)
		skip := int(off % SectorSize)

		var nn int
		if skip != 0 || len(p) < SectorSize {
			if e := v.dev.Read(v.buf[:], sector, 1); e != nil {
				return n, e
			}
			nn = copy(v.buf[skip:], p)
			if e := v.dev.Write(v.buf[:], sector, 1); e != nil {
				return n, e
			}
		} else {
			count := min(len(p)/SectorSize, MaxCount)
			nn = count * SectorSize
			if e := v.dev.Write(p[:nn], sector, count); e != nil {
				return n, e
			}
		}
		p = p[nn:]
		off += int64(nn)
		n += nn
	}
	return
}

func (v *Disk) Read(p []byte) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	n, err = v.readAt(p, v.seek)
	v.seek += int64(n)
	return
}

func (v *Disk) Write(p []byte) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	n, err = v.writeAt(p, v.seek)
	v.seek += int64(n)
	return
}

func (v *Disk) Seek(offset int64, whence int) (newoffset int64, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	switch whence {
	case io.SeekStart:
		// newoffset = 0
	case io.SeekCurrent:
		newoffset = v.seek
	case io.SeekEnd:
		newoffset = v.size
	}
	newoffset += offset
	if newoffset < 0 || newoffset > v.size {
		return v.seek, ErrSeekOutOfRange
	}

	v.seek = newoffset
	return
}

// Sync waits until the device has written all data to the medium.
func (v *Disk) Sync() error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	return v.dev.Ioctl(CtrlSync, nil)
}
