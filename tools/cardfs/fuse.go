//go:build linux || darwin

package cardfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rsc.io/rsc/fuse"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/drivers/sdcard"
	"github.com/clktmr/mci/tools/card"
)

func mount(o card.Options, dir string) error {
	s, err := card.Open(o)
	if err != nil {
		return err
	}
	defer s.Close()
	disk, err := s.Disk()
	if err != nil {
		return err
	}

	c, err := fuse.Mount(dir)
	if err != nil {
		return err
	}

	sigintr := make(chan os.Signal, 1)
	signal.Notify(sigintr, os.Interrupt)

	go c.Serve(newFS(s.Driver, disk))
	<-sigintr

	cmd := exec.Command("/bin/umount", dir)
	_, err = cmd.CombinedOutput()
	return err
}

// regFile produces the content of a read-only file on each access.
type regFile func(drv *sdcard.Driver) ([]byte, error)

var regFiles = map[string]regFile{
	"csd": func(drv *sdcard.Driver) ([]byte, error) {
		csd, err := drv.CSD()
		return csd.Raw[:], err
	},
	"cid": func(drv *sdcard.Driver) ([]byte, error) {
		cid, err := drv.CID()
		return cid.Raw[:], err
	},
	"ocr": func(drv *sdcard.Driver) ([]byte, error) {
		ocr, err := drv.OCR()
		return binary.BigEndian.AppendUint32(nil, ocr), err
	},
	"sdstatus": func(drv *sdcard.Driver) ([]byte, error) {
		st, err := drv.SDStatus()
		return st.Raw[:], err
	},
	"info": func(drv *sdcard.Driver) ([]byte, error) {
		var buf bytes.Buffer
		err := card.Info(&buf, drv)
		return buf.Bytes(), err
	},
}

// fusefs implements the file system and the root dir Node. The driver is
// used by a single goroutine at a time, accesses are serialized by mtx.
type fusefs struct {
	drv   *sdcard.Driver
	disk  *diskio.Disk
	mtime time.Time

	mtx sync.Mutex
}

func newFS(drv *sdcard.Driver, disk *diskio.Disk) *fusefs {
	return &fusefs{drv: drv, disk: disk, mtime: time.Now()}
}

func (p *fusefs) Root() (fuse.Node, fuse.Error) {
	return p, nil
}

func (p *fusefs) Attr() fuse.Attr {
	return fuse.Attr{
		Mode:  os.ModeDir | 0o555,
		Mtime: p.mtime,
	}
}

func (p *fusefs) Lookup(name string, intr fuse.Intr) (fuse.Node, fuse.Error) {
	if name == "disk" {
		return &diskfile{p}, nil
	}
	if fn, ok := regFiles[name]; ok {
		return &regfile{p, fn}, nil
	}
	return nil, fuse.Errno(syscall.ENOENT)
}

func (p *fusefs) ReadDir(intr fuse.Intr) ([]fuse.Dirent, fuse.Error) {
	entries := []fuse.Dirent{{Name: "disk"}}
	for name := range regFiles {
		entries = append(entries, fuse.Dirent{Name: name})
	}
	return entries, nil
}

// regfile exposes a card register, it implements both Node and Handle.
type regfile struct {
	fs      *fusefs
	content regFile
}

func (p *regfile) read() ([]byte, error) {
	p.fs.mtx.Lock()
	defer p.fs.mtx.Unlock()
	return p.content(p.fs.drv)
}

func (p *regfile) Attr() fuse.Attr {
	b, err := p.read()
	if err != nil {
		log.Println("attr:", err)
	}
	return fuse.Attr{
		Mode:  0o444,
		Mtime: p.fs.mtime,
		Size:  uint64(len(b)),
	}
}

func (p *regfile) ReadAll(intr fuse.Intr) ([]byte, fuse.Error) {
	b, err := p.read()
	if err != nil {
		return nil, errno(err)
	}
	return b, nil
}

// diskfile exposes the medium of the card.
type diskfile struct {
	fs *fusefs
}

func (p *diskfile) Attr() fuse.Attr {
	return fuse.Attr{
		Mode:  0o644,
		Mtime: p.fs.mtime,
		Size:  uint64(p.fs.disk.Size()),
	}
}

func (p *diskfile) Read(req *fuse.ReadRequest, resp *fuse.ReadResponse, intr fuse.Intr) fuse.Error {
	p.fs.mtx.Lock()
	defer p.fs.mtx.Unlock()

	buf := make([]byte, req.Size)
	n, err := p.fs.disk.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (p *diskfile) Write(req *fuse.WriteRequest, resp *fuse.WriteResponse, intr fuse.Intr) fuse.Error {
	p.fs.mtx.Lock()
	defer p.fs.mtx.Unlock()

	n, err := p.fs.disk.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		return errno(err)
	}
	return nil
}

func (p *diskfile) Fsync(req *fuse.FsyncRequest, intr fuse.Intr) fuse.Error {
	p.fs.mtx.Lock()
	defer p.fs.mtx.Unlock()

	if err := p.fs.disk.Sync(); err != nil {
		return errno(err)
	}
	return nil
}

func errno(err error) fuse.Error {
	if errors.Is(err, diskio.ErrWriteProtected) {
		return fuse.Errno(syscall.EROFS)
	} else if errors.Is(err, diskio.ErrNotReady) || errors.Is(err, diskio.ErrNoDisk) {
		return fuse.Errno(syscall.ENODEV)
	} else if errors.Is(err, diskio.ErrParam) || errors.Is(err, diskio.ErrSeekOutOfRange) {
		return fuse.Errno(syscall.EINVAL)
	} else if errors.Is(err, sdcard.ErrNotSupported) {
		return fuse.Errno(syscall.ENOTSUP)
	} else if errors.Is(err, io.ErrShortWrite) {
		return fuse.Errno(syscall.ENOSPC)
	} else if errors.Is(err, fs.ErrNotExist) {
		return fuse.Errno(syscall.ENOENT)
	} else {
		return fuse.EIO
	}
}
