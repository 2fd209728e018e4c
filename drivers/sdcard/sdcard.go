// Package sdcard implements a block driver for SD and MMC cards attached to the
// LPC23xx MultiMediaCard Interface.
//
// Data moves through a small ring of DMA buffers. The MCI and DMA interrupt
// handlers advance one end of the ring while Read and Write, running on the
// mainline, advance the other end. Only a single goroutine must use a Driver
// at a time; wrap it in a [diskio.Disk] for concurrent use.
package sdcard

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/clktmr/mci/debug"
	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/lpc2387/mci"
)

// CardType is a set of flags describing the detected card.
type CardType uint8

const (
	TypeMMC   CardType = 1 << iota // MMC version 3
	TypeSD1                        // SD version 1
	TypeSD2                        // SD version 2 or later
	TypeBlock                      // block addressing

	TypeSD = TypeSD1 | TypeSD2
)

func (t CardType) String() string {
	var s string
	switch {
	case t&TypeSD2 != 0:
		s = "SDv2"
	case t&TypeSD1 != 0:
		s = "SDv1"
	case t&TypeMMC != 0:
		s = "MMC"
	default:
		return "unknown"
	}
	if t&TypeBlock != 0 {
		s += "+block"
	}
	return s
}

const (
	blockSize    = diskio.SectorSize
	sdStatusSize = 64
)

// Config holds the tunables of a Driver.
type Config struct {
	// Number of 512 byte blocks in the DMA ring, at least 2.
	Buffers int

	// Use the 4-bit data bus with SD cards.
	WideBus bool

	// Clock frequencies in Hz.
	PeripheralClock uint32
	IdentClock      uint32
	DataClock       uint32

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Buffers:         4,
		WideBus:         true,
		PeripheralClock: 36_000_000,
		IdentClock:      400_000,
		DataClock:       18_000_000,
	}
}

// Driver is a SD/MMC card in the socket of a MCI host.
type Driver struct {
	host mci.Host
	dma  mci.DMA
	cfg  Config
	log  *slog.Logger

	stat atomic.Uint32 // diskio.Status

	// Card identity, written by Initialize only.
	typ CardType
	rca uint16
	csd [16]byte
	cid [16]byte
	ocr [4]byte

	ring *mci.LinkList
	xfer transfer
}

// New returns a driver for the card attached to host. The card stays
// uninitialized until Initialize is called.
func New(host mci.Host, cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.Buffers == 0 {
		cfg.Buffers = def.Buffers
	}
	if cfg.PeripheralClock == 0 {
		cfg.PeripheralClock = def.PeripheralClock
	}
	if cfg.IdentClock == 0 {
		cfg.IdentClock = def.IdentClock
	}
	if cfg.DataClock == 0 {
		cfg.DataClock = def.DataClock
	}
	if cfg.Logger == nil {
		cfg.Logger = debug.Logger(debug.ComponentSDCard)
	}
	debug.Assert(cfg.Buffers >= 2, "sdcard: ring needs two buffers")
	debug.Assert(cfg.DataClock <= cfg.PeripheralClock/2, "sdcard: data clock too high")

	d := &Driver{
		host: host,
		dma:  host.DMA(),
		cfg:  cfg,
		log:  cfg.Logger,
		ring: mci.NewLinkList(cfg.Buffers, blockSize),
	}
	d.stat.Store(uint32(diskio.StaNoInit))
	return d
}

// Status returns the drive status after sampling the socket switches. Removing
// the card marks the drive uninitialized.
func (d *Driver) Status() diskio.Status {
	for {
		old := d.stat.Load()
		st := diskio.Status(old)
		if d.host.CardDetect() {
			st &^= diskio.StaNoDisk
		} else {
			st |= diskio.StaNoDisk | diskio.StaNoInit
		}
		if d.host.WriteProtect() {
			st |= diskio.StaProtect
		} else {
			st &^= diskio.StaProtect
		}
		if d.stat.CompareAndSwap(old, uint32(st)) {
			return st
		}
	}
}

func (d *Driver) setStatus(set, clear diskio.Status) {
	for {
		old := d.stat.Load()
		st := (diskio.Status(old) | set) &^ clear
		if d.stat.CompareAndSwap(old, uint32(st)) {
			return
		}
	}
}

// ready fails if the drive isn't initialized.
func (d *Driver) ready() error {
	if d.Status()&diskio.StaNoInit != 0 {
		return diskio.ErrNotReady
	}
	return nil
}

// address converts a sector number to the card's addressing unit.
func (d *Driver) address(sector uint32) uint32 {
	if d.typ&TypeBlock == 0 {
		return sector * blockSize
	}
	return sector
}

func (d *Driver) String() string {
	return fmt.Sprintf("sdcard(%v, rca %#04x, %v)", d.typ, d.rca, d.Status())
}
