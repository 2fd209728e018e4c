package sdcard

import (
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/clktmr/mci/debug"
	"github.com/clktmr/mci/lpc2387/mci"
)

type xferFlags uint32

const (
	xferRead xferFlags = 1 << iota
	xferWrite
	xferOverrun
	xferUnderrun
	xferError

	xferAbort = xferOverrun | xferUnderrun | xferError
)

const (
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 500 * time.Millisecond
)

// transfer is shared between the mainline and the interrupt handlers. During
// reads the MCI handler owns wp and the mainline owns rp, during writes it's
// the other way round. The flags are set by the mainline before the data path
// is enabled and only amended by the handlers afterwards.
type transfer struct {
	flags     atomic.Uint32
	rp, wp    atomic.Int32
	remaining atomic.Int32 // blocks not yet fetched by DMA
	cause     atomic.Uint32
}

func (x *transfer) aborted() bool {
	return xferFlags(x.flags.Load())&xferAbort != 0
}

func (x *transfer) err() error {
	f := xferFlags(x.flags.Load())
	switch {
	case f&xferError != 0:
		return dataError(mci.StatusFlag(x.cause.Load()))
	case f&xferOverrun != 0:
		return ErrOverrun
	case f&xferUnderrun != 0:
		return ErrUnderrun
	}
	return nil
}

func (d *Driver) mciInterrupt() {
	h, x := d.host, &d.xfer

	s := mci.StatusFlag(h.Load(mci.Status)) & mci.DataFlags
	h.Store(mci.Clear, uint32(s))

	if s&mci.DataBlockEnd == 0 {
		x.cause.Store(uint32(s))
		x.flags.Or(uint32(xferError))
		return
	}

	n := int32(d.ring.Len())
	if xferFlags(x.flags.Load())&xferRead != 0 {
		if s&mci.DataEnd != 0 {
			d.dma.SoftBurstRequest()
		}
		wp := (x.wp.Load() + 1) % n
		x.wp.Store(wp)
		if wp == x.rp.Load() {
			x.flags.Or(uint32(xferOverrun))
		}
	} else {
		rp := (x.rp.Load() + 1) % n
		x.rp.Store(rp)
		if rp == x.wp.Load() {
			x.flags.Or(uint32(xferUnderrun))
		}
	}
}

func (d *Driver) dmaInterrupt() {
	if d.dma.Status()&mci.DMATerminalCount == 0 {
		d.dma.Clear(mci.DMATerminalCount | mci.DMAError)
		return
	}
	d.dma.Clear(mci.DMATerminalCount)

	x := &d.xfer
	if xferFlags(x.flags.Load())&xferWrite != 0 {
		// The remaining blocks fit the ring, end the chain at the last one.
		remaining := x.remaining.Add(-1)
		if remaining == int32(d.ring.Len()) {
			d.ring.Terminate(int(x.rp.Load()))
		}
		if debug.Enabled {
			debug.Assert(remaining >= 0, "sdcard: DMA fetched more blocks than requested")
		}
	}
}

// armReception prepares the data path to receive blocks of bs bytes.
func (d *Driver) armReception(blocks, bs int) {
	debug.Assert(bs&(bs-1) == 0 && bs <= blockSize, "sdcard: invalid block size")
	h, x := d.host, &d.xfer

	d.dma.Disable()
	d.dma.Clear(mci.DMATerminalCount)
	d.ring.Circular(bs)
	d.dma.Enable(d.ring, mci.ToMemory)

	x.rp.Store(0)
	x.wp.Store(0)
	x.cause.Store(0)
	x.flags.Store(uint32(xferRead))

	h.Store(mci.DataLen, uint32(bs*blocks))
	h.Store(mci.DataTimer, d.dataCycles(readTimeout))
	h.Store(mci.Clear, uint32(mci.RxIntrMask))
	h.Store(mci.Mask0, uint32(mci.RxIntrMask))
	h.Store(mci.DataCtrl, uint32(mci.BlockSize(bits.TrailingZeros(uint(bs)))|
		mci.DataEnable|mci.DataDirection|mci.DataDMA))
}

// stopTransfer closes the data path.
func (d *Driver) stopTransfer() {
	h := d.host
	h.Store(mci.Mask0, 0)
	h.Store(mci.DataCtrl, 0)
	d.dma.Disable()
}

// dataCycles converts a duration to data clock cycles.
func (d *Driver) dataCycles(t time.Duration) uint32 {
	return uint32(uint64(d.cfg.DataClock) * uint64(t) / uint64(time.Second))
}

// await spins until ready returns true or the transfer is aborted. It gives up
// if the data timer of the controller failed to end a stalled transfer.
func (d *Driver) await(timeout time.Duration, ready func() bool) error {
	deadline := d.deadline(2*timeout + 100*time.Millisecond)
	for !ready() && !d.xfer.aborted() {
		if deadline.expired() {
			return ErrTimeout
		}
		runtime.Gosched()
	}
	return nil
}

// receive copies count blocks of bs bytes from the ring to p.
func (d *Driver) receive(p []byte, count, bs int) error {
	x := &d.xfer
	n := int32(d.ring.Len())

	for rp := int32(0); count > 0; count-- {
		err := d.await(readTimeout, func() bool { return rp != x.wp.Load() })
		if err != nil {
			return err
		}
		if err := x.err(); err != nil {
			return err
		}

		copy(p, d.ring.Slot(int(rp))[:bs])
		rp = (rp + 1) % n
		x.rp.Store(rp)
		if err := x.err(); err != nil {
			return err
		}
		p = p[bs:]
	}
	return nil
}
