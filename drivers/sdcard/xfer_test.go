package sdcard

import (
	"errors"
	"testing"
	"time"

	"github.com/clktmr/mci/lpc2387/mci"
)

// fakeHost answers every command immediately with the status configured for
// its index.
type fakeHost struct {
	regs   [mci.RegLast / 4]uint32
	status map[uint32]mci.StatusFlag
	dma    fakeDMA
	now    time.Duration
}

func newFakeHost() *fakeHost {
	return &fakeHost{status: make(map[uint32]mci.StatusFlag)}
}

func (h *fakeHost) Load(r mci.Reg) uint32 { return h.regs[r/4] }

func (h *fakeHost) Store(r mci.Reg, v uint32) {
	switch r {
	case mci.Clear:
		h.regs[mci.Status/4] &^= v
	case mci.Command:
		h.regs[r/4] = v
		cmd := mci.CommandFlag(v)
		if cmd&mci.CmdEnable == 0 {
			return
		}
		s, ok := h.status[uint32(cmd&mci.CmdIndexMask)]
		if !ok {
			s = mci.CmdRespEnd
			if cmd&mci.CmdResponse == 0 {
				s = mci.CmdSent
			}
		}
		h.regs[mci.Status/4] |= uint32(s)
		h.regs[mci.Resp0/4] = r1StateTran
	default:
		h.regs[r/4] = v
	}
}

func (h *fakeHost) DMA() mci.DMA { return &h.dma }
func (h *fakeHost) SetHandler(irq mci.IRQ, handler func()) {}
func (h *fakeHost) Delay(d time.Duration) { h.now += d }
func (h *fakeHost) CardDetect() bool { return true }
func (h *fakeHost) WriteProtect() bool { return false }

func (h *fakeHost) Nanotime() time.Duration {
	h.now += time.Millisecond
	return h.now
}

type fakeDMA struct {
	status mci.DMAStatus
	bursts int
}

func (d *fakeDMA) Enable(ll *mci.LinkList, dir mci.Direction) {}
func (d *fakeDMA) Disable() {}
func (d *fakeDMA) Status() mci.DMAStatus { return d.status }
func (d *fakeDMA) Clear(s mci.DMAStatus) { d.status &^= s }
func (d *fakeDMA) SoftBurstRequest() { d.bursts++ }

func newFakeDriver(buffers int) (*Driver, *fakeHost) {
	h := newFakeHost()
	return New(h, Config{Buffers: buffers}), h
}

func TestTransactCRC(t *testing.T) {
	tests := map[string]struct {
		idx uint32
		err error
	}{
		"CMD1":   {1, nil},
		"CMD12":  {12, nil},
		"ACMD41": {41, nil},
		"CMD17":  {17, ErrCRC},
		"CMD9":   {9, ErrCRC},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, h := newFakeDriver(2)
			h.status[tc.idx] = mci.CmdCrcFail
			_, err := d.transact(tc.idx, 0, respShort)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestTransactTimeout(t *testing.T) {
	d, h := newFakeDriver(2)

	// No status flag at all, the deadline ends the transaction.
	h.status[8] = 0
	if _, err := d.transact(8, 0x1aa, respShort); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected %v, got %v", ErrTimeout, err)
	}

	h.status[8] = mci.CmdTimeOut
	if _, err := d.transact(8, 0x1aa, respShort); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected %v, got %v", ErrTimeout, err)
	}
}

func TestSendR1(t *testing.T) {
	d, h := newFakeDriver(2)
	h.status[16] = mci.CmdRespEnd

	if _, err := d.sendR1(cmdSetBlockLen, 512, r1SetupErrors); err != nil {
		t.Fatal(err)
	}
	resp, err := d.sendR1(cmdSetBlockLen, 512, r1StateMask)
	var cerr *CommandError
	if !errors.As(err, &cerr) || !errors.Is(err, ErrCardStatus) {
		t.Fatalf("expected %v, got %v", ErrCardStatus, err)
	}
	if cerr.Cmd != "CMD16" || resp != r1StateTran {
		t.Fatalf("unexpected error %v", cerr)
	}
}

func TestReceiveOverrun(t *testing.T) {
	d, h := newFakeDriver(2)
	d.xfer.flags.Store(uint32(xferRead))

	for i := range 2 {
		h.regs[mci.Status/4] = uint32(mci.DataBlockEnd)
		d.mciInterrupt()
		if s := h.regs[mci.Status/4]; s != 0 {
			t.Fatalf("status %#x not cleared (i=%v)", s, i)
		}
	}
	if wp := d.xfer.wp.Load(); wp != 0 {
		t.Fatalf("expected %v, got %v", 0, wp)
	}
	if err := d.xfer.err(); !errors.Is(err, ErrOverrun) {
		t.Fatalf("expected %v, got %v", ErrOverrun, err)
	}
}

func TestReceiveDataEnd(t *testing.T) {
	d, h := newFakeDriver(4)
	d.xfer.flags.Store(uint32(xferRead))

	h.regs[mci.Status/4] = uint32(mci.DataBlockEnd)
	d.mciInterrupt()
	h.regs[mci.Status/4] = uint32(mci.DataBlockEnd | mci.DataEnd)
	d.mciInterrupt()

	if h.dma.bursts != 1 {
		t.Fatalf("expected %v, got %v", 1, h.dma.bursts)
	}
	if wp := d.xfer.wp.Load(); wp != 2 {
		t.Fatalf("expected %v, got %v", 2, wp)
	}
	if err := d.xfer.err(); err != nil {
		t.Fatal(err)
	}
}

func TestTransmitUnderrun(t *testing.T) {
	d, h := newFakeDriver(4)
	d.xfer.flags.Store(uint32(xferWrite))
	d.xfer.wp.Store(2)

	h.regs[mci.Status/4] = uint32(mci.DataBlockEnd)
	d.mciInterrupt()
	if d.xfer.aborted() {
		t.Fatal("aborted with a block queued")
	}
	h.regs[mci.Status/4] = uint32(mci.DataBlockEnd)
	d.mciInterrupt()
	if err := d.xfer.err(); !errors.Is(err, ErrUnderrun) {
		t.Fatalf("expected %v, got %v", ErrUnderrun, err)
	}
}

func TestTransferError(t *testing.T) {
	tests := map[string]struct {
		status mci.StatusFlag
		err    error
	}{
		"crc":     {mci.DataCrcFail, ErrCRC},
		"timeout": {mci.DataTimeOut, ErrTimeout},
		"overrun": {mci.RxOverrun, ErrOverrun},
		"start":   {mci.StartBitErr, ErrController},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, h := newFakeDriver(2)
			d.xfer.flags.Store(uint32(xferRead))
			h.regs[mci.Status/4] = uint32(tc.status)
			d.mciInterrupt()
			if !d.xfer.aborted() {
				t.Fatal("transfer not aborted")
			}
			if err := d.xfer.err(); !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestTerminateChain(t *testing.T) {
	d, h := newFakeDriver(4)
	d.ring.Chain(10)
	d.xfer.flags.Store(uint32(xferWrite))
	d.xfer.remaining.Store(10)
	d.xfer.rp.Store(2)

	for i := range 6 {
		for j := range d.ring.Len() {
			if d.ring.Descriptor(j).Next() == mci.NoNext {
				t.Fatalf("chain terminated early at %v (i=%v)", j, i)
			}
		}
		h.dma.status = mci.DMATerminalCount
		d.dmaInterrupt()
		if h.dma.status != 0 {
			t.Fatalf("status %v not cleared", h.dma.status)
		}
	}
	if next := d.ring.Descriptor(2).Next(); next != mci.NoNext {
		t.Fatalf("expected %v, got %v", mci.NoNext, next)
	}

	// Error interrupts leave the chain alone.
	h.dma.status = mci.DMAError
	d.dmaInterrupt()
	if r := d.xfer.remaining.Load(); r != 4 {
		t.Fatalf("expected %v, got %v", 4, r)
	}
}

func TestSetClock(t *testing.T) {
	tests := map[string]struct {
		hz  uint32
		div uint32
	}{
		"ident":   {400_000, 44},
		"data":    {18_000_000, 0},
		"1MHz":    {1_000_000, 17},
		"clamped": {100, 255},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, h := newFakeDriver(2)
			d.setClock(tc.hz, mci.ClockPwrSave)
			exp := uint32(mci.ClockEnable|mci.ClockPwrSave) | tc.div
			if clk := h.regs[mci.Clock/4]; clk != exp {
				t.Fatalf("expected %#x, got %#x", exp, clk)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	d, _ := newFakeDriver(2)
	d.typ = TypeSD1
	if a := d.address(3); a != 3*512 {
		t.Fatalf("expected %v, got %v", 3*512, a)
	}
	d.typ = TypeSD2 | TypeBlock
	if a := d.address(3); a != 3 {
		t.Fatalf("expected %v, got %v", 3, a)
	}
}
