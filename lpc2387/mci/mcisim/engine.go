package mcisim

import (
	"time"

	"github.com/clktmr/mci/lpc2387/mci"
)

// Bytes of the last received block that remain in the FIFO until a soft burst
// request drains them.
const fifoTail = 16

// engine moves the blocks of a single data transfer.
type engine struct {
	stop chan struct{}
	done chan struct{}
}

// startEngine launches the data path programmed in the registers. Must be
// called with h.mtx held.
func (h *Host) startEngine() {
	ctrl := mci.DataCtrlFlag(h.regs[mci.DataCtrl/4])
	e := &engine{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.eng = e

	bs := 1 << ((ctrl & mci.DataBlockSizeMask) >> mci.DataBlockSizeShift)
	xfer := transfer{
		receive: ctrl&mci.DataDirection != 0,
		bs:      bs,
		blocks:  int(h.regs[mci.DataLen/4]) / bs,
		timeout: h.dataTimeout(),
	}
	go h.run(e, xfer)
}

// stopEngine aborts a running transfer and waits for it to finish. Must be
// called without h.mtx held.
func (h *Host) stopEngine() {
	h.mtx.Lock()
	e := h.eng
	h.eng = nil
	h.mtx.Unlock()

	if e != nil {
		close(e.stop)
		<-e.done
	}
}

type transfer struct {
	receive bool
	bs      int
	blocks  int
	timeout time.Duration
}

// sleep waits for d and reports if the engine should keep running.
func (e *engine) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stop:
		return false
	case <-t.C:
		return true
	}
}

// fail ends the transfer with the given status flags.
func (h *Host) fail(s mci.StatusFlag) {
	h.mtx.Lock()
	h.setStatus(s)
	h.mtx.Unlock()
	h.raise(mci.IrqMCI)
}

func (h *Host) run(e *engine, x transfer) {
	defer close(e.done)

	// Wait for the card to enter the data phase.
	started := time.Now()
	for {
		h.mtx.Lock()
		ready := h.card != nil && h.card.op != nil && h.card.op.write != x.receive
		h.mtx.Unlock()
		if ready {
			break
		}
		if time.Since(started) > x.timeout {
			h.fail(mci.DataTimeOut)
			return
		}
		if !e.sleep(20 * time.Microsecond) {
			return
		}
	}

	for block := 0; block < x.blocks; block++ {
		if !e.sleep(h.cfg.BlockDelay) {
			return
		}
		last := block == x.blocks-1

		var ok bool
		if x.receive {
			ok = h.receiveBlock(e, x, block, last)
		} else {
			ok = h.transmitBlock(e, x, block, last)
		}
		if !ok {
			return
		}
	}
}

// checkBlock runs the checks shared by both directions. It returns the flags
// that end the transfer, or 0. Must be called with h.mtx held.
func (h *Host) checkBlock(x transfer, block int) mci.StatusFlag {
	card := h.card
	if card == nil || card.op == nil {
		return mci.DataTimeOut
	}
	f, ok := h.dataFaults[block]
	if ok {
		delete(h.dataFaults, block)
	} else {
		latency := card.cfg.ReadLatency
		if !x.receive {
			latency = card.cfg.WriteLatency
		}
		if latency > x.timeout {
			f = mci.DataTimeOut
		}
	}
	if f != 0 {
		card.abort()
	}
	return f
}

func (h *Host) receiveBlock(e *engine, x transfer, block int, last bool) bool {
	h.mtx.Lock()
	if h.eng != e {
		h.mtx.Unlock()
		return false
	}
	if f := h.checkBlock(x, block); f != 0 {
		h.mtx.Unlock()
		h.fail(f)
		return false
	}

	data := make([]byte, x.bs)
	if err := h.card.readBlock(data); err != nil {
		h.mtx.Unlock()
		h.fail(mci.DataTimeOut)
		return false
	}

	d := &h.dma
	if !d.enabled || d.cur == mci.NoNext {
		h.mtx.Unlock()
		h.fail(mci.RxOverrun)
		return false
	}
	desc := d.ll.Descriptor(d.cur)
	d.cur = desc.Next()
	if last {
		split := max(len(desc.Buf)-fifoTail, 0)
		copy(desc.Buf, data[:split])
		d.tail, d.tailDst = data[split:], desc.Buf[split:]
	} else {
		copy(desc.Buf, data)
		d.status |= mci.DMATerminalCount
	}
	h.mtx.Unlock()

	if !last {
		h.raise(mci.IrqDMA)
	}

	flags := mci.DataBlockEnd
	if last {
		flags |= mci.DataEnd
	}
	h.mtx.Lock()
	h.setStatus(flags)
	h.mtx.Unlock()
	h.raise(mci.IrqMCI)

	h.mtx.Lock()
	burst := d.burst
	d.burst = false
	h.mtx.Unlock()
	if burst {
		h.raise(mci.IrqDMA)
	}
	return true
}

func (h *Host) transmitBlock(e *engine, x transfer, block int, last bool) bool {
	h.mtx.Lock()
	if h.eng != e {
		h.mtx.Unlock()
		return false
	}
	if f := h.checkBlock(x, block); f != 0 {
		h.mtx.Unlock()
		h.fail(f)
		return false
	}

	d := &h.dma
	if !d.enabled || d.cur == mci.NoNext {
		h.mtx.Unlock()
		h.fail(mci.TxUnderrun)
		return false
	}
	desc := d.ll.Descriptor(d.cur)
	data := make([]byte, x.bs)
	copy(data, desc.Buf)
	next := desc.Next()
	d.status |= mci.DMATerminalCount
	h.mtx.Unlock()

	h.raise(mci.IrqDMA)

	h.mtx.Lock()
	d.cur = next
	if h.eng != e || h.card == nil || h.card.op == nil {
		h.mtx.Unlock()
		return false
	}
	if err := h.card.writeBlock(data); err != nil {
		h.mtx.Unlock()
		h.fail(mci.DataTimeOut)
		return false
	}
	flags := mci.DataBlockEnd
	if last {
		flags |= mci.DataEnd
	}
	h.setStatus(flags)
	h.mtx.Unlock()

	h.raise(mci.IrqMCI)
	return true
}
