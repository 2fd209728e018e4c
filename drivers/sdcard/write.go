//go:build !mci_readonly

package sdcard

import (
	"runtime"
	"time"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/lpc2387/mci"
)

// Write writes count sectors from p starting at sector.
func (d *Driver) Write(p []byte, sector uint32, count int) error {
	if err := diskio.CheckTransfer(p, count); err != nil {
		return err
	}
	st := d.Status()
	if st&diskio.StaNoInit != 0 {
		return diskio.ErrNotReady
	}
	if st&diskio.StaProtect != 0 {
		return diskio.ErrWriteProtected
	}
	addr := d.address(sector)

	if err := d.waitReady(readyTimeout); err != nil {
		return err
	}

	cmd := cmdWriteSingle
	if count > 1 {
		preset := cmdSetBlockCount
		if d.typ&TypeSD != 0 {
			preset = acmdSetWrBlkEraseCount
		}
		if _, err := d.sendR1(preset, uint32(count), r1XferErrors); err != nil {
			return err
		}
		cmd = cmdWriteMultiple
	}
	if _, err := d.sendR1(cmd, addr, r1XferErrors); err != nil {
		return err
	}

	err := d.transmit(p, count)
	d.stopTransfer()

	if cmd == cmdWriteMultiple && d.typ&TypeSD != 0 {
		d.sendCommand(cmdStopTransmit, 0, respShort)
	}
	if err != nil {
		d.log.Debug("write failed", "sector", sector, "count", count, "err", err)
	}
	return err
}

// transmit prefills the ring, starts the data path and keeps feeding it until
// all blocks were sent.
func (d *Driver) transmit(p []byte, count int) error {
	x := &d.xfer
	n := d.ring.Len()
	total := count

	wp := 0
	for count > 0 && wp < n {
		copy(d.ring.Slot(wp), p[:blockSize])
		p = p[blockSize:]
		wp++
		count--
	}
	wp %= n
	x.wp.Store(int32(wp))
	d.armTransmission(total)

	for count > 0 {
		err := d.await(writeTimeout, func() bool { return int32(wp) != x.rp.Load() })
		if err != nil {
			return err
		}
		if x.aborted() {
			break
		}

		copy(d.ring.Slot(wp), p[:blockSize])
		wp = (wp + 1) % n
		x.wp.Store(int32(wp))
		if x.aborted() {
			break
		}
		p = p[blockSize:]
		count--
	}

	// The ring runs empty after the last block was sent.
	deadline := d.deadline(writeTimeout * (1 + time.Duration(n)))
	for !x.aborted() {
		if deadline.expired() {
			return ErrTimeout
		}
		runtime.Gosched()
	}

	if xferFlags(x.flags.Load())&xferError != 0 {
		return x.err()
	}
	if count > 0 {
		return ErrUnderrun
	}
	return nil
}

// armTransmission prepares the data path to send blocks from the ring. The
// write index must be set beforehand.
func (d *Driver) armTransmission(blocks int) {
	h, x := d.host, &d.xfer

	d.dma.Disable()
	d.dma.Clear(mci.DMATerminalCount)
	d.ring.Chain(blocks)
	d.dma.Enable(d.ring, mci.ToCard)

	x.rp.Store(0)
	x.remaining.Store(int32(blocks))
	x.cause.Store(0)
	x.flags.Store(uint32(xferWrite))

	// TODO: verify on hardware whether DataLen needs an extra block on
	// writes, some ports program 512*(blocks+1) here.
	h.Store(mci.DataLen, uint32(blockSize*blocks))
	h.Store(mci.DataTimer, d.dataCycles(writeTimeout))
	h.Store(mci.Clear, uint32(mci.TxIntrMask))
	h.Store(mci.Mask0, uint32(mci.TxIntrMask))
	h.Store(mci.DataCtrl, uint32(mci.BlockSize(9)|mci.DataEnable|mci.DataDMA))
}
