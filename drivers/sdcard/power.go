package sdcard

import (
	"time"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/lpc2387/mci"
)

func (d *Driver) powerOn() {
	h := d.host
	h.Store(mci.Mask0, 0)
	h.Store(mci.Command, 0)
	h.Store(mci.DataCtrl, 0)
	d.dma.Disable()

	h.SetHandler(mci.IrqMCI, d.mciInterrupt)
	h.SetHandler(mci.IrqDMA, d.dmaInterrupt)

	h.Store(mci.Power, uint32(mci.PowerUp))
	h.Delay(time.Millisecond)
	h.Store(mci.Power, uint32(mci.PowerOn))
}

func (d *Driver) powerOff() {
	h := d.host
	h.Store(mci.Mask0, 0)
	h.Store(mci.Command, 0)
	h.Store(mci.DataCtrl, 0)

	h.Store(mci.Power, 0)
	h.Store(mci.Clock, 0)

	d.setStatus(diskio.StaNoInit, 0)
}

func (d *Driver) powerStatus() bool {
	return mci.PowerFlag(d.host.Load(mci.Power))&mci.PowerMask != 0
}

// setClock enables MCICLK at the highest frequency not above hz.
func (d *Driver) setClock(hz uint32, flags mci.ClockFlag) {
	div := d.cfg.PeripheralClock / hz / 2
	if div > 0 {
		div--
	}
	div = min(div, uint32(mci.ClockDivMask))
	d.host.Store(mci.Clock, uint32(mci.ClockEnable|flags)|div)
}

func (d *Driver) clockFlags() mci.ClockFlag {
	return mci.ClockFlag(d.host.Load(mci.Clock)) & mci.ClockFlagsMask
}
