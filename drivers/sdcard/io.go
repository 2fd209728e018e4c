package sdcard

import (
	"time"

	"github.com/clktmr/mci/drivers/diskio"
)

const readyTimeout = 500 * time.Millisecond

// Read reads count sectors starting at sector into p.
func (d *Driver) Read(p []byte, sector uint32, count int) error {
	if err := diskio.CheckTransfer(p, count); err != nil {
		return err
	}
	if err := d.ready(); err != nil {
		return err
	}
	addr := d.address(sector)

	if err := d.waitReady(readyTimeout); err != nil {
		return err
	}

	d.armReception(count, blockSize)
	defer d.stopTransfer()

	cmd := cmdReadSingle
	if count > 1 {
		cmd = cmdReadMultiple
	}
	if _, err := d.sendR1(cmd, addr, r1XferErrors); err != nil {
		return err
	}

	err := d.receive(p, count, blockSize)
	if cmd == cmdReadMultiple {
		d.sendCommand(cmdStopTransmit, 0, respShort)
	}
	if err != nil {
		d.log.Debug("read failed", "sector", sector, "count", count, "err", err)
	}
	return err
}
