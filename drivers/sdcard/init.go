package sdcard

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/lpc2387/mci"
)

const initTimeout = time.Second

// Initialize power cycles the socket and runs the card identification. On
// success the card is selected in transfer state and the data clock is set.
// Any failure powers the socket down again.
func (d *Driver) Initialize() (diskio.Status, error) {
	if d.Status()&diskio.StaNoDisk != 0 {
		return d.Status(), diskio.ErrNoDisk
	}

	d.powerOff()
	d.host.Delay(time.Millisecond)
	d.powerOn()
	d.setClock(d.cfg.IdentClock, 0)
	d.host.Delay(250 * time.Microsecond)

	if err := d.identify(); err != nil {
		d.powerOff()
		d.log.Warn("card initialization failed", "err", err)
		return d.Status(), err
	}

	d.setStatus(0, diskio.StaNoInit)
	d.log.Info("card ready", "type", d.typ, "rca", d.rca, "sectors", d.sectorCount())
	return d.Status(), nil
}

func (d *Driver) identify() error {
	d.typ, d.rca = 0, 0

	// Reset to idle state
	d.sendCommand(cmdGoIdleState, 0, respNone)

	typ, ocr, err := d.negotiate()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(d.ocr[:], ocr)

	resp, err := d.sendCommand(cmdAllSendCID, 0, respLong)
	if err != nil {
		return err
	}
	putRegister(d.cid[:], resp)

	if typ&TypeSD != 0 {
		resp, err = d.sendCommand(cmdSetRelativeAddr, 0, respShort)
		if err != nil {
			return err
		}
		d.rca = uint16(resp[0] >> 16)
	} else {
		if _, err = d.sendCommand(cmdSetRelativeAddr, 1<<16, respShort); err != nil {
			return err
		}
		d.rca = 1
	}

	resp, err = d.sendCommand(cmdSendCSD, uint32(d.rca)<<16, respLong)
	if err != nil {
		return err
	}
	putRegister(d.csd[:], resp)

	if _, err = d.sendCommand(cmdSelectCard, uint32(d.rca)<<16, respShort); err != nil {
		return err
	}

	if typ&TypeBlock == 0 {
		if _, err = d.sendR1(cmdSetBlockLen, blockSize, r1SetupErrors); err != nil {
			return err
		}
	}

	if d.cfg.WideBus && typ&TypeSD != 0 {
		if _, err = d.sendR1(acmdSetBusWidth, 2, r1SetupErrors); err != nil {
			return err
		}
		d.host.Store(mci.Clock, d.host.Load(mci.Clock)|uint32(mci.ClockWideBus))
	}

	d.setClock(d.cfg.DataClock, d.clockFlags()&^mci.ClockEnable|mci.ClockPwrSave)

	d.typ = typ
	d.checkRegisters()
	return nil
}

// negotiate determines the card type and waits until the card finished its
// power up.
func (d *Driver) negotiate() (typ CardType, ocr uint32, err error) {
	deadline := d.deadline(initTimeout)

	cmd, arg := cmdSendOpCond, uint32(ocrVoltage)
	if resp, err := d.sendCommand(cmdSendIfCond, 0x1aa, respShort); err == nil && resp[0]&0xfff == 0x1aa {
		cmd, arg, typ = acmdSendOpCond, ocrVoltage|ocrHCS, TypeSD2
	} else if _, err := d.sendCommand(acmdSendOpCond, ocrVoltage, respShort); err == nil {
		cmd, typ = acmdSendOpCond, TypeSD1
	} else {
		typ = TypeMMC
	}
	d.log.Debug("card detected", "type", typ)

	for {
		resp, err := d.sendCommand(cmd, arg, respShort)
		if err == nil && resp[0]&ocrBusy != 0 {
			ocr = resp[0]
			break
		}
		if deadline.expired() {
			if err == nil {
				err = ErrTimeout
			}
			return 0, 0, fmt.Errorf("sdcard: waiting for %v: %w", typ, err)
		}
		runtime.Gosched()
	}

	if typ&TypeSD2 != 0 && ocr&ocrCCS != 0 {
		typ |= TypeBlock
	}
	return typ, ocr, nil
}

// putRegister stores a long response in big endian byte order.
func putRegister(dst []byte, resp [4]uint32) {
	for i, w := range resp {
		binary.BigEndian.PutUint32(dst[i*4:], w)
	}
}

// checkRegisters verifies the CRC of CID and CSD. Mismatches are only logged,
// since the controller may not deliver the CRC of long responses.
func (d *Driver) checkRegisters() {
	if !validCRC7(&d.cid) {
		d.log.Warn("CID checksum mismatch", "cid", fmt.Sprintf("%x", d.cid))
	}
	if !validCRC7(&d.csd) {
		d.log.Warn("CSD checksum mismatch", "csd", fmt.Sprintf("%x", d.csd))
	}
}
