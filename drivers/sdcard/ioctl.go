package sdcard

import (
	"encoding/binary"
	"time"

	"github.com/clktmr/mci/drivers/diskio"
)

const eraseTimeout = 30 * time.Second

// Sync waits until the card finished programming.
func (d *Driver) Sync() error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.waitReady(readyTimeout)
}

// SectorCount returns the capacity of the card in sectors.
func (d *Driver) SectorCount() (uint32, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.sectorCount(), nil
}

func (d *Driver) sectorCount() uint32 {
	csd := ParseCSD(d.csd)
	return csd.Sectors()
}

// EraseBlockSize returns the erase granularity in sectors.
func (d *Driver) EraseBlockSize() (uint32, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	csd := ParseCSD(d.csd)
	return csd.EraseBlockSize(d.typ), nil
}

// Erase erases the sectors start through end. Only SD cards that support
// erasing single write blocks are accepted.
func (d *Driver) Erase(start, end uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	csd := ParseCSD(d.csd)
	if !csd.CanErase(d.typ) {
		return ErrNotSupported
	}
	start, end = d.address(start), d.address(end)

	if err := d.waitReady(readyTimeout); err != nil {
		return err
	}
	if _, err := d.sendCommand(cmdEraseStart, start, respShort); err != nil {
		return err
	}
	if _, err := d.sendCommand(cmdEraseEnd, end, respShort); err != nil {
		return err
	}
	if _, err := d.sendCommand(cmdErase, 0, respShort); err != nil {
		return err
	}
	return d.waitReady(eraseTimeout)
}

// PowerOff cuts the socket power. The card must be initialized again
// afterwards.
func (d *Driver) PowerOff() error {
	if err := d.ready(); err != nil {
		return err
	}
	d.powerOff()
	return nil
}

// Powered reports whether the socket is powered.
func (d *Driver) Powered() (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	return d.powerStatus(), nil
}

func (d *Driver) Type() (CardType, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.typ, nil
}

func (d *Driver) CSD() (CSD, error) {
	if err := d.ready(); err != nil {
		return CSD{}, err
	}
	return ParseCSD(d.csd), nil
}

func (d *Driver) CID() (CID, error) {
	if err := d.ready(); err != nil {
		return CID{}, err
	}
	return ParseCID(d.cid, d.typ), nil
}

// OCR returns the operation conditions register.
func (d *Driver) OCR() (uint32, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.ocr[:]), nil
}

// SDStatus reads the SD status of the card through the data path.
func (d *Driver) SDStatus() (s SDStatus, err error) {
	if err = d.ready(); err != nil {
		return
	}
	if d.typ&TypeSD == 0 {
		return s, ErrNotSupported
	}
	defer d.stopTransfer()

	if err = d.waitReady(readyTimeout); err != nil {
		return
	}

	d.armReception(1, sdStatusSize)
	if _, err = d.sendR1(acmdSDStatus, 0, r1XferErrors); err != nil {
		return
	}
	err = d.await(readTimeout, func() bool { return d.xfer.wp.Load() != 0 })
	if err != nil {
		return
	}
	if err = d.xfer.err(); err != nil {
		return
	}

	var raw [sdStatusSize]byte
	copy(raw[:], d.ring.Slot(0))
	return ParseSDStatus(raw), nil
}

// Ioctl implements the control codes of [diskio.Device].
func (d *Driver) Ioctl(code diskio.Ioctl, buf []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if n := code.BufSize(); n < 0 || len(buf) < n {
		return diskio.ErrParam
	}

	le := binary.LittleEndian
	switch code {
	case diskio.CtrlSync:
		return d.Sync()

	case diskio.GetSectorCount:
		le.PutUint32(buf, d.sectorCount())

	case diskio.GetSectorSize:
		le.PutUint16(buf, blockSize)

	case diskio.GetBlockSize:
		n, err := d.EraseBlockSize()
		if err != nil {
			return err
		}
		le.PutUint32(buf, n)

	case diskio.CtrlEraseSector:
		return d.Erase(le.Uint32(buf[0:]), le.Uint32(buf[4:]))

	case diskio.CtrlPower:
		switch buf[0] {
		case diskio.PowerOff:
			d.powerOff()
		case diskio.PowerGet:
			buf[1] = 0
			if d.powerStatus() {
				buf[1] = 1
			}
		default:
			return diskio.ErrParam
		}

	case diskio.MMCGetType:
		buf[0] = uint8(d.typ)

	case diskio.MMCGetCSD:
		copy(buf, d.csd[:])

	case diskio.MMCGetCID:
		copy(buf, d.cid[:])

	case diskio.MMCGetOCR:
		copy(buf, d.ocr[:])

	case diskio.MMCGetSDStatus:
		s, err := d.SDStatus()
		if err != nil {
			return err
		}
		copy(buf, s.Raw[:])

	default:
		return diskio.ErrParam
	}
	return nil
}

var _ diskio.Device = (*Driver)(nil)
