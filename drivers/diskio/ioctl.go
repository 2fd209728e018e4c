package diskio

import (
	"encoding/binary"
	"fmt"
)

// Ioctl is a control code. Buffers exchange integers in little endian byte
// order.
type Ioctl uint8

const (
	CtrlSync        Ioctl = 0 // wait until pending writes completed
	GetSectorCount  Ioctl = 1 // uint32 number of sectors
	GetSectorSize   Ioctl = 2 // uint16 sector size in bytes
	GetBlockSize    Ioctl = 3 // uint32 erase block size in sectors
	CtrlEraseSector Ioctl = 4 // two uint32, first and last sector
	CtrlPower       Ioctl = 5 // buf[0] sub code, buf[1] power state

	MMCGetType     Ioctl = 10 // card type flags, 1 byte
	MMCGetCSD      Ioctl = 11 // 16 bytes
	MMCGetCID      Ioctl = 12 // 16 bytes
	MMCGetOCR      Ioctl = 13 // 4 bytes
	MMCGetSDStatus Ioctl = 14 // 64 bytes
)

// Sub codes of CtrlPower.
const (
	PowerOff uint8 = 0
	PowerGet uint8 = 1
)

var ioctlNames = map[Ioctl]string{
	CtrlSync:        "CTRL_SYNC",
	GetSectorCount:  "GET_SECTOR_COUNT",
	GetSectorSize:   "GET_SECTOR_SIZE",
	GetBlockSize:    "GET_BLOCK_SIZE",
	CtrlEraseSector: "CTRL_ERASE_SECTOR",
	CtrlPower:       "CTRL_POWER",
	MMCGetType:      "MMC_GET_TYPE",
	MMCGetCSD:       "MMC_GET_CSD",
	MMCGetCID:       "MMC_GET_CID",
	MMCGetOCR:       "MMC_GET_OCR",
	MMCGetSDStatus:  "MMC_GET_SDSTAT",
}

func (c Ioctl) String() string {
	if s, ok := ioctlNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Ioctl(%d)", uint8(c))
}

// BufSize returns the minimum buffer size for code c, or -1 for unknown codes.
func (c Ioctl) BufSize() int {
	switch c {
	case CtrlSync:
		return 0
	case GetSectorCount, GetBlockSize, MMCGetOCR:
		return 4
	case GetSectorSize, CtrlPower:
		return 2
	case CtrlEraseSector:
		return 8
	case MMCGetType:
		return 1
	case MMCGetCSD, MMCGetCID:
		return 16
	case MMCGetSDStatus:
		return 64
	}
	return -1
}

// SectorCount queries the number of sectors of dev.
func SectorCount(dev Device) (uint32, error) {
	var buf [4]byte
	if err := dev.Ioctl(GetSectorCount, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// BlockSize queries the erase block size of dev in sectors.
func BlockSize(dev Device) (uint32, error) {
	var buf [4]byte
	if err := dev.Ioctl(GetBlockSize, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// EraseSectors erases the inclusive sector range [start, end] of dev.
func EraseSectors(dev Device, start, end uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], start)
	binary.LittleEndian.PutUint32(buf[4:], end)
	return dev.Ioctl(CtrlEraseSector, buf[:])
}
