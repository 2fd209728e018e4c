package sdcard

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sigurn/crc8"
	"golang.org/x/exp/constraints"
)

// CRC7 in the shifted form used by SD registers, the checksum occupies bits 7:1
// of the last byte.
var crc7 = crc8.MakeTable(crc8.Params{0x12, 0x00, false, false, 0x00, 0xEA, "CRC-7/MMC"})

// CRC7 returns the checksum of data shifted left by one.
func CRC7(data []byte) uint8 {
	csum := crc8.Init(crc7)
	csum = crc8.Update(csum, data, crc7)
	return crc8.Complete(csum, crc7)
}

func validCRC7(r *[16]byte) bool {
	return CRC7(r[:15]) == r[15]&0xfe
}

// field extracts bits msb:lsb of the 128 bit big endian register r.
func field[T constraints.Unsigned](r *[16]byte, msb, lsb int) (v T) {
	for i := msb; i >= lsb; i-- {
		v = v<<1 | T(r[15-i/8]>>(i%8)&1)
	}
	return v
}

func flag(r *[16]byte, bit int) bool {
	return field[uint8](r, bit, bit) != 0
}

// CSD is the decoded card specific data register. Version 1 fields are decoded
// regardless of Structure; version 2 registers only define a subset.
type CSD struct {
	Raw [16]byte

	Structure        uint8
	TAAC             uint8
	NSAC             uint8
	TranSpeed        uint8
	CCC              uint16
	ReadBlLen        uint8
	ReadBlPartial    bool
	WriteBlkMisalign bool
	ReadBlkMisalign  bool
	DSRImp           bool
	CSize            uint32
	VddRCurrMin      uint8
	VddRCurrMax      uint8
	VddWCurrMin      uint8
	VddWCurrMax      uint8
	CSizeMult        uint8
	EraseBlkEn       bool
	SectorSize       uint8 // erase sector size - 1, in write blocks
	EraseGrpSize     uint8 // MMC
	EraseGrpMult     uint8 // MMC
	WPGrpSize        uint8
	WPGrpEnable      bool
	R2WFactor        uint8
	WriteBlLen       uint8
	WriteBlPartial   bool
	FileFormatGrp    bool
	Copy             bool
	PermWriteProtect bool
	TmpWriteProtect  bool
	FileFormat       uint8
	CRC              uint8
}

func ParseCSD(raw [16]byte) (c CSD) {
	r := &raw
	c.Raw = raw
	c.Structure = field[uint8](r, 127, 126)
	c.TAAC = field[uint8](r, 119, 112)
	c.NSAC = field[uint8](r, 111, 104)
	c.TranSpeed = field[uint8](r, 103, 96)
	c.CCC = field[uint16](r, 95, 84)
	c.ReadBlLen = field[uint8](r, 83, 80)
	c.ReadBlPartial = flag(r, 79)
	c.WriteBlkMisalign = flag(r, 78)
	c.ReadBlkMisalign = flag(r, 77)
	c.DSRImp = flag(r, 76)
	if c.Structure == 1 {
		c.CSize = field[uint32](r, 69, 48)
	} else {
		c.CSize = field[uint32](r, 73, 62)
		c.VddRCurrMin = field[uint8](r, 61, 59)
		c.VddRCurrMax = field[uint8](r, 58, 56)
		c.VddWCurrMin = field[uint8](r, 55, 53)
		c.VddWCurrMax = field[uint8](r, 52, 50)
		c.CSizeMult = field[uint8](r, 49, 47)
	}
	c.EraseBlkEn = flag(r, 46)
	c.SectorSize = field[uint8](r, 45, 39)
	c.EraseGrpSize = field[uint8](r, 46, 42)
	c.EraseGrpMult = field[uint8](r, 41, 37)
	c.WPGrpSize = field[uint8](r, 38, 32)
	c.WPGrpEnable = flag(r, 31)
	c.R2WFactor = field[uint8](r, 28, 26)
	c.WriteBlLen = field[uint8](r, 25, 22)
	c.WriteBlPartial = flag(r, 21)
	c.FileFormatGrp = flag(r, 15)
	c.Copy = flag(r, 14)
	c.PermWriteProtect = flag(r, 13)
	c.TmpWriteProtect = flag(r, 12)
	c.FileFormat = field[uint8](r, 11, 10)
	c.CRC = field[uint8](r, 7, 1)
	return c
}

// Sectors returns the capacity in 512 byte sectors.
func (c *CSD) Sectors() uint32 {
	if c.Structure == 1 {
		return (c.CSize + 1) << 10
	}
	shift := int(c.ReadBlLen) + int(c.CSizeMult) + 2 - 9
	if shift < 0 {
		return (c.CSize + 1) >> -shift
	}
	return (c.CSize + 1) << shift
}

// EraseBlockSize returns the erase granularity in sectors for a card of type t.
func (c *CSD) EraseBlockSize(t CardType) uint32 {
	switch {
	case t&TypeSD2 != 0:
		return 16 << (c.Raw[10] >> 4)
	case t&TypeSD1 != 0:
		shift := int(c.WriteBlLen) - 9
		if shift < 0 {
			shift = 0
		}
		return (uint32(c.SectorSize) + 1) << shift
	}
	return (uint32(c.EraseGrpSize) + 1) * (uint32(c.EraseGrpMult) + 1)
}

// CanErase reports whether sector ranges can be erased on a card of type t.
func (c *CSD) CanErase(t CardType) bool {
	return t&TypeSD != 0 && (c.Structure != 0 || c.EraseBlkEn)
}

// CID is the decoded card identification register.
type CID struct {
	Raw [16]byte

	MID   uint8  // manufacturer
	OID   string // OEM/application
	PNM   string // product name
	PRV   uint8  // product revision, BCD
	PSN   uint32 // serial number
	Year  int
	Month int
	CRC   uint8
}

// ParseCID decodes raw for a card of type t. MMC uses a different layout than
// SD cards.
func ParseCID(raw [16]byte, t CardType) (c CID) {
	r := &raw
	c.Raw = raw
	c.MID = raw[0]
	if t&TypeMMC != 0 {
		c.OID = fmt.Sprintf("%02x", raw[2])
		c.PNM = printable(raw[3:9])
		c.PRV = raw[9]
		c.PSN = binary.BigEndian.Uint32(raw[10:14])
		c.Month = int(field[uint8](r, 15, 12))
		c.Year = 1997 + int(field[uint8](r, 11, 8))
	} else {
		c.OID = printable(raw[1:3])
		c.PNM = printable(raw[3:8])
		c.PRV = raw[8]
		c.PSN = binary.BigEndian.Uint32(raw[9:13])
		c.Year = 2000 + int(field[uint8](r, 19, 12))
		c.Month = int(field[uint8](r, 11, 8))
	}
	c.CRC = field[uint8](r, 7, 1)
	return c
}

func (c *CID) Revision() string {
	return fmt.Sprintf("%d.%d", c.PRV>>4, c.PRV&0xf)
}

func printable(b []byte) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, string(b))
}

// SDStatus is the decoded SD status returned by ACMD13.
type SDStatus struct {
	Raw [64]byte

	BusWidth        uint8 // 0: 1 bit, 2: 4 bit
	SecuredMode     bool
	CardType        uint16
	ProtectedArea   uint32
	SpeedClass      uint8
	PerformanceMove uint8 // MB/s
	AUSize          uint8
	EraseSize       uint16 // in AUs
	EraseTimeout    uint8  // seconds
	EraseOffset     uint8  // seconds
	UHSSpeedGrade   uint8
	UHSAUSize       uint8
}

func ParseSDStatus(raw [64]byte) (s SDStatus) {
	s.Raw = raw
	s.BusWidth = raw[0] >> 6
	s.SecuredMode = raw[0]&0x20 != 0
	s.CardType = binary.BigEndian.Uint16(raw[2:4])
	s.ProtectedArea = binary.BigEndian.Uint32(raw[4:8])
	s.SpeedClass = raw[8]
	s.PerformanceMove = raw[9]
	s.AUSize = raw[10] >> 4
	s.EraseSize = binary.BigEndian.Uint16(raw[11:13])
	s.EraseTimeout = raw[13] >> 2
	s.EraseOffset = raw[13] & 3
	s.UHSSpeedGrade = raw[14] >> 4
	s.UHSAUSize = raw[14] & 0xf
	return s
}

// AUBytes returns the size of an allocation unit in bytes, or 0 if undefined.
func (s *SDStatus) AUBytes() uint32 {
	switch au := s.AUSize; {
	case au == 0:
		return 0
	case au < 0xb:
		return 1 << (13 + au)
	case au == 0xb:
		return 12 << 20
	case au == 0xc:
		return 16 << 20
	case au == 0xd:
		return 24 << 20
	default:
		return 1 << (11 + au)
	}
}

// SpeedClassRating returns the minimum write speed in MB/s the card
// guarantees.
func (s *SDStatus) SpeedClassRating() int {
	switch s.SpeedClass {
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 6
	case 4:
		return 10
	}
	return 0
}
