package mcisim

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sigurn/crc8"
)

// Kind selects the card generation to emulate.
type Kind int

const (
	MMC  Kind = iota // MMC version 3, byte addressed
	SDv1             // SD version 1, byte addressed
	SDv2             // SD version 2, standard capacity
	SDHC             // SD version 2, block addressed
)

func (k Kind) String() string {
	switch k {
	case MMC:
		return "MMC"
	case SDv1:
		return "SDv1"
	case SDv2:
		return "SDv2"
	case SDHC:
		return "SDHC"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) isSD() bool { return k != MMC }

// Image is the storage medium of a card.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

type CardConfig struct {
	Kind    Kind
	Sectors uint32

	// Clear ERASE_BLK_EN of standard capacity cards.
	NoEraseBlk bool

	// Number of busy answers to ACMD41 or CMD1 before power up completes.
	InitPolls int
	// Number of CMD13 polls the card stays in programming state after a
	// write, stop or erase.
	BusyPolls int

	// Access time per block, compared against the data timer.
	ReadLatency  time.Duration
	WriteLatency time.Duration
}

type cardState uint32

const (
	stateIdle cardState = iota
	stateReady
	stateIdent
	stateStby
	stateTran
	stateData
	stateRcv
	statePrg
	stateDis
)

// R1 status bits
const (
	r1OutOfRange     = 1 << 31
	r1AddressError   = 1 << 30
	r1BlockLenError  = 1 << 29
	r1IllegalCommand = 1 << 22
	r1ReadyForData   = 1 << 8
	r1AppCmd         = 1 << 5
)

// dataOp is a pending data phase of a card.
type dataOp struct {
	write  bool
	sector uint32
	count  int // preset block count, 0 for open ended transfers
	done   int
	status bool // SD status instead of medium access
}

// Card emulates a SD or MMC card. Its state is guarded by the Host it is
// inserted into.
type Card struct {
	cfg   CardConfig
	image Image

	writeProtected bool

	state    cardState
	rca      uint16
	appCmd   bool
	hcs      bool
	ocrPolls int
	busy     int
	blockLen uint32
	busWidth uint8
	preset   int

	eraseStart, eraseEnd uint32

	op *dataOp

	csd, cid [16]byte
}

// NewCard returns a card with the given medium, which must hold at least
// cfg.Sectors sectors. It panics if cfg isn't valid.
func NewCard(cfg CardConfig, img Image) *Card {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	c := &Card{cfg: cfg, image: img}
	c.csd = c.buildCSD()
	c.cid = c.buildCID()
	c.reset()
	return c
}

// NewMemCard returns a card with a zeroed in-memory medium.
func NewMemCard(cfg CardConfig) *Card {
	return NewCard(cfg, NewMemImage(int64(cfg.Sectors)*512))
}

func (c *Card) Kind() Kind { return c.cfg.Kind }

func (c *Card) Sectors() uint32 { return c.cfg.Sectors }

func (c *Card) Image() Image { return c.image }

// CSD returns the register as stored on the card, including its CRC.
func (c *Card) CSD() [16]byte { return c.csd }

func (c *Card) CID() [16]byte { return c.cid }

func (c *Card) blockAddressed() bool {
	return c.cfg.Kind == SDHC && c.hcs
}

func (c *Card) reset() {
	c.state = stateIdle
	c.rca = 0
	c.appCmd = false
	c.hcs = false
	c.ocrPolls = c.cfg.InitPolls
	c.busy = 0
	c.blockLen = 512
	c.busWidth = 0
	c.preset = 0
	c.op = nil
}

// response is the answer of a card to a command.
type response struct {
	none  bool
	long  bool
	noCRC bool
	words [4]uint32
}

var noResponse = response{none: true}

func short(w uint32) response {
	return response{words: [4]uint32{w}}
}

// r3 answers with the OCR, which isn't protected by a CRC.
func r3(ocr uint32) response {
	return response{words: [4]uint32{ocr}, noCRC: true}
}

func long(r [16]byte) response {
	var resp response
	resp.long = true
	for i := range resp.words {
		resp.words[i] = binary.BigEndian.Uint32(r[i*4:])
	}
	resp.words[3] &^= 1 // end bit isn't stored
	return resp
}

func (c *Card) r1(extra uint32) response {
	st := uint32(c.state) << 9
	if c.state == stateTran {
		st |= r1ReadyForData
	}
	if c.appCmd {
		st |= r1AppCmd
	}
	return short(st | extra)
}

// command executes a command received on the bus.
func (c *Card) command(idx uint8, arg uint32) response {
	app := c.appCmd
	c.appCmd = false
	if app && c.cfg.Kind.isSD() {
		if resp, ok := c.appCommand(idx, arg); ok {
			return resp
		}
	}

	switch idx {
	case 0:
		c.reset()
		return noResponse

	case 1:
		if c.cfg.Kind != MMC || c.state != stateIdle && c.state != stateReady {
			return noResponse
		}
		return c.powerUp(false)

	case 2:
		if c.state != stateReady {
			return noResponse
		}
		c.state = stateIdent
		return long(c.cid)

	case 3:
		if c.state != stateIdent && c.state != stateStby {
			return noResponse
		}
		if c.cfg.Kind == MMC {
			resp := c.r1(0)
			c.rca = uint16(arg >> 16)
			c.state = stateStby
			return resp
		}
		st := (uint32(c.state)<<9 | r1ReadyForData) & 0x1fff
		c.state = stateStby
		c.rca = 0xb368
		return short(uint32(c.rca)<<16 | st)

	case 7:
		if uint16(arg>>16) != c.rca {
			if c.state == stateTran {
				c.state = stateStby
			}
			return noResponse
		}
		if c.state != stateStby {
			return c.r1(r1IllegalCommand)
		}
		resp := c.r1(0)
		c.state = stateTran
		return resp

	case 8:
		if c.cfg.Kind != SDv2 && c.cfg.Kind != SDHC || c.state != stateIdle {
			return noResponse
		}
		return short(arg & 0xfff)

	case 9, 10:
		if uint16(arg>>16) != c.rca || c.state != stateStby {
			return noResponse
		}
		if idx == 9 {
			return long(c.csd)
		}
		return long(c.cid)

	case 12:
		resp := c.r1(0)
		if c.op != nil {
			if c.op.write {
				c.enterPrg()
			} else {
				c.state = stateTran
			}
			c.op = nil
		}
		return resp

	case 13:
		if uint16(arg>>16) != c.rca {
			return noResponse
		}
		if c.state == statePrg {
			if c.busy > 0 {
				c.busy--
			} else {
				c.state = stateTran
			}
		}
		return c.r1(0)

	case 16:
		if c.state != stateTran {
			return c.r1(r1IllegalCommand)
		}
		if arg != 512 {
			return c.r1(r1BlockLenError)
		}
		c.blockLen = arg
		return c.r1(0)

	case 17, 18, 24, 25:
		if c.state != stateTran {
			return c.r1(r1IllegalCommand)
		}
		sector, errBits := c.sector(arg)
		if errBits != 0 {
			return c.r1(errBits)
		}
		resp := c.r1(0)
		write := idx >= 24
		op := &dataOp{write: write, sector: sector}
		if idx == 17 || idx == 24 {
			op.count = 1
		} else if c.preset > 0 && c.cfg.Kind == MMC {
			op.count = c.preset
		}
		c.preset = 0
		c.op = op
		if write {
			c.state = stateRcv
		} else {
			c.state = stateData
		}
		return resp

	case 23:
		if c.cfg.Kind != MMC || c.state != stateTran {
			return noResponse
		}
		c.preset = int(arg & 0xffff)
		return c.r1(0)

	case 32, 33:
		if !c.cfg.Kind.isSD() || c.state != stateTran {
			return noResponse
		}
		sector, errBits := c.sector(arg)
		if errBits != 0 {
			return c.r1(errBits)
		}
		if idx == 32 {
			c.eraseStart = sector
		} else {
			c.eraseEnd = sector
		}
		return c.r1(0)

	case 38:
		if !c.cfg.Kind.isSD() || c.state != stateTran {
			return noResponse
		}
		resp := c.r1(0)
		c.erase()
		c.enterPrg()
		return resp

	case 55:
		if !c.cfg.Kind.isSD() {
			return noResponse
		}
		c.appCmd = true
		return c.r1(0)
	}
	return noResponse
}

// appCommand handles application specific commands. It returns false for
// indices that are handled like regular commands.
func (c *Card) appCommand(idx uint8, arg uint32) (response, bool) {
	switch idx {
	case 6:
		if c.state != stateTran {
			return c.r1(r1IllegalCommand), true
		}
		c.busWidth = uint8(arg & 3)
		return c.r1(r1AppCmd), true

	case 13:
		if c.state != stateTran {
			return c.r1(r1IllegalCommand), true
		}
		resp := c.r1(r1AppCmd)
		c.op = &dataOp{count: 1, status: true}
		c.state = stateData
		return resp, true

	case 23:
		if c.state != stateTran {
			return c.r1(r1IllegalCommand), true
		}
		return c.r1(r1AppCmd), true

	case 41:
		if c.state != stateIdle && c.state != stateReady {
			return noResponse, true
		}
		return c.powerUp(arg&(1<<30) != 0), true
	}
	return response{}, false
}

func (c *Card) powerUp(hcs bool) response {
	if c.state == stateReady {
		return r3(c.ocr())
	}
	if c.ocrPolls > 0 {
		c.ocrPolls--
		return r3(0x00ff8000)
	}
	c.hcs = c.cfg.Kind == SDHC && hcs
	c.state = stateReady
	return r3(c.ocr())
}

func (c *Card) ocr() uint32 {
	ocr := uint32(1<<31 | 0x00ff8000)
	if c.hcs {
		ocr |= 1 << 30
	}
	return ocr
}

func (c *Card) enterPrg() {
	c.state = statePrg
	c.busy = c.cfg.BusyPolls
}

// sector converts a command argument to a sector number.
func (c *Card) sector(arg uint32) (uint32, uint32) {
	sector := arg
	if !c.blockAddressed() {
		if arg%512 != 0 {
			return 0, r1AddressError
		}
		sector = arg / 512
	}
	if sector >= c.cfg.Sectors {
		return 0, r1OutOfRange
	}
	return sector, 0
}

func (c *Card) erase() {
	if c.eraseEnd < c.eraseStart {
		return
	}
	zero := make([]byte, 512)
	for s := c.eraseStart; s <= c.eraseEnd; s++ {
		c.image.WriteAt(zero, int64(s)*512)
	}
}

// readBlock fetches the next block of the pending read operation.
func (c *Card) readBlock(p []byte) error {
	op := c.op
	if op.status {
		copy(p, c.sdStatus())
	} else {
		if op.sector >= c.cfg.Sectors {
			return io.EOF
		}
		if _, err := c.image.ReadAt(p, int64(op.sector)*512); err != nil {
			return err
		}
		op.sector++
	}
	c.blockDone()
	return nil
}

// writeBlock stores the next block of the pending write operation.
func (c *Card) writeBlock(p []byte) error {
	op := c.op
	if op.sector >= c.cfg.Sectors {
		return io.EOF
	}
	if _, err := c.image.WriteAt(p, int64(op.sector)*512); err != nil {
		return err
	}
	op.sector++
	c.blockDone()
	return nil
}

func (c *Card) blockDone() {
	op := c.op
	op.done++
	if op.count == 0 || op.done < op.count {
		return
	}
	c.op = nil
	if op.write {
		c.enterPrg()
	} else {
		c.state = stateTran
	}
}

// abort ends a data phase of known length after a failed block.
func (c *Card) abort() {
	op := c.op
	if op == nil || op.count == 0 {
		return
	}
	c.op = nil
	if op.write {
		c.enterPrg()
	} else {
		c.state = stateTran
	}
}

func (c *Card) sdStatus() []byte {
	s := make([]byte, 64)
	s[0] = c.busWidth << 6
	s[8] = 2         // speed class 4
	s[10] = 0x9 << 4 // 4 MiB allocation units
	binary.BigEndian.PutUint16(s[11:], 1)
	s[13] = 2<<2 | 1
	return s
}

var crc7 = crc8.MakeTable(crc8.Params{0x12, 0x00, false, false, 0x00, 0xEA, "CRC-7/MMC"})

func sealRegister(r *[16]byte) {
	csum := crc8.Init(crc7)
	csum = crc8.Update(csum, r[:15], crc7)
	r[15] = crc8.Complete(csum, crc7) | 1
}

// put sets bits msb:lsb of the big endian register r.
func put(r *[16]byte, msb, lsb int, v uint32) {
	for i := lsb; i <= msb; i++ {
		idx, bit := 15-i/8, uint(i%8)
		r[idx] = r[idx]&^(1<<bit) | uint8(v&1)<<bit
		v >>= 1
	}
}

func (c *Card) buildCSD() (r [16]byte) {
	put(&r, 119, 112, 0x0e) // TAAC 1ms
	put(&r, 103, 96, 0x32)  // 25 MHz
	put(&r, 95, 84, 0x5b5)
	put(&r, 28, 26, 2)
	put(&r, 25, 22, 9)

	switch c.cfg.Kind {
	case SDHC:
		put(&r, 127, 126, 1)
		put(&r, 83, 80, 9)
		put(&r, 69, 48, c.cfg.Sectors/1024-1)
		put(&r, 46, 46, 1)
		put(&r, 45, 39, 0x7f)
	default:
		rbl, mult, size, _ := geometry(c.cfg.Sectors)
		put(&r, 83, 80, rbl)
		put(&r, 73, 62, size-1)
		put(&r, 61, 50, 0xfff) // maximum currents
		put(&r, 49, 47, mult)
		if c.cfg.Kind == MMC {
			put(&r, 127, 126, 2)
			put(&r, 125, 122, 3)
			put(&r, 46, 42, 31)
			put(&r, 41, 37, 31)
		} else {
			if !c.cfg.NoEraseBlk {
				put(&r, 46, 46, 1)
			}
			put(&r, 45, 39, 0x7f)
		}
	}
	sealRegister(&r)
	return r
}

// geometry finds READ_BL_LEN, C_SIZE_MULT and C_SIZE+1 of a version 1 CSD.
func geometry(sectors uint32) (rbl, mult, size uint32, ok bool) {
	for rbl = 9; rbl <= 11; rbl++ {
		for mult = 0; mult <= 7; mult++ {
			shift := mult + 2 + rbl - 9
			size = sectors >> shift
			if size<<shift == sectors && size >= 1 && size <= 4096 {
				return rbl, mult, size, true
			}
		}
	}
	return 0, 0, 0, false
}

// Validate checks if the capacity can be expressed in the CSD of the card.
func (cfg *CardConfig) Validate() error {
	if cfg.Kind == SDHC {
		if cfg.Sectors == 0 || cfg.Sectors%1024 != 0 {
			return fmt.Errorf("mcisim: SDHC capacity must be a positive multiple of 512 KiB")
		}
		return nil
	}
	if _, _, _, ok := geometry(cfg.Sectors); !ok {
		return fmt.Errorf("mcisim: %v capacity of %d sectors not representable", cfg.Kind, cfg.Sectors)
	}
	return nil
}

func (c *Card) buildCID() (r [16]byte) {
	if c.cfg.Kind == MMC {
		r[0] = 0x15
		r[2] = 0x01
		copy(r[3:9], "MMCSIM")
		r[9] = 0x10
		binary.BigEndian.PutUint32(r[10:], 0x0badcafe)
		r[14] = 10<<4 | (2007 - 1997)
	} else {
		r[0] = 0x03
		copy(r[1:3], "SD")
		copy(r[3:8], "SIM"+c.cfg.Kind.String()[2:])
		r[8] = 0x21
		binary.BigEndian.PutUint32(r[9:], 0x12345678)
		put(&r, 19, 12, 2024-2000)
		put(&r, 11, 8, 10)
	}
	sealRegister(&r)
	return r
}
