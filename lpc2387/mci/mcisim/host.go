// Package mcisim simulates the LPC23xx MultiMediaCard Interface, its DMA
// channel and the card in its socket. It implements [mci.Host] for running
// the card drivers on a development machine.
package mcisim

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clktmr/mci/debug"
	"github.com/clktmr/mci/lpc2387/mci"
)

type Config struct {
	// Frequency of the peripheral clock feeding MCICLK in Hz.
	PeripheralClock uint32

	// Time needed to move a block over the data bus.
	BlockDelay time.Duration

	// If set, Nanotime advances by ClockStep on each call and Delay
	// returns immediately. Data transfers still run in real time.
	ClockStep time.Duration
}

func DefaultConfig() Config {
	return Config{
		PeripheralClock: 36_000_000,
		BlockDelay:      50 * time.Microsecond,
	}
}

// Host is a simulated MCI peripheral.
type Host struct {
	cfg Config
	log *slog.Logger

	mtx  sync.Mutex
	regs [mci.RegLast / 4]uint32
	card *Card
	dma  dmaChannel
	eng  *engine

	cmdFaults  map[uint8][]mci.StatusFlag
	dataFaults map[int]mci.StatusFlag

	// Handlers run with intr held, which serializes them like a single
	// interrupt priority level.
	intr     sync.Mutex
	handlers [mci.IrqLast]func()

	start time.Time
	now   atomic.Int64
}

func New(cfg Config) *Host {
	if cfg.PeripheralClock == 0 {
		cfg.PeripheralClock = DefaultConfig().PeripheralClock
	}
	h := &Host{
		cfg:        cfg,
		log:        debug.Logger(debug.ComponentSim),
		cmdFaults:  make(map[uint8][]mci.StatusFlag),
		dataFaults: make(map[int]mci.StatusFlag),
		start:      time.Now(),
	}
	h.dma.host = h
	return h
}

// Insert puts card into the socket, replacing the current one.
func (h *Host) Insert(card *Card) {
	h.stopEngine()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.card = card
}

// Eject removes the card from the socket.
func (h *Host) Eject() {
	h.Insert(nil)
}

func (h *Host) Card() *Card {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.card
}

// SetWriteProtect moves the write protect tab of the inserted card.
func (h *Host) SetWriteProtect(on bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.card != nil {
		h.card.writeProtected = on
	}
}

// InjectCommandFault makes the next transactions of command idx fail with the
// given flags, one entry per transaction. Use mci.CmdCrcFail or
// mci.CmdTimeOut.
func (h *Host) InjectCommandFault(idx uint8, flags ...mci.StatusFlag) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.cmdFaults[idx] = append(h.cmdFaults[idx], flags...)
}

// InjectDataFault ends the next data transfer at the given block with flags
// instead of DataBlockEnd.
func (h *Host) InjectDataFault(block int, flags mci.StatusFlag) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.dataFaults[block] = flags
}

func (h *Host) CardDetect() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.card != nil
}

func (h *Host) WriteProtect() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.card != nil && h.card.writeProtected
}

func (h *Host) Nanotime() time.Duration {
	if h.cfg.ClockStep > 0 {
		return time.Duration(h.now.Add(int64(h.cfg.ClockStep)))
	}
	return time.Since(h.start)
}

func (h *Host) Delay(d time.Duration) {
	if h.cfg.ClockStep > 0 {
		h.now.Add(int64(d))
		return
	}
	time.Sleep(d)
}

func (h *Host) DMA() mci.DMA {
	return &h.dma
}

func (h *Host) SetHandler(irq mci.IRQ, handler func()) {
	h.intr.Lock()
	defer h.intr.Unlock()
	h.handlers[irq] = handler
}

func (h *Host) Load(r mci.Reg) uint32 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.regs[r/4]
}

func (h *Host) Store(r mci.Reg, v uint32) {
	switch r {
	case mci.DataCtrl:
		h.stopEngine()
		h.mtx.Lock()
		defer h.mtx.Unlock()
		h.regs[r/4] = v
		if mci.DataCtrlFlag(v)&mci.DataEnable != 0 {
			h.startEngine()
		}
		return
	case mci.Power:
		if mci.PowerFlag(v)&mci.PowerMask == 0 {
			h.stopEngine()
		}
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	switch r {
	case mci.Clear:
		h.regs[mci.Status/4] &^= v
	case mci.Status, mci.RespCmd, mci.Resp0, mci.Resp1, mci.Resp2, mci.Resp3, mci.DataCnt:
		// read-only
	case mci.Power:
		h.regs[r/4] = v
		if mci.PowerFlag(v)&mci.PowerMask == 0 && h.card != nil {
			h.card.reset()
		}
	case mci.Command:
		h.regs[r/4] = v
		if mci.CommandFlag(v)&mci.CmdEnable != 0 {
			h.execute(mci.CommandFlag(v))
		}
	default:
		h.regs[r/4] = v
	}
}

func (h *Host) setStatus(s mci.StatusFlag) {
	h.regs[mci.Status/4] |= uint32(s)
}

// powered reports if the card receives power and a clock.
func (h *Host) powered() bool {
	return mci.PowerFlag(h.regs[mci.Power/4]) == mci.PowerOn &&
		mci.ClockFlag(h.regs[mci.Clock/4])&mci.ClockEnable != 0
}

// execute runs a command transaction. The card's answer is available
// immediately.
func (h *Host) execute(cmd mci.CommandFlag) {
	idx := uint8(cmd & mci.CmdIndexMask)
	arg := h.regs[mci.Argument/4]
	wantResp := cmd&mci.CmdResponse != 0

	resp := noResponse
	if h.card != nil && h.powered() {
		resp = h.card.command(idx, arg)
	}
	h.log.Debug("command", "idx", idx, "arg", arg, "resp", resp.words[0], "none", resp.none)

	if !wantResp {
		h.setStatus(mci.CmdSent)
		return
	}

	var fault mci.StatusFlag
	if f := h.cmdFaults[idx]; len(f) > 0 {
		fault, h.cmdFaults[idx] = f[0], f[1:]
	}
	if resp.none || fault&mci.CmdTimeOut != 0 {
		h.setStatus(mci.CmdTimeOut)
		return
	}

	h.regs[mci.RespCmd/4] = uint32(idx)
	if resp.long {
		h.regs[mci.Resp0/4] = resp.words[0]
		h.regs[mci.Resp1/4] = resp.words[1]
		h.regs[mci.Resp2/4] = resp.words[2]
		h.regs[mci.Resp3/4] = resp.words[3]
	} else {
		h.regs[mci.Resp0/4] = resp.words[0]
	}

	if resp.noCRC || fault&mci.CmdCrcFail != 0 {
		h.setStatus(mci.CmdCrcFail)
	} else {
		h.setStatus(mci.CmdRespEnd)
	}
}

// raise runs the handler of irq if the interrupt is pending and enabled.
func (h *Host) raise(irq mci.IRQ) {
	h.intr.Lock()
	defer h.intr.Unlock()

	h.mtx.Lock()
	var pending bool
	switch irq {
	case mci.IrqMCI:
		pending = h.regs[mci.Status/4]&h.regs[mci.Mask0/4] != 0
	case mci.IrqDMA:
		pending = h.dma.status != 0
	}
	h.mtx.Unlock()

	if !pending {
		return
	}
	if handler := h.handlers[irq]; handler != nil {
		handler()
	}
}

// mclk returns the current frequency of MCICLK.
func (h *Host) mclk() uint32 {
	clk := mci.ClockFlag(h.regs[mci.Clock/4])
	if clk&mci.ClockBypass != 0 {
		return h.cfg.PeripheralClock
	}
	div := uint32(clk & mci.ClockDivMask)
	return h.cfg.PeripheralClock / (2 * (div + 1))
}

// dataTimeout returns the programmed data timeout.
func (h *Host) dataTimeout() time.Duration {
	cycles := uint64(h.regs[mci.DataTimer/4])
	return time.Duration(cycles * uint64(time.Second) / uint64(h.mclk()))
}

// dmaChannel is the GPDMA channel serving the MCI FIFO. Its state is guarded
// by the host's mutex.
type dmaChannel struct {
	host *Host

	enabled bool
	ll      *mci.LinkList
	dir     mci.Direction
	cur     int
	status  mci.DMAStatus

	// Data left in the FIFO after the last received block.
	tail    []byte
	tailDst []byte
	burst   bool
}

func (d *dmaChannel) Enable(ll *mci.LinkList, dir mci.Direction) {
	d.host.mtx.Lock()
	defer d.host.mtx.Unlock()
	d.enabled = true
	d.ll, d.dir, d.cur = ll, dir, 0
	d.tail, d.tailDst, d.burst = nil, nil, false
}

func (d *dmaChannel) Disable() {
	d.host.mtx.Lock()
	defer d.host.mtx.Unlock()
	d.enabled = false
}

func (d *dmaChannel) Status() mci.DMAStatus {
	d.host.mtx.Lock()
	defer d.host.mtx.Unlock()
	return d.status
}

func (d *dmaChannel) Clear(s mci.DMAStatus) {
	d.host.mtx.Lock()
	defer d.host.mtx.Unlock()
	d.status &^= s
}

func (d *dmaChannel) SoftBurstRequest() {
	d.host.mtx.Lock()
	defer d.host.mtx.Unlock()
	if d.tail == nil {
		return
	}
	copy(d.tailDst, d.tail)
	d.tail, d.tailDst = nil, nil
	d.status |= mci.DMATerminalCount
	d.burst = true
}
