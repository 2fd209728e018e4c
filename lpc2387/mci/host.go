package mci

import "time"

// IRQ identifies one of the interrupt lines used by the driver.
type IRQ int

const (
	IrqMCI IRQ = iota
	IrqDMA

	IrqLast
)

// Host provides access to the MCI block and its environment. An
// implementation backs it with real registers or with a simulation.
//
// Handlers registered with SetHandler run in interrupt context: they are never
// preempted by the mainline and never run concurrently with each other.
type Host interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)

	DMA() DMA
	SetHandler(irq IRQ, handler func())

	// Nanotime returns a monotonic timestamp.
	Nanotime() time.Duration
	Delay(d time.Duration)

	// Socket switches.
	CardDetect() bool
	WriteProtect() bool
}

type Direction int

const (
	ToMemory Direction = iota // card to memory
	ToCard
)

type DMAStatus uint32

const (
	DMATerminalCount DMAStatus = 1 << iota
	DMAError
)

// DMA is the general purpose DMA channel connected to the MCI FIFO.
type DMA interface {
	// Enable loads descriptor 0 of ll and starts the channel.
	Enable(ll *LinkList, dir Direction)
	Disable()

	Status() DMAStatus
	Clear(s DMAStatus)

	// SoftBurstRequest moves the data remaining in the MCI FIFO after the
	// last block was received.
	SoftBurstRequest()
}
