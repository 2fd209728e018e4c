package mci

// Reg is the offset of an MCI register from the peripheral's base address.
type Reg uint32

const (
	Power     Reg = 0x00
	Clock     Reg = 0x04
	Argument  Reg = 0x08
	Command   Reg = 0x0c
	RespCmd   Reg = 0x10 // index of the last received response
	Resp0     Reg = 0x14 // bits 127:96 of a long response, 31:0 of a short one
	Resp1     Reg = 0x18
	Resp2     Reg = 0x1c
	Resp3     Reg = 0x20
	DataTimer Reg = 0x24 // data timeout in MCICLK cycles
	DataLen   Reg = 0x28
	DataCtrl  Reg = 0x2c
	DataCnt   Reg = 0x30
	Status    Reg = 0x34
	Clear     Reg = 0x38
	Mask0     Reg = 0x3c

	RegLast Reg = 0x40
)

type PowerFlag uint32

const (
	PowerUp PowerFlag = 0x1 // supply ramping
	PowerOn PowerFlag = 0x3 // supply stable, signals driven

	PowerMask PowerFlag = 0x3
)

type ClockFlag uint32

const ClockDivMask ClockFlag = 0xff

const (
	ClockEnable  ClockFlag = 1 << (iota + 8)
	ClockPwrSave           // gate MCICLK while the bus is idle
	ClockBypass
	ClockWideBus // 4-bit data bus

	ClockFlagsMask ClockFlag = 0xf00
)

type CommandFlag uint32

const CmdIndexMask CommandFlag = 0x3f

const (
	CmdResponse CommandFlag = 1 << (iota + 6)
	CmdLongResp
	CmdInterrupt
	CmdPending
	CmdEnable
)

type DataCtrlFlag uint32

const (
	DataEnable    DataCtrlFlag = 1 << iota
	DataDirection              // set for card to controller
	DataMode                   // stream instead of block
	DataDMA
)

const (
	DataBlockSizeShift = 4
	DataBlockSizeMask  = 0xf << DataBlockSizeShift
)

// BlockSize returns the data control bits selecting blocks of 1<<log2 bytes.
func BlockSize(log2 int) DataCtrlFlag {
	return DataCtrlFlag(log2<<DataBlockSizeShift) & DataBlockSizeMask
}

type StatusFlag uint32

const (
	CmdCrcFail StatusFlag = 1 << iota
	DataCrcFail
	CmdTimeOut
	DataTimeOut
	TxUnderrun
	RxOverrun
	CmdRespEnd
	CmdSent
	DataEnd
	StartBitErr
	DataBlockEnd
	CmdActive
	TxActive
	RxActive
	TxFifoHalfEmpty
	RxFifoHalfFull
	TxFifoFull
	RxFifoFull
	TxFifoEmpty
	RxFifoEmpty
	TxDataAvlbl
	RxDataAvlbl
)

const (
	// Static command flags, cleared before each command is issued.
	CmdFlags = CmdCrcFail | CmdTimeOut | CmdRespEnd | CmdSent

	// Flags routed to the data path interrupt.
	DataFlags = DataCrcFail | DataTimeOut | TxUnderrun | RxOverrun |
		DataEnd | StartBitErr | DataBlockEnd

	// Interrupt sources enabled while receiving.
	RxIntrMask = DataBlockEnd | StartBitErr | DataEnd | RxOverrun |
		DataTimeOut | DataCrcFail

	// Interrupt sources enabled while transmitting.
	TxIntrMask = DataBlockEnd | DataEnd | TxUnderrun | DataTimeOut |
		DataCrcFail
)

// FIFO depth of the controller in bytes.
const FIFOSize = 64
