package sdcard

import (
	"fmt"
	"runtime"
	"time"

	"github.com/clktmr/mci/lpc2387/mci"
)

// command is a command index. Application specific commands carry cmdApp and
// are prefixed with CMD55 on the bus.
type command uint8

const cmdApp command = 0x80

const (
	cmdGoIdleState     command = 0
	cmdSendOpCond      command = 1 // MMC
	cmdAllSendCID      command = 2
	cmdSetRelativeAddr command = 3
	cmdSelectCard      command = 7
	cmdSendIfCond      command = 8
	cmdSendCSD         command = 9
	cmdSendCID         command = 10
	cmdStopTransmit    command = 12
	cmdSendStatus      command = 13
	cmdSetBlockLen     command = 16
	cmdReadSingle      command = 17
	cmdReadMultiple    command = 18
	cmdSetBlockCount   command = 23 // MMC
	cmdWriteSingle     command = 24
	cmdWriteMultiple   command = 25
	cmdEraseStart      command = 32
	cmdEraseEnd        command = 33
	cmdErase           command = 38
	cmdAppCmd          command = 55

	acmdSetBusWidth        = cmdApp | 6
	acmdSDStatus           = cmdApp | 13
	acmdSetWrBlkEraseCount = cmdApp | 23
	acmdSendOpCond         = cmdApp | 41
)

func (c command) index() uint32 {
	return uint32(c &^ cmdApp)
}

func (c command) String() string {
	if c&cmdApp != 0 {
		return fmt.Sprintf("ACMD%d", c.index())
	}
	return fmt.Sprintf("CMD%d", c.index())
}

type respKind int

const (
	respNone respKind = iota
	respShort
	respLong
)

// R1 card status bits
const (
	r1AppCmd      = 1 << 5
	r1StateMask   = 0xf << 9
	r1StateTran   = 4 << 9
	r1SetupErrors = 0xfdf90000 // errors after CMD16 and ACMD6
	r1XferErrors  = 0xc0580000 // errors after data and preset commands
)

// OCR bits
const (
	ocrBusy = 1 << 31 // cleared while the card powers up
	ocrCCS  = 1 << 30 // card capacity status, set for block addressing

	ocrVoltage = 0x00ff8000 // 2.7V - 3.6V
	ocrHCS     = 1 << 30
)

const (
	cmdTimeout  = 10 * time.Millisecond
	lockoutPoll = 10
)

// sendCommand runs a command transaction and returns the response words. Long
// responses occupy all four words, short responses only the first.
//
// Must not be called from interrupt context.
func (d *Driver) sendCommand(cmd command, arg uint32, kind respKind) (resp [4]uint32, err error) {
	if cmd&cmdApp != 0 {
		if err = d.prefixApp(); err != nil {
			return resp, &CommandError{Cmd: cmd.String(), Err: err}
		}
	}
	resp, err = d.transact(cmd.index(), arg, kind)
	if err != nil {
		return resp, &CommandError{Cmd: cmd.String(), Err: err}
	}
	return resp, nil
}

// sendR1 sends a command with a short response and fails if any of the status
// bits in errMask are set.
func (d *Driver) sendR1(cmd command, arg uint32, errMask uint32) (uint32, error) {
	resp, err := d.sendCommand(cmd, arg, respShort)
	if err != nil {
		return 0, err
	}
	if resp[0]&errMask != 0 {
		return resp[0], &CommandError{Cmd: cmd.String(), Resp: resp[0], Err: ErrCardStatus}
	}
	return resp[0], nil
}

// prefixApp announces an application specific command.
func (d *Driver) prefixApp() error {
	resp, err := d.transact(cmdAppCmd.index(), uint32(d.rca)<<16, respShort)
	if err != nil {
		return fmt.Errorf("%v: %w", cmdAppCmd, err)
	}
	if resp[0]&r1AppCmd == 0 {
		return fmt.Errorf("%v: %w", cmdAppCmd, ErrCardStatus)
	}
	return nil
}

func (d *Driver) transact(idx uint32, arg uint32, kind respKind) (resp [4]uint32, err error) {
	h := d.host

	// Abort a pending transaction and wait until the command path is idle.
	for {
		h.Store(mci.Command, 0)
		h.Store(mci.Clear, uint32(mci.CmdFlags))
		var s mci.StatusFlag
		for range lockoutPoll {
			s = mci.StatusFlag(h.Load(mci.Status))
		}
		if s&mci.CmdActive == 0 {
			break
		}
	}

	h.Store(mci.Argument, arg)
	mc := mci.CmdEnable | mci.CommandFlag(idx)&mci.CmdIndexMask
	switch kind {
	case respShort:
		mc |= mci.CmdResponse
	case respLong:
		mc |= mci.CmdResponse | mci.CmdLongResp
	}
	h.Store(mci.Command, uint32(mc))

	deadline := d.deadline(cmdTimeout)
	for {
		s := mci.StatusFlag(h.Load(mci.Status))
		if kind == respNone {
			if s&mci.CmdSent != 0 {
				return resp, nil
			}
		} else {
			if s&mci.CmdRespEnd != 0 {
				break
			}
			if s&mci.CmdCrcFail != 0 {
				// R3 responses carry no valid CRC
				if idx == 1 || idx == 12 || idx == 41 {
					break
				}
				return resp, ErrCRC
			}
			if s&mci.CmdTimeOut != 0 {
				return resp, ErrTimeout
			}
		}
		if deadline.expired() {
			return resp, ErrTimeout
		}
		runtime.Gosched()
	}

	resp[0] = h.Load(mci.Resp0)
	if kind == respLong {
		resp[1] = h.Load(mci.Resp1)
		resp[2] = h.Load(mci.Resp2)
		resp[3] = h.Load(mci.Resp3)
	}
	return resp, nil
}

// waitReady polls the card status until the card is in transfer state.
func (d *Driver) waitReady(timeout time.Duration) error {
	deadline := d.deadline(timeout)
	for {
		resp, err := d.sendCommand(cmdSendStatus, uint32(d.rca)<<16, respShort)
		if err == nil && resp[0]&r1StateMask == r1StateTran {
			return nil
		}
		if deadline.expired() {
			if err != nil {
				return err
			}
			return &CommandError{Cmd: cmdSendStatus.String(), Resp: resp[0], Err: ErrTimeout}
		}
		runtime.Gosched()
	}
}

type deadline struct {
	host mci.Host
	t    time.Duration
}

func (d *Driver) deadline(timeout time.Duration) deadline {
	return deadline{d.host, d.host.Nanotime() + timeout}
}

func (dl deadline) expired() bool {
	return dl.host.Nanotime() >= dl.t
}
