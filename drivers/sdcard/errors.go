package sdcard

import (
	"errors"
	"fmt"

	"github.com/clktmr/mci/lpc2387/mci"
)

var (
	ErrTimeout      = errors.New("timeout")
	ErrCRC          = errors.New("crc mismatch")
	ErrController   = errors.New("controller error")
	ErrOverrun      = errors.New("block overrun")
	ErrUnderrun     = errors.New("block underrun")
	ErrNotSupported = errors.New("not supported by card")
	ErrCardStatus   = errors.New("card reported error")
)

// CommandError is returned by failed command transactions.
type CommandError struct {
	Cmd  string
	Resp uint32 // R1 card status, if received
	Err  error
}

func (e *CommandError) Error() string {
	if e.Resp != 0 {
		return fmt.Sprintf("sdcard: %s: %v (status %#08x)", e.Cmd, e.Err, e.Resp)
	}
	return fmt.Sprintf("sdcard: %s: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// dataError maps the status flags of a failed data transfer to an error.
func dataError(s mci.StatusFlag) error {
	var err error
	switch {
	case s&mci.DataTimeOut != 0:
		err = ErrTimeout
	case s&mci.DataCrcFail != 0:
		err = ErrCRC
	case s&mci.RxOverrun != 0:
		err = ErrOverrun
	case s&mci.TxUnderrun != 0:
		err = ErrUnderrun
	default:
		err = ErrController
	}
	return fmt.Errorf("sdcard: data transfer: %w (status %#04x)", err, uint32(s))
}
