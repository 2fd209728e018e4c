// Package diskio defines the contract between block device drivers and their
// consumers, such as file systems or a disk shell. Drives are registered under
// a number and addressed by it, or used directly through [Device].
package diskio

import (
	"errors"
	"fmt"
)

// Status is a set of drive status flags.
type Status uint8

const (
	StaNoInit  Status = 1 << iota // drive not initialized
	StaNoDisk                     // no medium in the drive
	StaProtect                    // medium is write protected
)

func (s Status) String() string {
	if s == 0 {
		return "ready"
	}
	var str string
	for _, f := range []struct {
		flag Status
		name string
	}{{StaNoInit, "noinit"}, {StaNoDisk, "nodisk"}, {StaProtect, "protect"}} {
		if s&f.flag != 0 {
			if str != "" {
				str += "|"
			}
			str += f.name
		}
	}
	return str
}

// Result is the numeric outcome of a dispatched operation.
type Result uint8

const (
	ResOK             Result = iota // successful
	ResError                        // hard error
	ResWriteProtected               // medium is write protected
	ResNotReady                     // drive not ready
	ResParam                        // invalid parameter
)

func (r Result) String() string {
	switch r {
	case ResOK:
		return "ok"
	case ResError:
		return "error"
	case ResWriteProtected:
		return "write protected"
	case ResNotReady:
		return "not ready"
	case ResParam:
		return "invalid parameter"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

var (
	ErrParam          = errors.New("invalid parameter")
	ErrNotReady       = errors.New("drive not ready")
	ErrWriteProtected = errors.New("medium write protected")
	ErrNoDisk         = errors.New("no medium")
)

// ResultOf maps an error returned by a Device to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResOK
	case errors.Is(err, ErrParam):
		return ResParam
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrNoDisk):
		return ResNotReady
	case errors.Is(err, ErrWriteProtected):
		return ResWriteProtected
	}
	return ResError
}

// SectorSize is the only sector size supported by the block layer.
const SectorSize = 512

// MaxCount is the largest number of sectors per Read or Write.
const MaxCount = 127

// Device is a block device addressed in units of SectorSize.
type Device interface {
	// Initialize brings up the medium and returns the resulting status.
	Initialize() (Status, error)
	Status() Status

	// Read reads count sectors starting at sector into p. Count must be in
	// the range 1..MaxCount and p must hold count*SectorSize bytes.
	Read(p []byte, sector uint32, count int) error
	Write(p []byte, sector uint32, count int) error

	// Ioctl executes a control code with buf as input and output.
	Ioctl(code Ioctl, buf []byte) error
}

// CheckTransfer validates the arguments of a Read or Write.
func CheckTransfer(p []byte, count int) error {
	if count < 1 || count > MaxCount || len(p) < count*SectorSize {
		return ErrParam
	}
	return nil
}
