package diskio

import (
	"sync"

	"github.com/clktmr/mci/debug"
)

// MaxDrives is the number of drive numbers available for registration.
const MaxDrives = 4

var (
	drivesMtx sync.RWMutex
	drives    [MaxDrives]Device
)

var log = debug.Logger(debug.ComponentDiskio)

// Register attaches dev as drive number drv, replacing a previous device.
func Register(drv uint8, dev Device) error {
	if int(drv) >= MaxDrives {
		return ErrParam
	}
	drivesMtx.Lock()
	defer drivesMtx.Unlock()
	drives[drv] = dev
	log.Debug("drive registered", "drive", drv)
	return nil
}

// Unregister detaches drive number drv.
func Unregister(drv uint8) {
	if int(drv) >= MaxDrives {
		return
	}
	drivesMtx.Lock()
	defer drivesMtx.Unlock()
	drives[drv] = nil
}

// Lookup returns the device registered as drive number drv, or nil.
func Lookup(drv uint8) Device {
	if int(drv) >= MaxDrives {
		return nil
	}
	drivesMtx.RLock()
	defer drivesMtx.RUnlock()
	return drives[drv]
}

// Initialize initializes drive drv. Unknown drives report StaNoInit.
func Initialize(drv uint8) Status {
	dev := Lookup(drv)
	if dev == nil {
		return StaNoInit
	}
	st, err := dev.Initialize()
	if err != nil {
		log.Info("initialize failed", "drive", drv, "err", err)
	}
	return st
}

// DriveStatus returns the status of drive drv.
func DriveStatus(drv uint8) Status {
	dev := Lookup(drv)
	if dev == nil {
		return StaNoInit
	}
	return dev.Status()
}

func Read(drv uint8, p []byte, sector uint32, count int) Result {
	dev := Lookup(drv)
	if dev == nil {
		return ResParam
	}
	return ResultOf(dev.Read(p, sector, count))
}

func Write(drv uint8, p []byte, sector uint32, count int) Result {
	dev := Lookup(drv)
	if dev == nil {
		return ResParam
	}
	return ResultOf(dev.Write(p, sector, count))
}

func Control(drv uint8, code Ioctl, buf []byte) Result {
	dev := Lookup(drv)
	if dev == nil {
		return ResParam
	}
	return ResultOf(dev.Ioctl(code, buf))
}
