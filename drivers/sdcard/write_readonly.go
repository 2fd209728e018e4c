//go:build mci_readonly

package sdcard

import "github.com/clktmr/mci/drivers/diskio"

// Write is not available in read-only builds.
func (d *Driver) Write(p []byte, sector uint32, count int) error {
	return diskio.ErrWriteProtected
}
