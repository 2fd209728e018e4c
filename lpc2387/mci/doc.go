// Package mci describes the MultiMediaCard Interface of the LPC23xx family and
// the general purpose DMA channel that services its FIFO.
//
// The register layout and flag constants mirror the peripheral. Access goes
// through a [Host], which allows running the drivers on the target as well as
// against the simulator in package mcisim.
package mci
