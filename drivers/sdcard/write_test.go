//go:build !mci_readonly

package sdcard_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/diskfs/go-diskfs/filesystem/fat32"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/drivers/sdcard"
	"github.com/clktmr/mci/lpc2387/mci"
	"github.com/clktmr/mci/lpc2387/mci/mcisim"
	mcitesting "github.com/clktmr/mci/testing"
)

func TestWrite(t *testing.T) {
	for name, tc := range cards {
		t.Run(name, func(t *testing.T) {
			drv, host := mcitesting.NewDriver(t, tc.cfg)
			img := host.Card().Image().(*mcisim.MemImage).Bytes()

			for i, w := range []struct {
				sector uint32
				count  int
			}{{0, 1}, {3, 2}, {10, 4}, {20, 5}, {40, 9}, {200, 127}, {tc.cfg.Sectors - 2, 2}} {
				data := mcitesting.Pattern(byte(i), w.count)
				if err := drv.Write(data, w.sector, w.count); err != nil {
					t.Fatalf("write %v+%v: %v", w.sector, w.count, err)
				}
				if !bytes.Equal(img[w.sector*512:][:len(data)], data) {
					t.Fatalf("write %v+%v: image mismatch", w.sector, w.count)
				}

				buf := make([]byte, len(data))
				if err := drv.Read(buf, w.sector, w.count); err != nil {
					t.Fatalf("read %v+%v: %v", w.sector, w.count, err)
				}
				if !bytes.Equal(buf, data) {
					t.Fatalf("read %v+%v: data mismatch", w.sector, w.count)
				}
			}
		})
	}
}

func TestWriteNotReady(t *testing.T) {
	host, _ := mcitesting.NewHost(t, cards["SDv2"].cfg)
	drv := sdcard.New(host, sdcard.DefaultConfig())
	if err := drv.Write(make([]byte, 512), 0, 1); !errors.Is(err, diskio.ErrNotReady) {
		t.Fatalf("expected %v, got %v", diskio.ErrNotReady, err)
	}
}

func TestWriteProtect(t *testing.T) {
	drv, host := mcitesting.NewDriver(t, cards["SDHC"].cfg)

	host.SetWriteProtect(true)
	if st := drv.Status(); st != diskio.StaProtect {
		t.Fatalf("expected %v, got %v", diskio.StaProtect, st)
	}
	data := mcitesting.Pattern(1, 1)
	if err := drv.Write(data, 0, 1); !errors.Is(err, diskio.ErrWriteProtected) {
		t.Fatalf("expected %v, got %v", diskio.ErrWriteProtected, err)
	}
	if res := diskio.ResultOf(drv.Write(data, 0, 1)); res != diskio.ResWriteProtected {
		t.Fatalf("expected %v, got %v", diskio.ResWriteProtected, res)
	}
	if err := drv.Read(data, 0, 1); err != nil {
		t.Fatal(err)
	}

	host.SetWriteProtect(false)
	if err := drv.Write(data, 0, 1); err != nil {
		t.Fatal(err)
	}
}

func TestWriteFaults(t *testing.T) {
	tests := map[string]struct {
		cfg    mcisim.CardConfig
		count  int
		inject func(h *mcisim.Host)
		err    error
	}{
		"dataCRC": {
			cards["SDv2"].cfg, 6,
			func(h *mcisim.Host) { h.InjectDataFault(4, mci.DataCrcFail) },
			sdcard.ErrCRC,
		},
		"dataCRCMMC": {
			cards["MMC"].cfg, 3,
			func(h *mcisim.Host) { h.InjectDataFault(0, mci.DataCrcFail) },
			sdcard.ErrCRC,
		},
		"dataTimeout": {
			mcisim.CardConfig{Kind: mcisim.SDHC, Sectors: 8192, WriteLatency: time.Second}, 2,
			func(h *mcisim.Host) {},
			sdcard.ErrTimeout,
		},
		"presetTimeout": {
			cards["MMC"].cfg, 2,
			func(h *mcisim.Host) { h.InjectCommandFault(23, mci.CmdTimeOut) },
			sdcard.ErrTimeout,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			drv, host := mcitesting.NewDriver(t, tc.cfg)
			tc.inject(host)
			err := drv.Write(mcitesting.Pattern(0, tc.count), 0, tc.count)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

// A failed transfer leaves the card usable.
func TestWriteRecover(t *testing.T) {
	drv, host := mcitesting.NewDriver(t, cards["SDHC"].cfg)
	host.InjectDataFault(1, mci.DataCrcFail)

	data := mcitesting.Pattern(9, 3)
	if err := drv.Write(data, 30, 3); !errors.Is(err, sdcard.ErrCRC) {
		t.Fatalf("expected %v, got %v", sdcard.ErrCRC, err)
	}
	if err := drv.Write(data, 30, 3); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	if err := drv.Read(buf, 30, 3); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("data mismatch")
	}
}

func TestErase(t *testing.T) {
	for _, name := range []string{"SDv1", "SDv2", "SDHC"} {
		t.Run(name, func(t *testing.T) {
			drv, host := mcitesting.NewDriver(t, cards[name].cfg)
			img := host.Card().Image().(*mcisim.MemImage).Bytes()

			data := mcitesting.Pattern(5, 16)
			if err := drv.Write(data, 0, 16); err != nil {
				t.Fatal(err)
			}
			if err := diskio.EraseSectors(drv, 4, 11); err != nil {
				t.Fatal(err)
			}

			exp := bytes.Clone(data)
			clear(exp[4*512 : 12*512])
			if !bytes.Equal(img[:len(exp)], exp) {
				t.Fatal("unexpected image content")
			}
		})
	}
}

func TestEraseNotSupported(t *testing.T) {
	tests := map[string]mcisim.CardConfig{
		"MMC":            cards["MMC"].cfg,
		"SDv1NoEraseBlk": {Kind: mcisim.SDv1, Sectors: 8192, NoEraseBlk: true},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			drv, host := mcitesting.NewDriver(t, cfg)
			img := host.Card().Image().(*mcisim.MemImage).Bytes()
			img[512] = 0xff

			err := diskio.EraseSectors(drv, 0, 3)
			if !errors.Is(err, sdcard.ErrNotSupported) {
				t.Fatalf("expected %v, got %v", sdcard.ErrNotSupported, err)
			}
			if img[512] != 0xff {
				t.Fatal("sectors erased")
			}
		})
	}
}

func TestDiskFAT(t *testing.T) {
	drv, _ := mcitesting.NewDriver(t, mcisim.CardConfig{Kind: mcisim.SDHC, Sectors: 64 << 10})
	disk, err := diskio.NewDisk(drv)
	if err != nil {
		t.Fatal(err)
	}
	if disk.Size() != 32<<20 {
		t.Fatalf("expected %v, got %v", 32<<20, disk.Size())
	}

	fs, err := fat32.Create(disk, disk.Size(), 0, diskio.SectorSize, "MCISIM")
	if err != nil {
		t.Fatal(err)
	}
	f, err := fs.OpenFile("/HELLO.TXT", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	data := mcitesting.Pattern(42, 9)[:4000]
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := disk.Sync(); err != nil {
		t.Fatal(err)
	}

	fs, err = fat32.Read(disk, disk.Size(), 0, diskio.SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	f, err = fs.OpenFile("/HELLO.TXT", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %v bytes, got %v", len(data), len(got))
	}
}
