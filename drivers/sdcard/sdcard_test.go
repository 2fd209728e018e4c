package sdcard_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/drivers/sdcard"
	"github.com/clktmr/mci/lpc2387/mci"
	"github.com/clktmr/mci/lpc2387/mci/mcisim"
	mcitesting "github.com/clktmr/mci/testing"
)

func TestMain(m *testing.M) { mcitesting.TestMain(m) }

var cards = map[string]struct {
	cfg mcisim.CardConfig
	typ sdcard.CardType
	rca uint16
}{
	"MMC":  {mcisim.CardConfig{Kind: mcisim.MMC, Sectors: 8192, InitPolls: 3}, sdcard.TypeMMC, 1},
	"SDv1": {mcisim.CardConfig{Kind: mcisim.SDv1, Sectors: 8192, InitPolls: 3}, sdcard.TypeSD1, 0xb368},
	"SDv2": {mcisim.CardConfig{Kind: mcisim.SDv2, Sectors: 8192, InitPolls: 3}, sdcard.TypeSD2, 0xb368},
	"SDHC": {mcisim.CardConfig{Kind: mcisim.SDHC, Sectors: 8192, InitPolls: 3, BusyPolls: 2}, sdcard.TypeSD2 | sdcard.TypeBlock, 0xb368},
}

func TestInitialize(t *testing.T) {
	for name, tc := range cards {
		t.Run(name, func(t *testing.T) {
			host, _ := mcitesting.NewHost(t, tc.cfg)
			drv := sdcard.New(host, sdcard.DefaultConfig())

			if st := drv.Status(); st != diskio.StaNoInit {
				t.Fatalf("expected %v, got %v", diskio.StaNoInit, st)
			}
			st, err := drv.Initialize()
			if err != nil {
				t.Fatal(err)
			}
			if st != 0 {
				t.Fatalf("expected empty status, got %v", st)
			}

			typ, err := drv.Type()
			if err != nil {
				t.Fatal(err)
			}
			if typ != tc.typ {
				t.Fatalf("expected %v, got %v", tc.typ, typ)
			}
			if rca := fmt.Sprintf("rca %#04x", tc.rca); !strings.Contains(drv.String(), rca) {
				t.Fatalf("expected %q in %q", rca, drv.String())
			}
			n, err := drv.SectorCount()
			if err != nil {
				t.Fatal(err)
			}
			if n != tc.cfg.Sectors {
				t.Fatalf("expected %v, got %v", tc.cfg.Sectors, n)
			}

			// The socket stays powered with the card in transfer state.
			on, err := drv.Powered()
			if err != nil || !on {
				t.Fatalf("expected powered socket, got %v, %v", on, err)
			}
			if err := drv.Sync(); err != nil {
				t.Fatal(err)
			}

			wide := mci.ClockFlag(host.Load(mci.Clock))&mci.ClockWideBus != 0
			if wide != (tc.typ&sdcard.TypeSD != 0) {
				t.Fatalf("unexpected bus width for %v", tc.typ)
			}
		})
	}
}

func TestInitializeNoDisk(t *testing.T) {
	host := mcisim.New(mcisim.DefaultConfig())
	drv := sdcard.New(host, sdcard.DefaultConfig())

	st, err := drv.Initialize()
	if !errors.Is(err, diskio.ErrNoDisk) {
		t.Fatalf("expected %v, got %v", diskio.ErrNoDisk, err)
	}
	if st != diskio.StaNoInit|diskio.StaNoDisk {
		t.Fatalf("unexpected status %v", st)
	}
	if host.Load(mci.Power) != 0 {
		t.Fatal("socket powered without card")
	}
}

func TestInitializeTimeout(t *testing.T) {
	host := mcisim.New(mcisim.Config{ClockStep: time.Millisecond})
	host.Insert(mcisim.NewMemCard(mcisim.CardConfig{
		Kind:      mcisim.SDHC,
		Sectors:   8192,
		InitPolls: 1 << 30,
	}))
	drv := sdcard.New(host, sdcard.DefaultConfig())

	st, err := drv.Initialize()
	if !errors.Is(err, sdcard.ErrTimeout) {
		t.Fatalf("expected %v, got %v", sdcard.ErrTimeout, err)
	}
	if st&diskio.StaNoInit == 0 {
		t.Fatalf("unexpected status %v", st)
	}
	if mci.PowerFlag(host.Load(mci.Power))&mci.PowerMask != 0 {
		t.Fatal("socket still powered after failed initialization")
	}
}

func TestNotReady(t *testing.T) {
	host, _ := mcitesting.NewHost(t, cards["SDHC"].cfg)
	drv := sdcard.New(host, sdcard.DefaultConfig())

	buf := make([]byte, 512)
	tests := map[string]func() error{
		"read":  func() error { return drv.Read(buf, 0, 1) },
		"sync":  func() error { return drv.Ioctl(diskio.CtrlSync, nil) },
		"power": func() error { return drv.Ioctl(diskio.CtrlPower, []byte{diskio.PowerGet, 0}) },
		"erase": func() error { return drv.Erase(0, 1) },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, diskio.ErrNotReady) {
				t.Fatalf("expected %v, got %v", diskio.ErrNotReady, err)
			}
		})
	}
}

func TestEject(t *testing.T) {
	drv, host := mcitesting.NewDriver(t, cards["SDv2"].cfg)

	host.Eject()
	if st := drv.Status(); st != diskio.StaNoDisk|diskio.StaNoInit {
		t.Fatalf("unexpected status %v", st)
	}
	if err := drv.Read(make([]byte, 512), 0, 1); !errors.Is(err, diskio.ErrNotReady) {
		t.Fatalf("expected %v, got %v", diskio.ErrNotReady, err)
	}

	host.Insert(mcisim.NewMemCard(cards["SDv2"].cfg))
	if st := drv.Status(); st != diskio.StaNoInit {
		t.Fatalf("unexpected status %v", st)
	}
	if _, err := drv.Initialize(); err != nil {
		t.Fatal(err)
	}
}

func TestReadParam(t *testing.T) {
	drv, _ := mcitesting.NewDriver(t, cards["SDv2"].cfg)

	tests := map[string]struct {
		buf   []byte
		count int
	}{
		"zero":     {make([]byte, 512), 0},
		"negative": {make([]byte, 512), -1},
		"tooMany":  {make([]byte, 128*512), 128},
		"short":    {make([]byte, 1023), 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if err := drv.Read(tc.buf, 0, tc.count); !errors.Is(err, diskio.ErrParam) {
				t.Fatalf("expected %v, got %v", diskio.ErrParam, err)
			}
		})
	}
}

func TestRead(t *testing.T) {
	for name, tc := range cards {
		t.Run(name, func(t *testing.T) {
			host, card := mcitesting.NewHost(t, tc.cfg)
			img := card.Image().(*mcisim.MemImage).Bytes()
			copy(img, mcitesting.Pattern(3, int(tc.cfg.Sectors)))

			drv := sdcard.New(host, sdcard.DefaultConfig())
			if _, err := drv.Initialize(); err != nil {
				t.Fatal(err)
			}

			for _, r := range []struct {
				sector uint32
				count  int
			}{{0, 1}, {1, 2}, {5, 4}, {17, 5}, {100, 127}, {tc.cfg.Sectors - 1, 1}} {
				buf := make([]byte, r.count*512)
				if err := drv.Read(buf, r.sector, r.count); err != nil {
					t.Fatalf("read %v+%v: %v", r.sector, r.count, err)
				}
				exp := img[r.sector*512:][:len(buf)]
				if !bytes.Equal(buf, exp) {
					t.Fatalf("read %v+%v: data mismatch", r.sector, r.count)
				}
			}
		})
	}
}

func TestReadFaults(t *testing.T) {
	tests := map[string]struct {
		cfg    mcisim.CardConfig
		count  int
		inject func(h *mcisim.Host)
		err    error
	}{
		"dataCRC": {
			cards["SDv2"].cfg, 3,
			func(h *mcisim.Host) { h.InjectDataFault(1, mci.DataCrcFail) },
			sdcard.ErrCRC,
		},
		"dataTimeout": {
			mcisim.CardConfig{Kind: mcisim.SDHC, Sectors: 8192, ReadLatency: 300 * time.Millisecond}, 1,
			func(h *mcisim.Host) {},
			sdcard.ErrTimeout,
		},
		"responseCRC": {
			cards["SDHC"].cfg, 1,
			func(h *mcisim.Host) { h.InjectCommandFault(17, mci.CmdCrcFail) },
			sdcard.ErrCRC,
		},
		"responseTimeout": {
			cards["SDHC"].cfg, 2,
			func(h *mcisim.Host) { h.InjectCommandFault(18, mci.CmdTimeOut) },
			sdcard.ErrTimeout,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			drv, host := mcitesting.NewDriver(t, tc.cfg)
			tc.inject(host)
			err := drv.Read(make([]byte, tc.count*512), 0, tc.count)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

// Failed status polls are retried until the card is ready.
func TestReadIgnoredFaults(t *testing.T) {
	drv, host := mcitesting.NewDriver(t, cards["SDv2"].cfg)
	host.InjectCommandFault(12, mci.CmdCrcFail)
	host.InjectCommandFault(13, mci.CmdCrcFail, mci.CmdTimeOut)

	if err := drv.Read(make([]byte, 4*512), 8, 4); err != nil {
		t.Fatal(err)
	}
	if err := drv.Read(make([]byte, 512), 8, 1); err != nil {
		t.Fatal(err)
	}
}

func TestIoctl(t *testing.T) {
	tests := map[string]struct {
		card  string
		code  diskio.Ioctl
		check func(t *testing.T, buf []byte)
	}{
		"sectorCount": {"SDHC", diskio.GetSectorCount, func(t *testing.T, buf []byte) {
			if n := binary.LittleEndian.Uint32(buf); n != 8192 {
				t.Fatalf("expected %v, got %v", 8192, n)
			}
		}},
		"sectorSize": {"MMC", diskio.GetSectorSize, func(t *testing.T, buf []byte) {
			if n := binary.LittleEndian.Uint16(buf); n != 512 {
				t.Fatalf("expected %v, got %v", 512, n)
			}
		}},
		"blockSizeSD1": {"SDv1", diskio.GetBlockSize, func(t *testing.T, buf []byte) {
			if n := binary.LittleEndian.Uint32(buf); n != 128 {
				t.Fatalf("expected %v, got %v", 128, n)
			}
		}},
		"blockSizeSD2": {"SDHC", diskio.GetBlockSize, func(t *testing.T, buf []byte) {
			if n := binary.LittleEndian.Uint32(buf); n != 2048 {
				t.Fatalf("expected %v, got %v", 2048, n)
			}
		}},
		"blockSizeMMC": {"MMC", diskio.GetBlockSize, func(t *testing.T, buf []byte) {
			if n := binary.LittleEndian.Uint32(buf); n != 1024 {
				t.Fatalf("expected %v, got %v", 1024, n)
			}
		}},
		"type": {"SDHC", diskio.MMCGetType, func(t *testing.T, buf []byte) {
			if typ := sdcard.CardType(buf[0]); typ != sdcard.TypeSD2|sdcard.TypeBlock {
				t.Fatalf("expected %v, got %v", sdcard.TypeSD2|sdcard.TypeBlock, typ)
			}
		}},
		"csd": {"SDv2", diskio.MMCGetCSD, func(t *testing.T, buf []byte) {
			csd := sdcard.ParseCSD([16]byte(buf))
			if csd.Sectors() != 8192 {
				t.Fatalf("expected %v, got %v", 8192, csd.Sectors())
			}
		}},
		"cid": {"MMC", diskio.MMCGetCID, func(t *testing.T, buf []byte) {
			cid := sdcard.ParseCID([16]byte(buf), sdcard.TypeMMC)
			if cid.PNM != "MMCSIM" {
				t.Fatalf("expected %q, got %q", "MMCSIM", cid.PNM)
			}
		}},
		"ocr": {"SDHC", diskio.MMCGetOCR, func(t *testing.T, buf []byte) {
			if ocr := binary.BigEndian.Uint32(buf); ocr != 0xc0ff8000 {
				t.Fatalf("expected %#x, got %#x", 0xc0ff8000, ocr)
			}
		}},
		"sdStatus": {"SDv2", diskio.MMCGetSDStatus, func(t *testing.T, buf []byte) {
			s := sdcard.ParseSDStatus([64]byte(buf))
			if s.BusWidth != 2 {
				t.Fatalf("expected %v, got %v", 2, s.BusWidth)
			}
			if s.AUBytes() != 4<<20 {
				t.Fatalf("expected %v, got %v", 4<<20, s.AUBytes())
			}
			if s.SpeedClassRating() != 4 {
				t.Fatalf("expected %v, got %v", 4, s.SpeedClassRating())
			}
		}},
		"sync": {"SDHC", diskio.CtrlSync, func(t *testing.T, buf []byte) {}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			drv, _ := mcitesting.NewDriver(t, cards[tc.card].cfg)
			buf := make([]byte, max(tc.code.BufSize(), 0))
			if err := drv.Ioctl(tc.code, buf); err != nil {
				t.Fatal(err)
			}
			tc.check(t, buf)
		})
	}
}

func TestIoctlParam(t *testing.T) {
	drv, _ := mcitesting.NewDriver(t, cards["SDHC"].cfg)

	tests := map[string]struct {
		code diskio.Ioctl
		buf  []byte
		err  error
	}{
		"unknown":      {diskio.Ioctl(99), make([]byte, 16), diskio.ErrParam},
		"shortBuffer":  {diskio.GetSectorCount, make([]byte, 2), diskio.ErrParam},
		"powerSubcode": {diskio.CtrlPower, []byte{7, 0}, diskio.ErrParam},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if err := drv.Ioctl(tc.code, tc.buf); !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestSDStatusMMC(t *testing.T) {
	drv, _ := mcitesting.NewDriver(t, cards["MMC"].cfg)
	if _, err := drv.SDStatus(); !errors.Is(err, sdcard.ErrNotSupported) {
		t.Fatalf("expected %v, got %v", sdcard.ErrNotSupported, err)
	}
}

func TestPower(t *testing.T) {
	drv, host := mcitesting.NewDriver(t, cards["SDv2"].cfg)

	buf := []byte{diskio.PowerGet, 0}
	if err := drv.Ioctl(diskio.CtrlPower, buf); err != nil {
		t.Fatal(err)
	}
	if buf[1] != 1 {
		t.Fatalf("expected %v, got %v", 1, buf[1])
	}

	if err := drv.Ioctl(diskio.CtrlPower, []byte{diskio.PowerOff, 0}); err != nil {
		t.Fatal(err)
	}
	if host.Load(mci.Power) != 0 {
		t.Fatal("socket still powered")
	}
	if st := drv.Status(); st&diskio.StaNoInit == 0 {
		t.Fatalf("unexpected status %v", st)
	}
	if err := drv.Ioctl(diskio.CtrlPower, buf); !errors.Is(err, diskio.ErrNotReady) {
		t.Fatalf("expected %v, got %v", diskio.ErrNotReady, err)
	}

	if _, err := drv.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := drv.Read(make([]byte, 512), 0, 1); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry(t *testing.T) {
	drv, _ := mcitesting.NewDriver(t, cards["SDHC"].cfg)
	if err := diskio.Register(0, drv); err != nil {
		t.Fatal(err)
	}
	defer diskio.Unregister(0)

	if st := diskio.Initialize(0); st != 0 {
		t.Fatalf("unexpected status %v", st)
	}
	buf := make([]byte, 2*512)
	if res := diskio.Read(0, buf, 0, 2); res != diskio.ResOK {
		t.Fatalf("expected %v, got %v", diskio.ResOK, res)
	}
	if res := diskio.Read(0, buf, 0, 0); res != diskio.ResParam {
		t.Fatalf("expected %v, got %v", diskio.ResParam, res)
	}
	if res := diskio.Read(1, buf, 0, 1); res != diskio.ResParam {
		t.Fatalf("expected %v, got %v", diskio.ResParam, res)
	}
}
