package card

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/drivers/sdcard"
	"github.com/clktmr/mci/lpc2387/mci/mcisim"
)

// Socket is a simulated card socket with an image file as medium.
type Socket struct {
	Host   *mcisim.Host
	Driver *sdcard.Driver

	file *os.File
}

// Options selects the image and the card emulated on top of it.
type Options struct {
	Image string
	Kind  mcisim.Kind
	Size  uint // MiB, 0 for the size of an existing image
}

type kindFlag struct{ k *mcisim.Kind }

func (f kindFlag) String() string {
	if f.k == nil {
		return ""
	}
	return strings.ToLower(f.k.String())
}

func (f kindFlag) Set(s string) error {
	for _, k := range []mcisim.Kind{mcisim.MMC, mcisim.SDv1, mcisim.SDv2, mcisim.SDHC} {
		if strings.EqualFold(s, k.String()) {
			*f.k = k
			return nil
		}
	}
	return fmt.Errorf("unknown card kind %q", s)
}

// AddFlags registers the card options in flags.
func (o *Options) AddFlags(flags *flag.FlagSet) {
	o.Kind = mcisim.SDHC
	flags.Var(kindFlag{&o.Kind}, "kind", "mmc | sdv1 | sdv2 | sdhc")
	flags.UintVar(&o.Size, "size", 0, "capacity of a new image in MiB")
}

// Open inserts a card backed by o.Image and initializes it.
func Open(o Options) (*Socket, error) {
	card, f, err := mcisim.OpenImage(o.Image, mcisim.CardConfig{
		Kind:    o.Kind,
		Sectors: uint32(o.Size) << 11,
	})
	if err != nil {
		return nil, err
	}

	host := mcisim.New(mcisim.DefaultConfig())
	host.Insert(card)
	s := &Socket{
		Host:   host,
		Driver: sdcard.New(host, sdcard.DefaultConfig()),
		file:   f,
	}
	if _, err := s.Driver.Initialize(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Disk returns a byte addressed view of the card.
func (s *Socket) Disk() (*diskio.Disk, error) {
	return diskio.NewDisk(s.Driver)
}

func (s *Socket) Close() error {
	s.Host.Eject()
	return s.file.Close()
}
