package card

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"

	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/drivers/sdcard"
)

const usageString = `Simulated SD/MMC card utility.

Usage:

	%s [flags] <image> <command> [arguments]

The commands are:

	info                 print the card registers
	mkfs [label]         create a FAT32 file system
	ls [dir]             list a directory
	cat <file>           print a file
	put <local> <file>   copy a local file onto the card

`

var (
	flags = flag.NewFlagSet("card", flag.ExitOnError)

	opts Options
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "card")
	flags.PrintDefaults()
}

func Main(args []string) {
	opts.AddFlags(flags)
	flags.Usage = usage
	flags.Parse(args[1:])

	if flags.NArg() < 2 {
		flags.Usage()
		os.Exit(1)
	}
	opts.Image = flags.Arg(0)
	cmd, cmdArgs := flags.Arg(1), flags.Args()[2:]

	s, err := Open(opts)
	if err != nil {
		log.Fatalln(err)
	}
	defer s.Close()

	switch cmd {
	case "info":
		err = Info(os.Stdout, s.Driver)
	case "mkfs":
		label := "MCI"
		if len(cmdArgs) > 0 {
			label = cmdArgs[0]
		}
		err = mkfs(s, label)
	case "ls":
		dir := "/"
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		err = ls(os.Stdout, s, dir)
	case "cat":
		if len(cmdArgs) != 1 {
			flags.Usage()
			os.Exit(1)
		}
		err = cat(os.Stdout, s, cmdArgs[0])
	case "put":
		if len(cmdArgs) != 2 {
			flags.Usage()
			os.Exit(1)
		}
		err = put(s, cmdArgs[0], cmdArgs[1])
	default:
		fmt.Fprintf(flags.Output(), "unknown command: %s\n", cmd)
		flags.Usage()
		os.Exit(1)
	}
	if err != nil {
		s.Close()
		log.Fatalln(cmd+":", err)
	}
}

// Info prints the registers of an initialized card.
func Info(w io.Writer, drv *sdcard.Driver) error {
	p := message.NewPrinter(language.English)

	typ, err := drv.Type()
	if err != nil {
		return err
	}
	csd, err := drv.CSD()
	if err != nil {
		return err
	}
	cid, err := drv.CID()
	if err != nil {
		return err
	}
	ocr, err := drv.OCR()
	if err != nil {
		return err
	}
	erase, err := drv.EraseBlockSize()
	if err != nil {
		return err
	}

	sectors := csd.Sectors()
	p.Fprintf(w, "type          %v\n", typ)
	p.Fprintf(w, "capacity      %d sectors, %d bytes\n", sectors, int64(sectors)*diskio.SectorSize)
	p.Fprintf(w, "erase block   %d sectors\n", erase)
	p.Fprintf(w, "ocr           %#08x\n", ocr)
	p.Fprintf(w, "manufacturer  %#02x, oem %s\n", cid.MID, cid.OID)
	p.Fprintf(w, "product       %s rev %s, serial %#08x\n", cid.PNM, cid.Revision(), cid.PSN)
	p.Fprintf(w, "date          %d-%02d\n", cid.Year, cid.Month)
	p.Fprintf(w, "csd           version %d, ccc %#03x, tran speed %#02x\n", csd.Structure+1, csd.CCC, csd.TranSpeed)
	if csd.PermWriteProtect || csd.TmpWriteProtect {
		p.Fprintf(w, "protection    permanent %v, temporary %v\n", csd.PermWriteProtect, csd.TmpWriteProtect)
	}

	if typ&sdcard.TypeSD == 0 {
		return nil
	}
	st, err := drv.SDStatus()
	if err != nil {
		return err
	}
	p.Fprintf(w, "bus width     %d bit\n", 1<<st.BusWidth)
	p.Fprintf(w, "speed class   %d MB/s\n", st.SpeedClassRating())
	p.Fprintf(w, "au size       %d bytes\n", st.AUBytes())
	return nil
}

func mkfs(s *Socket, label string) error {
	disk, err := s.Disk()
	if err != nil {
		return err
	}
	_, err = fat32.Create(disk, disk.Size(), 0, diskio.SectorSize, label)
	if err != nil {
		return err
	}
	return disk.Sync()
}

func readFS(s *Socket) (*fat32.FileSystem, *diskio.Disk, error) {
	disk, err := s.Disk()
	if err != nil {
		return nil, nil, err
	}
	fs, err := fat32.Read(disk, disk.Size(), 0, diskio.SectorSize)
	return fs, disk, err
}

func ls(w io.Writer, s *Socket, dir string) error {
	fs, _, err := readFS(s)
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return err
	}
	p := message.NewPrinter(language.English)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		p.Fprintf(w, "%12d  %s  %s\n", e.Size(), e.ModTime().Format("2006-01-02 15:04"), name)
	}
	return nil
}

func cat(w io.Writer, s *Socket, name string) error {
	fs, _, err := readFS(s)
	if err != nil {
		return err
	}
	f, err := fs.OpenFile(path.Clean("/"+name), os.O_RDONLY)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func put(s *Socket, local, name string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	fs, disk, err := readFS(s)
	if err != nil {
		return err
	}
	f, err := fs.OpenFile(path.Clean("/"+name), os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	return disk.Sync()
}
