package shell

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/lpc2387/mci/mcisim"
)

var errExit = errors.New("exit")

// Shell runs disk commands against a registered drive.
type Shell struct {
	drv  uint8
	host *mcisim.Host
	card *mcisim.Card

	out io.Writer
	p   *message.Printer
}

type command struct {
	args string
	help string
	run  func(sh *Shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"init":    {"", "initialize the drive", (*Shell).initialize},
		"status":  {"", "print the drive status", (*Shell).status},
		"size":    {"", "print sector count, sector size and erase block size", (*Shell).size},
		"read":    {"<sector> [count]", "dump sectors", (*Shell).read},
		"write":   {"<sector> <count> <byte>", "fill sectors with a byte", (*Shell).write},
		"erase":   {"<start> <end>", "erase a sector range", (*Shell).erase},
		"sync":    {"", "wait for pending writes", (*Shell).sync},
		"power":   {"off | get", "control the socket power", (*Shell).power},
		"eject":   {"", "remove the card from the socket", (*Shell).eject},
		"insert":  {"", "put the card back into the socket", (*Shell).insert},
		"protect": {"on | off", "move the write protect tab", (*Shell).protect},
		"help":    {"", "list commands", (*Shell).help},
		"exit":    {"", "leave the shell", func(*Shell, []string) error { return errExit }},
	}
}

// New returns a shell operating on drive drv, which is attached to host.
func New(drv uint8, host *mcisim.Host) *Shell {
	return &Shell{
		drv:  drv,
		host: host,
		card: host.Card(),
		p:    message.NewPrinter(language.English),
	}
}

// Run executes the commands read from r until r is exhausted or the exit
// command is given.
func (sh *Shell) Run(r io.Reader, w io.Writer) error {
	sh.out = w
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(w)
			return scanner.Err()
		}
		if sh.exec(scanner.Text()) {
			return nil
		}
	}
}

// RunTerminal is like Run, but reads lines from t with line editing and
// history.
func (sh *Shell) RunTerminal(t *term.Terminal) error {
	sh.out = t
	t.SetPrompt("> ")
	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			fmt.Fprintln(t)
			return nil
		} else if err != nil {
			return err
		}
		if sh.exec(line) {
			return nil
		}
	}
}

// exec runs line and reports whether the shell should quit.
func (sh *Shell) exec(line string) bool {
	err := sh.Exec(line)
	if errors.Is(err, errExit) {
		return true
	}
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
	}
	return false
}

// Exec runs a single command line.
func (sh *Shell) Exec(line string) error {
	args, err := shellwords.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	return cmd.run(sh, args[1:])
}

func (sh *Shell) result(res diskio.Result) error {
	if res != diskio.ResOK {
		return fmt.Errorf("%v", res)
	}
	return nil
}

func parseUint(args []string, i int, def uint32) (uint32, error) {
	if i >= len(args) {
		return def, nil
	}
	v, err := strconv.ParseUint(args[i], 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid argument %q", args[i])
	}
	return uint32(v), nil
}

func (sh *Shell) initialize(args []string) error {
	st := diskio.Initialize(sh.drv)
	fmt.Fprintln(sh.out, "status:", st)
	if st&diskio.StaNoInit != 0 {
		return fmt.Errorf("%v", diskio.ResNotReady)
	}
	return nil
}

func (sh *Shell) status(args []string) error {
	fmt.Fprintln(sh.out, "status:", diskio.DriveStatus(sh.drv))
	return nil
}

func (sh *Shell) size(args []string) error {
	var buf [4]byte
	le := binary.LittleEndian
	for _, q := range []struct {
		code diskio.Ioctl
		name string
	}{
		{diskio.GetSectorCount, "sectors"},
		{diskio.GetSectorSize, "sector size"},
		{diskio.GetBlockSize, "erase block"},
	} {
		clear(buf[:])
		if err := sh.result(diskio.Control(sh.drv, q.code, buf[:])); err != nil {
			return err
		}
		sh.p.Fprintf(sh.out, "%-12s %d\n", q.name, le.Uint32(buf[:]))
	}
	return nil
}

func (sh *Shell) read(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: read " + commands["read"].args)
	}
	sector, err := parseUint(args, 0, 0)
	if err != nil {
		return err
	}
	count, err := parseUint(args, 1, 1)
	if err != nil {
		return err
	}
	if count > diskio.MaxCount {
		return sh.result(diskio.ResParam)
	}
	buf := make([]byte, int(count)*diskio.SectorSize)
	if err := sh.result(diskio.Read(sh.drv, buf, sector, int(count))); err != nil {
		return err
	}
	d := hex.Dumper(sh.out)
	d.Write(buf)
	return d.Close()
}

func (sh *Shell) write(args []string) error {
	if len(args) < 3 {
		return errors.New("usage: write " + commands["write"].args)
	}
	sector, err := parseUint(args, 0, 0)
	if err != nil {
		return err
	}
	count, err := parseUint(args, 1, 1)
	if err != nil {
		return err
	}
	if count > diskio.MaxCount {
		return sh.result(diskio.ResParam)
	}
	fill, err := parseUint(args, 2, 0)
	if err != nil || fill > 0xff {
		return fmt.Errorf("invalid fill byte %q", args[2])
	}
	buf := make([]byte, int(count)*diskio.SectorSize)
	for i := range buf {
		buf[i] = byte(fill)
	}
	return sh.result(diskio.Write(sh.drv, buf, sector, int(count)))
}

func (sh *Shell) erase(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: erase " + commands["erase"].args)
	}
	start, err := parseUint(args, 0, 0)
	if err != nil {
		return err
	}
	end, err := parseUint(args, 1, 0)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], start)
	binary.LittleEndian.PutUint32(buf[4:], end)
	return sh.result(diskio.Control(sh.drv, diskio.CtrlEraseSector, buf[:]))
}

func (sh *Shell) sync(args []string) error {
	return sh.result(diskio.Control(sh.drv, diskio.CtrlSync, nil))
}

func (sh *Shell) power(args []string) error {
	buf := []byte{diskio.PowerGet, 0}
	if len(args) > 0 {
		switch args[0] {
		case "off":
			buf[0] = diskio.PowerOff
		case "get":
		default:
			return errors.New("usage: power " + commands["power"].args)
		}
	}
	if err := sh.result(diskio.Control(sh.drv, diskio.CtrlPower, buf)); err != nil {
		return err
	}
	if buf[0] == diskio.PowerGet {
		fmt.Fprintln(sh.out, "power:", map[byte]string{0: "off", 1: "on"}[buf[1]])
	}
	return nil
}

func (sh *Shell) eject(args []string) error {
	sh.host.Eject()
	return nil
}

func (sh *Shell) insert(args []string) error {
	if sh.host.Card() != nil {
		return errors.New("socket not empty")
	}
	sh.host.Insert(sh.card)
	return nil
}

func (sh *Shell) protect(args []string) error {
	if len(args) != 1 || args[0] != "on" && args[0] != "off" {
		return errors.New("usage: protect " + commands["protect"].args)
	}
	sh.host.SetWriteProtect(args[0] == "on")
	return nil
}

func (sh *Shell) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		usage := strings.TrimSpace(name + " " + cmd.args)
		fmt.Fprintf(sh.out, "  %-28s %s\n", usage, cmd.help)
	}
	return nil
}
