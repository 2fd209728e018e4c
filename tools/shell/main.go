package shell

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/aymanbagabas/go-pty"
	"golang.org/x/term"

	"github.com/clktmr/mci/drivers/diskio"
	"github.com/clktmr/mci/tools/card"
)

const usageString = `Interactive disk shell on a simulated card.

Usage: %s [flags] <image>

`

var (
	flags = flag.NewFlagSet("shell", flag.ExitOnError)

	opts   card.Options
	usePty = flags.Bool("pty", false, "serve the shell on a pseudo terminal instead of stdio")
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "shell")
	flags.PrintDefaults()
}

func Main(args []string) {
	opts.AddFlags(flags)
	flags.Usage = usage
	flags.Parse(args[1:])

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(1)
	}
	opts.Image = flags.Arg(0)

	s, err := card.Open(opts)
	if err != nil {
		log.Fatalln(err)
	}
	defer s.Close()

	if err := diskio.Register(0, s.Driver); err != nil {
		log.Fatalln(err)
	}
	defer diskio.Unregister(0)
	sh := New(0, s.Host)

	var rw io.ReadWriter = struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}

	if *usePty {
		p, err := pty.New()
		if err != nil {
			log.Fatalln("pty:", err)
		}
		defer p.Close()
		log.Printf("serving shell on %s, interrupt to quit", p.Name())

		go func() {
			sigintr := make(chan os.Signal, 1)
			signal.Notify(sigintr, os.Interrupt)
			<-sigintr
			p.Close()
		}()
		rw = p
	}

	if !*usePty && term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			log.Fatalln("terminal:", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)
		err = sh.RunTerminal(term.NewTerminal(rw, "> "))
		if err != nil {
			log.Println(err)
		}
		return
	}

	if err := sh.Run(rw, rw); err != nil {
		log.Println(err)
	}
}
