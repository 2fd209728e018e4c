package cardfs

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clktmr/mci/tools/card"
)

const usageString = `Card File System Utility.

Usage:

	%s [flags] <command> [arguments]

The commands are:

	mount <image> <dir>	serve the registers and medium of a simulated card via fuse
`

var (
	flags = flag.NewFlagSet("cardfs", flag.ExitOnError)

	opts card.Options
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "cardfs")
	flags.PrintDefaults()
}

func Main(args []string) {
	opts.AddFlags(flags)
	flags.Usage = usage
	flags.Parse(args[1:])

	if flags.NArg() < 1 {
		flags.Usage()
		os.Exit(1)
	}

	switch flags.Arg(0) {
	case "mount":
		if flags.NArg() < 3 {
			flags.Usage()
			os.Exit(1)
		}
		opts.Image = flags.Arg(1)
		if err := mount(opts, flags.Arg(2)); err != nil {
			log.Fatalln("mount:", err)
		}
	default:
		fmt.Fprintf(flags.Output(), "unknown command: %s\n", flags.Arg(0))
		flags.Usage()
		os.Exit(1)
	}
}
