package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clktmr/mci/tools/card"
	"github.com/clktmr/mci/tools/cardfs"
	"github.com/clktmr/mci/tools/shell"
)

const usageString = `mcitool is a tool for development against simulated SD/MMC cards.

Usage:

	%s <command> [arguments]

The commands are:

	card     create and inspect card images
	shell    interactive disk shell on a card image
	cardfs   mount the registers and medium of a card image
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	log.Default().SetFlags(0)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "card":
		card.Main(flag.Args())
	case "shell":
		shell.Main(flag.Args())
	case "cardfs":
		cardfs.Main(flag.Args())
	default:
		fmt.Fprintf(flag.CommandLine.Output(), "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
