package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-vhdx"
)

type rootParameters struct {
	Filepath       string `short:"f" long:"filepath" description:"File-path of VHDX file" required:"true"`
	OutputFilepath string `short:"o" long:"output-filepath" description:"File-path to write the logical disk contents to ('-' for STDOUT)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.OpenFile(rootArguments.Filepath, os.O_RDWR, 0)
	log.PanicIf(err)

	defer f.Close()

	vr := vhdx.NewVhdxReader(f)

	err = vr.Parse()
	log.PanicIf(err)

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		var err error

		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer func() {
			g.Close()
		}()
	}

	written, err := io.Copy(g, vr.Reader())
	log.PanicIf(err)

	if uint64(written) != vr.VirtualDiskSize() {
		log.Panicf("written bytes do not equal the virtual-disk size: (%d) != (%d)", written, vr.VirtualDiskSize())
	}

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("%s bytes written.\n", humanize.Comma(written))
	}
}
