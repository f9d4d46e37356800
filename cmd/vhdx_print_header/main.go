package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-vhdx"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of VHDX file" required:"true"`
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

	vr.Dump()
}
