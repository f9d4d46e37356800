package vhdx

import (
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVhdxReader_readFileTypeIdentifier(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	fti, err := vr.readFileTypeIdentifier()
	log.PanicIf(err)

	if fti.Creator() != "go-vhdx test writer" {
		t.Fatalf("Creator not correct: [%s]", fti.Creator())
	}
}

func TestVhdxReader_Parse(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	if vr.VirtualDiskSize() != 64*1024*1024 {
		t.Fatalf("Virtual-disk size not correct: (%d)", vr.VirtualDiskSize())
	}
}

func TestVhdxReader_Parse_BadFileTypeSignature(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	_, err := f.WriteAt([]byte{0xff}, 0)
	log.PanicIf(err)

	err = vr.Parse()
	if err == nil {
		t.Fatalf("Expected an error for a corrupted file-type signature.")
	}
}

func TestVhdxReader_CurrentHeader(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	currentHeader := vr.CurrentHeader()

	// The second copy carries the larger sequence-number in the synthesized
	// image.
	if currentHeader.SequenceNumber != 8 {
		t.Fatalf("Current-header selection not correct: (%d)", currentHeader.SequenceNumber)
	}
}

func TestRegionTable_Lookup(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	entry, found := vr.regionTable1.Lookup(BatRegionGuid)
	if found != true {
		t.Fatalf("BAT region not found.")
	} else if entry.FileOffset != testBatRegionOffset {
		t.Fatalf("BAT region offset not correct: (0x%x)", entry.FileOffset)
	}

	entry, found = vr.regionTable1.Lookup(MetadataRegionGuid)
	if found != true {
		t.Fatalf("Metadata region not found.")
	} else if entry.FileOffset != testMetadataRegionOffset {
		t.Fatalf("Metadata region offset not correct: (0x%x)", entry.FileOffset)
	}

	_, found = vr.regionTable1.Lookup(testDiskGuid)
	if found != false {
		t.Fatalf("Unknown region GUID unexpectedly found.")
	}
}

func TestVhdxReader_Dump(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	vr.Dump()
}
