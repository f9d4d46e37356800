package vhdx

import (
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVhdxReader_parseBat(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	bat := vr.Bat()

	// 2^23 * 512 / 2^20
	if bat.ChunkRatio() != 4096 {
		t.Fatalf("Chunk-ratio not correct: (%d)", bat.ChunkRatio())
	}

	// 64 MiB of 1 MiB blocks, no sector-bitmap entries.
	if bat.EntryCount() != 64 {
		t.Fatalf("Entry-count not correct: (%d)", bat.EntryCount())
	}
}

func TestBat_OffsetToEntry(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.batEntries = map[int]uint64{
		0: testBlockDataOffset | uint64(BatStateFullyPresent),
	}

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	bat := vr.Bat()

	entry, residual, err := bat.OffsetToEntry(0x1000)
	log.PanicIf(err)

	if entry.State != BatStateFullyPresent {
		t.Fatalf("Entry state not correct: [%s]", entry.State)
	} else if entry.FileOffset != testBlockDataOffset {
		t.Fatalf("Entry file-offset not correct: (0x%x)", entry.FileOffset)
	} else if residual != 0x1000 {
		t.Fatalf("Residual not correct: (0x%x)", residual)
	}

	entry, residual, err = bat.OffsetToEntry(1024*1024 + 5)
	log.PanicIf(err)

	if entry.State != BatStateNotPresent {
		t.Fatalf("Second-block state not correct: [%s]", entry.State)
	} else if residual != 5 {
		t.Fatalf("Second-block residual not correct: (%d)", residual)
	}
}

func TestBat_OffsetToEntry_ResidualRange(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	bat := vr.Bat()
	blockSize := bat.BlockSize()

	for _, offset := range []uint64{0, 1, blockSize - 1, blockSize, blockSize + 1, vr.VirtualDiskSize() - 1} {
		_, residual, err := bat.OffsetToEntry(offset)
		log.PanicIf(err)

		if residual >= blockSize {
			t.Fatalf("Residual out of range for offset (0x%x): (0x%x)", offset, residual)
		}
	}
}

func TestBat_OffsetToEntry_OutOfBounds(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	_, _, err = vr.Bat().OffsetToEntry(vr.VirtualDiskSize())
	if err == nil {
		t.Fatalf("Expected an error for an offset beyond the disk.")
	}
}

func TestBatEntryFromRaw(t *testing.T) {
	entry, err := batEntryFromRaw(0x300000 | 6)
	log.PanicIf(err)

	if entry.State != BatStateFullyPresent {
		t.Fatalf("State not correct: [%s]", entry.State)
	} else if entry.FileOffset != 0x300000 {
		t.Fatalf("File-offset not correct: (0x%x)", entry.FileOffset)
	}

	// The ignored bits between the state and the offset must not leak into
	// either field.
	entry, err = batEntryFromRaw(0x300000 | 0xFFF8 | 2)
	log.PanicIf(err)

	if entry.State != BatStateZero {
		t.Fatalf("State with noise bits not correct: [%s]", entry.State)
	} else if entry.FileOffset != 0x300000 {
		t.Fatalf("File-offset with noise bits not correct: (0x%x)", entry.FileOffset)
	}
}

func TestBatEntryFromRaw_UnknownState(t *testing.T) {
	_, err := batEntryFromRaw(4)
	if err == nil {
		t.Fatalf("Expected an error for a reserved state.")
	}

	_, err = batEntryFromRaw(5)
	if err == nil {
		t.Fatalf("Expected an error for a reserved state.")
	}
}

func TestBatEntryState_ReadsAsZero(t *testing.T) {
	for _, state := range []BatEntryState{BatStateNotPresent, BatStateUndefined, BatStateZero, BatStateUnmapped} {
		if state.ReadsAsZero() != true {
			t.Fatalf("State should read as zero: [%s]", state)
		}
	}

	for _, state := range []BatEntryState{BatStateFullyPresent, BatStatePartiallyPresent} {
		if state.ReadsAsZero() != false {
			t.Fatalf("State should not read as zero: [%s]", state)
		}
	}
}
