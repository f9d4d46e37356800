// This package manages the block-allocation table: the index of payload
// blocks that maps virtual-disk offsets to physical file offsets.

package vhdx

import (
	"fmt"
	"os"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

const (
	batEntrySize = 8

	// The three low bits of a BAT entry encode the block state; bits [20..64)
	// encode the 1 MiB-aligned physical file-offset.
	batEntryStateMask      = 0x7
	batEntryFileOffsetMask = 0xFFFFFFFFFFF00000
)

// BatEntryState is the presence state of one payload block.
type BatEntryState uint8

const (
	// BatStateNotPresent indicates that the block has never been written.
	BatStateNotPresent BatEntryState = 0

	// BatStateUndefined indicates that the block contents are undefined.
	BatStateUndefined BatEntryState = 1

	// BatStateZero indicates that the block reads as all zeros.
	BatStateZero BatEntryState = 2

	// BatStateUnmapped indicates that the block was unmapped by the guest.
	BatStateUnmapped BatEntryState = 3

	// BatStateFullyPresent indicates that the block is backed by the file at
	// the entry's file-offset.
	BatStateFullyPresent BatEntryState = 6

	// BatStatePartiallyPresent indicates a differencing-disk block that is
	// partially backed by this file.
	BatStatePartiallyPresent BatEntryState = 7
)

// String returns a name for the state.
func (state BatEntryState) String() string {
	switch state {
	case BatStateNotPresent:
		return "NotPresent"
	case BatStateUndefined:
		return "Undefined"
	case BatStateZero:
		return "Zero"
	case BatStateUnmapped:
		return "Unmapped"
	case BatStateFullyPresent:
		return "FullyPresent"
	case BatStatePartiallyPresent:
		return "PartiallyPresent"
	}

	return fmt.Sprintf("Unknown(%d)", uint8(state))
}

// ReadsAsZero indicates that any read within the block yields zeros.
func (state BatEntryState) ReadsAsZero() bool {
	return state == BatStateNotPresent || state == BatStateUndefined || state == BatStateZero || state == BatStateUnmapped
}

// BatEntry is one decoded slot of the block-allocation table.
type BatEntry struct {
	// State: The presence state of the block.
	State BatEntryState

	// FileOffset: The absolute byte offset of the block's backing data. Only
	// meaningful for present states.
	FileOffset uint64
}

// String returns a description of the entry.
func (be BatEntry) String() string {
	return fmt.Sprintf("BatEntry<STATE=[%s] OFFSET=(0x%x)>", be.State, be.FileOffset)
}

func batEntryFromRaw(value uint64) (entry BatEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	state := BatEntryState(value & batEntryStateMask)

	switch state {
	case BatStateNotPresent, BatStateUndefined, BatStateZero, BatStateUnmapped, BatStateFullyPresent, BatStatePartiallyPresent:
	default:
		log.Panicf("BAT entry state not recognized: (%b)", uint8(state))
	}

	entry = BatEntry{
		State:      state,
		FileOffset: value & batEntryFileOffsetMask,
	}

	return entry, nil
}

// Bat is the decoded block-allocation table.
type Bat struct {
	blockSize  uint64
	chunkRatio uint64
	entries    []BatEntry
}

// BlockSize returns the byte size of each payload block.
func (bat *Bat) BlockSize() uint64 {
	return bat.blockSize
}

// ChunkRatio returns the number of payload blocks per sector-bitmap block.
func (bat *Bat) ChunkRatio() uint64 {
	return bat.chunkRatio
}

// EntryCount returns the total number of BAT entries.
func (bat *Bat) EntryCount() int {
	return len(bat.entries)
}

// Entry returns the i'th BAT entry.
func (bat *Bat) Entry(i int) BatEntry {
	return bat.entries[i]
}

// OffsetToEntry gets the associated entry for a given virtual-disk offset.
//
// Returns both the entry of the block that contains the offset, as well as
// the residual offset within that block.
func (bat *Bat) OffsetToEntry(offset uint64) (entry BatEntry, residual uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	payloadBlockIndex := offset / bat.blockSize
	sectorBitmapBlocks := payloadBlockIndex / bat.chunkRatio
	batIndex := payloadBlockIndex + sectorBitmapBlocks

	if batIndex >= uint64(len(bat.entries)) {
		log.Panicf("offset exceeds BAT bounds: (0x%x) -> (%d) >= (%d)", offset, batIndex, len(bat.entries))
	}

	entry = bat.entries[batIndex]
	residual = offset - payloadBlockIndex*bat.blockSize

	return entry, residual, nil
}

// Dump prints a summary of the BAT population.
func (bat *Bat) Dump() {
	fmt.Printf("Block-Allocation Table\n")
	fmt.Printf("======================\n")
	fmt.Printf("\n")

	fmt.Printf("BlockSize: (%d)\n", bat.blockSize)
	fmt.Printf("ChunkRatio: (%d)\n", bat.chunkRatio)
	fmt.Printf("Entries: (%d)\n", len(bat.entries))
	fmt.Printf("\n")

	stateCounts := make(map[BatEntryState]int)
	for _, entry := range bat.entries {
		stateCounts[entry.State]++
	}

	for state, count := range stateCounts {
		fmt.Printf("%s: (%d)\n", state, count)
	}

	fmt.Printf("\n")
}

func (vr *VhdxReader) parseBat(region RegionEntry) (bat *Bat, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	virtualDiskSize := vr.metadata.VirtualDiskSize.VirtualDiskSize
	logicalSectorSize := uint64(vr.metadata.LogicalSectorSize.LogicalSectorSize)
	blockSize := uint64(vr.metadata.FileParameters.BlockSize)

	if blockSize == 0 {
		log.Panicf("block-size not valid: (%d)", blockSize)
	} else if virtualDiskSize == 0 {
		log.Panicf("virtual-disk size not valid: (%d)", virtualDiskSize)
	}

	chunkRatio := (1 << 23) * logicalSectorSize / blockSize
	payloadBlocks := (virtualDiskSize + blockSize - 1) / blockSize
	sectorBitmapBlocks := (payloadBlocks - 1) / chunkRatio
	totalBatEntries := payloadBlocks + sectorBitmapBlocks

	// Every chunk-ratio payload entries are followed by one sector-bitmap
	// entry. Sector-bitmap blocks only carry information for differencing
	// disks, which are out of scope.

	if sectorBitmapBlocks != 0 {
		return nil, ErrUnsupported
	}

	if totalBatEntries*batEntrySize > uint64(region.Length) {
		log.Panicf("BAT does not fit its region: (%d) entries in (%d) bytes", totalBatEntries, region.Length)
	}

	_, err = vr.rws.Seek(int64(region.FileOffset), os.SEEK_SET)
	log.PanicIf(err)

	entries := make([]BatEntry, totalBatEntries)
	for i := uint64(0); i < totalBatEntries; i++ {
		value := uint64(0)
		err = binary.Read(vr.rws, defaultEncoding, &value)
		log.PanicIf(err)

		entry, err := batEntryFromRaw(value)
		log.PanicIf(err)

		entries[i] = entry
	}

	bat = &Bat{
		blockSize:  blockSize,
		chunkRatio: chunkRatio,
		entries:    entries,
	}

	return bat, nil
}
