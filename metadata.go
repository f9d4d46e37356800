// This package manages the metadata table and the statically-registered
// metadata items that describe the geometry of the virtual disk.

package vhdx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	metadataTableHeaderSize = 32
	metadataEntrySize       = 32

	// Item payloads live beyond the table, at offsets relative to the
	// metadata region base.
	minMetadataItemOffset = 64 * 1024
	maxMetadataItemLength = 1024 * 1024
)

var (
	requiredMetadataTableSignature = []byte("metadata")

	// FileParametersItemGuid identifies the file-parameters metadata item
	// ("CAA16737-FA36-4D43-B3B6-33F0AA44E76B").
	FileParametersItemGuid = Guid{0xCAA16737, 0xFA36, 0x4D43, [8]byte{0xB3, 0xB6, 0x33, 0xF0, 0xAA, 0x44, 0xE7, 0x6B}}

	// VirtualDiskSizeItemGuid identifies the virtual-disk-size metadata item
	// ("2FA54224-CD1B-4876-B211-5DBED83BF4B8").
	VirtualDiskSizeItemGuid = Guid{0x2FA54224, 0xCD1B, 0x4876, [8]byte{0xB2, 0x11, 0x5D, 0xBE, 0xD8, 0x3B, 0xF4, 0xB8}}

	// VirtualDiskIdItemGuid identifies the virtual-disk-id metadata item
	// ("BECA12AB-B2E6-4523-93EF-C309E000C746").
	VirtualDiskIdItemGuid = Guid{0xBECA12AB, 0xB2E6, 0x4523, [8]byte{0x93, 0xEF, 0xC3, 0x09, 0xE0, 0x00, 0xC7, 0x46}}

	// LogicalSectorSizeItemGuid identifies the logical-sector-size metadata
	// item ("8141BF1D-A96F-4709-BA47-F233A8FAAB5F").
	LogicalSectorSizeItemGuid = Guid{0x8141BF1D, 0xA96F, 0x4709, [8]byte{0xBA, 0x47, 0xF2, 0x33, 0xA8, 0xFA, 0xAB, 0x5F}}

	// PhysicalSectorSizeItemGuid identifies the physical-sector-size metadata
	// item ("CDA348C7-445D-4471-9CC9-E9885251C556").
	PhysicalSectorSizeItemGuid = Guid{0xCDA348C7, 0x445D, 0x4471, [8]byte{0x9C, 0xC9, 0xE9, 0x88, 0x52, 0x51, 0xC5, 0x56}}

	// ParentLocatorItemGuid identifies the parent-locator metadata item
	// ("A8D35F2D-B30B-454D-ABF7-D3D84834AB0C").
	ParentLocatorItemGuid = Guid{0xA8D35F2D, 0xB30B, 0x454D, [8]byte{0xAB, 0xF7, 0xD3, 0xD8, 0x48, 0x34, 0xAB, 0x0C}}

	// vhdxParentLocatorTypeGuid is the only locator type defined for VHDX
	// parents ("B04AEFB7-D19E-4A81-B789-25B8E9445913").
	vhdxParentLocatorTypeGuid = Guid{0xB04AEFB7, 0xD19E, 0x4A81, [8]byte{0xB7, 0x89, 0x25, 0xB8, 0xE9, 0x44, 0x59, 0x13}}
)

type registeredMetadataItem struct {
	structType  reflect.Type
	payloadSize int
}

var (
	// Metadata items are known statically. Each registered kind carries the
	// struct that decodes its payload and the payload size to read.
	metadataItemParsers = map[Guid]registeredMetadataItem{
		FileParametersItemGuid:     {reflect.TypeOf(FileParameters{}), 8},
		VirtualDiskSizeItemGuid:    {reflect.TypeOf(VirtualDiskSize{}), 8},
		VirtualDiskIdItemGuid:      {reflect.TypeOf(VirtualDiskId{}), 16},
		LogicalSectorSizeItemGuid:  {reflect.TypeOf(LogicalSectorSize{}), 4},
		PhysicalSectorSizeItemGuid: {reflect.TypeOf(PhysicalSectorSize{}), 4},
		ParentLocatorItemGuid:      {reflect.TypeOf(ParentLocator{}), 20},
	}
)

// MetadataItem represents any of the metadata-item structs defined here.
type MetadataItem interface {
	TypeName() string
}

// FileParameters describes the block size and allocation policy of the disk.
type FileParameters struct {
	// BlockSize: The byte size of each payload block. A power of two between
	// 1 MiB and 256 MiB.
	BlockSize uint32

	// FlagsRaw: Bit 7 is LeaveBlockAllocated, bit 6 is HasParent.
	FlagsRaw uint8

	// Reserved: The rest of the payload is reserved.
	Reserved [3]byte
}

// LeaveBlockAllocated indicates that blocks must stay allocated once
// allocated (a fixed disk).
func (fp FileParameters) LeaveBlockAllocated() bool {
	return fp.FlagsRaw>>7&1 == 1
}

// HasParent indicates that this is a differencing disk.
func (fp FileParameters) HasParent() bool {
	return fp.FlagsRaw>>6&1 == 1
}

// TypeName returns a unique name for this item-type.
func (fp FileParameters) TypeName() string {
	return "FileParameters"
}

// String returns a description of the file parameters.
func (fp FileParameters) String() string {
	return fmt.Sprintf("FileParameters<BLOCK-SIZE=(%d) LEAVE-ALLOCATED=[%v] HAS-PARENT=[%v]>", fp.BlockSize, fp.LeaveBlockAllocated(), fp.HasParent())
}

// VirtualDiskSize describes the byte size of the virtual disk.
type VirtualDiskSize struct {
	// VirtualDiskSize: The size of the virtual disk, in bytes. A multiple of
	// the logical sector size.
	VirtualDiskSize uint64
}

// TypeName returns a unique name for this item-type.
func (vds VirtualDiskSize) TypeName() string {
	return "VirtualDiskSize"
}

// String returns a description of the virtual-disk size.
func (vds VirtualDiskSize) String() string {
	return fmt.Sprintf("VirtualDiskSize<SIZE=(%d)>", vds.VirtualDiskSize)
}

// VirtualDiskId carries a GUID identifying the virtual disk.
type VirtualDiskId struct {
	// VirtualDiskIdRaw: Identifies the disk to the consumer.
	VirtualDiskIdRaw [16]byte
}

// VirtualDiskId returns the decoded disk GUID.
func (vdi VirtualDiskId) VirtualDiskId() Guid {
	return GuidFromBytes(vdi.VirtualDiskIdRaw[:])
}

// TypeName returns a unique name for this item-type.
func (vdi VirtualDiskId) TypeName() string {
	return "VirtualDiskId"
}

// String returns a description of the virtual-disk id.
func (vdi VirtualDiskId) String() string {
	return fmt.Sprintf("VirtualDiskId<GUID=[%s]>", vdi.VirtualDiskId())
}

// LogicalSectorSize describes the sector size assumed by the guest.
type LogicalSectorSize struct {
	// LogicalSectorSize: Either 512 or 4096.
	LogicalSectorSize uint32
}

// TypeName returns a unique name for this item-type.
func (lss LogicalSectorSize) TypeName() string {
	return "LogicalSectorSize"
}

// String returns a description of the logical sector size.
func (lss LogicalSectorSize) String() string {
	return fmt.Sprintf("LogicalSectorSize<SIZE=(%d)>", lss.LogicalSectorSize)
}

// PhysicalSectorSize describes the sector size reported to the guest for
// alignment purposes.
type PhysicalSectorSize struct {
	// PhysicalSectorSize: Either 512 or 4096.
	PhysicalSectorSize uint32
}

// TypeName returns a unique name for this item-type.
func (pss PhysicalSectorSize) TypeName() string {
	return "PhysicalSectorSize"
}

// String returns a description of the physical sector size.
func (pss PhysicalSectorSize) String() string {
	return fmt.Sprintf("PhysicalSectorSize<SIZE=(%d)>", pss.PhysicalSectorSize)
}

// ParentLocator describes where to find the parent of a differencing disk.
// Only its header is decoded; the key/value payload is ignored.
type ParentLocator struct {
	// LocatorTypeRaw: The kind of the locator. Only the VHDX locator type is
	// defined.
	LocatorTypeRaw [16]byte

	// Reserved: This field is reserved.
	Reserved uint16

	// KeyValueCount: The number of key/value pairs that follow.
	KeyValueCount uint16
}

// LocatorType returns the decoded locator-type GUID.
func (pl ParentLocator) LocatorType() Guid {
	return GuidFromBytes(pl.LocatorTypeRaw[:])
}

// TypeName returns a unique name for this item-type.
func (pl ParentLocator) TypeName() string {
	return "ParentLocator"
}

// String returns a description of the parent locator.
func (pl ParentLocator) String() string {
	return fmt.Sprintf("ParentLocator<TYPE=[%s] KEY-VALUE-COUNT=(%d)>", pl.LocatorType(), pl.KeyValueCount)
}

type metadataTableHeader struct {
	Signature  [8]byte
	Reserved   uint16
	EntryCount uint16
	Reserved2  [20]byte
}

// MetadataEntry is one slot of the metadata table, pointing at an item
// payload within the metadata region.
type MetadataEntry struct {
	// ItemIdRaw: Identifies the kind of the item.
	ItemIdRaw [16]byte

	// Offset: The byte offset of the item payload, relative to the metadata
	// region base. At least 64 KiB, unless the entry is empty.
	Offset uint32

	// Length: The byte length of the item payload. Zero marks an empty entry.
	Length uint32

	// FlagsRaw: Bit 0 is IsUser, bit 1 is IsVirtualDisk, bit 2 is IsRequired.
	FlagsRaw uint8

	// Reserved: The rest of the entry is reserved.
	Reserved [7]byte
}

// ItemId returns the decoded item GUID.
func (me MetadataEntry) ItemId() Guid {
	return GuidFromBytes(me.ItemIdRaw[:])
}

// IsUser indicates a user metadata item rather than a system one.
func (me MetadataEntry) IsUser() bool {
	return me.FlagsRaw&1 > 0
}

// IsVirtualDisk indicates virtual-disk metadata rather than file metadata.
func (me MetadataEntry) IsVirtualDisk() bool {
	return me.FlagsRaw&2 > 0
}

// IsRequired indicates that the item must be understood in order to load the
// disk.
func (me MetadataEntry) IsRequired() bool {
	return me.FlagsRaw&4 > 0
}

// IsEmpty indicates an unoccupied table slot.
func (me MetadataEntry) IsEmpty() bool {
	return me.Length == 0
}

// String returns a description of the metadata entry.
func (me MetadataEntry) String() string {
	return fmt.Sprintf("MetadataEntry<ITEM-ID=[%s] OFFSET=(0x%x) LENGTH=(%d)>", me.ItemId(), me.Offset, me.Length)
}

// Metadata is the aggregation of the decoded metadata items. The first five
// items are present in all non-differential disks; ParentLocator is optional.
type Metadata struct {
	FileParameters     FileParameters
	VirtualDiskSize    VirtualDiskSize
	VirtualDiskId      VirtualDiskId
	LogicalSectorSize  LogicalSectorSize
	PhysicalSectorSize PhysicalSectorSize

	// ParentLocator is nil for non-differencing disks.
	ParentLocator *ParentLocator
}

// Dump prints all of the decoded metadata items.
func (metadata Metadata) Dump() {
	fmt.Printf("Metadata\n")
	fmt.Printf("========\n")
	fmt.Printf("\n")

	fmt.Printf("%s\n", metadata.FileParameters)
	fmt.Printf("%s\n", metadata.VirtualDiskSize)
	fmt.Printf("%s\n", metadata.VirtualDiskId)
	fmt.Printf("%s\n", metadata.LogicalSectorSize)
	fmt.Printf("%s\n", metadata.PhysicalSectorSize)

	if metadata.ParentLocator != nil {
		fmt.Printf("%s\n", metadata.ParentLocator)
	}

	fmt.Printf("\n")
}

func parseMetadataItem(itemId Guid, raw []byte) (item MetadataItem, err error) {
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

	registered, found := metadataItemParsers[itemId]
	if found != true {
		log.Panicf("no parser registered for metadata item: [%s]", itemId)
	}

	s := reflect.New(registered.structType)
	x := s.Interface()

	err = restruct.Unpack(raw, defaultEncoding, x)
	log.PanicIf(err)

	item = reflect.Indirect(s).Interface().(MetadataItem)

	// Domain constraints for the individual item kinds.

	switch specific := item.(type) {
	case LogicalSectorSize:
		if specific.LogicalSectorSize != 512 && specific.LogicalSectorSize != 4096 {
			log.Panicf("logical sector-size not correct: (%d)", specific.LogicalSectorSize)
		}
	case PhysicalSectorSize:
		if specific.PhysicalSectorSize != 512 && specific.PhysicalSectorSize != 4096 {
			log.Panicf("physical sector-size not correct: (%d)", specific.PhysicalSectorSize)
		}
	case ParentLocator:
		if specific.LocatorType() != vhdxParentLocatorTypeGuid {
			log.Panicf("parent-locator type not recognized: [%s]", specific.LocatorType())
		}
	}

	return item, nil
}

func (vr *VhdxReader) readMetadataEntry() (entry MetadataEntry, err error) {
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

	err = vr.parseN(metadataEntrySize, &entry)
	log.PanicIf(err)

	if entry.IsEmpty() == true {
		if entry.Offset != 0 {
			log.Panicf("empty metadata entry has nonzero offset: (0x%x)", entry.Offset)
		}
	} else if entry.Offset < minMetadataItemOffset {
		log.Panicf("metadata-item offset too low: (0x%x)", entry.Offset)
	} else if entry.Length > maxMetadataItemLength {
		log.Panicf("metadata-item length too large: (%d)", entry.Length)
	}

	return entry, nil
}

// fetchMetadataItem searches the table for a non-empty entry with the given
// item GUID and decodes its payload via the registered parser.
func (vr *VhdxReader) fetchMetadataItem(regionOffset uint64, entries []MetadataEntry, itemId Guid) (item MetadataItem, found bool, err error) {
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

	registered, registeredFound := metadataItemParsers[itemId]
	if registeredFound != true {
		log.Panicf("no parser registered for metadata item: [%s]", itemId)
	}

	for _, entry := range entries {
		if entry.IsEmpty() == true || entry.ItemId() != itemId {
			continue
		}

		_, err = vr.rws.Seek(int64(regionOffset)+int64(entry.Offset), os.SEEK_SET)
		log.PanicIf(err)

		raw := make([]byte, registered.payloadSize)

		_, err = io.ReadFull(vr.rws, raw)
		log.PanicIf(err)

		item, err = parseMetadataItem(itemId, raw)
		log.PanicIf(err)

		return item, true, nil
	}

	return nil, false, nil
}

func (vr *VhdxReader) parseMetadataRegion(region RegionEntry) (metadata Metadata, err error) {
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

	_, err = vr.rws.Seek(int64(region.FileOffset), os.SEEK_SET)
	log.PanicIf(err)

	th := metadataTableHeader{}

	err = vr.parseN(metadataTableHeaderSize, &th)
	log.PanicIf(err)

	if bytes.Equal(th.Signature[:], requiredMetadataTableSignature) != true {
		log.Panicf("metadata-table signature not correct: %x", th.Signature)
	} else if th.EntryCount > maxTableEntryCount {
		log.Panicf("metadata-table entry-count too large: (%d)", th.EntryCount)
	}

	entries := make([]MetadataEntry, th.EntryCount)
	for i := uint16(0); i < th.EntryCount; i++ {
		entry, err := vr.readMetadataEntry()
		log.PanicIf(err)

		entries[i] = entry
	}

	// The five mandatory items. A disk without any one of these is not
	// loadable.

	fileParametersRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, FileParametersItemGuid)
	log.PanicIf(err)

	if found != true {
		log.Panicf("no file-parameters metadata item")
	}

	metadata.FileParameters = fileParametersRaw.(FileParameters)

	virtualDiskSizeRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, VirtualDiskSizeItemGuid)
	log.PanicIf(err)

	if found != true {
		log.Panicf("no virtual-disk-size metadata item")
	}

	metadata.VirtualDiskSize = virtualDiskSizeRaw.(VirtualDiskSize)

	virtualDiskIdRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, VirtualDiskIdItemGuid)
	log.PanicIf(err)

	if found != true {
		log.Panicf("no virtual-disk-id metadata item")
	}

	metadata.VirtualDiskId = virtualDiskIdRaw.(VirtualDiskId)

	logicalSectorSizeRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, LogicalSectorSizeItemGuid)
	log.PanicIf(err)

	if found != true {
		log.Panicf("no logical-sector-size metadata item")
	}

	metadata.LogicalSectorSize = logicalSectorSizeRaw.(LogicalSectorSize)

	physicalSectorSizeRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, PhysicalSectorSizeItemGuid)
	log.PanicIf(err)

	if found != true {
		log.Panicf("no physical-sector-size metadata item")
	}

	metadata.PhysicalSectorSize = physicalSectorSizeRaw.(PhysicalSectorSize)

	// ParentLocator is optional and only present on differencing disks.

	parentLocatorRaw, found, err := vr.fetchMetadataItem(region.FileOffset, entries, ParentLocatorItemGuid)
	log.PanicIf(err)

	if found == true {
		parentLocator := parentLocatorRaw.(ParentLocator)
		metadata.ParentLocator = &parentLocator
	}

	return metadata, nil
}
