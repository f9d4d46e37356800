// This package manages the statically-located, on-disk storage structures: the
// file-type identifier, the two header copies, and the two region-table
// copies.

package vhdx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	fileTypeIdentifierSize = 1024
	headerSize             = 128
	regionTableHeaderSize  = 16
	regionEntrySize        = 32

	headerOffset1      = 64 * 1024
	headerOffset2      = 128 * 1024
	regionTableOffset1 = 192 * 1024
	regionTableOffset2 = 256 * 1024

	// Both region tables and the metadata table cap their entry counts at the
	// same value.
	maxTableEntryCount = 2047

	oneMb = 1024 * 1024
)

var (
	requiredFileTypeSignature    = []byte("vhdxfile")
	requiredHeaderSignature      = []byte("head")
	requiredRegionTableSignature = []byte("regi")

	// BatRegionGuid identifies the region holding the block-allocation table
	// ("2DC27766-F623-4200-9D64-115E9BFD4A08").
	BatRegionGuid = Guid{0x2DC27766, 0xF623, 0x4200, [8]byte{0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08}}

	// MetadataRegionGuid identifies the region holding the metadata table
	// ("8B7CA206-4790-4B9A-B8FE-575F050F886E").
	MetadataRegionGuid = Guid{0x8B7CA206, 0x4790, 0x4B9A, [8]byte{0xB8, 0xFE, 0x57, 0x5F, 0x05, 0x0F, 0x88, 0x6E}}

	defaultEncoding = binary.LittleEndian
)

var (
	// ErrInvalidSignature indicates that the fixed ASCII signature of a log
	// entry, log descriptor or data sector did not match. The log scanner
	// consumes it locally. Signature mismatches in the file-type identifier,
	// the headers, the region tables and the metadata table do not yield this
	// value; they fail with a message error.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrCorrupt indicates that no valid log sequence was found when one was
	// expected, or that the file has been truncated.
	ErrCorrupt = errors.New("file is corrupt")

	// ErrUnsupported indicates a deliberately-excluded feature: sector-bitmap
	// blocks, differential disks, or writing.
	ErrUnsupported = errors.New("not supported")

	// ErrInvalidSeek indicates a seek that would move before the start of the
	// virtual disk.
	ErrInvalidSeek = errors.New("invalid seek")
)

// VhdxReader knows where to find all of the statically-located structures and
// how to parse them, how to replay any pending log, and how to map virtual-
// disk offsets to physical file offsets.
type VhdxReader struct {
	rws io.ReadWriteSeeker

	fileTypeIdentifier FileTypeIdentifier

	header1 Header
	header2 Header

	regionTable1 RegionTable
	regionTable2 RegionTable

	metadata Metadata

	bat *Bat
}

// NewVhdxReader returns a new instance of VhdxReader. Write access on the
// given stream is exercised only by log replay.
func NewVhdxReader(rws io.ReadWriteSeeker) *VhdxReader {
	return &VhdxReader{
		rws: rws,
	}
}

func (vr *VhdxReader) parseN(byteCount int, x interface{}) (err error) {
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

	raw := make([]byte, byteCount)

	_, err = io.ReadFull(vr.rws, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// FileTypeIdentifier is the fixed structure at offset 0 identifying the file
// as a VHDX and naming its creator.
type FileTypeIdentifier struct {
	// Signature: This field is mandatory. The valid value is, in ASCII
	// characters, "vhdxfile".
	Signature [8]byte

	// CreatorRaw: A free-form, NUL-terminated UTF-16LE description of the
	// implementation that last wrote the file. Informational only.
	CreatorRaw [512]byte
}

// Creator returns the decoded creator string.
func (fti FileTypeIdentifier) Creator() string {
	return UnicodeFromUtf16le(fti.CreatorRaw[:])
}

// String returns a description of the file-type identifier.
func (fti FileTypeIdentifier) String() string {
	return fmt.Sprintf("FileTypeIdentifier<CREATOR=[%s]>", fti.Creator())
}

// Dump prints the file-type identifier fields.
func (fti FileTypeIdentifier) Dump() {
	fmt.Printf("File-Type Identifier\n")
	fmt.Printf("====================\n")
	fmt.Printf("\n")

	fmt.Printf("Signature: [%s]\n", string(fti.Signature[:]))
	fmt.Printf("Creator: [%s]\n", fti.Creator())
	fmt.Printf("\n")
}

func (vr *VhdxReader) readFileTypeIdentifier() (fti FileTypeIdentifier, err error) {
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

	err = vr.parseN(fileTypeIdentifierSize, &fti)
	log.PanicIf(err)

	if bytes.Equal(fti.Signature[:], requiredFileTypeSignature) != true {
		log.Panicf("file-type signature not correct: %x [%s]", fti.Signature, string(fti.Signature[:]))
	}

	return fti, nil
}

// Header is one of the two header copies. Each copy occupies 4 KiB on disk
// but only the leading fields are meaningful.
type Header struct {
	// Signature: The valid value is, in ASCII characters, "head".
	Signature [4]byte

	// Checksum: A CRC-32C over the 4 KiB header. Not verified here.
	Checksum uint32

	// SequenceNumber: Incremented on each header update. The copy with the
	// larger sequence-number is current.
	SequenceNumber uint64

	// FileWriteGuidRaw: Changed on first write after open.
	FileWriteGuidRaw [16]byte

	// DataWriteGuidRaw: Changed on first user-visible data write after open.
	DataWriteGuidRaw [16]byte

	// LogGuidRaw: Zero when there are no pending log entries. Nonzero values
	// must match the log entries to be replayed.
	LogGuidRaw [16]byte

	// LogVersion: The version of the log format. Must be zero.
	LogVersion uint16

	// Version: The version of the VHDX format. Must be one.
	Version uint16

	// LogLength: The byte length of the log region. A multiple of 1 MiB.
	LogLength uint32

	// LogOffset: The absolute byte offset of the log region. A multiple of
	// 1 MiB.
	LogOffset uint64
}

// FileWriteGuid returns the decoded file-write GUID.
func (header Header) FileWriteGuid() Guid {
	return GuidFromBytes(header.FileWriteGuidRaw[:])
}

// DataWriteGuid returns the decoded data-write GUID.
func (header Header) DataWriteGuid() Guid {
	return GuidFromBytes(header.DataWriteGuidRaw[:])
}

// LogGuid returns the decoded log GUID.
func (header Header) LogGuid() Guid {
	return GuidFromBytes(header.LogGuidRaw[:])
}

// String returns a description of the header.
func (header Header) String() string {
	return fmt.Sprintf("Header<SEQUENCE=(%d) LOG-GUID=[%s]>", header.SequenceNumber, header.LogGuid())
}

// Dump prints all of the header parameters.
func (header Header) Dump() {
	fmt.Printf("Header\n")
	fmt.Printf("======\n")
	fmt.Printf("\n")

	fmt.Printf("SequenceNumber: (%d)\n", header.SequenceNumber)
	fmt.Printf("FileWriteGuid: [%s]\n", header.FileWriteGuid())
	fmt.Printf("DataWriteGuid: [%s]\n", header.DataWriteGuid())
	fmt.Printf("LogGuid: [%s]\n", header.LogGuid())
	fmt.Printf("LogVersion: (%d)\n", header.LogVersion)
	fmt.Printf("Version: (%d)\n", header.Version)
	fmt.Printf("LogLength: (%d)\n", header.LogLength)
	fmt.Printf("LogOffset: (%d)\n", header.LogOffset)
	fmt.Printf("\n")
}

func (vr *VhdxReader) readHeader() (header Header, err error) {
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

	err = vr.parseN(headerSize, &header)
	log.PanicIf(err)

	if bytes.Equal(header.Signature[:], requiredHeaderSignature) != true {
		log.Panicf("header signature not correct: %x", header.Signature)
	} else if header.LogVersion != 0 {
		log.Panicf("log-version not correct: (%d)", header.LogVersion)
	} else if header.Version != 1 {
		log.Panicf("header version not correct: (%d)", header.Version)
	} else if header.LogLength%oneMb != 0 {
		log.Panicf("log-length not aligned: (%d)", header.LogLength)
	} else if header.LogOffset%oneMb != 0 {
		log.Panicf("log-offset not aligned: (%d)", header.LogOffset)
	}

	return header, nil
}

// RegionEntry maps one region GUID to a file range.
type RegionEntry struct {
	// GuidRaw: Identifies the kind of the region.
	GuidRaw [16]byte

	// FileOffset: The absolute byte offset of the region. A multiple of
	// 1 MiB, beyond the header section.
	FileOffset uint64

	// Length: The byte length of the region. A multiple of 1 MiB.
	Length uint32

	// Required: If nonzero, the region must be understood by the
	// implementation in order to load the disk.
	Required uint32
}

// Guid returns the decoded region GUID.
func (re RegionEntry) Guid() Guid {
	return GuidFromBytes(re.GuidRaw[:])
}

// IsRequired indicates whether the region must be understood.
func (re RegionEntry) IsRequired() bool {
	return re.Required != 0
}

// String returns a description of the region entry.
func (re RegionEntry) String() string {
	return fmt.Sprintf("RegionEntry<GUID=[%s] OFFSET=(0x%x) LENGTH=(%d) REQUIRED=[%v]>", re.Guid(), re.FileOffset, re.Length, re.IsRequired())
}

type regionTableHeader struct {
	Signature  [4]byte
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

// RegionTable is one of the two region-table copies, mapping region GUIDs to
// file ranges.
type RegionTable struct {
	header  regionTableHeader
	Entries []RegionEntry
}

// EntryCount returns the number of entries in the table.
func (rt RegionTable) EntryCount() uint32 {
	return rt.header.EntryCount
}

// Lookup finds the region entry with the given GUID.
func (rt RegionTable) Lookup(guid Guid) (entry RegionEntry, found bool) {
	for _, entry := range rt.Entries {
		if entry.Guid() == guid {
			return entry, true
		}
	}

	return entry, false
}

// Dump prints all of the region-table entries.
func (rt RegionTable) Dump() {
	fmt.Printf("Region Table\n")
	fmt.Printf("============\n")
	fmt.Printf("\n")

	for i, entry := range rt.Entries {
		fmt.Printf("# %d: %s\n", i, entry)
	}

	fmt.Printf("\n")
}

func (vr *VhdxReader) readRegionEntry() (entry RegionEntry, err error) {
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

	err = vr.parseN(regionEntrySize, &entry)
	log.PanicIf(err)

	if entry.FileOffset%oneMb != 0 {
		log.Panicf("region file-offset not aligned: (0x%x)", entry.FileOffset)
	} else if entry.FileOffset <= oneMb {
		log.Panicf("region file-offset within the header section: (0x%x)", entry.FileOffset)
	} else if entry.Length%oneMb != 0 {
		log.Panicf("region length not aligned: (%d)", entry.Length)
	}

	if entry.IsRequired() == true {
		guid := entry.Guid()

		if guid != BatRegionGuid && guid != MetadataRegionGuid {
			log.Panicf("required region not recognized: [%s]", guid)
		}
	}

	return entry, nil
}

func (vr *VhdxReader) readRegionTable() (rt RegionTable, err error) {
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

	err = vr.parseN(regionTableHeaderSize, &rt.header)
	log.PanicIf(err)

	if bytes.Equal(rt.header.Signature[:], requiredRegionTableSignature) != true {
		log.Panicf("region-table signature not correct: %x", rt.header.Signature)
	} else if rt.header.EntryCount > maxTableEntryCount {
		log.Panicf("region-table entry-count too large: (%d)", rt.header.EntryCount)
	}

	rt.Entries = make([]RegionEntry, rt.header.EntryCount)
	for i := uint32(0); i < rt.header.EntryCount; i++ {
		entry, err := vr.readRegionEntry()
		log.PanicIf(err)

		rt.Entries[i] = entry
	}

	return rt, nil
}

// CurrentHeader returns the header copy with the larger sequence-number.
func (vr *VhdxReader) CurrentHeader() Header {
	if vr.header2.SequenceNumber > vr.header1.SequenceNumber {
		return vr.header2
	}

	return vr.header1
}

// FileTypeIdentifier returns the decoded file-type identifier.
func (vr *VhdxReader) FileTypeIdentifier() FileTypeIdentifier {
	return vr.fileTypeIdentifier
}

// Metadata returns the decoded metadata items.
func (vr *VhdxReader) Metadata() Metadata {
	return vr.metadata
}

// Bat returns the decoded block-allocation table.
func (vr *VhdxReader) Bat() *Bat {
	return vr.bat
}

// VirtualDiskSize returns the byte size of the virtual disk.
func (vr *VhdxReader) VirtualDiskSize() uint64 {
	return vr.metadata.VirtualDiskSize.VirtualDiskSize
}

// Parse loads all of the virtual-disk structures and replays any pending log.
// The BAT is read in full, so the amount read grows with the number of
// payload blocks.
func (vr *VhdxReader) Parse() (err error) {
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

	_, err = vr.rws.Seek(0, os.SEEK_SET)
	log.PanicIf(err)

	fileTypeIdentifier, err := vr.readFileTypeIdentifier()
	log.PanicIf(err)

	vr.fileTypeIdentifier = fileTypeIdentifier

	_, err = vr.rws.Seek(headerOffset1, os.SEEK_SET)
	log.PanicIf(err)

	header1, err := vr.readHeader()
	log.PanicIf(err)

	vr.header1 = header1

	_, err = vr.rws.Seek(headerOffset2, os.SEEK_SET)
	log.PanicIf(err)

	header2, err := vr.readHeader()
	log.PanicIf(err)

	vr.header2 = header2

	_, err = vr.rws.Seek(regionTableOffset1, os.SEEK_SET)
	log.PanicIf(err)

	regionTable1, err := vr.readRegionTable()
	log.PanicIf(err)

	vr.regionTable1 = regionTable1

	_, err = vr.rws.Seek(regionTableOffset2, os.SEEK_SET)
	log.PanicIf(err)

	regionTable2, err := vr.readRegionTable()
	log.PanicIf(err)

	vr.regionTable2 = regionTable2

	// The log must be replayed before any metadata-dependent structure is
	// consumed.

	currentHeader := vr.CurrentHeader()

	if currentHeader.LogGuid().IsZero() != true {
		err = vr.replayLog(currentHeader)
		log.PanicIf(err)
	}

	metadataRegion, found := vr.regionTable1.Lookup(MetadataRegionGuid)
	if found != true {
		log.Panicf("no metadata region")
	}

	metadata, err := vr.parseMetadataRegion(metadataRegion)
	log.PanicIf(err)

	vr.metadata = metadata

	batRegion, found := vr.regionTable1.Lookup(BatRegionGuid)
	if found != true {
		log.Panicf("no BAT region")
	}

	bat, err := vr.parseBat(batRegion)
	log.PanicIf(err)

	vr.bat = bat

	return nil
}

// Dump prints all of the statically-located structures.
func (vr *VhdxReader) Dump() {
	vr.fileTypeIdentifier.Dump()

	vr.header1.Dump()
	vr.header2.Dump()

	fmt.Printf("Current header: %s\n", vr.CurrentHeader())
	fmt.Printf("\n")

	vr.regionTable1.Dump()
	vr.regionTable2.Dump()
}
