package vhdx

import (
	"io/ioutil"
	"os"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// The synthesized test image uses a fixed layout: the metadata region at
// 2 MiB, a payload-block area from 3 MiB, the log region at 5 MiB, and the
// BAT region at 6 MiB.
const (
	testFileSize = 0x700000

	testMetadataRegionOffset = 0x200000
	testMetadataRegionLength = 0x100000
	testBlockDataOffset      = 0x300000
	testLogOffset            = 0x500000
	testLogLength            = 0x100000
	testBatRegionOffset      = 0x600000
	testBatRegionLength      = 0x100000

	testMetadataItemBase = 0x10000
)

var (
	testDiskGuid = Guid{0x11223344, 0x5566, 0x7788, [8]byte{0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}}
	testLogGuid  = Guid{0xDEADBEEF, 0xCAFE, 0xF00D, [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}}
)

type testVhdxParameters struct {
	virtualDiskSize    uint64
	blockSize          uint32
	logicalSectorSize  uint32
	physicalSectorSize uint32

	// logGuid is stamped into both headers. A zero GUID means no pending
	// log.
	logGuid Guid

	// logData is copied to the start of the log region.
	logData []byte

	// batEntries carries raw entry values by BAT index. Unmentioned entries
	// stay zero (NotPresent).
	batEntries map[int]uint64

	// parentLocator adds an optional parent-locator metadata item.
	parentLocator bool

	// truncateTo caps the file size when nonzero.
	truncateTo int
}

func defaultTestVhdxParameters() testVhdxParameters {
	return testVhdxParameters{
		virtualDiskSize:    64 * 1024 * 1024,
		blockSize:          1024 * 1024,
		logicalSectorSize:  512,
		physicalSectorSize: 512,
	}
}

func putTestGuid(raw []byte, guid Guid) {
	wire := guid.Bytes()
	copy(raw, wire[:])
}

func writeTestHeader(raw []byte, sequenceNumber uint64, logGuid Guid) {
	copy(raw[0:4], []byte("head"))
	binary.LittleEndian.PutUint64(raw[8:16], sequenceNumber)
	putTestGuid(raw[48:64], logGuid)
	binary.LittleEndian.PutUint16(raw[64:66], 0)
	binary.LittleEndian.PutUint16(raw[66:68], 1)
	binary.LittleEndian.PutUint32(raw[68:72], testLogLength)
	binary.LittleEndian.PutUint64(raw[72:80], testLogOffset)
}

func writeTestRegionTable(raw []byte) {
	copy(raw[0:4], []byte("regi"))
	binary.LittleEndian.PutUint32(raw[8:12], 2)

	entry1 := raw[16:48]
	putTestGuid(entry1[0:16], MetadataRegionGuid)
	binary.LittleEndian.PutUint64(entry1[16:24], testMetadataRegionOffset)
	binary.LittleEndian.PutUint32(entry1[24:28], testMetadataRegionLength)
	binary.LittleEndian.PutUint32(entry1[28:32], 1)

	entry2 := raw[48:80]
	putTestGuid(entry2[0:16], BatRegionGuid)
	binary.LittleEndian.PutUint64(entry2[16:24], testBatRegionOffset)
	binary.LittleEndian.PutUint32(entry2[24:28], testBatRegionLength)
	binary.LittleEndian.PutUint32(entry2[28:32], 1)
}

func writeTestMetadataEntry(raw []byte, itemId Guid, offset, length uint32, flags uint8) {
	putTestGuid(raw[0:16], itemId)
	binary.LittleEndian.PutUint32(raw[16:20], offset)
	binary.LittleEndian.PutUint32(raw[20:24], length)
	raw[24] = flags
}

func writeTestMetadataRegion(raw []byte, params testVhdxParameters) {
	copy(raw[0:8], []byte("metadata"))

	entryCount := uint16(5)
	if params.parentLocator == true {
		entryCount = 6
	}

	binary.LittleEndian.PutUint16(raw[10:12], entryCount)

	writeTestMetadataEntry(raw[32:64], FileParametersItemGuid, testMetadataItemBase, 8, 0x04)
	writeTestMetadataEntry(raw[64:96], VirtualDiskSizeItemGuid, testMetadataItemBase+0x08, 8, 0x06)
	writeTestMetadataEntry(raw[96:128], VirtualDiskIdItemGuid, testMetadataItemBase+0x10, 16, 0x06)
	writeTestMetadataEntry(raw[128:160], LogicalSectorSizeItemGuid, testMetadataItemBase+0x20, 4, 0x06)
	writeTestMetadataEntry(raw[160:192], PhysicalSectorSizeItemGuid, testMetadataItemBase+0x24, 4, 0x06)

	if params.parentLocator == true {
		writeTestMetadataEntry(raw[192:224], ParentLocatorItemGuid, testMetadataItemBase+0x30, 20, 0x06)
	}

	items := raw[testMetadataItemBase:]

	binary.LittleEndian.PutUint32(items[0x00:0x04], params.blockSize)
	binary.LittleEndian.PutUint64(items[0x08:0x10], params.virtualDiskSize)
	putTestGuid(items[0x10:0x20], testDiskGuid)
	binary.LittleEndian.PutUint32(items[0x20:0x24], params.logicalSectorSize)
	binary.LittleEndian.PutUint32(items[0x24:0x28], params.physicalSectorSize)

	if params.parentLocator == true {
		putTestGuid(items[0x30:0x40], vhdxParentLocatorTypeGuid)
		binary.LittleEndian.PutUint16(items[0x42:0x44], 0)
	}
}

// writeTestVhdx builds a complete minimal VHDX image and writes it to a
// temporary file. The caller removes the file.
func writeTestVhdx(params testVhdxParameters) (filepath string) {
	image := make([]byte, testFileSize)

	copy(image[0:8], requiredFileTypeSignature)

	creator := "go-vhdx test writer"
	for i, r := range creator {
		binary.LittleEndian.PutUint16(image[8+i*2:8+i*2+2], uint16(r))
	}

	writeTestHeader(image[headerOffset1:headerOffset1+headerSize], 4, params.logGuid)
	writeTestHeader(image[headerOffset2:headerOffset2+headerSize], 8, params.logGuid)

	writeTestRegionTable(image[regionTableOffset1 : regionTableOffset1+regionTableHeaderSize+2*regionEntrySize])
	writeTestRegionTable(image[regionTableOffset2 : regionTableOffset2+regionTableHeaderSize+2*regionEntrySize])

	writeTestMetadataRegion(image[testMetadataRegionOffset:testMetadataRegionOffset+testMetadataRegionLength], params)

	for index, value := range params.batEntries {
		position := testBatRegionOffset + index*batEntrySize
		binary.LittleEndian.PutUint64(image[position:position+batEntrySize], value)
	}

	if params.logData != nil {
		copy(image[testLogOffset:], params.logData)
	}

	if params.truncateTo != 0 {
		image = image[:params.truncateTo]
	}

	f, err := ioutil.TempFile("", "go-vhdx-test-")
	log.PanicIf(err)

	_, err = f.Write(image)
	log.PanicIf(err)

	err = f.Close()
	log.PanicIf(err)

	return f.Name()
}

// getTestVhdx synthesizes an image and returns an open file and an unparsed
// reader over it.
func getTestVhdx(params testVhdxParameters) (f *os.File, vr *VhdxReader) {
	filepath := writeTestVhdx(params)

	f, err := os.OpenFile(filepath, os.O_RDWR, 0)
	log.PanicIf(err)

	vr = NewVhdxReader(f)

	return f, vr
}

// buildTestLogDataEntry builds one log entry carrying a single data
// descriptor that writes the given 4 KiB payload at targetOffset.
func buildTestLogDataEntry(logGuid Guid, sequenceNumber uint64, tail uint32, targetOffset uint64, payload []byte) []byte {
	if len(payload) != logSectorSize {
		log.Panicf("payload not one sector: (%d)", len(payload))
	}

	raw := make([]byte, 2*logSectorSize)

	copy(raw[0:4], requiredLogEntrySignature)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(raw)))
	binary.LittleEndian.PutUint32(raw[12:16], tail)
	binary.LittleEndian.PutUint64(raw[16:24], sequenceNumber)
	binary.LittleEndian.PutUint32(raw[24:28], 1)
	putTestGuid(raw[32:48], logGuid)
	binary.LittleEndian.PutUint64(raw[48:56], testFileSize)
	binary.LittleEndian.PutUint64(raw[56:64], testFileSize)

	descriptor := raw[logEntryHeaderSize : logEntryHeaderSize+logDescriptorSize]
	copy(descriptor[0:4], requiredDataDescriptorSignature)
	copy(descriptor[4:8], payload[4092:4096])
	copy(descriptor[8:16], payload[0:8])
	binary.LittleEndian.PutUint64(descriptor[16:24], targetOffset)
	binary.LittleEndian.PutUint64(descriptor[24:32], sequenceNumber)

	dataSector := raw[logSectorSize : 2*logSectorSize]
	copy(dataSector[0:4], requiredDataSectorSignature)
	binary.LittleEndian.PutUint32(dataSector[4:8], uint32(sequenceNumber>>32))
	copy(dataSector[8:4092], payload[8:4092])
	binary.LittleEndian.PutUint32(dataSector[4092:4096], uint32(sequenceNumber))

	return raw
}

// buildTestLogZeroEntry builds one log entry carrying a single zero
// descriptor that zeroes zeroLength bytes at targetOffset.
func buildTestLogZeroEntry(logGuid Guid, sequenceNumber uint64, tail uint32, targetOffset, zeroLength uint64) []byte {
	raw := make([]byte, logSectorSize)

	copy(raw[0:4], requiredLogEntrySignature)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(raw)))
	binary.LittleEndian.PutUint32(raw[12:16], tail)
	binary.LittleEndian.PutUint64(raw[16:24], sequenceNumber)
	binary.LittleEndian.PutUint32(raw[24:28], 1)
	putTestGuid(raw[32:48], logGuid)
	binary.LittleEndian.PutUint64(raw[48:56], testFileSize)
	binary.LittleEndian.PutUint64(raw[56:64], testFileSize)

	descriptor := raw[logEntryHeaderSize : logEntryHeaderSize+logDescriptorSize]
	copy(descriptor[0:4], requiredZeroDescriptorSignature)
	binary.LittleEndian.PutUint64(descriptor[8:16], zeroLength)
	binary.LittleEndian.PutUint64(descriptor[16:24], targetOffset)
	binary.LittleEndian.PutUint64(descriptor[24:32], sequenceNumber)

	return raw
}
