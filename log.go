// This package manages the write-ahead log: a ring buffer of entries that
// must be discovered and replayed into the file before any data read.

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
	logEntryHeaderSize = 64
	logDescriptorSize  = 32
	logSectorSize      = 4096
	logDataSectorSize  = 4096
)

var (
	requiredLogEntrySignature       = []byte("loge")
	requiredZeroDescriptorSignature = []byte("zero")
	requiredDataDescriptorSignature = []byte("desc")
	requiredDataSectorSignature     = []byte("data")

	// zeroLogSector is the shared source buffer for applying zero
	// descriptors.
	zeroLogSector [logSectorSize]byte
)

// LogEntryHeader is the fixed header of one log entry.
type LogEntryHeader struct {
	// Signature: The valid value is, in ASCII characters, "loge".
	Signature [4]byte

	// Checksum: A CRC-32C over the entry. Not verified here.
	Checksum uint32

	// EntryLength: The total byte length of the entry. A multiple of 4 KiB.
	EntryLength uint32

	// Tail: The offset, relative to the log base, of the entry that begins
	// the current sequence. A multiple of 4 KiB.
	Tail uint32

	// SequenceNumber: Increments by one for each entry. Never zero.
	SequenceNumber uint64

	// DescriptorCount: The number of descriptors packed after the header.
	DescriptorCount uint32

	// Reserved: This field is reserved.
	Reserved uint32

	// LogGuidRaw: Must match the current header's log GUID for the entry to
	// belong to the pending log.
	LogGuidRaw [16]byte

	// FlushedFileOffset: The file size at the time the entry was written. A
	// multiple of 1 MiB. A smaller current file size means truncation.
	FlushedFileOffset uint64

	// LastFileOffset: The file size needed to hold all allocations described
	// by the entry. A multiple of 1 MiB.
	LastFileOffset uint64
}

// LogGuid returns the decoded log GUID.
func (leh LogEntryHeader) LogGuid() Guid {
	return GuidFromBytes(leh.LogGuidRaw[:])
}

// String returns a description of the log-entry header.
func (leh LogEntryHeader) String() string {
	return fmt.Sprintf("LogEntryHeader<SEQUENCE=(%d) LENGTH=(%d) TAIL=(0x%x) DESCRIPTORS=(%d)>", leh.SequenceNumber, leh.EntryLength, leh.Tail, leh.DescriptorCount)
}

func (vr *VhdxReader) readLogEntryHeader() (leh LogEntryHeader, err error) {
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

	err = vr.parseN(logEntryHeaderSize, &leh)
	log.PanicIf(err)

	if bytes.Equal(leh.Signature[:], requiredLogEntrySignature) != true {
		// Not wrapped. The log scanner uses this to terminate the entry scan.
		return leh, ErrInvalidSignature
	}

	if leh.EntryLength%logSectorSize != 0 {
		log.Panicf("log-entry length not aligned: (%d)", leh.EntryLength)
	} else if leh.Tail%logSectorSize != 0 {
		log.Panicf("log-entry tail not aligned: (0x%x)", leh.Tail)
	} else if leh.SequenceNumber == 0 {
		log.Panicf("log-entry sequence-number not valid: (%d)", leh.SequenceNumber)
	} else if leh.FlushedFileOffset%oneMb != 0 {
		log.Panicf("log-entry flushed-file-offset not aligned: (0x%x)", leh.FlushedFileOffset)
	} else if leh.LastFileOffset%oneMb != 0 {
		log.Panicf("log-entry last-file-offset not aligned: (0x%x)", leh.LastFileOffset)
	}

	return leh, nil
}

// LogDescriptor represents any of the descriptor structs defined here.
type LogDescriptor interface {
	TypeName() string
}

// ZeroDescriptor describes a run of 4 KiB sectors to be zeroed.
type ZeroDescriptor struct {
	// Signature: The valid value is, in ASCII characters, "zero".
	Signature [4]byte

	// Reserved: This field is reserved.
	Reserved uint32

	// ZeroLength: The number of bytes to zero. A multiple of 4 KiB.
	ZeroLength uint64

	// FileOffset: The absolute byte offset to zero from. A multiple of
	// 4 KiB.
	FileOffset uint64

	// SequenceNumber: Must match the sequence-number of the containing
	// entry.
	SequenceNumber uint64
}

// TypeName returns a unique name for this descriptor-type.
func (zd ZeroDescriptor) TypeName() string {
	return "Zero"
}

// String returns a description of the zero descriptor.
func (zd ZeroDescriptor) String() string {
	return fmt.Sprintf("ZeroDescriptor<OFFSET=(0x%x) LENGTH=(%d)>", zd.FileOffset, zd.ZeroLength)
}

// DataDescriptor describes one 4 KiB sector write. The first eight and last
// four bytes of the sector ride in the descriptor itself; the middle 4084
// bytes ride in a data sector.
type DataDescriptor struct {
	// Signature: The valid value is, in ASCII characters, "desc".
	Signature [4]byte

	// TrailingBytes: The final four bytes of the sector to write.
	TrailingBytes [4]byte

	// LeadingBytes: The first eight bytes of the sector to write.
	LeadingBytes [8]byte

	// FileOffset: The absolute byte offset to write at. A multiple of 4 KiB.
	FileOffset uint64

	// SequenceNumber: Must match the sequence-number of the containing
	// entry.
	SequenceNumber uint64
}

// TypeName returns a unique name for this descriptor-type.
func (dd DataDescriptor) TypeName() string {
	return "Data"
}

// String returns a description of the data descriptor.
func (dd DataDescriptor) String() string {
	return fmt.Sprintf("DataDescriptor<OFFSET=(0x%x)>", dd.FileOffset)
}

// DataSector carries the middle 4084 bytes of one data-descriptor write.
type DataSector struct {
	// Signature: The valid value is, in ASCII characters, "data".
	Signature [4]byte

	// SequenceHigh: The high four bytes of the owning entry's sequence-
	// number.
	SequenceHigh uint32

	// Data: The middle portion of the sector to write.
	Data [4084]byte

	// SequenceLow: The low four bytes of the owning entry's sequence-number.
	SequenceLow uint32
}

// String returns a description of the data sector.
func (ds DataSector) String() string {
	return fmt.Sprintf("DataSector<SEQUENCE-HIGH=(%d) SEQUENCE-LOW=(%d)>", ds.SequenceHigh, ds.SequenceLow)
}

// LogEntry is one complete log entry: header, descriptors, and the data
// sectors belonging to its data descriptors, in order.
type LogEntry struct {
	Header      LogEntryHeader
	Descriptors []LogDescriptor
	DataSectors []DataSector
}

// String returns a description of the log entry.
func (entry LogEntry) String() string {
	return fmt.Sprintf("LogEntry<SEQUENCE=(%d) DESCRIPTORS=(%d) DATA-SECTORS=(%d)>", entry.Header.SequenceNumber, len(entry.Descriptors), len(entry.DataSectors))
}

// readLogEntry parses one complete entry from the current position. The
// position will be at the end of the entry afterward.
//
// ErrInvalidSignature is returned directly (never wrapped): while scanning
// the ring buffer it marks the end of a run of entries rather than a fault.
func (vr *VhdxReader) readLogEntry() (entry *LogEntry, err error) {
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

	originalPositionRaw, err := vr.rws.Seek(0, os.SEEK_CUR)
	log.PanicIf(err)

	originalPosition := uint64(originalPositionRaw)

	leh, err := vr.readLogEntryHeader()
	if err == ErrInvalidSignature {
		return nil, ErrInvalidSignature
	}

	log.PanicIf(err)

	entry = &LogEntry{
		Header:      leh,
		Descriptors: make([]LogDescriptor, 0, leh.DescriptorCount),
	}

	dataSectorCount := 0

	for i := uint32(0); i < leh.DescriptorCount; i++ {
		raw := make([]byte, logDescriptorSize)

		_, err = io.ReadFull(vr.rws, raw)
		log.PanicIf(err)

		// The descriptor kind is discriminated by its leading signature.

		if bytes.Equal(raw[:4], requiredZeroDescriptorSignature) == true {
			zd := ZeroDescriptor{}

			err = restruct.Unpack(raw, defaultEncoding, &zd)
			log.PanicIf(err)

			if zd.ZeroLength%logSectorSize != 0 {
				log.Panicf("zero-descriptor length not aligned: (%d)", zd.ZeroLength)
			} else if zd.FileOffset%logSectorSize != 0 {
				log.Panicf("zero-descriptor file-offset not aligned: (0x%x)", zd.FileOffset)
			}

			entry.Descriptors = append(entry.Descriptors, zd)
		} else if bytes.Equal(raw[:4], requiredDataDescriptorSignature) == true {
			dd := DataDescriptor{}

			err = restruct.Unpack(raw, defaultEncoding, &dd)
			log.PanicIf(err)

			if dd.FileOffset%logSectorSize != 0 {
				log.Panicf("data-descriptor file-offset not aligned: (0x%x)", dd.FileOffset)
			}

			entry.Descriptors = append(entry.Descriptors, dd)
			dataSectorCount++
		} else {
			return nil, ErrInvalidSignature
		}
	}

	// The descriptors are zero-padded to the next 4 KiB boundary; the data
	// sectors follow.

	currentPositionRaw, err := vr.rws.Seek(0, os.SEEK_CUR)
	log.PanicIf(err)

	_, err = vr.rws.Seek(int64(nextMultipleOf(uint64(currentPositionRaw), logSectorSize)), os.SEEK_SET)
	log.PanicIf(err)

	entry.DataSectors = make([]DataSector, 0, dataSectorCount)

	for i := 0; i < dataSectorCount; i++ {
		ds := DataSector{}

		err = vr.parseN(logDataSectorSize, &ds)
		log.PanicIf(err)

		if bytes.Equal(ds.Signature[:], requiredDataSectorSignature) != true {
			return nil, ErrInvalidSignature
		}

		entry.DataSectors = append(entry.DataSectors, ds)
	}

	finalPositionRaw, err := vr.rws.Seek(0, os.SEEK_CUR)
	log.PanicIf(err)

	if uint64(finalPositionRaw) != originalPosition+uint64(leh.EntryLength) {
		log.Panicf("log-entry length not consistent: (0x%x) != (0x%x)", finalPositionRaw, originalPosition+uint64(leh.EntryLength))
	}

	return entry, nil
}

type logSequenceMember struct {
	// logOffset is the offset of the entry relative to the log base, so that
	// validity against the head's tail field is a direct comparison.
	logOffset uint64

	entry *LogEntry
}

// logSequence is an ordered run of entries, tail (oldest) first.
type logSequence struct {
	// sequenceNumber is the sequence-number of the tail entry.
	sequenceNumber uint64

	members []logSequenceMember
}

func (ls *logSequence) isEmpty() bool {
	return len(ls.members) == 0
}

// head returns the newest member.
func (ls *logSequence) head() logSequenceMember {
	return ls.members[len(ls.members)-1]
}

// isValid indicates that the sequence is non-empty and that the head entry's
// tail field points at one of the recorded entries.
func (ls *logSequence) isValid() bool {
	if ls.isEmpty() == true {
		return false
	}

	tail := uint64(ls.head().entry.Header.Tail)

	for _, member := range ls.members {
		if member.logOffset == tail {
			return true
		}
	}

	return false
}

// String returns a description of the sequence.
func (ls *logSequence) String() string {
	return fmt.Sprintf("LogSequence<SEQUENCE=(%d) MEMBERS=(%d)>", ls.sequenceNumber, len(ls.members))
}

// findActiveLogSequence scans the ring buffer for the valid run of entries
// with the highest starting sequence-number.
func (vr *VhdxReader) findActiveLogSequence(header Header) (active *logSequence, err error) {
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

	logOffset := header.LogOffset
	logLength := uint64(header.LogLength)
	targetLogGuid := header.LogGuid()

	candidate := new(logSequence)

	currentTail := logOffset
	oldTail := logOffset

	for {
		current := new(logSequence)

		_, err = vr.rws.Seek(int64(currentTail), os.SEEK_SET)
		log.PanicIf(err)

		// Scan forward from the candidate tail, collecting consecutively-
		// numbered entries, until anything that does not parse as an entry of
		// this log.

		headEnd := currentTail

		for {
			entryPositionRaw, err := vr.rws.Seek(0, os.SEEK_CUR)
			log.PanicIf(err)

			entryPosition := uint64(entryPositionRaw)

			entry, err := vr.readLogEntry()
			if err == ErrInvalidSignature {
				break
			}

			log.PanicIf(err)

			if entry.Header.LogGuid() != targetLogGuid {
				break
			}

			if current.isEmpty() == true {
				current.sequenceNumber = entry.Header.SequenceNumber

				current.members = append(current.members, logSequenceMember{
					logOffset: entryPosition - logOffset,
					entry:     entry,
				})

				headEnd = entryPosition + uint64(entry.Header.EntryLength)
			} else if entry.Header.SequenceNumber == current.head().entry.Header.SequenceNumber+1 {
				current.members = append(current.members, logSequenceMember{
					logOffset: entryPosition - logOffset,
					entry:     entry,
				})

				headEnd = entryPosition + uint64(entry.Header.EntryLength)
			}

			// Entries with any other sequence-number are stale remnants.
			// Drop them and keep scanning.
		}

		if current.isValid() == true && current.sequenceNumber > candidate.sequenceNumber {
			candidate = current
		}

		if current.isEmpty() == true || current.isValid() != true {
			// Nothing usable at this tail. Try the next sector, wrapping at
			// the end of the log region.

			currentTail += logSectorSize

			if currentTail >= logOffset+logLength {
				currentTail -= logLength
			}
		} else {
			// Resume scanning for newer runs beyond the head we just
			// reached.

			currentTail = headEnd
		}

		if currentTail < oldTail {
			// Wrapped past the starting point. The whole ring has been
			// visited.
			break
		}

		oldTail = currentTail
	}

	if candidate.isEmpty() == true {
		return nil, ErrCorrupt
	}

	return candidate, nil
}

func (vr *VhdxReader) applyLogEntry(entry *LogEntry, fileSize uint64) (err error) {
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

	dataSectorIndex := 0

	for _, descriptor := range entry.Descriptors {
		switch specific := descriptor.(type) {
		case ZeroDescriptor:
			if specific.SequenceNumber != entry.Header.SequenceNumber {
				log.Panicf("zero-descriptor sequence-number does not match entry: (%d) != (%d)", specific.SequenceNumber, entry.Header.SequenceNumber)
			}

			// Replay never extends the file.
			if specific.FileOffset+specific.ZeroLength > fileSize {
				log.Panic(ErrCorrupt)
			}

			_, err = vr.rws.Seek(int64(specific.FileOffset), os.SEEK_SET)
			log.PanicIf(err)

			for i := uint64(0); i < specific.ZeroLength/logSectorSize; i++ {
				_, err = vr.rws.Write(zeroLogSector[:])
				log.PanicIf(err)
			}
		case DataDescriptor:
			if specific.SequenceNumber != entry.Header.SequenceNumber {
				log.Panicf("data-descriptor sequence-number does not match entry: (%d) != (%d)", specific.SequenceNumber, entry.Header.SequenceNumber)
			}

			if specific.FileOffset+logSectorSize > fileSize {
				log.Panic(ErrCorrupt)
			}

			dataSector := entry.DataSectors[dataSectorIndex]
			dataSectorIndex++

			// Reassemble the full 4 KiB sector from the descriptor and the
			// data sector.

			sector := make([]byte, logSectorSize)
			copy(sector[0:8], specific.LeadingBytes[:])
			copy(sector[8:4092], dataSector.Data[:])
			copy(sector[4092:4096], specific.TrailingBytes[:])

			_, err = vr.rws.Seek(int64(specific.FileOffset), os.SEEK_SET)
			log.PanicIf(err)

			_, err = vr.rws.Write(sector)
			log.PanicIf(err)
		}
	}

	return nil
}

// replayLog discovers the active log sequence and applies its descriptors,
// oldest entry first.
func (vr *VhdxReader) replayLog(header Header) (err error) {
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

	active, err := vr.findActiveLogSequence(header)
	log.PanicIf(err)

	fileSizeRaw, err := vr.rws.Seek(0, os.SEEK_END)
	log.PanicIf(err)

	fileSize := uint64(fileSizeRaw)

	if fileSize < active.head().entry.Header.FlushedFileOffset {
		// The file has been truncated since the log was written.
		log.Panic(ErrCorrupt)
	}

	for _, member := range active.members {
		err = vr.applyLogEntry(member.entry, fileSize)
		log.PanicIf(err)
	}

	return nil
}
