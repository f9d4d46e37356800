// This package supports reading the logical contents of the virtual disk.

package vhdx

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Reader is a stateful cursor over the logical contents of the virtual disk.
// It dispatches through the BAT and issues physical reads against the
// underlying file.
//
// A Reader borrows the disk's file handle; reads on the disk must go through
// one reader at a time.
type Reader struct {
	vr       *VhdxReader
	position uint64
}

// Reader returns a new Reader positioned at the start of the virtual disk.
func (vr *VhdxReader) Reader() *Reader {
	return &Reader{
		vr: vr,
	}
}

// Position returns the current logical offset.
func (r *Reader) Position() uint64 {
	return r.position
}

// String returns a description of the reader.
func (r *Reader) String() string {
	return fmt.Sprintf("Reader<POSITION=(0x%x)>", r.position)
}

// Read fills buffer from the current logical offset. At most one block's
// worth of bytes is returned per call. Reads at or beyond the end of the
// virtual disk return io.EOF.
func (r *Reader) Read(buffer []byte) (n int, err error) {
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

	if len(buffer) == 0 {
		return 0, nil
	}

	virtualDiskSize := r.vr.VirtualDiskSize()

	if r.position >= virtualDiskSize {
		return 0, io.EOF
	}

	bat := r.vr.Bat()

	entry, residual, err := bat.OffsetToEntry(r.position)
	log.PanicIf(err)

	numToRead := uint64(len(buffer))

	// Cap at the block boundary and at the end of the disk.

	if blockRemaining := bat.BlockSize() - residual; numToRead > blockRemaining {
		numToRead = blockRemaining
	}

	if diskRemaining := virtualDiskSize - r.position; numToRead > diskRemaining {
		numToRead = diskRemaining
	}

	switch entry.State {
	case BatStateNotPresent, BatStateUndefined, BatStateZero, BatStateUnmapped:
		for i := uint64(0); i < numToRead; i++ {
			buffer[i] = 0
		}
	case BatStateFullyPresent:
		_, err = r.vr.rws.Seek(int64(entry.FileOffset+residual), os.SEEK_SET)
		log.PanicIf(err)

		_, err = io.ReadFull(r.vr.rws, buffer[:numToRead])
		log.PanicIf(err)
	case BatStatePartiallyPresent:
		// Differencing disks are out of scope.
		return 0, ErrUnsupported
	}

	r.position += numToRead

	return int(numToRead), nil
}

// Seek moves the cursor per the io.Seeker contract. End-relative positioning
// anchors at the virtual-disk size. Seeking beyond the end is permitted;
// subsequent reads return io.EOF.
func (r *Reader) Seek(offset int64, whence int) (position int64, err error) {
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

	newPosition := int64(0)

	switch whence {
	case os.SEEK_SET:
		newPosition = offset
	case os.SEEK_CUR:
		newPosition = int64(r.position) + offset
	case os.SEEK_END:
		newPosition = int64(r.vr.VirtualDiskSize()) + offset
	default:
		log.Panicf("whence not valid: (%d)", whence)
	}

	if newPosition < 0 {
		return 0, ErrInvalidSeek
	}

	r.position = uint64(newPosition)

	return newPosition, nil
}

// Write is present for interface completeness. The disk is read-only.
func (r *Reader) Write(buffer []byte) (n int, err error) {
	return 0, ErrUnsupported
}

// Flush is present for interface completeness. The disk is read-only.
func (r *Reader) Flush() (err error) {
	return ErrUnsupported
}
