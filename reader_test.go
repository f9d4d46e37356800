package vhdx

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestReader_Read_EmptyDisk(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	buffer := make([]byte, 4096)
	for i := range buffer {
		buffer[i] = 0xFF
	}

	n, err := r.Read(buffer)
	log.PanicIf(err)

	if n != 4096 {
		t.Fatalf("Read count not correct: (%d)", n)
	}

	if bytes.Equal(buffer, make([]byte, 4096)) != true {
		t.Fatalf("Unallocated block did not read as zeros.")
	}
}

func TestReader_Read_FullyPresent(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.batEntries = map[int]uint64{
		0: testBlockDataOffset | uint64(BatStateFullyPresent),
	}

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	// Stamp a pattern into the block's backing storage.

	pattern := make([]byte, 512)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	_, err := f.WriteAt(pattern, testBlockDataOffset+0x1000)
	log.PanicIf(err)

	err = vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	_, err = r.Seek(0x1000, os.SEEK_SET)
	log.PanicIf(err)

	buffer := make([]byte, 512)

	n, err := r.Read(buffer)
	log.PanicIf(err)

	if n != 512 {
		t.Fatalf("Read count not correct: (%d)", n)
	}

	if bytes.Equal(buffer, pattern) != true {
		t.Fatalf("Present block did not read its backing data.")
	}
}

func TestReader_Read_BlockBoundaryCap(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	blockSize := vr.Bat().BlockSize()

	_, err = r.Seek(0x1000, os.SEEK_SET)
	log.PanicIf(err)

	buffer := make([]byte, 2*blockSize)

	n, err := r.Read(buffer)
	log.PanicIf(err)

	// At most one block's worth of bytes per call.
	if uint64(n) != blockSize-0x1000 {
		t.Fatalf("Read not capped at the block boundary: (%d)", n)
	}
}

func TestReader_Read_ChunkCoherence(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.batEntries = map[int]uint64{
		0: testBlockDataOffset | uint64(BatStateFullyPresent),
	}

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	pattern := make([]byte, 8192)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}

	_, err := f.WriteAt(pattern, testBlockDataOffset+0xFF000)
	log.PanicIf(err)

	err = vr.Parse()
	log.PanicIf(err)

	virtualDiskSize := vr.VirtualDiskSize()

	// One pass with large aligned reads.

	r := vr.Reader()

	whole := make([]byte, virtualDiskSize)

	_, err = io.ReadFull(r, whole)
	log.PanicIf(err)

	// One pass with small unaligned reads.

	r = vr.Reader()

	chunked := make([]byte, 0, virtualDiskSize)
	chunk := make([]byte, 999)

	for {
		n, err := r.Read(chunk)
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		chunked = append(chunked, chunk[:n]...)
	}

	if uint64(len(chunked)) != virtualDiskSize {
		t.Fatalf("Chunked read total not correct: (%d)", len(chunked))
	}

	if bytes.Equal(whole, chunked) != true {
		t.Fatalf("Chunked read did not match the whole read.")
	}
}

func TestReader_Read_Eof(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	position, err := r.Seek(0, os.SEEK_END)
	log.PanicIf(err)

	if uint64(position) != vr.VirtualDiskSize() {
		t.Fatalf("End-relative seek not correct: (%d)", position)
	}

	buffer := make([]byte, 512)

	n, err := r.Read(buffer)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read at end-of-disk not correct: (%d) [%v]", n, err)
	}

	// Seeking beyond the end is permitted; reads there also yield EOF.

	_, err = r.Seek(100, os.SEEK_END)
	log.PanicIf(err)

	n, err = r.Read(buffer)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read beyond end-of-disk not correct: (%d) [%v]", n, err)
	}
}

func TestReader_Seek(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	position, err := r.Seek(0x1000, os.SEEK_SET)
	log.PanicIf(err)

	if position != 0x1000 {
		t.Fatalf("Absolute seek not correct: (0x%x)", position)
	}

	position, err = r.Seek(0x500, os.SEEK_CUR)
	log.PanicIf(err)

	if position != 0x1500 {
		t.Fatalf("Relative seek not correct: (0x%x)", position)
	}

	position, err = r.Seek(-0x500, os.SEEK_CUR)
	log.PanicIf(err)

	if position != 0x1000 {
		t.Fatalf("Negative relative seek not correct: (0x%x)", position)
	}

	position, err = r.Seek(-0x1000, os.SEEK_END)
	log.PanicIf(err)

	if uint64(position) != vr.VirtualDiskSize()-0x1000 {
		t.Fatalf("End-relative seek not correct: (0x%x)", position)
	}
}

func TestReader_Seek_Invalid(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	_, err = r.Seek(-1, os.SEEK_SET)
	if err != ErrInvalidSeek {
		t.Fatalf("Expected an invalid-seek error: [%v]", err)
	}
}

func TestReader_Read_PartiallyPresent(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.parentLocator = true
	params.batEntries = map[int]uint64{
		0: testBlockDataOffset | uint64(BatStatePartiallyPresent),
	}

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	buffer := make([]byte, 512)

	_, err = r.Read(buffer)
	if err != ErrUnsupported {
		t.Fatalf("Expected an unsupported error for a differencing block: [%v]", err)
	}
}

func TestReader_Write_Unsupported(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	r := vr.Reader()

	_, err = r.Write(make([]byte, 512))
	if err != ErrUnsupported {
		t.Fatalf("Expected an unsupported error for a write: [%v]", err)
	}

	err = r.Flush()
	if err != ErrUnsupported {
		t.Fatalf("Expected an unsupported error for a flush: [%v]", err)
	}
}
