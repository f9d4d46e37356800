// This package manages GUID values as they appear in the VHDX format: a
// little-endian mixed wire form and a big-endian canonical text form.

package vhdx

import (
	"fmt"

	"encoding/binary"
	"encoding/hex"

	"github.com/dsoprea/go-logging"
)

const (
	guidTextLength = 36
)

// Guid is a 16-byte identifier decomposed into its four natural fields. It is
// a comparable value-type and is used as a map key for region and metadata-
// item discrimination.
type Guid struct {
	// Data1: The first four bytes. Little-endian on the wire, big-endian in
	// the canonical text form.
	Data1 uint32

	// Data2: The next two bytes. Little-endian on the wire, big-endian in the
	// canonical text form.
	Data2 uint16

	// Data3: The next two bytes. Little-endian on the wire, big-endian in the
	// canonical text form.
	Data3 uint16

	// Data4: The final eight bytes, raw in both forms.
	Data4 [8]byte
}

var (
	// zeroGuid is the distinguished all-zero GUID. A zero log GUID in a
	// header indicates that there are no pending log entries.
	zeroGuid = Guid{}
)

// GuidFromBytes parses the 16-byte wire form: the first three fields are
// little-endian, the last eight bytes are raw.
func GuidFromBytes(raw []byte) Guid {
	guid := Guid{
		Data1: binary.LittleEndian.Uint32(raw[0:4]),
		Data2: binary.LittleEndian.Uint16(raw[4:6]),
		Data3: binary.LittleEndian.Uint16(raw[6:8]),
	}

	copy(guid.Data4[:], raw[8:16])

	return guid
}

// GuidFromText parses the canonical text form
// ("XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX"). Note that, unlike the wire form,
// the first three fields are rendered big-endian.
func GuidFromText(text string) (guid Guid, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%v]", errRaw)
			}
		}
	}()

	if len(text) != guidTextLength {
		log.Panicf("GUID text not correct length: (%d)", len(text))
	}

	for _, position := range []int{8, 13, 18, 23} {
		if text[position] != '-' {
			log.Panicf("GUID text missing hyphen at position (%d): [%s]", position, text)
		}
	}

	plain := text[0:8] + text[9:13] + text[14:18] + text[19:23] + text[24:36]

	raw, err := hex.DecodeString(plain)
	log.PanicIf(err)

	guid = Guid{
		Data1: binary.BigEndian.Uint32(raw[0:4]),
		Data2: binary.BigEndian.Uint16(raw[4:6]),
		Data3: binary.BigEndian.Uint16(raw[6:8]),
	}

	copy(guid.Data4[:], raw[8:16])

	return guid, nil
}

// Bytes returns the 16-byte wire form.
func (guid Guid) Bytes() (raw [16]byte) {
	binary.LittleEndian.PutUint32(raw[0:4], guid.Data1)
	binary.LittleEndian.PutUint16(raw[4:6], guid.Data2)
	binary.LittleEndian.PutUint16(raw[6:8], guid.Data3)

	copy(raw[8:16], guid.Data4[:])

	return raw
}

// IsZero indicates whether this is the all-zero GUID.
func (guid Guid) IsZero() bool {
	return guid == zeroGuid
}

// String returns the canonical text form.
func (guid Guid) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		guid.Data1,
		guid.Data2,
		guid.Data3,
		guid.Data4[0], guid.Data4[1],
		guid.Data4[2], guid.Data4[3], guid.Data4[4], guid.Data4[5], guid.Data4[6], guid.Data4[7])
}
