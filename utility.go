package vhdx

import (
	"unicode/utf16"
)

// UnicodeFromUtf16le returns the string encoded in raw NUL-terminated UTF-16LE
// data.
func UnicodeFromUtf16le(raw []byte) string {
	// The creator field is a Unicode-encoded string with a fixed on-disk size.
	// The string itself ends at the first NUL character.

	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		unit := uint16(raw[i]) | uint16(raw[i+1])<<8
		if unit == 0 {
			break
		}

		units = append(units, unit)
	}

	return string(utf16.Decode(units))
}

// nextMultipleOf rounds value up to the next multiple of rhs.
func nextMultipleOf(value, rhs uint64) uint64 {
	r := value % rhs

	if r == 0 {
		return value
	}

	return value + (rhs - r)
}
