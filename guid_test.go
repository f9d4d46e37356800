package vhdx

import (
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestGuidFromText(t *testing.T) {
	guid, err := GuidFromText("2DC27766-F623-4200-9D64-115E9BFD4A08")
	log.PanicIf(err)

	if guid.Data1 != 0x2DC27766 {
		t.Fatalf("Data1 not correct: (0x%x)", guid.Data1)
	} else if guid.Data2 != 0xF623 {
		t.Fatalf("Data2 not correct: (0x%x)", guid.Data2)
	} else if guid.Data3 != 0x4200 {
		t.Fatalf("Data3 not correct: (0x%x)", guid.Data3)
	} else if guid.Data4 != [8]byte{0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08} {
		t.Fatalf("Data4 not correct: (%x)", guid.Data4)
	}

	if guid != BatRegionGuid {
		t.Fatalf("Parsed GUID does not equal the BAT region GUID.")
	}
}

func TestGuidFromText_WrongLength(t *testing.T) {
	_, err := GuidFromText("2DC27766-F623-4200")
	if err == nil {
		t.Fatalf("Expected an error for a short GUID.")
	}
}

func TestGuidFromText_MissingHyphen(t *testing.T) {
	_, err := GuidFromText("2DC27766xF623-4200-9D64-115E9BFD4A08")
	if err == nil {
		t.Fatalf("Expected an error for a missing hyphen.")
	}
}

func TestGuidFromText_NotHex(t *testing.T) {
	_, err := GuidFromText("2DC2776Z-F623-4200-9D64-115E9BFD4A08")
	if err == nil {
		t.Fatalf("Expected an error for non-hex input.")
	}
}

func TestGuidFromBytes_RoundTrip(t *testing.T) {
	original := [16]byte{0x66, 0x77, 0xC2, 0x2D, 0x23, 0xF6, 0x00, 0x42, 0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08}

	guid := GuidFromBytes(original[:])

	if guid != BatRegionGuid {
		t.Fatalf("Wire-form decode not correct: [%s]", guid)
	}

	if guid.Bytes() != original {
		t.Fatalf("Wire-form round-trip not correct: (%x)", guid.Bytes())
	}
}

func TestGuid_String_RoundTrip(t *testing.T) {
	text := "8b7ca206-4790-4b9a-b8fe-575f050f886e"

	guid, err := GuidFromText(text)
	log.PanicIf(err)

	if guid.String() != strings.ToUpper(text) {
		t.Fatalf("Text round-trip not correct: [%s]", guid)
	}
}

func TestGuid_IsZero(t *testing.T) {
	guid := Guid{}
	if guid.IsZero() != true {
		t.Fatalf("Zero GUID not detected.")
	}

	if BatRegionGuid.IsZero() != false {
		t.Fatalf("Nonzero GUID detected as zero.")
	}
}
