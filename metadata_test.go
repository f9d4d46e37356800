package vhdx

import (
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVhdxReader_Metadata(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	metadata := vr.Metadata()

	if metadata.FileParameters.BlockSize != 1024*1024 {
		t.Fatalf("Block-size not correct: (%d)", metadata.FileParameters.BlockSize)
	} else if metadata.FileParameters.LeaveBlockAllocated() != false {
		t.Fatalf("Leave-block-allocated not correct.")
	} else if metadata.FileParameters.HasParent() != false {
		t.Fatalf("Has-parent not correct.")
	}

	if metadata.VirtualDiskSize.VirtualDiskSize != 64*1024*1024 {
		t.Fatalf("Virtual-disk size not correct: (%d)", metadata.VirtualDiskSize.VirtualDiskSize)
	}

	if metadata.VirtualDiskId.VirtualDiskId() != testDiskGuid {
		t.Fatalf("Virtual-disk id not correct: [%s]", metadata.VirtualDiskId.VirtualDiskId())
	}

	if metadata.LogicalSectorSize.LogicalSectorSize != 512 {
		t.Fatalf("Logical sector-size not correct: (%d)", metadata.LogicalSectorSize.LogicalSectorSize)
	}

	if metadata.PhysicalSectorSize.PhysicalSectorSize != 512 {
		t.Fatalf("Physical sector-size not correct: (%d)", metadata.PhysicalSectorSize.PhysicalSectorSize)
	}

	if metadata.ParentLocator != nil {
		t.Fatalf("Parent locator unexpectedly present.")
	}
}

func TestVhdxReader_Metadata_ParentLocator(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.parentLocator = true

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	metadata := vr.Metadata()

	if metadata.ParentLocator == nil {
		t.Fatalf("Parent locator not present.")
	} else if metadata.ParentLocator.LocatorType() != vhdxParentLocatorTypeGuid {
		t.Fatalf("Parent-locator type not correct: [%s]", metadata.ParentLocator.LocatorType())
	} else if metadata.ParentLocator.KeyValueCount != 0 {
		t.Fatalf("Parent-locator key-value count not correct: (%d)", metadata.ParentLocator.KeyValueCount)
	}
}

func TestVhdxReader_Metadata_BadSectorSize(t *testing.T) {
	params := defaultTestVhdxParameters()
	params.logicalSectorSize = 1024

	f, vr := getTestVhdx(params)

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	if err == nil {
		t.Fatalf("Expected an error for an out-of-range sector-size.")
	}
}

func TestMetadataEntry_Flags(t *testing.T) {
	entry := MetadataEntry{FlagsRaw: 0x07}

	if entry.IsUser() != true {
		t.Fatalf("IsUser not correct.")
	} else if entry.IsVirtualDisk() != true {
		t.Fatalf("IsVirtualDisk not correct.")
	} else if entry.IsRequired() != true {
		t.Fatalf("IsRequired not correct.")
	}

	entry = MetadataEntry{}

	if entry.IsUser() != false || entry.IsVirtualDisk() != false || entry.IsRequired() != false {
		t.Fatalf("Zero flags not correct.")
	} else if entry.IsEmpty() != true {
		t.Fatalf("Zero-length entry not detected as empty.")
	}
}

func TestParseMetadataItem_Unregistered(t *testing.T) {
	_, err := parseMetadataItem(testDiskGuid, make([]byte, 8))
	if err == nil {
		t.Fatalf("Expected an error for an unregistered item GUID.")
	}
}

func TestMetadata_Dump(t *testing.T) {
	f, vr := getTestVhdx(defaultTestVhdxParameters())

	defer os.Remove(f.Name())
	defer f.Close()

	err := vr.Parse()
	log.PanicIf(err)

	vr.Metadata().Dump()
}
