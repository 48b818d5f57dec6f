// Package partid holds the partition type ids raidvol writes.
package partid

import "fmt"

// LinuxRAID is GPT type A19D880F-05FC-4D3B-A006-743F0F84911E.
var LinuxRAID = [16]byte{ // nolint:gochecknoglobals
	0x0f, 0x88, 0x9d, 0xa1, 0xfc, 0x05, 0x3b, 0x4d,
	0xa0, 0x06, 0x74, 0x3f, 0x0f, 0x84, 0x91, 0x1e}

// MBRLinuxRAID is the msdos system id of a Linux raid autodetect partition.
const MBRLinuxRAID byte = 0xfd

// PartTypeToMBR returns the msdos system id for a GPT partition type.
func PartTypeToMBR(ptype [16]byte) (byte, error) {
	if ptype == LinuxRAID {
		return MBRLinuxRAID, nil
	}

	return 0, fmt.Errorf("partition type %x has no msdos equivalent", ptype)
}
