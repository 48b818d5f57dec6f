//go:build linux

package linux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"unicode/utf16"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rekby/gpt"
	"github.com/rekby/mbr"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"machinerun.io/raidvol"
	"machinerun.io/raidvol/partid"
)

const (
	// fdiskClear is a bare write that clears the
	// "invalid flag 0x0000 of partition table 4" state on a fresh disk.
	fdiskClear = "w\n"

	// fdiskRaidScript: new primary partition 1 over the whole disk, type fd.
	fdiskRaidScript = "n\np\n1\n\n\nt\nfd\nw\n"

	raidPartNum  = 1
	raidPartName = "raid"

	// gptReserve is the number of sectors the backup GPT takes at the end.
	gptReserve = 33

	maxMBRSectors = 0xFFFFFFFF
)

// NewPartitioner returns the raidvol.Partitioner for kind. Commands run
// through run.
func NewPartitioner(kind raidvol.PartitionerKind, run raidvol.Runner, sysBlock string,
	log logrus.FieldLogger) (raidvol.Partitioner, error) {
	log = log.WithField("component", "partitioner")

	switch kind {
	case raidvol.FdiskPartitioner:
		return &fdiskPartitioner{run: run, log: log}, nil
	case raidvol.MBRPartitioner, raidvol.GPTPartitioner:
		return &tablePartitioner{kind: kind, run: run, sysBlock: sysBlock, log: log}, nil
	}

	return nil, fmt.Errorf("unknown partitioner %q", kind)
}

type fdiskPartitioner struct {
	run raidvol.Runner
	log logrus.FieldLogger
}

func (f *fdiskPartitioner) Partition(ctx context.Context, device string) error {
	f.log.Infof("running fdisk script on %s", device)

	// The clearing write fails on some disks that need no clearing.
	f.run.Run(ctx, fdiskClear, "fdisk", "-c", "-u", device)

	return f.run.Run(ctx, fdiskRaidScript, "fdisk", "-c", "-u", device).Err()
}

// tablePartitioner writes the msdos or gpt table itself rather than driving
// a partitioning tool.
type tablePartitioner struct {
	kind     raidvol.PartitionerKind
	run      raidvol.Runner
	sysBlock string
	log      logrus.FieldLogger
}

// raidSpan is the byte range of the single raid partition.
type raidSpan struct {
	Start, Last uint64
}

func (s raidSpan) Size() uint64 {
	return s.Last - s.Start + 1
}

// spanFor returns the partition covering the device from 1MiB to the last
// whole MiB before the backup gpt area.
func spanFor(diskSize uint64, sectorSize uint) (raidSpan, error) {
	maxEnd := Floor(diskSize-uint64(sectorSize)*gptReserve, mebibyte)
	if diskSize < uint64(sectorSize)*gptReserve || maxEnd <= 2*mebibyte {
		return raidSpan{}, fmt.Errorf("disk of %d bytes is too small for a partition", diskSize)
	}

	return raidSpan{Start: mebibyte, Last: maxEnd - 1}, nil
}

func (t *tablePartitioner) Partition(ctx context.Context, device string) error {
	fp, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fp.Close()

	if err := syscall.Flock(int(fp.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %s", device, err)
	}

	size, err := getFileSize(fp)
	if err != nil {
		return err
	}

	ssize := logicalBlockSize(t.sysBlock, device)

	span, err := spanFor(size, ssize)
	if err != nil {
		return errors.Wrapf(err, "%s", device)
	}

	t.log.Infof("writing %s table on %s (%s), raid partition %d-%d",
		t.kind, device, humanize.IBytes(size), span.Start, span.Last)

	if t.kind == raidvol.MBRPartitioner {
		err = writeRaidMBR(fp, ssize, span)
	} else {
		err = writeRaidGPT(fp, ssize, size, span)
	}

	if err != nil {
		return err
	}

	if err := zeroStartEnd(fp, int64(span.Start), int64(span.Last)); err != nil {
		return fmt.Errorf("failed to zero partition on %s: %s", device, err)
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	info, err := fp.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %s", device, err)
	}

	if info.Mode()&os.ModeDevice == 0 {
		return nil
	}

	// Close the filehandle and release the lock so the kernel can re-read.
	fp.Close()

	return t.reread(ctx, device, span)
}

// reread gets the kernel to see the new table, falling back to addpart when
// the partition node does not show up.
func (t *tablePartitioner) reread(ctx context.Context, device string, span raidSpan) error {
	t.run.Run(ctx, "", "blockdev", "--rereadpt", device)

	if err := t.run.Run(ctx, "", "udevadm", "settle").Err(); err != nil {
		return err
	}

	ppath := raidvol.PartPath(device, raidPartNum)

	if exists, err := blockDeviceExists(ppath); err != nil {
		return fmt.Errorf("failed to stat %s: %s", ppath, err)
	} else if exists {
		return nil
	}

	// for the addpart interface to the kernel, units are always 512.
	return t.run.Run(ctx, "", "addpart", device,
		fmt.Sprintf("%d", raidPartNum),
		fmt.Sprintf("%d", span.Start/sectorSize512),
		fmt.Sprintf("%d", span.Size()/sectorSize512)).Err()
}

// newMBR returns an MBR built over the first sector in buf with every entry
// cleared. Boot code outside the partition table is kept.
func newMBR(buf []byte) (*mbr.MBR, error) {
	if len(buf) < sectorSize512 {
		return nil, fmt.Errorf("buffer too small. Must be %d", sectorSize512)
	}

	// https://en.wikipedia.org/wiki/Master_boot_record
	// partition table takes up 446 (0x1BE) to 509. Zero it, keep the rest.
	for offset, i := 0x1BE, 0; i < 16*4; i++ {
		buf[offset+i] = 0
	}
	// then explicitly write the mbr signature
	buf[0x1FE] = 0x55
	buf[0x1FF] = 0xAA

	return mbr.Read(bytes.NewReader(buf[:sectorSize512]))
}

func readFirstSector(fp io.ReadSeeker) ([]byte, error) {
	buf := make([]byte, sectorSize512)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(fp, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func writeMBRAt0(fp io.WriteSeeker, m *mbr.MBR) error {
	if err := m.Check(); err != nil {
		return err
	}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return m.Write(fp)
}

// writeRaidMBR writes an msdos table with one Linux raid autodetect primary
// partition covering span.
func writeRaidMBR(fp io.ReadWriteSeeker, sectorSize uint, span raidSpan) error {
	buf, err := readFirstSector(fp)
	if err != nil {
		return err
	}

	m, err := newMBR(buf)
	if err != nil {
		return err
	}

	if span.Last/uint64(sectorSize) > maxMBRSectors {
		return fmt.Errorf("partition end %d is past the msdos limit, use gpt", span.Last)
	}

	mType, err := partid.PartTypeToMBR(partid.LinuxRAID)
	if err != nil {
		return err
	}

	pt := m.GetPartition(raidPartNum)
	pt.SetType(mbr.PartitionType(mType))
	pt.SetLBAStart(uint32(span.Start / uint64(sectorSize)))
	pt.SetLBALen(uint32(span.Size() / uint64(sectorSize)))

	return writeMBRAt0(fp, m)
}

// writeProtectiveMBR - add a ProtectiveMBR spanning the disk.
func writeProtectiveMBR(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64) error {
	buf, err := readFirstSector(fp)
	if err != nil {
		return err
	}

	m, err := newMBR(buf)
	if err != nil {
		return err
	}

	pt := m.GetPartition(1)
	pt.SetType(mbr.PART_GPT)
	pt.SetLBAStart(1)
	pt.SetLBALen(protectiveLen(diskSize, sectorSize))

	return writeMBRAt0(fp, m)
}

// protectiveLen is the length of the protective entry. Linux partitioners
// commonly write size - 2 although the entry is defined as size - 1. Disks
// past the msdos limit get the maximum.
func protectiveLen(diskSize uint64, sectorSize uint) uint32 {
	sectors := diskSize / uint64(sectorSize)
	if sectors-1 > maxMBRSectors {
		return maxMBRSectors
	}

	return uint32(sectors - 2) // nolint: gomnd
}

func genGUID() gpt.Guid {
	return gpt.Guid(uuid.NewV4())
}

func getPartName(s string) [72]byte {
	codes := utf16.Encode([]rune(s))
	b := [72]byte{}

	for i, r := range codes {
		b[i*2] = byte(r)
		b[i*2+1] = byte(r >> 8) //nolint:gomnd
	}

	return b
}

// writeRaidGPT writes a protective MBR and a fresh GPT whose first entry is
// a Linux RAID partition covering span.
func writeRaidGPT(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64, span raidSpan) error {
	if err := writeProtectiveMBR(fp, sectorSize, diskSize); err != nil {
		return err
	}

	table := gpt.NewTable(diskSize, &gpt.NewTableArgs{
		SectorSize: uint64(sectorSize),
		DiskGuid:   genGUID(),
	})

	table.Partitions[raidPartNum-1] = gpt.Partition{
		Type:          gpt.PartType(partid.LinuxRAID),
		Id:            genGUID(),
		FirstLBA:      span.Start / uint64(sectorSize),
		LastLBA:       span.Last / uint64(sectorSize),
		Flags:         gpt.Flags{},
		PartNameUTF16: getPartName(raidPartName),
		TrailingBytes: []byte{},
	}

	if err := table.Write(fp); err != nil {
		return errors.Wrap(err, "failed to write gpt")
	}

	if err := table.CreateOtherSideTable().Write(fp); err != nil {
		return errors.Wrap(err, "failed to write backup gpt")
	}

	return nil
}

// zeroStartEnd - zero the start and end provided with 1MiB bytes of zeros.
// This wipes stale md superblocks and filesystem signatures from a previous
// use of the same span.
func zeroStartEnd(fp io.WriteSeeker, start int64, last int64) error {
	if last <= start {
		return fmt.Errorf("last %d < start %d", last, start)
	}

	wlen := int64(mebibyte)
	bufZero := make([]byte, wlen)
	total := last + 1 - start

	// a.) total > 2*wlen: one full write at each end.
	// b.) total <= wlen: one short write.
	// c.) otherwise: two adjacent writes covering everything.
	type ws struct{ start, size int64 }
	var writes = []ws{{start, wlen}, {last + 1 - wlen, wlen}}

	if total <= wlen {
		writes = []ws{{start, total}}
	} else if total <= 2*wlen {
		writes = []ws{{start, wlen}, {start + wlen, total - wlen}}
	}

	for _, w := range writes {
		if _, err := fp.Seek(w.start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to %d to write %v", w.start, w)
		}

		wnum, err := fp.Write(bufZero[:w.size])
		if err != nil {
			return fmt.Errorf("failed to write %v", w)
		}

		if int64(wnum) != w.size {
			return fmt.Errorf("wrote only %d bytes of %v", wnum, w)
		}
	}

	return nil
}
