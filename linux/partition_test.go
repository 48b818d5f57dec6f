//go:build linux

package linux

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/rekby/gpt"
	"github.com/rekby/mbr"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"machinerun.io/raidvol"
	"machinerun.io/raidvol/mockos"
	"machinerun.io/raidvol/partid"
)

const tebibyte = 1024 * 1024 * mebibyte

func makeDisk(t *testing.T, size int64) (string, func()) {
	tmpd, err := ioutil.TempDir("", "raidvol_test")
	if err != nil {
		t.Fatalf("Failed to create tempdir: %s", err)
	}

	fpath := path.Join(tmpd, "xvdb")

	if err := ioutil.WriteFile(fpath, []byte{}, 0600); err != nil {
		t.Fatalf("Failed to write to a temp file: %s", err)
	}

	if err := os.Truncate(fpath, size); err != nil {
		t.Fatalf("Failed create empty file: %s", err)
	}

	return fpath, func() { os.RemoveAll(tmpd) }
}

func partitionImage(t *testing.T, kind raidvol.PartitionerKind, fpath string) *mockos.Runner {
	logger, _ := test.NewNullLogger()
	run := mockos.NewRunner()

	part, err := NewPartitioner(kind, run, path.Join(path.Dir(fpath), "sys"), logger)
	if err != nil {
		t.Fatalf("Failed to get %s partitioner: %s", kind, err)
	}

	if err := part.Partition(context.Background(), fpath); err != nil {
		t.Fatalf("Partition %s with %s failed: %s", fpath, kind, err)
	}

	return run
}

func TestSpanFor(t *testing.T) {
	ast := assert.New(t)

	span, err := spanFor(64*mebibyte, sectorSize512)
	ast.Nil(err)
	ast.Equal(raidSpan{Start: mebibyte, Last: 63*mebibyte - 1}, span)
	ast.Equal(uint64(62*mebibyte), span.Size())

	// exact MiB multiples lose the last MiB to the backup gpt.
	span, err = spanFor(10*mebibyte+33*sectorSize512, sectorSize512)
	ast.Nil(err)
	ast.Equal(uint64(10*mebibyte-1), span.Last)

	_, err = spanFor(2*mebibyte, sectorSize512)
	ast.NotNil(err)

	_, err = spanFor(1024, sectorSize512)
	ast.NotNil(err)
}

func TestPartitionMBR(t *testing.T) {
	ast := assert.New(t)
	fpath, cleanup := makeDisk(t, 64*mebibyte)

	defer cleanup()

	run := partitionImage(t, raidvol.MBRPartitioner, fpath)

	// an image file needs no kernel re-read.
	ast.Empty(run.Commands())

	fp, err := os.Open(fpath)
	if err != nil {
		t.Fatalf("Failed to open file after writing it: %s", err)
	}
	defer fp.Close()

	m, err := mbr.Read(fp)
	ast.Nil(err)

	p := m.GetPartition(1)
	ast.Equal(mbr.PartitionType(partid.MBRLinuxRAID), p.GetType())
	ast.Equal(uint32(2048), p.GetLBAStart())
	ast.Equal(uint32(62*mebibyte/sectorSize512), p.GetLBALen())

	for i := 2; i <= 4; i++ {
		ast.True(m.GetPartition(i).IsEmpty(), "partition %d", i)
	}
}

func TestPartitionGPT(t *testing.T) {
	ast := assert.New(t)
	fpath, cleanup := makeDisk(t, 64*mebibyte)

	defer cleanup()

	run := partitionImage(t, raidvol.GPTPartitioner, fpath)
	ast.Empty(run.Commands())

	fp, err := os.Open(fpath)
	if err != nil {
		t.Fatalf("Failed to open file after writing it: %s", err)
	}
	defer fp.Close()

	m, err := mbr.Read(fp)
	ast.Nil(err)
	ast.Equal(mbr.PART_GPT, m.GetPartition(1).GetType())

	if _, err := fp.Seek(sectorSize512, io.SeekStart); err != nil {
		t.Fatalf("Failed to seek: %s", err)
	}

	table, err := gpt.ReadTable(fp, sectorSize512)
	ast.Nil(err)

	p := table.Partitions[0]
	ast.Equal(gpt.PartType(partid.LinuxRAID), p.Type)
	ast.Equal(uint64(2048), p.FirstLBA)
	ast.Equal(uint64((63*mebibyte-1)/sectorSize512), p.LastLBA)
	ast.Equal(getPartName(raidPartName), p.PartNameUTF16)
	ast.True(table.Partitions[1].IsEmpty())
}

func TestProtectiveLen(t *testing.T) {
	ast := assert.New(t)
	tables := []struct {
		diskSize uint64
		found    uint32
	}{
		{64 * mebibyte, 64*mebibyte/sectorSize512 - 2},
		{(maxMBRSectors + 1) * sectorSize512, maxMBRSectors - 1},
		{(maxMBRSectors + 2) * sectorSize512, maxMBRSectors},
		{3 * tebibyte, maxMBRSectors},
	}

	for _, table := range tables {
		ast.Equal(table.found, protectiveLen(table.diskSize, sectorSize512), "size %d", table.diskSize)
	}
}

func TestPartitionGPTPastMBRLimit(t *testing.T) {
	ast := assert.New(t)
	fpath, cleanup := makeDisk(t, 3*tebibyte)

	defer cleanup()

	partitionImage(t, raidvol.GPTPartitioner, fpath)

	fp, err := os.Open(fpath)
	if err != nil {
		t.Fatalf("Failed to open file after writing it: %s", err)
	}
	defer fp.Close()

	m, err := mbr.Read(fp)
	ast.Nil(err)
	ast.Equal(mbr.PART_GPT, m.GetPartition(1).GetType())
	ast.Equal(uint32(maxMBRSectors), m.GetPartition(1).GetLBALen())

	if _, err := fp.Seek(sectorSize512, io.SeekStart); err != nil {
		t.Fatalf("Failed to seek: %s", err)
	}

	table, err := gpt.ReadTable(fp, sectorSize512)
	ast.Nil(err)
	ast.Equal(uint64(2048), table.Partitions[0].FirstLBA)
	ast.Equal(uint64((3*tebibyte-mebibyte-1)/sectorSize512), table.Partitions[0].LastLBA)
}

func TestPartitionMBRPastLimit(t *testing.T) {
	ast := assert.New(t)
	fpath, cleanup := makeDisk(t, 3*tebibyte)

	defer cleanup()

	logger, _ := test.NewNullLogger()

	part, err := NewPartitioner(raidvol.MBRPartitioner, mockos.NewRunner(), path.Join(path.Dir(fpath), "sys"), logger)
	ast.Nil(err)

	err = part.Partition(context.Background(), fpath)
	ast.NotNil(err)
	ast.Contains(err.Error(), "use gpt")
}

func TestPartitionWipesOldSignatures(t *testing.T) {
	ast := assert.New(t)
	fpath, cleanup := makeDisk(t, 8*mebibyte)

	defer cleanup()

	fp, err := os.OpenFile(fpath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Failed to open %s: %s", fpath, err)
	}

	junk := make([]byte, 8*mebibyte)
	for i := range junk {
		junk[i] = 0xa5
	}

	if _, err := fp.Write(junk); err != nil {
		t.Fatalf("Failed to write junk: %s", err)
	}

	fp.Close()

	partitionImage(t, raidvol.MBRPartitioner, fpath)

	content, err := ioutil.ReadFile(fpath)
	ast.Nil(err)

	span, _ := spanFor(8*mebibyte, sectorSize512)
	zeros := make([]byte, mebibyte)

	ast.Equal(zeros, content[span.Start:span.Start+mebibyte])
	ast.Equal(zeros, content[span.Last+1-mebibyte:span.Last+1])
	// past the span is untouched.
	ast.Equal(byte(0xa5), content[span.Last+1])
}

func TestZeroStartEnd(t *testing.T) {
	ast := assert.New(t)
	tables := []struct {
		start, last int64
	}{
		{0, 4*mebibyte - 1},
		{mebibyte, 2*mebibyte + 100},
		{512, 1024},
	}

	for _, table := range tables {
		fpath, cleanup := makeDisk(t, 0)

		fp, err := os.OpenFile(fpath, os.O_RDWR, 0)
		if err != nil {
			t.Fatalf("Failed to open %s: %s", fpath, err)
		}

		junk := make([]byte, 5*mebibyte)
		for i := range junk {
			junk[i] = 0xff
		}

		_, err = fp.Write(junk)
		ast.Nil(err)

		ast.Nil(zeroStartEnd(fp, table.start, table.last))
		fp.Close()

		content, err := ioutil.ReadFile(fpath)
		ast.Nil(err)

		total := table.last + 1 - table.start
		wlen := int64(mebibyte)

		if total <= 2*wlen {
			ast.Equal(make([]byte, total), content[table.start:table.last+1])
		} else {
			ast.Equal(make([]byte, wlen), content[table.start:table.start+wlen])
			ast.Equal(make([]byte, wlen), content[table.last+1-wlen:table.last+1])
			ast.Equal(byte(0xff), content[table.start+wlen])
		}

		if table.start > 0 {
			ast.Equal(byte(0xff), content[table.start-1])
		}

		ast.Equal(byte(0xff), content[table.last+1])

		cleanup()
	}

	ast.NotNil(zeroStartEnd(nil, 10, 5))
}

func TestFdiskPartitioner(t *testing.T) {
	ast := assert.New(t)
	logger, _ := test.NewNullLogger()
	run := mockos.NewRunner()

	part, err := NewPartitioner(raidvol.FdiskPartitioner, run, "/sys/block", logger)
	ast.Nil(err)

	run.On("fdisk").Fail(1, "fdisk: invalid flag 0x0000 of partition table 4").Times(1)

	ast.Nil(part.Partition(context.Background(), "/dev/xvdb"))

	calls := run.Calls()
	ast.Len(calls, 2)
	ast.Equal(mockos.Call{Stdin: "w\n", Args: []string{"fdisk", "-c", "-u", "/dev/xvdb"}}, calls[0])
	ast.Equal(mockos.Call{Stdin: "n\np\n1\n\n\nt\nfd\nw\n", Args: []string{"fdisk", "-c", "-u", "/dev/xvdb"}},
		calls[1])

	run.On("fdisk").Fail(1, "fdisk: cannot open /dev/xvdc")
	ast.NotNil(part.Partition(context.Background(), "/dev/xvdc"))

	_, err = NewPartitioner("parted", run, "/sys/block", logger)
	ast.NotNil(err)
}
