//go:build linux

package linux

import (
	"io"
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	sectorSize512 = 512
	mebibyte      = 1024 * 1024
)

// IsBlockDevice is a raidvol.DeviceFilter accepting block device nodes only.
// Character devices such as /dev/nvme0 are rejected.
func IsBlockDevice(dpath string) bool {
	exists, err := blockDeviceExists(dpath)
	return err == nil && exists
}

func blockDeviceExists(bpath string) (bool, error) {
	info, err := os.Stat(bpath)

	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	mode := info.Mode()

	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0, nil
}

// DeviceSize returns the size in bytes of the block device dev as reported
// by <sysBlock>/<name>/size, which counts 512 byte sectors.
func DeviceSize(sysBlock, dev string) (uint64, error) {
	fpath := path.Join(sysBlock, path.Base(dev), "size")

	content, err := ioutil.ReadFile(fpath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read size for '%s'", dev)
	}

	d := strings.TrimSpace(string(content))

	v, err := strconv.ParseUint(d, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "DeviceSize(%s): failed to convert '%s' to int", dev, d)
	}

	return v * sectorSize512, nil
}

// logicalBlockSize returns the logical sector size of dev, 512 when sysfs
// has no answer (e.g. dev is an image file).
func logicalBlockSize(sysBlock, dev string) uint {
	fpath := path.Join(sysBlock, path.Base(dev), "queue/logical_block_size")

	content, err := ioutil.ReadFile(fpath)
	if err != nil {
		return sectorSize512
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || v <= 0 {
		return sectorSize512
	}

	return uint(v)
}

func getFileSize(file *os.File) (uint64, error) {
	var err error
	var cur, pos int64

	// read the current position so we can set it back before return
	if cur, err = file.Seek(0, io.SeekCurrent); err != nil {
		return 0, err
	}

	if pos, err = file.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	if _, err = file.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}

	return uint64(pos), nil
}

// Floor returns the largest integer equal to or less than val that is evenly
// divisible by unit.
func Floor(val, unit uint64) uint64 {
	return (val / unit) * unit
}
