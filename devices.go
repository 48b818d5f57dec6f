package raidvol

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// raidPartNum is the number of the single partition created on each disk.
const raidPartNum = 1

var (
	endsWithNum = regexp.MustCompile("[0-9]$")
	allDigits   = regexp.MustCompile("^[0-9]+$")
)

// PartKname returns the kernel name of partition num on disk diskName.
//  PartKname("xvdb", 1) == "xvdb1"
//  PartKname("nvme1n1", 1) == "nvme1n1p1"
func PartKname(diskName string, num uint) string {
	sep := ""

	if endsWithNum.MatchString(diskName) {
		sep = "p"
	}

	return fmt.Sprintf("%s%s%d", diskName, sep, num)
}

// PartPath returns the device path of partition num of the disk at devPath.
func PartPath(devPath string, num uint) string {
	return path.Join(path.Dir(devPath), PartKname(path.Base(devPath), num))
}

// IsPartitionOf reports whether kernel name name is a partition of diskName.
func IsPartitionOf(name, diskName string) bool {
	if !strings.HasPrefix(name, diskName) || name == diskName {
		return false
	}

	suffix := name[len(diskName):]

	if endsWithNum.MatchString(diskName) {
		if !strings.HasPrefix(suffix, "p") {
			return false
		}

		suffix = suffix[1:]
	}

	return allDigits.MatchString(suffix)
}

func globPrefix(devDir, prefix string) ([]string, error) {
	pattern := filepath.Join(devDir, prefix+"*")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad device pattern %s", pattern)
	}

	return matches, nil
}

// DiscoverDevices lists the whole disks under cfg.DevDir whose name starts with
// cfg.Prefix and that are accepted by filter. The boot device and every
// partition of a listed disk are left out. The result is sorted.
func DiscoverDevices(cfg Config, filter DeviceFilter) ([]string, error) {
	matches, err := globPrefix(cfg.DevDir, cfg.Prefix)
	if err != nil {
		return nil, err
	}

	names := map[string]bool{}

	for _, m := range matches {
		if filter(m) {
			names[path.Base(m)] = true
		}
	}

	boot := path.Base(cfg.Boot())
	devices := []string{}

	for name := range names {
		if name == boot || IsPartitionOf(name, boot) || isPartitionOfAny(name, names) {
			continue
		}

		devices = append(devices, path.Join(cfg.DevDir, name))
	}

	sort.Strings(devices)

	return devices, nil
}

func isPartitionOfAny(name string, names map[string]bool) bool {
	for disk := range names {
		if IsPartitionOf(name, disk) {
			return true
		}
	}

	return false
}

// ExpectedPartitions returns the raid partition path for each device, in the
// same order. Partitions of the boot device are never returned.
func ExpectedPartitions(cfg Config, devices []string) []string {
	boot := path.Base(cfg.Boot())
	parts := []string{}

	for _, d := range devices {
		p := PartPath(d, raidPartNum)
		if path.Base(d) == boot || IsPartitionOf(path.Base(p), boot) {
			continue
		}

		parts = append(parts, p)
	}

	return parts
}

// ListPartitions globs the raid partitions currently present for devices. A
// partition of the boot device is excluded even when it matches the prefix.
// The result is sorted.
func ListPartitions(cfg Config, devices []string) ([]string, error) {
	matches, err := globPrefix(cfg.DevDir, cfg.Prefix)
	if err != nil {
		return nil, err
	}

	want := map[string]bool{}
	for _, p := range ExpectedPartitions(cfg, devices) {
		want[path.Base(p)] = true
	}

	parts := []string{}

	for _, m := range matches {
		if want[path.Base(m)] {
			parts = append(parts, path.Join(cfg.DevDir, path.Base(m)))
		}
	}

	sort.Strings(parts)

	return parts, nil
}
