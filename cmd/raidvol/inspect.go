package main

import (
	"fmt"
	"io/ioutil"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"machinerun.io/raidvol"
	"machinerun.io/raidvol/linux"
)

//nolint:gochecknoglobals
var scanCommand = cli.Command{
	Name:   "scan",
	Usage:  "Show the disks and partitions up would use, without changing anything",
	Action: scanAction,
}

//nolint:gochecknoglobals
var statusCommand = cli.Command{
	Name:   "status",
	Usage:  "Show the md arrays listed in mdstat",
	Action: statusAction,
}

//nolint:gochecknoglobals
var cleanFstabCommand = cli.Command{
	Name:   "clean-fstab",
	Usage:  "Only remove the ephemeral mount from fstab (takes a lock on <fstab>.lock, which is kept)",
	Action: cleanFstabAction,
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

func scanAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	devices, err := raidvol.DiscoverDevices(cfg, linux.IsBlockDevice)
	if err != nil {
		return err
	}

	fmt.Printf("boot device %s is excluded\n", cfg.Boot())

	if len(devices) == 0 {
		fmt.Printf("no %s* disks found\n", path.Join(cfg.DevDir, cfg.Prefix))
		return nil
	}

	present, err := raidvol.ListPartitions(cfg, devices)
	if err != nil {
		return err
	}

	have := map[string]bool{}
	for _, p := range present {
		have[p] = true
	}

	data := [][]string{{"Device", "Size", "Partition", "Present"}}
	parts := raidvol.ExpectedPartitions(cfg, devices)

	for i, d := range devices {
		size := "?"

		if s, err := linux.DeviceSize(cfg.Paths.SysBlock, d); err == nil {
			size = humanize.IBytes(s)
		} else {
			logger.WithError(err).Debugf("no size for %s", d)
		}

		data = append(data, []string{d, size, parts[i], yesNo(have[parts[i]])})
	}

	printTextTable(data)

	if len(devices) < 2 {
		fmt.Printf("only %d disk(s), up would skip raid setup\n", len(devices))
	}

	return nil
}

func statusAction(c *cli.Context) error {
	cfg, _, err := setup(c)
	if err != nil {
		return err
	}

	content, err := ioutil.ReadFile(cfg.Paths.Mdstat)
	if err != nil {
		return err
	}

	arrays := raidvol.ParseMdstat(content, cfg.DevDir)
	if len(arrays) == 0 {
		fmt.Println("no md arrays")
		return nil
	}

	printTextTable(statusTable(arrays))

	return nil
}

func statusTable(arrays map[string]raidvol.ArrayState) [][]string {
	names := []string{}
	for n := range arrays {
		names = append(names, n)
	}

	sort.Strings(names)

	data := [][]string{{"Array", "Active", "Read-only", "Level", "Members"}}

	for _, n := range names {
		a := arrays[n]
		data = append(data, []string{n, yesNo(a.Active), yesNo(a.ReadOnly), a.Level, strings.Join(a.Members, " ")})
	}

	return data
}

func cleanFstabAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	dropped, err := raidvol.RemoveMountReferences(cfg.Paths.Fstab, cfg.EphemeralMount)
	if err != nil {
		return err
	}

	logger.Infof("removed %d line(s) referencing %s from %s", dropped, cfg.EphemeralMount, cfg.Paths.Fstab)

	return nil
}
