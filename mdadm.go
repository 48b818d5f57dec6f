package raidvol

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// CreateArgs returns the mdadm command creating the array from parts.
func CreateArgs(a ArrayConfig, parts []string) []string {
	args := []string{
		"mdadm", "--create", a.Device,
		fmt.Sprintf("--chunk=%d", a.Chunk),
		fmt.Sprintf("--level=%d", a.Level),
		fmt.Sprintf("--raid-devices=%d", len(parts)),
	}

	return append(args, parts...)
}

// DeviceManifest returns the mdadm.conf DEVICE line for parts.
func DeviceManifest(parts []string) string {
	return "DEVICE " + strings.TrimSpace(strings.Join(parts, " "))
}

// StripTrailingField drops the last space separated field of an
// `mdadm --examine --scan` response. That field is the name=host:N entry,
// which would stop the array from assembling under another hostname.
func StripTrailingField(response string) string {
	response = strings.TrimRight(response, " \t\r\n")

	i := strings.LastIndex(response, " ")
	if i < 0 {
		return ""
	}

	return response[:i]
}

// ArrayState is an md array as listed in /proc/mdstat.
type ArrayState struct {
	// Name is the kernel name, e.g. md0.
	Name string

	// Active is true when the state column is "active".
	Active bool

	ReadOnly bool

	// Level is the personality, e.g. raid0. Empty for inactive arrays.
	Level string

	// Members are the member device paths, sorted.
	Members []string
}

// Matches reports whether the array is active with exactly the given members.
func (a ArrayState) Matches(members []string) bool {
	want := append([]string{}, members...)
	sort.Strings(want)

	return a.Active && cmp.Equal(a.Members, want)
}

// HasAnyMember reports whether any of parts is a member of the array.
func (a ArrayState) HasAnyMember(parts []string) bool {
	for _, part := range parts {
		for _, m := range a.Members {
			if m == part {
				return true
			}
		}
	}

	return false
}

var (
	mdstatArrayLine = regexp.MustCompile(`^(md\S*)\s*:\s*(\S+)\s*(.*)$`)
	mdstatMember    = regexp.MustCompile(`^([^\[\s]+)\[\d+\](\([A-Z]\))?$`)
)

// ParseMdstat parses /proc/mdstat content into a map of array name to state.
// devDir is prefixed to member kernel names.
//  md0 : active raid0 xvdc1[1] xvdb1[0]
func ParseMdstat(content []byte, devDir string) map[string]ArrayState {
	arrays := map[string]ArrayState{}
	scanner := bufio.NewScanner(bytes.NewReader(content))

	for scanner.Scan() {
		toks := mdstatArrayLine.FindStringSubmatch(scanner.Text())
		if toks == nil {
			continue
		}

		state := ArrayState{
			Name:    toks[1],
			Active:  toks[2] == "active",
			Members: []string{},
		}

		for _, field := range strings.Fields(toks[3]) {
			switch {
			case strings.HasPrefix(field, "(") && strings.Contains(field, "read-only"):
				state.ReadOnly = true
			case strings.HasPrefix(field, "raid") || field == "linear":
				state.Level = field
			default:
				if m := mdstatMember.FindStringSubmatch(field); m != nil {
					state.Members = append(state.Members, path.Join(devDir, m[1]))
				}
			}
		}

		sort.Strings(state.Members)
		arrays[state.Name] = state
	}

	return arrays
}

// ArrayStateActive reports whether the content of md/array_state in sysfs
// describes a running array.
func ArrayStateActive(content []byte) bool {
	switch strings.TrimSpace(string(content)) {
	case "clean", "active", "active-idle", "write-pending", "read-auto", "readonly":
		return true
	}

	return false
}
