package raidvol

import (
	"fmt"
	"os"
)

// LimitLines returns the limits.conf lines raising the open file limit to
// nofile for every user and for root.
func LimitLines(nofile int) []string {
	lines := []string{}

	for _, who := range []string{"*", "root"} {
		for _, kind := range []string{"soft", "hard"} {
			lines = append(lines, fmt.Sprintf("%s %s nofile %d", who, kind, nofile))
		}
	}

	return lines
}

func pathExists(d string) bool {
	_, err := os.Stat(d)
	if err != nil && os.IsNotExist(err) {
		return false
	}

	return true
}

func allExist(paths []string) Condition {
	return func() (bool, error) {
		for _, p := range paths {
			if !pathExists(p) {
				return false, nil
			}
		}

		return true, nil
	}
}
