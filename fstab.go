package raidvol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/juju/utils/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FilterLines copies every line of r that does not contain needle to w,
// keeping order and line endings. A final line without a newline is copied
// as is.
func FilterLines(r io.Reader, w io.Writer, needle string) (int, error) {
	br := bufio.NewReader(r)
	dropped := 0

	for {
		line, err := br.ReadString('\n')
		if len(line) != 0 {
			if strings.Contains(line, needle) {
				dropped++
			} else if _, werr := io.WriteString(w, line); werr != nil {
				return dropped, werr
			}
		}

		if err == io.EOF {
			return dropped, nil
		}

		if err != nil {
			return dropped, err
		}
	}
}

// lockFile takes an exclusive flock on fpath + ".lock". The returned function
// releases it. The lock file is left in place, removing it would let a second
// locker in on a new inode.
func lockFile(fpath string) (func(), error) {
	lpath := fpath + ".lock"

	fp, err := os.OpenFile(lpath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock %s", lpath)
	}

	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX); err != nil {
		fp.Close()
		return nil, fmt.Errorf("failed to lock %s: %s", lpath, err)
	}

	return func() {
		unix.Flock(int(fp.Fd()), unix.LOCK_UN) // nolint:errcheck
		fp.Close()
	}, nil
}

// RewriteFile replaces the content of fpath with edit(old content). The new
// content is written atomically, so a crash leaves either the old or the new
// file. The file mode and ownership are kept.
func RewriteFile(fpath string, edit func(r io.Reader, w io.Writer) error) error {
	unlock, err := lockFile(fpath)
	if err != nil {
		return err
	}
	defer unlock()

	orig, err := os.Open(fpath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", fpath)
	}
	defer orig.Close()

	info, err := orig.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", fpath)
	}

	var buf bytes.Buffer

	if err := edit(orig, &buf); err != nil {
		return errors.Wrapf(err, "failed to edit %s", fpath)
	}

	err = utils.AtomicWriteFileAndChange(fpath, buf.Bytes(), func(tpath string) error {
		return copyOwnership(tpath, info)
	})

	return errors.Wrapf(err, "failed to replace %s", fpath)
}

// copyOwnership gives tpath the mode and owner of info.
func copyOwnership(tpath string, info os.FileInfo) error {
	if err := os.Chmod(tpath, info.Mode().Perm()); err != nil {
		return err
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		// only root can chown, an unprivileged rewrite of its own file is fine.
		if err := os.Chown(tpath, int(st.Uid), int(st.Gid)); err != nil && !os.IsPermission(err) {
			return err
		}
	}

	return nil
}

// RemoveMountReferences rewrites the fstab at fpath without any line that
// mentions mountPath. It returns the number of dropped lines.
func RemoveMountReferences(fpath, mountPath string) (int, error) {
	dropped := 0

	err := RewriteFile(fpath, func(r io.Reader, w io.Writer) error {
		n, err := FilterLines(r, w, mountPath)
		dropped = n

		return err
	})

	return dropped, err
}

// FstabEntry returns the fstab line for the array.
func FstabEntry(a ArrayConfig) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t0\t0", a.Device, a.MountPoint, a.FSType, a.MountOptions)
}

// HasMountPoint reports whether the fstab content has an active entry whose
// mount point field is mountPoint.
func HasMountPoint(content []byte, mountPoint string) bool {
	for _, line := range bytes.Split(content, []byte("\n")) {
		fields := strings.Fields(string(line))
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		if fields[1] == mountPoint {
			return true
		}
	}

	return false
}

// AppendLines appends lines to fpath, each terminated by a newline. A
// missing newline at the end of the existing content is added first.
func AppendLines(fpath string, lines ...string) error {
	fp, err := os.OpenFile(fpath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", fpath)
	}
	defer fp.Close()

	var buf bytes.Buffer

	info, err := fp.Stat()
	if err != nil {
		return err
	}

	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := fp.ReadAt(last, info.Size()-1); err != nil {
			return errors.Wrapf(err, "failed to read %s", fpath)
		}

		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}

	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}

	if _, err := fp.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to append to %s", fpath)
	}

	return fp.Sync()
}
