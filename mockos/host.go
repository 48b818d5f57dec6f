package mockos

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"machinerun.io/raidvol"
)

// Waiter is a raidvol.Waiter that checks a condition up to Checks times
// without sleeping.
type Waiter struct {
	Checks int

	mu    sync.Mutex
	waits []string
}

// NewWaiter returns a Waiter giving each condition checks chances.
func NewWaiter(checks int) *Waiter {
	return &Waiter{Checks: checks}
}

// WaitFor implements raidvol.Waiter.
func (w *Waiter) WaitFor(ctx context.Context, what string, cond raidvol.Condition) error {
	w.mu.Lock()
	w.waits = append(w.waits, what)
	w.mu.Unlock()

	for i := 0; i < w.Checks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := cond()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	return fmt.Errorf("%s not ready after %d checks", what, w.Checks)
}

// Waits returns the names of the conditions waited for, in order.
func (w *Waiter) Waits() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string{}, w.waits...)
}

// Partitioner is a raidvol.Partitioner that creates the raid partition node
// next to the device, as the kernel would after a table write.
type Partitioner struct {
	// Fail lists devices whose partitioning returns an error.
	Fail map[string]error

	mu   sync.Mutex
	done []string
}

// NewPartitioner returns a Partitioner that succeeds on every device.
func NewPartitioner() *Partitioner {
	return &Partitioner{Fail: map[string]error{}}
}

// Partition implements raidvol.Partitioner.
func (p *Partitioner) Partition(ctx context.Context, device string) error {
	if err, ok := p.Fail[device]; ok {
		return err
	}

	p.mu.Lock()
	p.done = append(p.done, device)
	p.mu.Unlock()

	return Touch(raidvol.PartPath(device, 1))
}

// Partitioned returns the devices partitioned, in order.
func (p *Partitioner) Partitioned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string{}, p.done...)
}

// Touch creates an empty file at fpath and its parent directories.
func Touch(fpath string) error {
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}

	return ioutil.WriteFile(fpath, []byte{}, 0644)
}

// WriteFile writes content to fpath creating parent directories.
func WriteFile(fpath, content string) error {
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}

	return ioutil.WriteFile(fpath, []byte(content), 0644)
}
