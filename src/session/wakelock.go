package session

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

// WakeLock keeps the machine awake while a transfer is active.
type WakeLock interface {
	Acquire() error
	Release() error
}

type noWakeLock struct{}

func (noWakeLock) Acquire() error { return nil }
func (noWakeLock) Release() error { return nil }

// SystemWakeLock inhibits idle sleep by running systemd-inhibit on linux or
// caffeinate on darwin for as long as it is held.
type SystemWakeLock struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	command func() (*exec.Cmd, error)
}

func NewSystemWakeLock() *SystemWakeLock {
	return &SystemWakeLock{command: inhibitCommand}
}

func inhibitCommand() (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "linux":
		path, err := exec.LookPath("systemd-inhibit")
		if err != nil {
			return nil, err
		}
		return exec.Command(path, "--what=idle:sleep", "--who=sharepeer",
			"--why=File transfer in progress", "--mode=block", "sleep", "infinity"), nil
	case "darwin":
		path, err := exec.LookPath("caffeinate")
		if err != nil {
			return nil, err
		}
		return exec.Command(path, "-i"), nil
	}
	return nil, fmt.Errorf("not supported on %s", runtime.GOOS)
}

// Acquire starts the inhibitor. Holding the lock twice is a no-op.
func (w *SystemWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		return nil
	}
	cmd, err := w.command()
	if err != nil {
		return &ResourceError{Resource: "wake lock", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &ResourceError{Resource: "wake lock", Err: err}
	}
	w.cmd = cmd
	return nil
}

func (w *SystemWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return nil
	}
	cmd := w.cmd
	w.cmd = nil
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	cmd.Wait()
	return nil
}
