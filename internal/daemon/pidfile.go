package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "hookproxy.pid"

// ErrAlreadyRunning is returned by AcquirePID while a live process owns the
// PID file.
var ErrAlreadyRunning = errors.New("hookproxy is already running")

// AcquirePID creates dataDir/hookproxy.pid holding the current PID. A file
// left by a dead process is replaced; one owned by a live process makes it
// fail with ErrAlreadyRunning.
func AcquirePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := writePIDExclusive(pidPath(dataDir))
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if pid, rerr := ReadPID(dataDir); rerr == nil && isProcessAlive(pid) {
			return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
		}
		if err := RemovePID(dataDir); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: PID file %s keeps reappearing", ErrAlreadyRunning, pidPath(dataDir))
}

func writePIDExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return f.Close()
}

// WritePID overwrites dataDir/hookproxy.pid with the current PID.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return nil
}

// ReadPID returns the PID recorded in dataDir.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parsing PID from %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePID removes the PID file. A missing file is not an error.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	return err == nil && isProcessAlive(pid)
}

// isProcessAlive probes pid with signal 0. EPERM still means it exists.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
