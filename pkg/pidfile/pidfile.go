// Package pidfile guards against running two daemons at once.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotRunning is returned when no live process owns the PID file
var ErrNotRunning = errors.New("daemon is not running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path string
	pid  int
}

// New creates a new PIDFile instance for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path: path,
		pid:  os.Getpid(),
	}
}

// Create writes the PID file. A file left behind by a dead process is
// replaced; a live one is an error.
func (p *PIDFile) Create() error {
	running, existingPID, err := p.CheckRunning()
	if err != nil {
		// unreadable file, treat as stale
		running = false
	}
	if running && existingPID != p.pid {
		return fmt.Errorf("daemon already running with PID %d", existingPID)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove removes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	existingPID, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && existingPID != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existingPID, p.pid)
	}
	return os.Remove(p.path)
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// CheckRunning reports whether the process named in the file is alive
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return processAlive(pid), pid, nil
}

// Signal sends sig to the process named in the file
func (p *PIDFile) Signal(sig syscall.Signal) error {
	running, pid, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", pid, err)
	}
	return nil
}

// processAlive probes the process with signal 0. EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
