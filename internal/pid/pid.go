// Package pid keeps a single daemon instance per host.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"golang.org/x/sys/unix"
)

const (
	DefaultDir = "/run"
	fileName   = "hwmonctl.pid"
)

type File struct {
	path string
}

// New returns the PID file in dir, or in DefaultDir when dir is empty.
func New(dir string) *File {
	if dir == "" {
		dir = DefaultDir
	}

	return &File{path: filepath.Join(dir, fileName)}
}

func (f *File) Path() string {
	return f.path
}

// Write records the current process ID. A file left behind by a process
// that is gone, or one that cannot be parsed, is replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if running, pid := f.owner(); running {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			PID  int
			Path string
		}{
			PID:  pid,
			Path: f.path,
		})
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) owner() (bool, int) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false, pid
	}

	// EPERM still means the process exists
	err = unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM), pid
}
