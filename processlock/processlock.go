// Package processlock provides a single-instance guard for the agent
// process, backed by an exclusively-flocked PID file: only one net-agentd
// may run against a given cn_uuid at a time, so a second invocation fails
// fast rather than racing the first for NetAPI writes.
package processlock

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrEmptyFilePath = errors.New("empty file path")
	ErrInvalidFile   = errors.New("invalid file pointer")
	ErrAlreadyLocked = errors.New("process lock is held by another process")
)

//nolint:revive // this naming makes sense
type Interface interface {
	Lock() error
	Unlock() error
}

type fileLock struct {
	filePath string
	file     *os.File
	closed   bool
}

func NewFileLock(fileAbsPath string) (Interface, error) {
	if fileAbsPath == "" {
		return nil, ErrEmptyFilePath
	}

	//nolint:gomnd //0o755 - permission to create directory in octal
	err := os.MkdirAll(filepath.Dir(fileAbsPath), os.FileMode(0o755))
	if err != nil {
		return nil, errors.Wrap(err, "mkdir lock dir returned error")
	}

	return &fileLock{
		filePath: fileAbsPath,
	}, nil
}

func (l *fileLock) Lock() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrAlreadyLocked
		}
		return errors.Wrap(err, "flock")
	}

	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate lock file")
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return errors.Wrap(err, "write to lockfile failed")
	}

	l.file = f
	return nil
}

func (l *fileLock) Unlock() error {
	if l.file == nil {
		return ErrInvalidFile
	}
	if l.closed {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "unflock")
	}
	err := l.file.Close()
	l.closed = true
	return err
}
