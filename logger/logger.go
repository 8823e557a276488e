// Copyright 2017 Microsoft. All rights reserved.
// MIT License

// Package logger is the ambient logging stack for net-agentd: a small
// rotating-file logger wrapped by package-level Printf/Debugf/Warnf/Errorf
// helpers so every reconciler, client, and the agent root share one sink.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sync"
)

// Log level.
const (
	LevelAlert = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

// Log target.
const (
	TargetStderr = iota
	TargetLogfile
	TargetStdout
	TargetStdoutAndLogfile
)

const (
	logFileExtension = ".log"
	logFilePerm      = os.FileMode(0o664)

	maxLogFileSize  = 5 * 1024 * 1024
	maxLogFileCount = 8
)

// Logger is a leveled, optionally size-rotated logger.
type Logger struct {
	l            *log.Logger
	out          io.WriteCloser
	name         string
	level        int
	target       int
	directory    string
	maxFileSize  int
	maxFileCount int
	callCount    int
	mutex        sync.Mutex
}

// New creates a Logger writing to directory/name.log once target includes a
// file sink, gated at level.
func New(name string, level, target int, directory string) *Logger {
	lg := &Logger{
		l:            log.New(nil, "", log.LstdFlags),
		name:         name,
		level:        level,
		directory:    directory,
		maxFileSize:  maxLogFileSize,
		maxFileCount: maxLogFileCount,
	}
	lg.SetTarget(target)
	return lg
}

// LevelFromEnv parses LOG_LEVEL, defaulting to debug
func LevelFromEnv() int {
	switch os.Getenv("LOG_LEVEL") {
	case "alert":
		return LevelAlert
	case "error":
		return LevelError
	case "warning", "warn":
		return LevelWarning
	case "info":
		return LevelInfo
	default:
		return LevelDebug
	}
}

func (lg *Logger) SetLevel(level int) {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()
	lg.level = level
}

func (lg *Logger) logFileName() string {
	return path.Join(lg.directory, lg.name+logFileExtension)
}

// SetTarget switches the output sink, (re)opening the log file as needed.
func (lg *Logger) SetTarget(target int) error {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	lg.target = target

	switch target {
	case TargetStderr:
		lg.setOutput(os.Stderr)
	case TargetStdout:
		lg.setOutput(os.Stdout)
	case TargetLogfile, TargetStdoutAndLogfile:
		f, err := os.OpenFile(lg.logFileName(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePerm)
		if err != nil {
			lg.setOutput(os.Stderr)
			return fmt.Errorf("open log file: %w", err)
		}
		if target == TargetStdoutAndLogfile {
			lg.setOutput(io.NopCloser(io.MultiWriter(os.Stdout, f)))
		} else {
			lg.setOutput(f)
		}
	}

	return nil
}

func (lg *Logger) setOutput(w io.WriteCloser) {
	if lg.out != nil {
		lg.out.Close()
	}
	lg.out = w
	lg.l.SetOutput(w)
}

func (lg *Logger) rotateIfNeeded() {
	if lg.target != TargetLogfile && lg.target != TargetStdoutAndLogfile {
		return
	}

	lg.callCount++
	if lg.callCount%128 != 0 {
		return
	}

	info, err := os.Stat(lg.logFileName())
	if err != nil || info.Size() < int64(lg.maxFileSize) {
		return
	}

	for i := lg.maxFileCount - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", lg.logFileName(), i-1), fmt.Sprintf("%s.%d", lg.logFileName(), i))
	}
	os.Rename(lg.logFileName(), lg.logFileName()+".0")
	lg.SetTarget(lg.target)
}

func (lg *Logger) write(level int, prefix, format string, args ...interface{}) {
	lg.mutex.Lock()
	if level > lg.level {
		lg.mutex.Unlock()
		return
	}
	lg.mutex.Unlock()

	lg.rotateIfNeeded()
	lg.l.Printf(prefix+format, args...)
}

func (lg *Logger) Close() {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()
	if lg.out != nil {
		lg.out.Close()
	}
}

func (lg *Logger) Errorf(format string, args ...interface{}) { lg.write(LevelError, "[ERRO] ", format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.write(LevelWarning, "[WARN] ", format, args...) }
func (lg *Logger) Printf(format string, args ...interface{}) { lg.write(LevelInfo, "[INFO] ", format, args...) }
func (lg *Logger) Debugf(format string, args ...interface{}) { lg.write(LevelDebug, "[DBUG] ", format, args...) }

// Default is the process-wide logger, initialized by InitDefault.
var Default *Logger

// InitDefault sets up the process-wide Logger used by the package-level
// helpers below.
func InitDefault(name string, level, target int, directory string) {
	Default = New(name, level, target, directory)
}

func Printf(format string, args ...interface{}) {
	if Default != nil {
		Default.Printf(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Default != nil {
		Default.Debugf(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Default != nil {
		Default.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Default != nil {
		Default.Errorf(format, args...)
	}
}

func Close() {
	if Default != nil {
		Default.Close()
	}
}
