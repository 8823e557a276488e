package eventsource

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// ZoneState is the subset of zone-state subprocess newstate values the
// polling watcher treats as corroborating a VM inventory change.
type ZoneState string

const (
	ZoneStateUninitialized ZoneState = "uninitialized"
	ZoneStateRunning       ZoneState = "running"
)

// ZoneStateEvent is one line of the subprocess's newline-delimited JSON
// output.
type ZoneStateEvent struct {
	ZoneName string    `json:"zonename"`
	NewState ZoneState `json:"newstate"`
}

// ZoneStateStream reads successive zone-state events from the subprocess.
type ZoneStateStream interface {
	Next(ctx context.Context) (ZoneStateEvent, error)
	Close() error
}

// processZoneStateStream spawns a long-lived child process and decodes its
// stdout as newline-delimited JSON.
type processZoneStateStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stdout  io.ReadCloser
}

// NewZoneStateSubprocess spawns name with args and returns a stream over
// its stdout.
func NewZoneStateSubprocess(ctx context.Context, name string, args ...string) (ZoneStateStream, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening zone-state stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting zone-state subprocess")
	}
	return &processZoneStateStream{cmd: cmd, scanner: bufio.NewScanner(stdout), stdout: stdout}, nil
}

func (s *processZoneStateStream) Next(ctx context.Context) (ZoneStateEvent, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return ZoneStateEvent{}, err
		}
		return ZoneStateEvent{}, io.EOF
	}
	var ev ZoneStateEvent
	if err := json.Unmarshal(s.scanner.Bytes(), &ev); err != nil {
		// A single malformed line does not kill the stream; the caller
		// loops and calls Next again, which advances past it.
		return s.Next(ctx)
	}
	return ev, nil
}

func (s *processZoneStateStream) Close() error {
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
