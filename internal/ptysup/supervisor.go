// Package ptysup supervises PTY child processes. Each process is run
// through an external pty-helper executable (cmd/ptyhelper) rather than the
// agent owning PTY ioctls directly: the helper forwards stdin/stdout
// verbatim and accepts out-of-band resize control messages.
package ptysup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// OutputHandler is invoked with a chunk of process output as soon as it is
// read from the helper. Chunk boundaries are whatever the OS/pipe delivers.
type OutputHandler func(pid int, stream string, data []byte)

// ExitHandler is invoked exactly once, when the child reports exit.
type ExitHandler func(pid int, code int)

// Record tracks one spawned PTY child and its subscriber set.
type Record struct {
	Pid int

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	controlIn  io.WriteCloser
	controlOut io.ReadCloser

	stdoutDone chan struct{}

	mu          sync.Mutex
	subscribers map[string]struct{}
	exited      bool
}

// Supervisor owns every live process record, keyed by pid.
type Supervisor struct {
	helperPath string
	coep       string

	mu       sync.Mutex
	records  map[int]*Record
	onOutput OutputHandler
	onExit   ExitHandler
}

// New creates a Supervisor. helperPathOverride, if non-empty, is used
// verbatim; otherwise the helper is resolved by trying a fixed
// container-install location and then a path relative to the agent's own
// executable.
func New(helperPathOverride, coep string) *Supervisor {
	return &Supervisor{
		helperPath: resolveHelperPath(helperPathOverride),
		coep:       coep,
		records:    make(map[int]*Record),
	}
}

func resolveHelperPath(override string) string {
	if override != "" {
		return override
	}
	const fixed = "/usr/local/libexec/container-agent/ptyhelper"
	if _, err := os.Stat(fixed); err == nil {
		return fixed
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "ptyhelper")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return fixed
}

// OnOutput registers the single handler invoked for every output chunk
// across all processes. NotifyFSEvent-style fan-out to individual pid
// subscribers is the caller's responsibility (the Mux layer), keyed by pid.
func (s *Supervisor) OnOutput(h OutputHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutput = h
}

// OnExit registers the single handler invoked when any process exits.
func (s *Supervisor) OnExit(h ExitHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = h
}

// Spawn starts <pty-helper> --cols=N --rows=N <command> <args...> and
// begins routing its output. It fails if any of the child's stream handles
// cannot be obtained.
func (s *Supervisor) Spawn(command string, args []string, cols, rows int) (int, error) {
	helperArgs := append([]string{
		fmt.Sprintf("--cols=%d", cols),
		fmt.Sprintf("--rows=%d", rows),
		command,
	}, args...)

	cmd := exec.Command(s.helperPath, helperArgs...)
	cmd.Env = append(os.Environ(), "COEP="+s.coep)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: stdout pipe: %w", err)
	}

	controlInR, controlInW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: control-in pipe: %w", err)
	}
	controlOutR, controlOutW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: control-out pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{controlInR, controlOutW}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	// The child's ends of the control pipes are now inherited; close our
	// copies of the ends we don't use.
	_ = controlInR.Close()
	_ = controlOutW.Close()

	pid := cmd.Process.Pid
	rec := &Record{
		Pid:         pid,
		cmd:         cmd,
		stdin:       stdin,
		controlIn:   controlInW,
		controlOut:  controlOutR,
		stdoutDone:  make(chan struct{}),
		subscribers: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.records[pid] = rec
	s.mu.Unlock()

	go s.readOutput(rec, stdout)
	go s.readControlOut(rec)

	return pid, nil
}

// Input writes data to the child's stdin verbatim.
func (s *Supervisor) Input(pid int, data []byte) error {
	rec, err := s.lookup(pid)
	if err != nil {
		return err
	}
	_, err = rec.stdin.Write(data)
	return err
}

// Resize sends an out-of-band resize control message to the helper.
func (s *Supervisor) Resize(pid, cols, rows int) error {
	rec, err := s.lookup(pid)
	if err != nil {
		return err
	}
	msg := struct {
		Type string `json:"type"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}{Type: "resize", Cols: cols, Rows: rows}
	enc := json.NewEncoder(rec.controlIn)
	return enc.Encode(msg)
}

// Kill sends the default termination signal (SIGTERM) to the helper and
// closes its stdin. The record is not removed here: it stays until the
// helper's exit is observed, and Kill on that pid keeps succeeding until then.
func (s *Supervisor) Kill(pid int) error {
	rec, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if rec.cmd.Process != nil {
		_ = rec.cmd.Process.Signal(syscall.SIGTERM)
	}
	_ = rec.stdin.Close()
	return nil
}

// KillAll terminates every tracked process. Used on agent shutdown, where
// the normal outlive-the-client invariant no longer applies.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	pids := make([]int, 0, len(s.records))
	for pid := range s.records {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		_ = s.Kill(pid)
	}
}

// Subscribe adds subscriberID to pid's subscriber set.
func (s *Supervisor) Subscribe(pid int, subscriberID string) error {
	rec, err := s.lookup(pid)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.subscribers[subscriberID] = struct{}{}
	rec.mu.Unlock()
	return nil
}

// Unsubscribe removes subscriberID from every pid's subscriber set; used on
// client disconnect. Processes are never killed as a result — they outlive
// their spawning client.
func (s *Supervisor) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		rec.mu.Lock()
		delete(rec.subscribers, subscriberID)
		rec.mu.Unlock()
	}
}

// Subscribers returns a snapshot of pid's current subscriber set.
func (s *Supervisor) Subscribers(pid int) []string {
	rec, err := s.lookup(pid)
	if err != nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, 0, len(rec.subscribers))
	for id := range rec.subscribers {
		out = append(out, id)
	}
	return out
}

func (s *Supervisor) lookup(pid int) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pid]
	if !ok {
		return nil, fmt.Errorf("Process %d not found", pid)
	}
	return rec, nil
}

func (s *Supervisor) readOutput(rec *Record, r io.Reader) {
	defer close(rec.stdoutDone)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			h := s.onOutput
			s.mu.Unlock()
			if h != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h(rec.Pid, "stdout", chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) readControlOut(rec *Record) {
	scanner := bufio.NewScanner(rec.controlOut)
	for scanner.Scan() {
		var msg struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "exit" {
			s.handleExit(rec, msg.Code)
			return
		}
	}
	// control-out closed without an exit message (helper killed or crashed):
	// still report exit so subscribers aren't left hanging. The helper's own
	// exit status is reported; a helper ended by a signal has none and is
	// reported as 0.
	<-rec.stdoutDone
	code := 0
	if err := rec.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() > 0 {
			code = exitErr.ExitCode()
		}
	}
	s.handleExit(rec, code)
}

func (s *Supervisor) handleExit(rec *Record, code int) {
	rec.mu.Lock()
	if rec.exited {
		rec.mu.Unlock()
		return
	}
	rec.exited = true
	rec.mu.Unlock()

	<-rec.stdoutDone
	_ = rec.cmd.Wait()

	s.mu.Lock()
	h := s.onExit
	s.mu.Unlock()

	// The handler runs while the record is still tracked so it can read the
	// pid's subscriber set; the record is dropped right after.
	if h != nil {
		h(rec.Pid, code)
	}

	s.mu.Lock()
	delete(s.records, rec.Pid)
	s.mu.Unlock()

	slog.Debug("process exited", "pid", rec.Pid, "code", code)
}
