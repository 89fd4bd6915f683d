// Command ptyhelper is the external pseudo-terminal executable the agent
// spawns for every process it runs. It owns the PTY ioctls so the main
// agent process never has to: stdin/stdout carry the raw PTY byte stream
// verbatim, while resize requests and the exit notification travel over a
// pair of out-of-band control pipes (file descriptors 3 and 4) so they
// never collide with the data stream.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type exitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

func main() {
	cols := flag.Int("cols", 80, "initial PTY column count")
	rows := flag.Int("rows", 24, "initial PTY row count")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "ptyhelper: missing command")
		os.Exit(2)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(*rows), Cols: uint16(*cols)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyhelper: start failed: %v\n", err)
		os.Exit(1)
	}
	defer ptmx.Close()

	controlIn := os.NewFile(3, "control-in")
	controlOut := os.NewFile(4, "control-out")

	done := make(chan struct{})

	// stdin -> pty: verbatim input passthrough.
	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()

	// pty -> stdout: verbatim output passthrough.
	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
		close(done)
	}()

	// control-in: out-of-band resize requests.
	if controlIn != nil {
		go func() {
			scanner := bufio.NewScanner(controlIn)
			scanner.Buffer(make([]byte, 4096), 64*1024)
			for scanner.Scan() {
				var msg controlMessage
				if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
					continue
				}
				if msg.Type == "resize" {
					_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(msg.Rows), Cols: uint16(msg.Cols)})
				}
			}
		}()
	}

	err = cmd.Wait()
	<-done

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	if controlOut != nil {
		enc := json.NewEncoder(controlOut)
		_ = enc.Encode(exitMessage{Type: "exit", Code: code})
		controlOut.Close()
	}

	os.Exit(code)
}
