// Package console reads trigger commands from a line-oriented stream such
// as stdin and forwards them to the session engine.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chaz8081/fakeagent/internal/ble"
)

// Engine is the part of ble.Engine the console drives.
type Engine interface {
	Enroll()
	Auth()
	Reset()
	Status() ble.Status
}

const help = `commands:
  enroll   start the enrollment flow
  auth     start the authentication flow
  reset    abandon the active session
  status   show the engine state
  quit     exit`

// Serve reads commands from r until EOF, "quit", or ctx is done. Replies
// go to w. Unknown commands are reported and skipped.
func Serve(ctx context.Context, r io.Reader, w io.Writer, eng Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return fmt.Errorf("console: read: %w", err)
				}
				return nil
			}
			if quit := dispatch(strings.TrimSpace(line), w, eng); quit {
				return nil
			}
		}
	}
}

func dispatch(cmd string, w io.Writer, eng Engine) (quit bool) {
	switch strings.ToLower(cmd) {
	case "":
	case "enroll", "e":
		eng.Enroll()
	case "auth", "a":
		eng.Auth()
	case "reset":
		eng.Reset()
	case "status", "s":
		fmt.Fprintln(w, FormatStatus(eng.Status()))
	case "help", "?":
		fmt.Fprintln(w, help)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(w, "unknown command %q (try help)\n", cmd)
	}
	return false
}

// FormatStatus renders a one-line summary of st.
func FormatStatus(st ble.Status) string {
	power := "off"
	if st.PoweredOn {
		power = "on"
	}
	if !st.Busy {
		return fmt.Sprintf("idle (power %s, last outcome: %s, sessions: %d)", power, st.Outcome, st.Sessions)
	}
	s := fmt.Sprintf("busy: stage %q (power %s)", st.Stage, power)
	if st.Peripheral != "" {
		s += ", peripheral " + st.Peripheral
	}
	if st.Outcome == ble.OutcomeStalled {
		s += ", stalled: reset required"
	}
	return s
}
